package proxy

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/wxyzZ/little-mitm/internal/config"
	"github.com/wxyzZ/little-mitm/internal/mitm"
)

const imagePath = "/www/netty-in-action.gif"

// image is served by the test origins as a fixed binary payload.
var image = func() []byte {
	b := make([]byte, 96<<10)
	_, _ = rand.Read(b)
	return b
}()

func originHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(imagePath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write(image)
	})
	mux.HandleFunc("/host", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Host)
	})
	return mux
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(originHandler())
	t.Cleanup(srv.Close)
	return srv
}

// newSecureOrigin starts a TLS origin and returns a pool trusting it.
func newSecureOrigin(t *testing.T, h http.Handler) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	if h == nil {
		h = originHandler()
	}
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return srv, pool
}

var testCA *mitm.CA

func sharedCA(t *testing.T) *mitm.CA {
	t.Helper()
	if testCA == nil {
		ca, err := mitm.NewCA(mitm.CAOptions{CommonName: "little-mitm test CA", KeyAlgorithm: mitm.KeyECDSA})
		require.NoError(t, err)
		testCA = ca
	}
	return testCA
}

func startProxy(t *testing.T, mutate func(*config.Config), opts ...Option) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.DNS.Mode = "system"
	cfg.Limits.IdleTimeout = 5 * time.Second
	cfg.Limits.DialTimeout = 2 * time.Second
	cfg.Limits.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	log, _ := test.NewNullLogger()
	s, err := NewServer(cfg, log, append([]Option{WithCA(sharedCA(t))}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func proxyURL(s *Server) *url.URL {
	return &url.URL{Scheme: "http", Host: s.Addr().String()}
}

// proxyClient trusts only the proxy's root, so every secured response it
// accepts went through interception.
func proxyClient(t *testing.T, s *Server, keepAlive bool) *http.Client {
	t.Helper()
	tr := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL(s)),
		TLSClientConfig:   &tls.Config{RootCAs: s.CA().CertPool()},
		DisableKeepAlives: !keepAlive,
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}
}

func directClient(t *testing.T, pool *x509.CertPool) *http.Client {
	t.Helper()
	tr := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}
}

func fetch(t *testing.T, c *http.Client, u string) ([]byte, *http.Response) {
	t.Helper()
	resp, err := c.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body, resp
}

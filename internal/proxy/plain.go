package proxy

import (
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wxyzZ/little-mitm/internal/metrics"
)

// newPlainForwarder builds the reverse proxy that carries absolute-form
// plaintext requests to their origin unchanged.
func (s *Server) newPlainForwarder(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			// keep original host
			if r.URL.Scheme == "" {
				r.URL.Scheme = "http"
			}
			r.Host = r.URL.Host
			r.Header.Del("Proxy-Connection")
			r.Header.Del("Proxy-Authorization")
			// a forward proxy does not announce itself
			r.Header["X-Forwarded-For"] = nil
		},
		Transport:     transport,
		FlushInterval: 50 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.WithFields(logrus.Fields{"host": r.URL.Host, "path": r.URL.Path}).WithError(err).Warn("plain forward failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// handlePlain forwards one plaintext request, or answers it with the offline
// substitute when outbound connections are limited. The policy is read once
// per request since every plaintext request is its own origin attempt.
func (s *Server) handlePlain(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithFields(logrus.Fields{"method": r.Method, "url": r.URL.String(), "state": StatePlainForward})
	if !s.policy.IsOutboundAllowed() {
		log.Debug("outbound limited, serving offline response")
		s.offline.ServeHTTP(w, r)
		s.stats.Add(metrics.RequestEvent{
			Kind:    metrics.KindOffline,
			Host:    r.URL.Hostname(),
			Method:  r.Method,
			Path:    r.URL.EscapedPath(),
			Code:    s.offline.Status,
			BytesIn: int64(len(s.offline.Body)),
		})
		return
	}
	log.Debug("forwarding")
	s.rp.ServeHTTP(w, r)
}

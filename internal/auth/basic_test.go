package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func proxyRequest(creds string) *http.Request {
	r := httptest.NewRequest(http.MethodConnect, "http://example.com:443", nil)
	if creds != "" {
		r.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}
	return r
}

func TestBasicCheck(t *testing.T) {
	require.True(t, Basic{}.Check(proxyRequest("")))

	b := Basic{Enabled: true, Username: "alice", Password: "s3cret"}
	require.False(t, b.Check(proxyRequest("")))
	require.False(t, b.Check(proxyRequest("alice:wrong")))
	require.True(t, b.Check(proxyRequest("alice:s3cret")))

	// plain Authorization belongs to the origin, not the proxy
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.SetBasicAuth("alice", "s3cret")
	require.False(t, b.Check(r))

	r = proxyRequest("")
	r.Header.Set("Proxy-Authorization", "Basic !!!")
	require.False(t, b.Check(r))

	anyone := Basic{Enabled: true}
	require.True(t, anyone.Check(proxyRequest("whoever:whatever")))
}

func TestChallenge(t *testing.T) {
	rec := httptest.NewRecorder()
	Basic{Enabled: true}.Challenge(rec)
	require.Equal(t, http.StatusProxyAuthRequired, rec.Code)
	require.Equal(t, `Basic realm="little-mitm"`, rec.Header().Get("Proxy-Authenticate"))
}

package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const Realm = "little-mitm"

// Basic checks the Proxy-Authorization header of proxy requests.
type Basic struct {
	Enabled  bool
	Username string
	Password string
}

func (b Basic) Check(r *http.Request) bool {
	if !b.Enabled {
		return true
	}
	u, p, ok := proxyCredentials(r.Header.Get("Proxy-Authorization"))
	if !ok {
		return false
	}
	if b.Username == "" && b.Password == "" {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(u), []byte(b.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(p), []byte(b.Password)) == 1
	return userOK && passOK
}

// Challenge writes a 407 asking the client for credentials.
func (b Basic) Challenge(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", "Basic realm=\""+Realm+"\"")
	http.Error(w, "proxy auth required", http.StatusProxyAuthRequired)
}

func proxyCredentials(h string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return
}

// Package rules scopes interception. CONNECT targets outside the scope are
// relayed as opaque tunnels and never see a minted certificate.
package rules

import (
	"fmt"
	"net"
	"strings"
)

type Mode string

const (
	ModeAll  Mode = "all"
	ModeList Mode = "list"
	ModeNone Mode = "none"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAll, nil
	case ModeAll, ModeList, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown intercept mode %q", s)
	}
}

// Engine matches targets against the intercept list. Entries are
//
//	example.com      the domain and every subdomain
//	*.example.com    subdomains only
//	10.0.0.0/8       IP literal targets inside the network
type Engine struct {
	Mode Mode

	domains    []string
	subdomains []string
	nets       []*net.IPNet
}

// New builds an engine; an unknown mode intercepts nothing.
func New(mode string, list []string) *Engine {
	m, err := ParseMode(mode)
	if err != nil {
		m = ModeNone
	}
	e := &Engine{Mode: m}
	for _, entry := range list {
		entry = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")
		switch {
		case entry == "":
		case strings.HasPrefix(entry, "*."):
			e.subdomains = append(e.subdomains, entry[1:])
		case strings.Contains(entry, "/"):
			if _, n, err := net.ParseCIDR(entry); err == nil {
				e.nets = append(e.nets, n)
			}
		default:
			e.domains = append(e.domains, entry)
		}
	}
	return e
}

// ShouldIntercept decides whether a host:port should be MITM-ed.
func (e *Engine) ShouldIntercept(hostport string) bool {
	switch e.Mode {
	case ModeAll:
		return true
	case ModeList:
		return e.listed(hostport)
	}
	return false
}

func (e *Engine) listed(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range e.nets {
			if n.Contains(ip) {
				return true
			}
		}
	}
	for _, d := range e.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	for _, suffix := range e.subdomains {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

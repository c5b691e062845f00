package mitm

import (
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Issuer mints leaf certificates. *CA implements it.
type Issuer interface {
	IssueLeaf(hostname string, sans []string) (*IssuedCertificate, error)
}

var errNoServerName = errors.New("no server name and no fallback host")

// CertStore memoizes leaf certificates per normalized hostname for the life
// of the process. Lookups never take a lock; a miss goes through a
// singleflight group so concurrent first requests for one host share a
// single issuance.
type CertStore struct {
	issuer Issuer
	cache  sync.Map // string -> *IssuedCertificate
	group  singleflight.Group
	issued atomic.Int64
}

func NewCertStore(issuer Issuer) *CertStore {
	return &CertStore{issuer: issuer}
}

// GetOrIssue returns the cached certificate for hostname, issuing it on the
// first request. Failed issuances are not cached.
func (s *CertStore) GetOrIssue(hostname string) (*IssuedCertificate, error) {
	key := NormalizeHost(hostname)
	if v, ok := s.cache.Load(key); ok {
		return v.(*IssuedCertificate), nil
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// a previous flight may have stored it between Load and Do
		if v, ok := s.cache.Load(key); ok {
			return v, nil
		}
		crt, err := s.issuer.IssueLeaf(key, nil)
		if err != nil {
			return nil, err
		}
		s.issued.Add(1)
		actual, _ := s.cache.LoadOrStore(key, crt)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*IssuedCertificate), nil
}

// GetCertificate serves tls.Config.GetCertificate using the client's SNI.
func (s *CertStore) GetCertificate(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.ForHost("")(chi)
}

// ForHost returns a GetCertificate callback that prefers the client's SNI
// and falls back to host (the CONNECT target) when the client sent none,
// which is what clients do for IP literals.
func (s *CertStore) ForHost(host string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name := chi.ServerName
		if name == "" {
			name = host
		}
		if name == "" {
			return nil, errNoServerName
		}
		crt, err := s.GetOrIssue(name)
		if err != nil {
			return nil, err
		}
		return crt.TLS, nil
	}
}

// Len is the number of cached hosts.
func (s *CertStore) Len() int {
	n := 0
	s.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Issued counts successful issuances since the store was created.
func (s *CertStore) Issued() int64 { return s.issued.Load() }

package mitm

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrCANotReady      = errors.New("certificate authority not initialized")
	ErrInvalidHostname = errors.New("invalid hostname")
)

const (
	leafValidity = 365 * 24 * time.Hour
	// backdate certificates so clients with a slightly slow clock accept them
	clockSkew = time.Hour
)

type CAOptions struct {
	Organization string
	CommonName   string
	ValidityDays int
	KeyAlgorithm KeyAlgorithm
}

func (o CAOptions) withDefaults() CAOptions {
	if o.Organization == "" {
		o.Organization = "little-mitm"
	}
	if o.CommonName == "" {
		o.CommonName = "little-mitm CA"
	}
	if o.ValidityDays <= 0 {
		o.ValidityDays = 3650
	}
	if o.KeyAlgorithm == "" {
		o.KeyAlgorithm = KeyRSA
	}
	return o
}

// CA is the root authority every leaf certificate chains up to. It is
// immutable once built and safe for concurrent use.
type CA struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	opts    CAOptions
	certPEM []byte
	keyPEM  []byte
}

// IssuedCertificate is a leaf minted for one host and its SANs.
type IssuedCertificate struct {
	Names    []string
	Leaf     *x509.Certificate
	Key      crypto.Signer
	TLS      *tls.Certificate
	IssuedAt time.Time
}

// NewCA generates a fresh self-signed root.
func NewCA(opts CAOptions) (*CA, error) {
	opts = opts.withDefaults()
	key, err := GenerateKey(opts.KeyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.AddDate(0, 0, opts.ValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("sign ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	keyPEM, err := EncodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, Key: key, opts: opts, certPEM: EncodeCertPEM(cert), keyPEM: keyPEM}, nil
}

// ParseCA builds a CA from a PEM certificate and key pair.
func ParseCA(certPEM, keyPEM []byte, opts CAOptions) (*CA, error) {
	cert, err := DecodeCertPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}
	key, err := DecodeKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}
	if !cert.IsCA || !cert.BasicConstraintsValid {
		return nil, errors.New("certificate is not a ca")
	}
	return &CA{Cert: cert, Key: key, opts: opts.withDefaults(), certPEM: certPEM, keyPEM: keyPEM}, nil
}

// LoadOrCreate reads the CA pair from disk. When the files are missing and
// auto is set a new CA is generated and written there.
func LoadOrCreate(certFile, keyFile string, auto bool, opts CAOptions) (*CA, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("empty ca cert/key path")
	}
	certPEM, certErr := os.ReadFile(certFile)
	keyPEM, keyErr := os.ReadFile(keyFile)
	if certErr == nil && keyErr == nil {
		return ParseCA(certPEM, keyPEM, opts)
	}
	if !auto {
		return nil, fmt.Errorf("ca not found and auto_generate=false")
	}
	ca, err := NewCA(opts)
	if err != nil {
		return nil, err
	}
	for _, f := range []string{certFile, keyFile} {
		if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(certFile, ca.certPEM, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, ca.keyPEM, 0o600); err != nil {
		return nil, err
	}
	return ca, nil
}

func (ca *CA) CertPEM() []byte { return ca.certPEM }

// CertPool returns a pool trusting only this root.
func (ca *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// IssueLeaf signs a server certificate covering hostname and sans. An empty
// sans list defaults to hostname alone.
func (ca *CA) IssueLeaf(hostname string, sans []string) (*IssuedCertificate, error) {
	if ca == nil || ca.Cert == nil || ca.Key == nil {
		return nil, ErrCANotReady
	}
	hostname = NormalizeHost(hostname)
	if !ValidHostname(hostname) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
	}
	names := []string{hostname}
	for _, s := range sans {
		s = NormalizeHost(s)
		if s == "" || contains(names, s) {
			continue
		}
		if !ValidHostname(s) {
			return nil, fmt.Errorf("%w: san %q", ErrInvalidHostname, s)
		}
		names = append(names, s)
	}

	key, err := GenerateKey(ca.opts.KeyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	notBefore, notAfter := now.Add(-clockSkew), now.Add(leafValidity)
	if notBefore.Before(ca.Cert.NotBefore) {
		notBefore = ca.Cert.NotBefore
	}
	if notAfter.After(ca.Cert.NotAfter) {
		notAfter = ca.Cert.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{ca.opts.Organization},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	// RSA key exchange encrypts to the leaf key, ECDSA keys only sign
	if _, ok := key.Public().(*rsa.PublicKey); ok {
		tmpl.KeyUsage |= x509.KeyUsageKeyEncipherment
	}
	for _, n := range names {
		if ip := net.ParseIP(n); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, n)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", hostname, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf for %s: %w", hostname, err)
	}
	return &IssuedCertificate{
		Names: names,
		Leaf:  leaf,
		Key:   key,
		TLS: &tls.Certificate{
			Certificate: [][]byte{der, ca.Cert.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		IssuedAt: now,
	}, nil
}

// NormalizeHost lower-cases a host and strips IPv6 brackets and a trailing
// dot. Ports are not stripped.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.TrimSuffix(host, ".")
}

// ValidHostname reports whether host is an IP literal or a syntactically
// valid DNS name. A leading "*." wildcard label is allowed.
func ValidHostname(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	for i, l := range labels {
		if i == 0 && l == "*" && len(labels) > 1 {
			continue
		}
		if !validLabel(l) {
			return false
		}
	}
	return true
}

func validLabel(l string) bool {
	if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

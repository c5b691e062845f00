package mitm

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	ca, err := NewCA(CAOptions{KeyAlgorithm: KeyECDSA})
	require.NoError(t, err)
	return ca
}

func verifyFor(ca *CA, crt *IssuedCertificate, name string) error {
	_, err := crt.Leaf.Verify(x509.VerifyOptions{
		DNSName:   name,
		Roots:     ca.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	return err
}

func TestNewCAIsSelfSignedRoot(t *testing.T) {
	ca, err := NewCA(CAOptions{CommonName: "test root", Organization: "test org"})
	require.NoError(t, err)
	require.True(t, ca.Cert.IsCA)
	require.True(t, ca.Cert.BasicConstraintsValid)
	require.Equal(t, "test root", ca.Cert.Subject.CommonName)
	require.NoError(t, ca.Cert.CheckSignatureFrom(ca.Cert))
	_, ok := ca.Key.(*rsa.PrivateKey)
	require.True(t, ok, "default key algorithm is rsa")
	require.Contains(t, string(ca.CertPEM()), "BEGIN CERTIFICATE")
}

func TestIssueLeafPerHost(t *testing.T) {
	ca := newTestCA(t)

	a, err := ca.IssueLeaf("a.example.com", nil)
	require.NoError(t, err)
	b, err := ca.IssueLeaf("b.example.com", nil)
	require.NoError(t, err)

	require.NotEqual(t, a.Leaf.Raw, b.Leaf.Raw)
	require.NoError(t, verifyFor(ca, a, "a.example.com"))
	require.NoError(t, verifyFor(ca, b, "b.example.com"))
	require.Error(t, verifyFor(ca, a, "b.example.com"))
	require.Error(t, verifyFor(ca, b, "a.example.com"))

	require.Equal(t, ca.Cert.RawSubject, a.Leaf.RawIssuer)
	require.NoError(t, a.Leaf.CheckSignatureFrom(ca.Cert))
	require.False(t, a.Leaf.IsCA)
	require.Len(t, a.TLS.Certificate, 2)
	require.Equal(t, ca.Cert.Raw, a.TLS.Certificate[1])
	_, ok := a.Key.(*ecdsa.PrivateKey)
	require.True(t, ok)
}

func TestIssueLeafSANs(t *testing.T) {
	ca := newTestCA(t)

	crt, err := ca.IssueLeaf("Example.COM.", []string{"www.example.com", "example.com", "10.0.0.7"})
	require.NoError(t, err)
	require.Equal(t, []string{"example.com", "www.example.com", "10.0.0.7"}, crt.Names)
	require.Equal(t, []string{"example.com", "www.example.com"}, crt.Leaf.DNSNames)
	require.Len(t, crt.Leaf.IPAddresses, 1)
	require.True(t, crt.Leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.7")))
	require.Equal(t, "example.com", crt.Leaf.Subject.CommonName)

	for _, name := range []string{"example.com", "www.example.com", "10.0.0.7"} {
		require.NoError(t, verifyFor(ca, crt, name), name)
	}
	require.Error(t, verifyFor(ca, crt, "api.example.com"))
}

func TestIssueLeafIPv6Literal(t *testing.T) {
	ca := newTestCA(t)
	crt, err := ca.IssueLeaf("[::1]", nil)
	require.NoError(t, err)
	require.Empty(t, crt.Leaf.DNSNames)
	require.True(t, crt.Leaf.IPAddresses[0].Equal(net.IPv6loopback))
}

func TestIssueLeafValidityInsideRoot(t *testing.T) {
	ca, err := NewCA(CAOptions{ValidityDays: 30, KeyAlgorithm: KeyECDSA})
	require.NoError(t, err)
	crt, err := ca.IssueLeaf("short.example", nil)
	require.NoError(t, err)
	require.False(t, crt.Leaf.NotBefore.Before(ca.Cert.NotBefore))
	require.False(t, crt.Leaf.NotAfter.After(ca.Cert.NotAfter))
}

func TestIssueLeafErrors(t *testing.T) {
	ca := newTestCA(t)

	for _, host := range []string{"", "bad host", "-lead.example", "a..b", "exa$mple.com"} {
		_, err := ca.IssueLeaf(host, nil)
		require.ErrorIs(t, err, ErrInvalidHostname, host)
	}
	_, err := ca.IssueLeaf("ok.example", []string{"not valid"})
	require.ErrorIs(t, err, ErrInvalidHostname)

	var empty *CA
	_, err = empty.IssueLeaf("example.com", nil)
	require.True(t, errors.Is(err, ErrCANotReady))
	_, err = (&CA{}).IssueLeaf("example.com", nil)
	require.ErrorIs(t, err, ErrCANotReady)
}

func TestValidHostname(t *testing.T) {
	require.True(t, ValidHostname("localhost"))
	require.True(t, ValidHostname("*.example.com"))
	require.True(t, ValidHostname("_dmarc.example.com"))
	require.True(t, ValidHostname("2001:db8::1"))
	require.False(t, ValidHostname("*"))
	require.False(t, ValidHostname("a.*.example.com"))
	require.False(t, ValidHostname("example.com:443"))
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca", "root.pem")
	keyFile := filepath.Join(dir, "ca", "root.key")

	_, err := LoadOrCreate(certFile, keyFile, false, CAOptions{})
	require.Error(t, err)

	created, err := LoadOrCreate(certFile, keyFile, true, CAOptions{KeyAlgorithm: KeyECDSA})
	require.NoError(t, err)
	st, err := os.Stat(keyFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	loaded, err := LoadOrCreate(certFile, keyFile, false, CAOptions{KeyAlgorithm: KeyECDSA})
	require.NoError(t, err)
	require.Equal(t, created.Cert.Raw, loaded.Cert.Raw)

	crt, err := loaded.IssueLeaf("reload.example", nil)
	require.NoError(t, err)
	require.NoError(t, verifyFor(created, crt, "reload.example"))

	_, err = LoadOrCreate("", keyFile, true, CAOptions{})
	require.Error(t, err)
}

func TestParseCARejectsLeaf(t *testing.T) {
	ca := newTestCA(t)
	crt, err := ca.IssueLeaf("leaf.example", nil)
	require.NoError(t, err)
	keyPEM, err := EncodeKeyPEM(crt.Key)
	require.NoError(t, err)
	_, err = ParseCA(EncodeCertPEM(crt.Leaf), keyPEM, CAOptions{})
	require.ErrorContains(t, err, "not a ca")
}

func TestIssueLeafKeyUsageFollowsKeyType(t *testing.T) {
	ecCA := newTestCA(t)
	crt, err := ecCA.IssueLeaf("ec.example.com", nil)
	require.NoError(t, err)
	require.Equal(t, x509.KeyUsageDigitalSignature, crt.Leaf.KeyUsage)

	rsaCA, err := NewCA(CAOptions{KeyAlgorithm: KeyRSA})
	require.NoError(t, err)
	crt, err = rsaCA.IssueLeaf("rsa.example.com", nil)
	require.NoError(t, err)
	require.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, crt.Leaf.KeyUsage)
	require.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, crt.Leaf.ExtKeyUsage)
}

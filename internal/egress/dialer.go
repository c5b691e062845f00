package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/fumiama/terasu"
	trsdns "github.com/fumiama/terasu/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

var ErrNoAddress = errors.New("no address for host")

const resolveCacheTTL = 5 * time.Minute

type Options struct {
	DNSMode            string // terasu | system | auto
	DialTimeout        time.Duration
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool // nil means the system pool
	FirstFragmentLen   uint8
}

// Dialer opens the origin-facing leg of a session: a TCP connection to the
// real origin followed by an optional TLS client handshake.
type Dialer struct {
	opts     Options
	log      logrus.FieldLogger
	resolved *ttl.Cache[string, []string]
	lookup   func(ctx context.Context, host string) ([]string, error)
}

func NewDialer(opts Options, log logrus.FieldLogger) *Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	d := &Dialer{opts: opts, log: log, resolved: ttl.NewCache[string, []string](resolveCacheTTL)}
	switch strings.ToLower(opts.DNSMode) {
	case "terasu", "auto":
		d.lookup = trsdns.LookupHost
	default:
		d.lookup = net.DefaultResolver.LookupHost
	}
	return d
}

func (d *Dialer) resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if addrs := d.resolved.Get(host); len(addrs) > 0 {
		return addrs, nil
	}
	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	d.resolved.Set(host, addrs)
	return addrs, nil
}

// DialContext connects to addr trying each resolved address in order.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()
	addrs, err := d.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	nd := net.Dialer{}
	var lastErr error
	for _, a := range addrs {
		conn, err := nd.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

func (d *Dialer) tlsConfig(serverName string, nextProtos []string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            d.opts.RootCAs,
		InsecureSkipVerify: d.opts.InsecureSkipVerify,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS12,
	}
}

// DialTLS dials addr and completes a TLS client handshake presenting
// serverName, which defaults to the host part of addr.
func (d *Dialer) DialTLS(ctx context.Context, addr, serverName string, nextProtos []string) (*tls.Conn, error) {
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return d.Handshake(ctx, conn, serverName, nextProtos)
}

// Handshake runs the TLS client handshake over conn and takes ownership of
// it. With a first fragment length configured the handshake is tried
// fragmented first; if that fails the same remote address is dialed again
// and the handshake retried plainly.
func (d *Dialer) Handshake(ctx context.Context, conn net.Conn, serverName string, nextProtos []string) (*tls.Conn, error) {
	if d.opts.FirstFragmentLen > 0 {
		tlsConn, err := d.handshake(ctx, conn, serverName, nextProtos, d.opts.FirstFragmentLen)
		if err == nil {
			return tlsConn, nil
		}
		remote := conn.RemoteAddr()
		d.log.WithError(err).WithField("origin", remote.String()).Debug("fragmented handshake failed, retrying plainly")
		dctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
		defer cancel()
		nd := net.Dialer{}
		conn, err = nd.DialContext(dctx, remote.Network(), remote.String())
		if err != nil {
			return nil, fmt.Errorf("redial %s: %w", remote, err)
		}
	}
	return d.handshake(ctx, conn, serverName, nextProtos, 0)
}

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, serverName string, nextProtos []string, frag uint8) (*tls.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()
	tlsConn := tls.Client(conn, d.tlsConfig(serverName, nextProtos))
	var err error
	if frag > 0 {
		err = terasu.Use(tlsConn).HandshakeContext(ctx, frag)
	} else {
		err = tlsConn.HandshakeContext(ctx)
	}
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
	}
	return tlsConn, nil
}

// Transport builds the HTTP transport used for plaintext proxy requests.
// It dials through d and speaks HTTP/2 to origins that offer it.
func (d *Dialer) Transport() http.RoundTripper {
	t := &http.Transport{
		DialContext: d.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.DialTLS(ctx, addr, "", []string{"h2", "http/1.1"})
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   d.opts.HandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		d.log.WithError(err).Warn("http2 disabled for egress transport")
	}
	return t
}

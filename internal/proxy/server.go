package proxy

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/wxyzZ/little-mitm/internal/admission"
	"github.com/wxyzZ/little-mitm/internal/auth"
	"github.com/wxyzZ/little-mitm/internal/config"
	"github.com/wxyzZ/little-mitm/internal/egress"
	"github.com/wxyzZ/little-mitm/internal/metrics"
	"github.com/wxyzZ/little-mitm/internal/mitm"
	"github.com/wxyzZ/little-mitm/internal/offline"
	"github.com/wxyzZ/little-mitm/internal/rules"
)

var (
	ErrServerStopped  = errors.New("proxy server stopped")
	ErrAlreadyStarted = errors.New("proxy server already started")
)

type Server struct {
	srv     *http.Server
	cfg     *config.Config
	log     *logrus.Logger
	errLog  io.Closer
	rules   *rules.Engine
	ca      *mitm.CA
	store   *mitm.CertStore
	policy  *admission.Policy
	offline *offline.Responder
	dialer  *egress.Dialer
	rp      *httputil.ReverseProxy
	auth    auth.Basic
	stats   *metrics.Aggregator

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	stopped  bool
	draining bool // set by Shutdown, no session may register after it
	stopOnce sync.Once
	stopErr  error
	sessions sync.WaitGroup
	conns    map[net.Conn]struct{} // hijacked CONNECT connections
	nextID   atomic.Uint64
}

type options struct {
	ca         *mitm.CA
	policy     *admission.Policy
	upstreamCA *x509.CertPool
}

type Option func(*options)

// WithCA makes the server issue from ca instead of the configured one.
func WithCA(ca *mitm.CA) Option { return func(o *options) { o.ca = ca } }

// WithPolicy shares an admission policy owned by the caller.
func WithPolicy(p *admission.Policy) Option { return func(o *options) { o.policy = p } }

// WithUpstreamRootCAs sets the roots used to verify origin certificates.
func WithUpstreamRootCAs(pool *x509.CertPool) Option {
	return func(o *options) { o.upstreamCA = pool }
}

func NewServer(cfg *config.Config, log *logrus.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ca := o.ca
	if ca == nil {
		var err error
		if ca, err = loadCA(cfg, log); err != nil {
			return nil, err
		}
	}

	policy := o.policy
	if policy == nil {
		mode, err := admission.ParseMode(cfg.Admission.Mode)
		if err != nil {
			return nil, err
		}
		policy = admission.New(mode)
	}

	agg := metrics.NewAggregator()
	dialer := egress.NewDialer(egress.Options{
		DNSMode:            cfg.DNS.Mode,
		DialTimeout:        cfg.Limits.DialTimeout,
		HandshakeTimeout:   cfg.Limits.HandshakeTimeout,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
		RootCAs:            o.upstreamCA,
		FirstFragmentLen:   cfg.Upstream.FirstFragmentLen,
	}, log)
	if cfg.Upstream.InsecureSkipVerify {
		log.Warn("origin certificate verification is disabled")
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		rules:   rules.New(cfg.Mode, cfg.InterceptList),
		ca:      ca,
		store:   mitm.NewCertStore(ca),
		policy:  policy,
		offline: offline.New(cfg.Offline.Status, cfg.Offline.Body),
		dialer:  dialer,
		auth: auth.Basic{
			Enabled:  cfg.Security.BasicAuth.Enabled,
			Username: cfg.Security.BasicAuth.Username,
			Password: cfg.Security.BasicAuth.Password,
		},
		stats: agg,
		conns: make(map[net.Conn]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.rp = s.newPlainForwarder(&metrics.Transport{Base: dialer.Transport(), Agg: agg})

	errLog := log.WriterLevel(logrus.DebugLevel)
	s.errLog = errLog
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: cfg.Limits.HandshakeTimeout,
		ReadTimeout:       cfg.Limits.ReadTimeout,
		WriteTimeout:      cfg.Limits.WriteTimeout,
		IdleTimeout:       cfg.Limits.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          stdlog.New(errLog, "", 0),
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s, nil
}

func loadCA(cfg *config.Config, log logrus.FieldLogger) (*mitm.CA, error) {
	alg, err := mitm.ParseKeyAlgorithm(cfg.CA.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	opts := mitm.CAOptions{
		Organization: cfg.CA.Organization,
		CommonName:   cfg.CA.CommonName,
		ValidityDays: cfg.CA.ValidityDays,
		KeyAlgorithm: alg,
	}
	if cfg.CA.CertFile == "" && cfg.CA.KeyFile == "" {
		log.Warn("no ca files configured, using an ephemeral root for this process")
		return mitm.NewCA(opts)
	}
	return mitm.LoadOrCreate(cfg.CA.CertFile, cfg.CA.KeyFile, cfg.CA.AutoGenerate, opts)
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrServerStopped
	}
	if s.ln != nil {
		return nil, ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	if s.cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Limits.MaxConns)
	}
	s.ln = &onceCloseListener{Listener: ln}
	s.log.Infof("listening on %s", ln.Addr())
	return s.ln, nil
}

// Start binds the listening socket and serves in the background. It
// returns once the port is bound; Addr reports the actual address.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	go func() {
		if err := s.serve(ln); err != nil {
			s.log.Errorf("proxy server error: %v", err)
		}
	}()
	return nil
}

// ListenAndServe binds and serves until Stop or Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr is the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listening socket. New connections are refused as soon as
// it returns; sessions already accepted run to completion. Repeated calls
// are no-ops.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		ln := s.ln
		s.mu.Unlock()
		s.srv.SetKeepAlivesEnabled(false)
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.stopErr = err
			}
			s.log.Info("proxy listener closed")
		}
	})
	return s.stopErr
}

// Shutdown stops the server and waits for in-flight sessions to drain.
// When ctx ends first the remaining connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.Stop()
	err := s.srv.Shutdown(ctx)
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancelBase()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}
	s.cancelBase()
	_ = s.errLog.Close()
	return err
}

func (s *Server) Policy() *admission.Policy { return s.policy }

func (s *Server) CA() *mitm.CA { return s.ca }

func (s *Server) CertStore() *mitm.CertStore { return s.store }

// Stats exposes metrics aggregator for external services
func (s *Server) Stats() *metrics.Aggregator { return s.stats }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Check(r) {
		s.auth.Challenge(w)
		return
	}
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	// absolute-form request for proxy
	if r.URL.Host == "" || !r.URL.IsAbs() {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.handlePlain(w, r)
}

// connectTarget returns the CONNECT authority as host:port, defaulting the
// port to 443.
func connectTarget(r *http.Request) (target, host string, err error) {
	target = r.Host
	if target == "" {
		target = r.URL.Host
	}
	if target == "" {
		return "", "", errors.New("empty connect target")
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		if host, port, err = net.SplitHostPort(target + ":443"); err != nil {
			return "", "", fmt.Errorf("connect target %q: %w", target, err)
		}
	}
	host = mitm.NormalizeHost(host)
	if !mitm.ValidHostname(host) {
		return "", "", fmt.Errorf("%w: %q", mitm.ErrInvalidHostname, host)
	}
	return net.JoinHostPort(host, port), host, nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target, host, err := connectTarget(r)
	if err != nil {
		s.log.WithError(err).Debug("bad connect")
		http.Error(w, "bad connect", http.StatusBadRequest)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "not supported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.log.WithError(err).Warn("hijack failed")
		return
	}
	// server read/write timeouts must not leak into the tunnel
	_ = conn.SetDeadline(time.Time{})
	if n := rw.Reader.Buffered(); n > 0 {
		early := make([]byte, n)
		_, _ = io.ReadFull(rw.Reader, early)
		conn = &prefixConn{Conn: conn, r: io.MultiReader(bytes.NewReader(early), conn)}
	}

	if !s.trackConn(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrackConn(conn)

	id := s.nextID.Add(1)
	ts := &tunnelSession{
		srv:       s,
		id:        id,
		target:    target,
		host:      host,
		intercept: s.rules.ShouldIntercept(target),
		client:    conn,
		state:     StateAwaitRequestLine,
		log: s.log.WithFields(logrus.Fields{
			"session": id,
			"target":  target,
			"client":  conn.RemoteAddr().String(),
		}),
	}
	ts.run(s.baseCtx)
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining || s.baseCtx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.sessions.Done()
}

// prefixConn replays bytes the HTTP server buffered past the CONNECT
// request before reading from the socket again.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

type onceCloseListener struct {
	net.Listener
	once sync.Once
	err  error
}

func (l *onceCloseListener) Close() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return l.err
}

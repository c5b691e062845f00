package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wxyzZ/little-mitm/internal/admission"
	"github.com/wxyzZ/little-mitm/internal/metrics"
)

// State is a step of a proxied connection's life.
type State int

const (
	StateAwaitRequestLine State = iota
	StatePlainForward
	StateConnectReceived
	StateClientTLSHandshake
	StateCheckAdmission
	StateOriginDial
	StateOriginTLSHandshake
	StateRelaying
	StateAdmissionDenied
	StateClosed
)

var stateNames = [...]string{
	StateAwaitRequestLine:   "await_request_line",
	StatePlainForward:       "plain_forward",
	StateConnectReceived:    "connect_received",
	StateClientTLSHandshake: "client_tls_handshake",
	StateCheckAdmission:     "check_admission",
	StateOriginDial:         "origin_dial",
	StateOriginTLSHandshake: "origin_tls_handshake",
	StateRelaying:           "relaying",
	StateAdmissionDenied:    "admission_denied",
	StateClosed:             "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// relayProtos is offered on both legs so the two decrypted streams always
// speak the same application protocol.
var relayProtos = []string{"http/1.1"}

// tunnelSession owns one hijacked CONNECT connection from acknowledgment to
// close. Nothing in it is shared with other sessions.
type tunnelSession struct {
	srv       *Server
	id        uint64
	target    string // host:port from the CONNECT line
	host      string
	intercept bool
	log       logrus.FieldLogger

	client    net.Conn
	clientTLS *tls.Conn
	origin    net.Conn
	sni       string

	state   State
	started time.Time
	up      int64
	down    int64
}

func (ts *tunnelSession) transition(to State) {
	ts.log.WithFields(logrus.Fields{"from": ts.state, "state": to}).Debug("session state")
	ts.state = to
}

func (ts *tunnelSession) run(ctx context.Context) {
	ts.started = time.Now()
	defer ts.close()
	ts.transition(StateConnectReceived)

	var err error
	if ts.intercept {
		err = ts.intercepted(ctx)
	} else {
		err = ts.opaque(ctx)
	}
	ts.record(err)
	switch {
	case err == nil:
		ts.log.WithFields(logrus.Fields{"up": ts.up, "down": ts.down}).Debug("session finished")
	case errors.Is(err, admission.ErrDenied):
		ts.log.Info("secured request refused, outbound connections are limited")
	default:
		ts.log.WithError(err).WithField("state", ts.state).Warn("session failed")
	}
}

// intercepted terminates the client TLS session with a minted certificate,
// then opens a second TLS session to the origin and relays between them.
func (ts *tunnelSession) intercepted(ctx context.Context) error {
	if _, err := io.WriteString(ts.client, connectEstablished); err != nil {
		return fmt.Errorf("write connect reply: %w", err)
	}

	ts.transition(StateClientTLSHandshake)
	ts.clientTLS = tls.Server(ts.client, &tls.Config{
		GetCertificate: ts.srv.store.ForHost(ts.host),
		NextProtos:     relayProtos,
		MinVersion:     tls.VersionTLS12,
	})
	hctx, cancel := withBudget(ctx, ts.srv.cfg.Limits.HandshakeTimeout)
	err := ts.clientTLS.HandshakeContext(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}
	ts.sni = ts.clientTLS.ConnectionState().ServerName
	if ts.sni != "" {
		ts.log = ts.log.WithField("sni", ts.sni)
	}

	ts.transition(StateCheckAdmission)
	if !ts.srv.policy.IsOutboundAllowed() {
		ts.transition(StateAdmissionDenied)
		// no offline substitute exists for encrypted requests
		return admission.ErrDenied
	}

	ts.transition(StateOriginDial)
	raw, err := ts.srv.dialer.DialContext(ctx, "tcp", ts.target)
	if err != nil {
		return fmt.Errorf("origin dial: %w", err)
	}
	ts.origin = raw

	ts.transition(StateOriginTLSHandshake)
	serverName := ts.sni
	if serverName == "" {
		serverName = ts.host
	}
	originTLS, err := ts.srv.dialer.Handshake(ctx, raw, serverName, relayProtos)
	if err != nil {
		ts.origin = nil // Handshake closed it
		return fmt.Errorf("origin handshake: %w", err)
	}
	ts.origin = originTLS

	ts.transition(StateRelaying)
	ts.up, ts.down, err = relay(ts.clientTLS, originTLS, ts.srv.cfg.Limits.IdleTimeout)
	return err
}

// opaque relays raw bytes for targets excluded from interception. The
// admission check and the dial happen before the tunnel is acknowledged, so
// failures still reach the client as an HTTP status.
func (ts *tunnelSession) opaque(ctx context.Context) error {
	ts.transition(StateCheckAdmission)
	if !ts.srv.policy.IsOutboundAllowed() {
		ts.transition(StateAdmissionDenied)
		ts.reject(http.StatusBadGateway)
		return admission.ErrDenied
	}
	ts.transition(StateOriginDial)
	conn, err := ts.srv.dialer.DialContext(ctx, "tcp", ts.target)
	if err != nil {
		ts.reject(http.StatusBadGateway)
		return fmt.Errorf("origin dial: %w", err)
	}
	ts.origin = conn
	if _, err := io.WriteString(ts.client, connectEstablished); err != nil {
		return fmt.Errorf("write connect reply: %w", err)
	}
	ts.transition(StateRelaying)
	ts.up, ts.down, err = relay(ts.client, conn, ts.srv.cfg.Limits.IdleTimeout)
	return err
}

// withBudget bounds ctx by d; a non-positive d leaves ctx unbounded.
func withBudget(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (ts *tunnelSession) reject(code int) {
	_, _ = fmt.Fprintf(ts.client, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

func (ts *tunnelSession) record(err error) {
	if ts.srv.stats == nil {
		return
	}
	ev := metrics.RequestEvent{
		Kind:     metrics.KindMITM,
		Host:     ts.host,
		SNI:      ts.sni,
		Method:   http.MethodConnect,
		Path:     "/",
		Code:     http.StatusOK,
		Ms:       time.Since(ts.started).Milliseconds(),
		BytesIn:  ts.down,
		BytesOut: ts.up,
	}
	if !ts.intercept {
		ev.Kind = metrics.KindTunnel
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Code = http.StatusBadGateway
		if errors.Is(err, admission.ErrDenied) {
			ev.Kind = metrics.KindDenied
		}
	}
	ts.srv.stats.Add(ev)
}

// close releases both legs whatever path the session took.
func (ts *tunnelSession) close() {
	if ts.origin != nil {
		_ = ts.origin.Close()
	}
	if ts.clientTLS != nil {
		_ = ts.clientTLS.Close()
	}
	_ = ts.client.Close()
	ts.transition(StateClosed)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	cfgpkg "github.com/wxyzZ/little-mitm/internal/config"
	"github.com/wxyzZ/little-mitm/internal/logging"
	metricspkg "github.com/wxyzZ/little-mitm/internal/metrics"
	"github.com/wxyzZ/little-mitm/internal/proxy"
)

const drainTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	exportCA := flag.String("export-ca", "", "write the root certificate PEM to this path and exit")
	flag.Parse()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config error: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Logging.Level)

	p, err := proxy.NewServer(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init proxy")
	}
	if *exportCA != "" {
		if err := os.WriteFile(*exportCA, p.CA().CertPEM(), 0o644); err != nil {
			log.WithError(err).Fatal("export root certificate")
		}
		log.WithField("path", *exportCA).Info("root certificate exported")
		return
	}

	if err := p.Start(); err != nil {
		log.WithError(err).Fatal("start proxy")
	}
	log.WithFields(logrus.Fields{
		"addr":      p.Addr().String(),
		"intercept": cfg.Mode,
		"admission": p.Policy().Mode(),
		"ca":        p.CA().Cert.Subject.CommonName,
	}).Info("little-mitm ready")

	operator, err := serveOperator(cfg.Metrics.Addr, p, log)
	if err != nil {
		log.WithError(err).Error("operator endpoint disabled")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.WithField("signal", (<-sig).String()).Info("draining sessions")

	// a second signal skips the drain
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	go func() {
		<-sig
		cancel()
	}()
	if operator != nil {
		_ = operator.Shutdown(ctx)
	}
	if err := p.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("sessions closed before finishing")
		return
	}
	log.Info("stopped")
}

// serveOperator binds the metrics and admission endpoint when addr is set.
// Binding happens up front so a taken port is reported at startup.
func serveOperator(addr string, p *proxy.Server, log *logrus.Logger) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           metricspkg.NewMux(p.Stats(), p.Policy(), p.CA().CertPEM()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", ln.Addr().String()).Info("operator endpoint listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("operator endpoint stopped")
		}
	}()
	return srv, nil
}

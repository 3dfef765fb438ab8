// Package relay composes the registry, router, durable queue, decision
// multiplexer, upstream adapter, and HTTP API into one runnable service.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chorus-relay/chorus/internal/api"
	"github.com/chorus-relay/chorus/internal/auth"
	"github.com/chorus-relay/chorus/internal/config"
	"github.com/chorus-relay/chorus/internal/decision"
	"github.com/chorus-relay/chorus/internal/metrics"
	"github.com/chorus-relay/chorus/internal/queue"
	"github.com/chorus-relay/chorus/internal/registry"
	"github.com/chorus-relay/chorus/internal/router"
	"github.com/chorus-relay/chorus/internal/upstream"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

const shutdownTimeout = 30 * time.Second

// upstreamConn is the relay's view of whichever upstream mode is active.
type upstreamConn interface {
	Send(env protocol.Envelope) error
	State() upstream.State
}

// Relay is the assembled service.
type Relay struct {
	cfg    *config.Config
	logger *slog.Logger

	store    queue.Store
	registry *registry.Registry
	router   *router.Router
	retryer  *queue.Retryer
	api      *api.Server

	listener *upstream.Listener // listen mode
	dialer   *upstream.Dialer   // dial mode
}

// New wires the relay from configuration. The returned relay owns the store
// and closes it when Run returns.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	store, err := queue.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	authSvc := auth.NewService(cfg.Auth)
	reg := registry.New(authSvc)

	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
	}

	// The upstream handler closes over the relay so the router can be built
	// after the adapter. No traffic flows until Run.
	handler := func(env protocol.Envelope) { r.router.HandleUpstream(env) }

	var up upstreamConn
	switch cfg.Upstream.Mode {
	case "dial":
		r.dialer = upstream.NewDialer(cfg.Upstream.URL, cfg.Auth.Token,
			cfg.Upstream.ReconnectInterval.Duration, handler, logger)
		up = r.dialer
	default:
		r.listener = upstream.NewListener(authSvc, handler, logger)
		up = r.listener
	}

	mux := decision.New(reg, up, cfg.Upstream.DecisionTimeout.Duration,
		decision.DefaultFallback(cfg.Upstream.FallbackAction), logger, m)

	r.router = router.New(reg, store, mux, logger, m, router.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
	})

	r.retryer = queue.NewRetryer(store, r.router.DeliverQueued,
		cfg.Storage.RetryInterval.Duration, cfg.Storage.MaxAge.Duration,
		cfg.Storage.MaxAttempts, logger, m)

	r.api = api.NewServer(api.Deps{
		Registry:  reg,
		Store:     store,
		Decisions: mux,
		Router:    r.router,
		Auth:      authSvc,
		Upstream:  up,
		Gatherer:  promReg,
	}, cfg, logger)

	return r, nil
}

// Run serves until the context is canceled, then shuts down gracefully.
func (r *Relay) Run(ctx context.Context) error {
	defer func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close queue store failed", "error", err)
		}
	}()

	go r.retryer.Run(ctx)

	errCh := make(chan error, 3)

	clientSrv := &http.Server{
		Addr:              r.cfg.Server.Addr,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		r.logger.Info("client listener started", "addr", r.cfg.Server.Addr,
			"tls", r.cfg.Server.TLSCert != "")
		var err error
		if r.cfg.Server.TLSCert != "" {
			err = clientSrv.ListenAndServeTLS(r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			err = clientSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("client listener: %w", err)
		}
	}()

	var upstreamSrv *http.Server
	if r.listener != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", r.listener.HandleWS)
		upstreamSrv = &http.Server{
			Addr:              r.cfg.Upstream.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			r.logger.Info("upstream listener started", "addr", r.cfg.Upstream.Addr)
			if err := upstreamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("upstream listener: %w", err)
			}
		}()
	}
	if r.dialer != nil {
		go func() {
			if err := r.dialer.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("upstream dialer: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		r.logger.Error("relay component failed", "error", err)
		r.shutdown(clientSrv, upstreamSrv)
		return err
	}

	r.logger.Info("shutting down")
	r.shutdown(clientSrv, upstreamSrv)
	return nil
}

func (r *Relay) shutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Warn("server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
}

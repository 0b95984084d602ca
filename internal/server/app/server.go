package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trafficgw/internal/server/api"
	"trafficgw/internal/server/background"
	"trafficgw/internal/server/ingest"
	"trafficgw/internal/server/metrics"
	"trafficgw/internal/server/queue"
)

type Server struct {
	cfg           Config
	log           *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tasks         *background.Group
	binding       queue.Binding
}

func NewServer(ctx context.Context, cfg Config, log *slog.Logger) (*Server, error) {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	binding, err := OpenBinding(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		log.Warn("queue binding not configured; traffic will be dropped")
	}

	tasks := background.NewGroup(cfg.Queue.SendTimeout, log)
	svc := ingest.NewService(queue.NewAdapter(binding, log), tasks, log)
	router := api.NewRouter(api.NewHandlers(svc, log), log, cfg.MaxBodyBytes)

	s := &Server{
		cfg:     cfg,
		log:     log,
		tasks:   tasks,
		binding: binding,
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	if cfg.ACME.Enable {
		tlsConf, err := makeCertMagic(ctx, cfg.ACME)
		if err != nil {
			s.closeBinding()
			return nil, fmt.Errorf("acme: %w", err)
		}
		s.httpServer.TLSConfig = tlsConf
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() {
		s.log.Info("gateway listening", "addr", s.cfg.Listen, "tls", s.cfg.ACME.Enable)
		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("gateway: %w", err)
		}
	}()
	if s.metricsServer != nil {
		go func() {
			s.log.Info("metrics listening", "addr", s.cfg.MetricsListen)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting requests, waits for pending queue sends and
// closes the binding. Sends still running when ctx expires are abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if werr := s.tasks.Wait(ctx); werr != nil {
		s.log.Warn("pending queue sends abandoned", "error", werr)
	}
	s.closeBinding()
	return err
}

func (s *Server) closeBinding() {
	if s.binding == nil {
		return
	}
	if err := s.binding.Close(); err != nil {
		s.log.Warn("queue binding close", "error", err)
	}
}

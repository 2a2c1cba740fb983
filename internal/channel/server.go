package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ledgerbot/internal/metrics"
)

type ServerConfig struct {
	Addr            string
	Webhook         *Webhook
	Admin           *Admin                    // nil leaves /admin unmounted
	Metrics         *metrics.MetricsCollector // nil leaves the metrics endpoint unmounted
	MetricsPath     string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the gateway's HTTP listener.
type Server struct {
	server   *http.Server
	shutdown time.Duration
	logger   *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           Routes(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		shutdown: cfg.ShutdownTimeout,
		logger:   cfg.Logger,
	}
}

// Routes builds the gateway mux.
func Routes(cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Webhook != nil {
		cfg.Webhook.Register(mux)
	}
	if cfg.Admin != nil {
		cfg.Admin.Register(mux)
	}
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.HandleFunc("GET "+path, cfg.Metrics.Handler())
	}
	return mux
}

// Run serves until ctx is done, then drains in-flight requests. Webhook
// handlers run the pipeline synchronously, so shutdown waits for them.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("gateway listening", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("gateway server: %w", err)
	}
}

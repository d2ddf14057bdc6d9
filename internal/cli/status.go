package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	httpAdapter "github.com/aretw0/fedmesh/pkg/adapters/http"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/observability"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownGrace bounds how long in-flight status requests may take on exit.
const shutdownGrace = 5 * time.Second

// Telemetry bundles the observers every coordinator process installs.
type Telemetry struct {
	Tracker  *observability.Tracker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
}

// NewTelemetry creates a tracker and a metrics set on a fresh registry.
func NewTelemetry() (*Telemetry, error) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Tracker: observability.NewTracker(), Metrics: metrics, Registry: reg}, nil
}

// Hooks feeds the tracker, the metrics and the log.
func (t *Telemetry) Hooks(logger *slog.Logger) domain.RoundHooks {
	return observability.Compose(t.Tracker.Hooks(), t.Metrics.Hooks(), observability.LoggingHooks(logger))
}

// StartStatusServer serves the status API on addr until the returned stop
// function is called. An empty addr starts nothing.
func StartStatusServer(addr string, t *Telemetry, store ports.CheckpointStore, logger *slog.Logger) (stop func(), err error) {
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler: httpAdapter.NewHandler(&httpAdapter.Server{
			Status:   t.Tracker,
			Store:    store,
			Gatherer: t.Registry,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server stopped", "error", err)
		}
	}()
	logger.Info("Status server listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown did not complete", "error", err)
			_ = srv.Close()
		}
	}, nil
}

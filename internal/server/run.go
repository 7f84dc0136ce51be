package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/config"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
)

// Run opens the kernel described by settings, opens the configured
// tenant so its interrupted jobs resume, and serves HTTP until ctx is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	k, err := eventkernel.Open(
		eventkernel.FromSettings(settings),
		eventkernel.WithLogger(logger),
		eventkernel.WithMetrics(observability.NewMetricsRecorder()),
		eventkernel.WithSpans(observability.NewSpanManager()),
		eventkernel.WithStorageMetrics(observability.NewStorageMetrics(reg)),
	)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer func() {
		if err := k.Close(); err != nil {
			logger.Error("close kernel", slog.Any("error", err))
		}
	}()

	if _, err := k.Tenant(ctx, settings.Tenant); err != nil {
		return fmt.Errorf("open tenant %s: %w", settings.Tenant, err)
	}

	logger.Info("eventkernel starting",
		slog.String("data_dir", settings.DataDir),
		slog.String("http", settings.HTTPAddr),
		slog.String("tenant", settings.Tenant),
		slog.Int("logs", len(k.Logs())),
	)
	if err := New(k, reg, logger).ListenAndServe(ctx, settings.HTTPAddr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("eventkernel stopped")
	return nil
}

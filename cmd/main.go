package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/fieldsync/internal/adapters/http/api"
	"github.com/okian/fieldsync/internal/adapters/http/swagger"
	app "github.com/okian/fieldsync/internal/app"
	"github.com/okian/fieldsync/internal/config"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

// HTTP server timeout constants. Reads and writes are generous because
// captures carry video and a history request may push pending records first.
const (
	readTimeout               = 2 * time.Minute
	writeTimeout              = 2 * time.Minute
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc := newService(cfg, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	metrics.Configure(
		metrics.WithMetricsEnabled(cfg.MetricsEnabled),
		metrics.WithRefreshInterval(cfg.MetricsRefresh()),
	)
	if metrics.Enabled() {
		go startSystemMetricsUpdater(ctx, metrics.RefreshInterval())
		go startServiceMetricsUpdater(ctx, svc, metrics.RefreshInterval())
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(ctx, svc, cfg, log),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
			return err
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newService maps configuration onto service options.
func newService(cfg *config.Config, log logger.Logger) *app.Service {
	minLatency, maxLatency := cfg.ScoringLatency()
	return app.New(
		app.WithLogger(log),
		app.WithDataDir(cfg.DataDir),
		app.WithMediaDir(cfg.MediaDir),
		app.WithInMemoryStore(cfg.InMemoryStore),
		app.WithAPICandidates(cfg.APICandidates...),
		app.WithProbeTimeouts(cfg.ProbeTimeout(), cfg.ProbeBudget()),
		app.WithRequestTimeout(cfg.RequestTimeout()),
		app.WithDocumentDSN(cfg.DocumentStoreDSN),
		app.WithDocumentCollection(cfg.DocumentCollection),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithInflightSize(cfg.InflightSize),
		app.WithSyncConcurrency(cfg.SyncConcurrency),
		app.WithRetryPolicy(cfg.RetryPolicy()),
		app.WithScoringLatencyRange(minLatency, maxLatency),
	)
}

// newMux registers the local API and its docs.
func newMux(ctx context.Context, svc *app.Service, cfg *config.Config, log logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc,
		api.WithLogger(log.Named("http")),
		api.WithCaptureDir(cfg.CaptureDir),
	).Register(mux)
	return mux
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes queue and storage gauges.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(ctx, svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics updates service-level metrics. Stats and StorageInfo
// set the gauges themselves.
func updateServiceMetrics(ctx context.Context, svc *app.Service) {
	if _, err := svc.Stats(ctx); err != nil {
		metrics.RecordErrorByComponent("service", "stats")
		return
	}
	if _, err := svc.StorageInfo(ctx); err != nil {
		metrics.RecordErrorByComponent("service", "storage_info")
	}
}

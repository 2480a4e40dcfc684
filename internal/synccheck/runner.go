package synccheck

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/fieldsync/pkg/logger"
)

// Run submits the captures, fetches the history view and verifies it.
func Run(ctx context.Context, cfg *Config, log logger.Logger) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	client := newHTTPClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting sync check",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("captures", cfg.Captures),
		logger.Int("workers", cfg.Workers),
		logger.Bool("sync", cfg.Sync))

	if err := client.getJSON(ctx, "/healthz", nil); err != nil {
		return stats, fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}

	captures := generateCaptures(cfg, time.Now())
	stats.Generated = len(captures)

	accepted := submitCaptures(ctx, cfg, client, captures, stats, log)
	if len(accepted) == 0 {
		return stats, fmt.Errorf("%w: no capture was accepted", ErrVerification)
	}

	var view View
	path := "/assessments"
	if cfg.Sync {
		path += "?sync=true"
	}
	if err := client.getJSON(ctx, path, &view); err != nil {
		return stats, fmt.Errorf("fetch history: %w", err)
	}
	stats.InHistory = len(view.Records)
	if len(view.Degraded) > 0 {
		log.Warn(ctx, "history is degraded", logger.Strings("sources", view.Degraded))
	}

	stats.Duration = time.Since(stats.StartTime)
	logStats(ctx, log, stats)

	if err := verifyHistory(accepted, view); err != nil {
		return stats, err
	}
	log.Info(ctx, "history verified", logger.Int("records", len(view.Records)))
	return stats, nil
}

// submitCaptures posts captures concurrently and returns the accepted ones.
func submitCaptures(ctx context.Context, cfg *Config, client *HTTPClient, captures []Capture, stats *Stats, log logger.Logger) []Capture {
	var (
		mu       sync.Mutex
		accepted = make([]Capture, 0, len(captures))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))
	for _, c := range captures {
		g.Go(func() error {
			status, err := client.postJSON(gctx, "/assessments", c)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
				log.Warn(gctx, "capture rejected", logger.String("clientKey", c.ClientKey), logger.Error(err))
				return nil
			case status == http.StatusAccepted:
				stats.Deferred++
			default:
				stats.Pushed++
			}
			accepted = append(accepted, c)
			if cfg.Verbose {
				log.Debug(gctx, "capture accepted", logger.String("clientKey", c.ClientKey), logger.Int("status", status))
			}
			return nil
		})
	}
	_ = g.Wait()
	return accepted
}

func logStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var perSecond float64
	if stats.Duration > 0 {
		perSecond = float64(stats.Generated) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("generated", stats.Generated),
		logger.Int("pushed", stats.Pushed),
		logger.Int("deferred", stats.Deferred),
		logger.Int("failed", stats.Failed),
		logger.Int("inHistory", stats.InHistory),
		logger.Duration("duration", stats.Duration),
		logger.Float64("capturesPerSecond", perSecond))
}

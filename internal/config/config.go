// Package config defines the daemon's configuration and how it is loaded.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/okian/fieldsync/internal/domain/retry"
	"github.com/okian/fieldsync/pkg/logger"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DataDir holds the record list and, unless MediaDir is set, the media.
	DataDir       string `koanf:"data_dir"`
	MediaDir      string `koanf:"media_dir"`
	InMemoryStore bool   `koanf:"in_memory_store"`
	// CaptureDir is where the camera app leaves recordings. JSON captures
	// may only reference media under it; empty allows multipart uploads only.
	CaptureDir string `koanf:"capture_dir"`

	// APICandidates are the base URLs probed for the assessment API, in
	// preference order.
	APICandidates    []string `koanf:"api_candidates"`
	ProbeTimeoutMS   int      `koanf:"probe_timeout_ms"`
	ProbeBudgetMS    int      `koanf:"probe_budget_ms"`
	RequestTimeoutMS int      `koanf:"request_timeout_ms"`

	// DocumentStoreDSN points at Postgres. Empty keeps documents in memory.
	DocumentStoreDSN   string `koanf:"document_store_dsn"`
	DocumentCollection string `koanf:"document_collection"`

	QueueSize       int `koanf:"queue_size"`
	WorkerCount     int `koanf:"worker_count"`
	InflightSize    int `koanf:"inflight_size"`
	SyncConcurrency int `koanf:"sync_concurrency"`

	RetryMaxAttempts      int     `koanf:"retry_max_attempts"`
	RetryInitialBackoffMS int     `koanf:"retry_initial_backoff_ms"`
	RetryMaxBackoffMS     int     `koanf:"retry_max_backoff_ms"`
	RetryMultiplier       float64 `koanf:"retry_multiplier"`

	// ScoringLatencyMinMS and ScoringLatencyMaxMS simulate on-device model latency.
	ScoringLatencyMinMS int `koanf:"scoring_latency_min_ms"`
	ScoringLatencyMaxMS int `koanf:"scoring_latency_max_ms"`

	MetricsEnabled   bool `koanf:"metrics_enabled"`
	MetricsRefreshMS int  `koanf:"metrics_refresh_ms"`
}

// New creates a Config with defaults.
func New() *Config {
	p := retry.DefaultPolicy()
	return &Config{
		LogLevel:              "info",
		LogFormat:             string(logger.FormatText),
		Addr:                  ":9080",
		DataDir:               "data",
		APICandidates:         []string{"http://localhost:5000", "http://10.0.2.2:5000"},
		ProbeTimeoutMS:        2000,
		ProbeBudgetMS:         5000,
		RequestTimeoutMS:      15000,
		DocumentCollection:    "assessments",
		QueueSize:             1024,
		WorkerCount:           runtime.NumCPU(),
		InflightSize:          1024,
		SyncConcurrency:       4,
		RetryMaxAttempts:      p.MaxAttempts,
		RetryInitialBackoffMS: int(p.InitialBackoff / time.Millisecond),
		RetryMaxBackoffMS:     int(p.MaxBackoff / time.Millisecond),
		RetryMultiplier:       p.Multiplier,
		ScoringLatencyMinMS:   1500,
		ScoringLatencyMaxMS:   2500,
		MetricsEnabled:        true,
		MetricsRefreshMS:      10000,
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case logger.Format(c.LogFormat) != logger.FormatText && logger.Format(c.LogFormat) != logger.FormatJSON:
		return fmt.Errorf("%w: log_format must be %q or %q", ErrInvalidConfig, logger.FormatText, logger.FormatJSON)
	case !c.InMemoryStore && c.DataDir == "":
		return fmt.Errorf("%w: data_dir must not be empty", ErrInvalidConfig)
	case c.ProbeTimeoutMS <= 0 || c.ProbeBudgetMS < c.ProbeTimeoutMS:
		return fmt.Errorf("%w: probe_budget_ms must be >= probe_timeout_ms > 0", ErrInvalidConfig)
	case c.RequestTimeoutMS <= 0:
		return fmt.Errorf("%w: request_timeout_ms must be positive", ErrInvalidConfig)
	case c.QueueSize <= 0 || c.WorkerCount <= 0 || c.InflightSize <= 0 || c.SyncConcurrency <= 0:
		return fmt.Errorf("%w: queue, worker, inflight and sync sizes must be positive", ErrInvalidConfig)
	case c.ScoringLatencyMinMS < 0 || c.ScoringLatencyMaxMS < c.ScoringLatencyMinMS:
		return fmt.Errorf("%w: scoring latency range is invalid", ErrInvalidConfig)
	case c.MetricsRefreshMS <= 0:
		return fmt.Errorf("%w: metrics_refresh_ms must be positive", ErrInvalidConfig)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// RetryPolicy returns the configured reprocess polling policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.RetryMaxAttempts,
		InitialBackoff: ms(c.RetryInitialBackoffMS),
		MaxBackoff:     ms(c.RetryMaxBackoffMS),
		Multiplier:     c.RetryMultiplier,
	}
}

// ProbeTimeout is the per-candidate probe timeout.
func (c *Config) ProbeTimeout() time.Duration { return ms(c.ProbeTimeoutMS) }

// ProbeBudget bounds a whole probe.
func (c *Config) ProbeBudget() time.Duration { return ms(c.ProbeBudgetMS) }

// RequestTimeout bounds each remote call.
func (c *Config) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMS) }

// ScoringLatency returns the simulated scorer latency range.
func (c *Config) ScoringLatency() (time.Duration, time.Duration) {
	return ms(c.ScoringLatencyMinMS), ms(c.ScoringLatencyMaxMS)
}

// MetricsRefresh paces the gauge updaters.
func (c *Config) MetricsRefresh() time.Duration { return ms(c.MetricsRefreshMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

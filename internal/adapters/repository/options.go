package repository

import (
	"time"

	"github.com/okian/fieldsync/pkg/logger"
)

// Option applies a configuration option to the LocalStore.
type Option func(*LocalStore)

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *LocalStore) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// WithInMemory keeps the record list in memory only. Used by tests.
func WithInMemory(inMemory bool) Option {
	return func(s *LocalStore) {
		s.inMemory = inMemory
	}
}

// WithMediaDir sets the directory media blobs are copied into.
func WithMediaDir(dir string) Option {
	return func(s *LocalStore) {
		if dir != "" {
			s.mediaDir = dir
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *LocalStore) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *LocalStore) {
		if now != nil {
			s.now = now
		}
	}
}

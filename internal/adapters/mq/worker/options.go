package worker

import (
	"context"

	"github.com/okian/fieldsync/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker. Passed to NewPool it also
// becomes the pool's logger. Without it nothing is logged.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithOnFinish registers a callback run after every job, successful or not.
func WithOnFinish(fn func(ctx context.Context, j Job, err error)) Option {
	return func(w *InMemoryWorker) {
		if fn != nil {
			w.onFinish = fn
		}
	}
}

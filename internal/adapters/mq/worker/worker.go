// Package worker runs analysis jobs off the submit path.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	poolShutdownTimeout     = 30 * time.Second
)

// Job is what workers read off the queue.
type Job = model.AnalysisJob

// Scorer produces a validated analysis for a job.
type Scorer interface {
	Analyze(ctx context.Context, j Job) (model.Analysis, error)
}

// Updater attaches a finished analysis to the record the job belongs to.
// It reports false when the record already carried analysis.
type Updater interface {
	AttachAnalysis(ctx context.Context, j Job, a model.Analysis) (bool, error)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Job
}

// Worker processes jobs using the provided interfaces.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after the job in hand.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue    Queue
	scorer   Scorer
	updater  Updater
	name     string
	onFinish func(ctx context.Context, j Job, err error)

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(queue Queue, scorer Scorer, updater Updater, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    queue,
		scorer:   scorer,
		updater:  updater,
		name:     "worker",
		onFinish: func(context.Context, Job, error) {},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			err := w.process(ctx, j)
			if err != nil {
				w.logger.Warn(ctx, "analysis job failed", logger.String("client_key", j.ClientKey), logger.Error(err))
			}
			w.onFinish(ctx, j, err)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process scores one job and attaches the result. Scorer failures leave the
// record without analysis.
func (w *InMemoryWorker) process(ctx context.Context, j Job) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	scoreStart := time.Now()
	a, err := w.scorer.Analyze(ctx, j)
	metrics.RecordScoringLatency(float64(time.Since(scoreStart).Milliseconds()))
	if err != nil {
		metrics.RecordScoringError()
		metrics.RecordErrorByComponent("worker", "scoring_error")
		return fmt.Errorf("score %s: %w", j.Key(), err)
	}

	attached, err := w.updater.AttachAnalysis(ctx, j, a)
	if err != nil {
		metrics.RecordErrorByComponent("worker", "attach_error")
		return fmt.Errorf("attach analysis %s: %w", j.Key(), err)
	}
	if attached {
		metrics.RecordAnalysisAttached("scorer")
		w.logger.Debug(ctx, "analysis attached", logger.String("client_key", j.ClientKey), logger.String("kind", string(a.Kind)))
	}
	return nil
}

// Pool manages multiple workers.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a worker pool. A count below one scales with the CPUs.
func NewPool(workerCount int, queue Queue, scorer Scorer, updater Updater, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	// The pool logs through the same logger its workers were given.
	base := &InMemoryWorker{logger: logger.Nop()}
	for _, opt := range opts {
		opt(base)
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   queue,
		logger:  base.logger.Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(queue, scorer, updater, wopts...)
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for the workers.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	return nil
}

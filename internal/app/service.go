// Package service wires the local store, the two remote stores and the
// analysis workers into the operations served by the HTTP API.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/fieldsync/internal/adapters/connectivity"
	jobqueue "github.com/okian/fieldsync/internal/adapters/mq/queue"
	workerpool "github.com/okian/fieldsync/internal/adapters/mq/worker"
	"github.com/okian/fieldsync/internal/adapters/remote/docstore"
	"github.com/okian/fieldsync/internal/adapters/remote/restapi"
	"github.com/okian/fieldsync/internal/adapters/repository"
	"github.com/okian/fieldsync/internal/domain/dedupe"
	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/internal/domain/retry"
	"github.com/okian/fieldsync/internal/domain/scoring"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

// Prober decides whether the API is reachable and through which base URL.
type Prober interface {
	Probe(ctx context.Context, candidates []string, perRequest, budget time.Duration) connectivity.Result
}

// APIClient is the REST API as the coordinator uses it.
type APIClient interface {
	Submit(ctx context.Context, baseURL string, sub restapi.Submission) (restapi.Accepted, error)
	List(ctx context.Context, baseURL string) ([]model.AssessmentRecord, error)
	Get(ctx context.Context, baseURL, id string) (model.AssessmentRecord, error)
	Reprocess(ctx context.Context, baseURL, id string) error
}

// DocumentStore is the remote document store as the coordinator uses it.
type DocumentStore interface {
	Create(ctx context.Context, rec model.AssessmentRecord) (string, error)
	AttachAnalysis(ctx context.Context, id, apiID string, a *model.Analysis) error
	List(ctx context.Context) ([]model.AssessmentRecord, error)
	FindByClientKey(ctx context.Context, key string) (model.AssessmentRecord, bool, error)
}

// scoringAdapter adapts scoring.Scorer to worker.Scorer.
type scoringAdapter struct {
	scorer scoring.Scorer
}

func (a *scoringAdapter) Analyze(ctx context.Context, j workerpool.Job) (model.Analysis, error) {
	start := time.Now()
	res, err := a.scorer.Analyze(ctx, j.MediaPath, j.Category)
	if err != nil {
		return model.Analysis{}, err
	}
	analysis, err := scoring.Ingest(j.Category, res)
	if err != nil {
		return model.Analysis{}, err
	}
	analysis.ProcessingSeconds = time.Since(start).Seconds()
	return analysis, nil
}

// Service implements the API dependencies for the sync layer.
type Service struct {
	mu sync.RWMutex

	// Core components
	local    repository.Store
	docs     DocumentStore
	docStore docstore.Store
	api      APIClient
	prober   Prober
	scorer   scoring.Scorer
	queue    jobqueue.Queue
	pool     *workerpool.Pool
	inflight dedupe.Deduper

	// Configuration
	dataDir            string
	mediaDir           string
	inMemory           bool
	documentDSN        string
	documentCollection string
	candidates         []string
	probeTimeout       time.Duration
	probeBudget        time.Duration
	requestTimeout     time.Duration
	workerCount        int
	queueSize          int
	inflightSize       int
	syncConcurrency    int
	retryPolicy        retry.Policy
	scoringMinLatency  time.Duration
	scoringMaxLatency  time.Duration
	now                func() time.Time

	// State
	started bool
	closers []func() error

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithDataDir sets where the record list and media live.
func WithDataDir(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.dataDir = dir
		}
	}
}

// WithMediaDir overrides the media directory.
func WithMediaDir(dir string) Option {
	return func(s *Service) { s.mediaDir = dir }
}

// WithInMemoryStore keeps the record list in memory. Used by tests.
func WithInMemoryStore(inMemory bool) Option {
	return func(s *Service) { s.inMemory = inMemory }
}

// WithLocalStore injects the local record store.
func WithLocalStore(store repository.Store) Option {
	return func(s *Service) { s.local = store }
}

// WithDocumentStore injects the document store.
func WithDocumentStore(store docstore.Store) Option {
	return func(s *Service) { s.docStore = store }
}

// WithDocumentDSN connects the document store to Postgres at Start.
func WithDocumentDSN(dsn string) Option {
	return func(s *Service) { s.documentDSN = dsn }
}

// WithDocumentCollection sets the collection assessments are stored in.
func WithDocumentCollection(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.documentCollection = name
		}
	}
}

// WithAPIClient injects the REST API client.
func WithAPIClient(c APIClient) Option {
	return func(s *Service) { s.api = c }
}

// WithProber injects the connectivity prober.
func WithProber(p Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithScorer injects the analysis scorer.
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

// WithAPICandidates sets the base URLs probed for the API.
func WithAPICandidates(urls ...string) Option {
	return func(s *Service) { s.candidates = append([]string(nil), urls...) }
}

// WithProbeTimeouts sets the per-candidate timeout and the overall budget.
func WithProbeTimeouts(perRequest, budget time.Duration) Option {
	return func(s *Service) {
		if perRequest > 0 {
			s.probeTimeout = perRequest
		}
		if budget > 0 {
			s.probeBudget = budget
		}
	}
}

// WithRequestTimeout bounds every remote call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithWorkerCount sets the number of analysis workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of pending analysis jobs.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithInflightSize bounds how many records may be pushed at once.
func WithInflightSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.inflightSize = size
		}
	}
}

// WithSyncConcurrency bounds the parallel pushes of one sync pass.
func WithSyncConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.syncConcurrency = n
		}
	}
}

// WithRetryPolicy sets the policy used when polling for analysis.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.retryPolicy = p }
}

// WithScoringLatencyRange sets the simulated scorer latency range.
func WithScoringLatencyRange(minLatency, maxLatency time.Duration) Option {
	return func(s *Service) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.scoringMinLatency = minLatency
			s.scoringMaxLatency = maxLatency
		}
	}
}

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		dataDir:            "data",
		documentCollection: docstore.DefaultCollection,
		probeTimeout:       2 * time.Second,
		probeBudget:        5 * time.Second,
		requestTimeout:     15 * time.Second,
		workerCount:        runtime.NumCPU(),
		queueSize:          1024,
		inflightSize:       1024,
		syncConcurrency:    4,
		retryPolicy:        retry.DefaultPolicy(),
		scoringMinLatency:  1500 * time.Millisecond,
		scoringMaxLatency:  2500 * time.Millisecond,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the stores and starts the analysis workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if err := s.retryPolicy.Validate(); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting sync service...")

	if s.local == nil {
		local, err := repository.NewLocalStore(ctx, s.dataDir,
			repository.WithInMemory(s.inMemory),
			repository.WithMediaDir(s.mediaDir),
			repository.WithLogger(s.logger.Named("local-store")),
		)
		if err != nil {
			return fmt.Errorf("%w: open local store: %w", ErrLocalPersistence, err)
		}
		s.local = local
		s.closers = append(s.closers, local.Close)
	}

	if s.docStore == nil {
		store, err := s.openDocumentStore(ctx)
		if err != nil {
			s.closeAll()
			return err
		}
		s.docStore = store
		s.closers = append(s.closers, store.Close)
	}
	s.docs = docstore.NewAssessments(s.docStore,
		docstore.WithCollection(s.documentCollection),
		docstore.WithTimeout(s.requestTimeout),
		docstore.WithLogger(s.logger.Named("docstore")),
	)

	if s.api == nil {
		s.api = restapi.New(
			restapi.WithTimeout(s.requestTimeout),
			restapi.WithLogger(s.logger.Named("api")),
		)
	}
	if s.prober == nil {
		s.prober = connectivity.NewProber(connectivity.WithLogger(s.logger.Named("prober")))
	}
	if s.scorer == nil {
		s.scorer = scoring.NewMockScorer(scoring.WithLatencyRange(s.scoringMinLatency, s.scoringMaxLatency))
	}

	s.inflight = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.inflightSize))
	s.queue = jobqueue.NewInMemoryQueue(
		jobqueue.WithCapacity(s.queueSize),
		jobqueue.WithBufferSize(s.queueSize),
	)
	s.pool = workerpool.NewPool(s.workerCount, s.queue, &scoringAdapter{scorer: s.scorer}, s,
		workerpool.WithOnFinish(s.jobFinished),
		workerpool.WithLogger(s.logger.Named("worker")),
	)
	s.pool.Start(context.WithoutCancel(ctx))

	s.started = true
	s.logger.Info(ctx, "sync service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Strings("apiCandidates", s.candidates),
	)
	return nil
}

func (s *Service) openDocumentStore(ctx context.Context) (docstore.Store, error) {
	if s.documentDSN == "" {
		s.logger.Info(ctx, "no document store dsn, using in-memory document store")
		return docstore.NewMemory(), nil
	}
	db, err := docstore.Connect(ctx, s.documentDSN, docstore.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := docstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate document store: %w", err)
	}
	s.logger.Info(ctx, "using postgres document store", logger.String("collection", s.documentCollection))
	return docstore.NewPostgres(db), nil
}

// Stop drains the workers and closes what Start opened.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping sync service...")

	if s.pool != nil {
		_ = s.pool.Shutdown(ctx)
	}
	s.closeAll()

	s.started = false
	s.logger.Info(ctx, "sync service stopped")
}

func (s *Service) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn(context.Background(), "close failed", logger.Error(err))
		}
	}
	s.closers = nil
}

// Stats reports service and local storage statistics.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":       s.started,
		"workerCount":   s.workerCount,
		"queueSize":     s.queueSize,
		"apiCandidates": s.candidates,
	}
	if !s.started {
		return stats, nil
	}

	info, err := s.local.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	queueLen := s.queue.Len(ctx)
	stats["queueLength"] = queueLen
	stats["inflight"] = s.inflight.Size()
	stats["records"] = info.Records
	stats["recordsByState"] = info.ByState
	stats["mediaBytes"] = info.MediaBytes

	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateWorkerCount(s.pool.Size())
	return stats, nil
}

// StorageInfo reports local record and media usage.
func (s *Service) StorageInfo(ctx context.Context) (repository.Info, error) {
	if err := s.ready(); err != nil {
		return repository.Info{}, err
	}
	info, err := s.local.Info(ctx)
	if err != nil {
		return repository.Info{}, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	return info, nil
}

// Purge removes every offline record and media blob.
func (s *Service) Purge(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	n, err := s.local.Purge(ctx)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrLocalPersistence, err)
	}
	return n, nil
}

// Record returns one local record.
func (s *Service) Record(ctx context.Context, id string) (model.AssessmentRecord, error) {
	if err := s.ready(); err != nil {
		return model.AssessmentRecord{}, err
	}
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		return model.AssessmentRecord{}, localErr(err)
	}
	return rec, nil
}

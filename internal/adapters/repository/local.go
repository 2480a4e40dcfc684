package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

// Local store configuration constants.
const (
	recordsKey                   = "offline_assessments"
	mediaDirName                 = "offline_media"
	dbDirName                    = "records"
	defaultMetricsUpdateInterval = 15 * time.Second
	dirPerm                      = 0o750
)

// LocalStore keeps the record list as one JSON array under a single badger
// key. Every Put and Update rewrites the whole list inside one transaction
// while holding mu, so writes are serialised and durable on return.
type LocalStore struct {
	db *badger.DB
	mu sync.Mutex

	dataDir  string
	mediaDir string
	inMemory bool

	metricsUpdateInterval time.Duration
	log                   logger.Logger
	now                   func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// NewLocalStore opens (or creates) the store rooted at dataDir.
func NewLocalStore(ctx context.Context, dataDir string, opts ...Option) (*LocalStore, error) {
	s := &LocalStore{
		dataDir:               dataDir,
		mediaDir:              filepath.Join(dataDir, mediaDirName),
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		log:                   logger.Nop(),
		now:                   time.Now,
		done:                  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.mediaDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create media directory %s: %w", s.mediaDir, err)
	}

	var bopts badger.Options
	if s.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dataDir == "" {
			return nil, errors.New("data directory is required for a persistent store")
		}
		dbDir := filepath.Join(dataDir, dbDirName)
		if err := os.MkdirAll(dbDir, dirPerm); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
		}
		bopts = badger.DefaultOptions(dbDir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s.db = db

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.startMetricsUpdater(bg)

	s.log.Info(ctx, "local store opened",
		logger.String("media_dir", s.mediaDir),
		logger.Bool("in_memory", s.inMemory))
	return s, nil
}

// MediaDir returns the directory media blobs live in.
func (s *LocalStore) MediaDir() string { return s.mediaDir }

func (s *LocalStore) Put(ctx context.Context, rec model.AssessmentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: id is required", model.ErrInvalidRecord)
	}
	rec = rec.Clone()
	if rec.SyncState == "" {
		rec.SyncState = model.StateCaptured
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	if !rec.Provenance.Has(model.SourceLocal) {
		rec.Provenance = rec.Provenance.With(model.SourceLocal)
	}

	return s.mutate(ctx, "put", func(list []model.AssessmentRecord) ([]model.AssessmentRecord, error) {
		for i := range list {
			if list[i].ID != rec.ID {
				continue
			}
			if !list[i].SubmittedAt.Equal(rec.SubmittedAt) {
				return nil, fmt.Errorf("%w: submittedAt", ErrImmutableField)
			}
			list[i] = rec
			return list, nil
		}
		return append([]model.AssessmentRecord{rec}, list...), nil
	})
}

func (s *LocalStore) Get(ctx context.Context, id string) (model.AssessmentRecord, error) {
	list, err := s.List(ctx)
	if err != nil {
		return model.AssessmentRecord{}, err
	}
	for _, r := range list {
		if r.ID == id {
			return r, nil
		}
	}
	return model.AssessmentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *LocalStore) FindByClientKey(ctx context.Context, key string) (model.AssessmentRecord, error) {
	if key == "" {
		return model.AssessmentRecord{}, fmt.Errorf("%w: empty client key", ErrNotFound)
	}
	list, err := s.List(ctx)
	if err != nil {
		return model.AssessmentRecord{}, err
	}
	for _, r := range list {
		if r.ClientKey == key {
			return r, nil
		}
	}
	return model.AssessmentRecord{}, fmt.Errorf("%w: client key %s", ErrNotFound, key)
}

func (s *LocalStore) List(_ context.Context) ([]model.AssessmentRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var list []model.AssessmentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		list, err = readList(txn)
		return err
	})
	if err != nil {
		metrics.RecordLocalStoreOp("list", "error")
		return nil, err
	}
	return list, nil
}

func (s *LocalStore) Update(ctx context.Context, id string, fn Mutator) (model.AssessmentRecord, error) {
	var updated model.AssessmentRecord
	var from model.SyncState
	err := s.mutate(ctx, "update", func(list []model.AssessmentRecord) ([]model.AssessmentRecord, error) {
		idx := -1
		for i := range list {
			if list[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		before := list[idx]
		from = before.SyncState
		next := before.Clone()
		if err := fn(&next); err != nil {
			return nil, err
		}
		if err := checkUpdate(before, next); err != nil {
			return nil, err
		}
		if next.ID != before.ID {
			for i := range list {
				if i != idx && list[i].ID == next.ID {
					return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, next.ID)
				}
			}
		}
		next.UpdatedAt = s.now().UTC()
		next.Provenance = next.Provenance.With(model.SourceLocal)
		list[idx] = next
		updated = next.Clone()
		return list, nil
	})
	if err != nil {
		return model.AssessmentRecord{}, err
	}
	if from != updated.SyncState {
		metrics.RecordStateTransition(string(from), string(updated.SyncState))
		s.log.Debug(ctx, "local record state changed",
			logger.String("record_id", updated.ID),
			logger.String("from", string(from)),
			logger.String("to", string(updated.SyncState)))
	}
	return updated, nil
}

func checkUpdate(before, next model.AssessmentRecord) error {
	switch {
	case !before.SubmittedAt.Equal(next.SubmittedAt):
		return fmt.Errorf("%w: submittedAt", ErrImmutableField)
	case before.ClientKey != "" && before.ClientKey != next.ClientKey:
		return fmt.Errorf("%w: clientKey", ErrImmutableField)
	case next.ID == "":
		return fmt.Errorf("%w: id is required", model.ErrInvalidRecord)
	case !model.CanTransition(before.SyncState, next.SyncState):
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.SyncState, next.SyncState)
	}
	return next.Validate()
}

func (s *LocalStore) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete", func(list []model.AssessmentRecord) ([]model.AssessmentRecord, error) {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if list[i].SyncState.Pending() {
				return nil, fmt.Errorf("%w: %s is %s", ErrNotSynced, id, list[i].SyncState)
			}
			return append(list[:i], list[i+1:]...), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
}

// Close stops the metrics updater and closes the database.
func (s *LocalStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

// mutate runs one read-modify-write cycle of the record list.
func (s *LocalStore) mutate(ctx context.Context, op string, fn func([]model.AssessmentRecord) ([]model.AssessmentRecord, error)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		list, err := readList(txn)
		if err != nil {
			return err
		}
		list, err = fn(list)
		if err != nil {
			return err
		}
		return writeList(txn, list)
	})
	metrics.RecordLocalStoreLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordLocalStoreOp(op, "error")
		s.log.Debug(ctx, "local store write rejected", logger.String("op", op), logger.Error(err))
		return err
	}
	metrics.RecordLocalStoreOp(op, "ok")
	return nil
}

func readList(txn *badger.Txn) ([]model.AssessmentRecord, error) {
	item, err := txn.Get([]byte(recordsKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record list: %w", err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("copy record list: %w", err)
	}
	var list []model.AssessmentRecord
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	return list, nil
}

func writeList(txn *badger.Txn, list []model.AssessmentRecord) error {
	if list == nil {
		list = []model.AssessmentRecord{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode record list: %w", err)
	}
	if err := txn.Set([]byte(recordsKey), raw); err != nil {
		return fmt.Errorf("write record list: %w", err)
	}
	return nil
}

// startMetricsUpdater refreshes the per-state gauges in the background.
func (s *LocalStore) startMetricsUpdater(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()

	s.updateMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateMetrics(ctx)
		}
	}
}

func (s *LocalStore) updateMetrics(ctx context.Context) {
	info, err := s.Info(ctx)
	if err != nil {
		return
	}
	for _, st := range []model.SyncState{model.StateCaptured, model.StateQueued, model.StatePartiallyPushed, model.StatePushed, model.StateFailed} {
		metrics.UpdateLocalRecords(string(st), info.ByState[string(st)])
	}
	metrics.UpdateMediaBytes(info.MediaBytes)
}

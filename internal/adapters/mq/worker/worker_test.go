package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/fieldsync/internal/adapters/mq/queue"
	worker "github.com/okian/fieldsync/internal/adapters/mq/worker"
	model "github.com/okian/fieldsync/internal/domain/model"
	logging "github.com/okian/fieldsync/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	jobs chan queue.Job
}

func newMockQueue() *mockQueue {
	return &mockQueue{jobs: make(chan queue.Job, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Job { return mq.jobs }

func (mq *mockQueue) Close() error {
	close(mq.jobs)
	return nil
}

type mockScorer struct {
	mu     sync.Mutex
	errors map[string]error
}

func (ms *mockScorer) Analyze(_ context.Context, j worker.Job) (model.Analysis, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.errors[j.ClientKey]; err != nil {
		return model.Analysis{}, err
	}
	return model.Analysis{
		Kind:           model.CategoryRepetition,
		TechniqueScore: 0.9,
		Repetition:     &model.RepetitionAnalysis{Count: 21},
	}, nil
}

func (ms *mockScorer) fail(key string, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.errors[key] = err
}

type mockUpdater struct {
	mu       sync.Mutex
	attached map[string]model.Analysis
	errors   map[string]error
}

func (mu *mockUpdater) AttachAnalysis(_ context.Context, j worker.Job, a model.Analysis) (bool, error) {
	mu.mu.Lock()
	defer mu.mu.Unlock()
	if err := mu.errors[j.ClientKey]; err != nil {
		return false, err
	}
	mu.attached[j.ClientKey] = a
	return true, nil
}

func (mu *mockUpdater) get(key string) (model.Analysis, bool) {
	mu.mu.Lock()
	defer mu.mu.Unlock()
	a, ok := mu.attached[key]
	return a, ok
}

type finished struct {
	ch chan error
}

func (f *finished) record(_ context.Context, _ worker.Job, err error) { f.ch <- err }

func (f *finished) wait() error {
	select {
	case err := <-f.ch:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("job never finished")
	}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a running worker", t, func() {
		q := newMockQueue()
		scorer := &mockScorer{errors: map[string]error{}}
		updater := &mockUpdater{attached: map[string]model.Analysis{}, errors: map[string]error{}}
		done := &finished{ch: make(chan error, 1)}

		w := worker.NewInMemoryWorker(q, scorer, updater, worker.WithName("test-worker"), worker.WithOnFinish(done.record))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a job is scored", func() {
			q.jobs <- worker.Job{ClientKey: "ck-1", Category: model.CategoryRepetition}
			err := done.wait()

			convey.Convey("Then the analysis is attached", func() {
				convey.So(err, convey.ShouldBeNil)
				a, ok := updater.get("ck-1")
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(a.Repetition.Count, convey.ShouldEqual, 21)
			})
		})

		convey.Convey("When scoring fails", func() {
			scorer.fail("ck-2", errors.New("model unavailable"))
			q.jobs <- worker.Job{ClientKey: "ck-2"}
			err := done.wait()

			convey.Convey("Then nothing is attached and the failure is reported", func() {
				convey.So(err, convey.ShouldNotBeNil)
				_, ok := updater.get("ck-2")
				convey.So(ok, convey.ShouldBeFalse)
			})
		})

		convey.Convey("When attaching fails", func() {
			updater.errors["ck-3"] = errors.New("store closed")
			q.jobs <- worker.Job{ClientKey: "ck-3"}
			err := done.wait()

			convey.Convey("Then the failure is reported", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "store closed")
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()

			convey.Convey("Then it stops gracefully", func() {
				convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue and no process logger", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		scorer := &mockScorer{errors: map[string]error{}}
		updater := &mockUpdater{attached: map[string]model.Analysis{}, errors: map[string]error{}}
		var wg sync.WaitGroup
		pool := worker.NewPool(3, q, scorer, updater,
			worker.WithOnFinish(func(context.Context, worker.Job, error) { wg.Done() }),
			worker.WithLogger(logging.Nop()))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.Convey("When several jobs are enqueued", func() {
			keys := []string{"a", "b", "c", "d", "e"}
			wg.Add(len(keys))
			for _, k := range keys {
				convey.So(q.Enqueue(ctx, worker.Job{ClientKey: k}), convey.ShouldBeNil)
			}
			wg.Wait()

			convey.Convey("Then every job is processed and the pool shuts down", func() {
				for _, k := range keys {
					_, ok := updater.get(k)
					convey.So(ok, convey.ShouldBeTrue)
				}
				convey.So(pool.Size(), convey.ShouldEqual, 3)
				convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})
}

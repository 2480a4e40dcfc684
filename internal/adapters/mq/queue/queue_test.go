package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
)

func job(key string) Job {
	return Job{ClientKey: key, RecordID: "local_" + key, MediaPath: "/tmp/" + key + ".mp4", Category: model.CategoryRepetition}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
	if err := q.Enqueue(ctx, job("a")); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	got := <-q.Dequeue(ctx)
	if got.ClientKey != "a" || got.Key() != "a" {
		t.Errorf("expected job a, got %+v", got)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, job(k)); err != nil {
			t.Fatalf("expected enqueue to succeed, got %v", err)
		}
	}
	if err := q.Enqueue(ctx, job("c")); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull when at capacity, got %v", err)
	}
	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(100))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	producers, perProducer := 10, 50

	var consumed sync.Map
	var wg sync.WaitGroup
	wg.Add(producers * perProducer)
	for i := 0; i < 4; i++ {
		go func() {
			for j := range q.Dequeue(ctx) {
				consumed.Store(j.ClientKey, true)
				wg.Done()
			}
		}()
	}

	for i := 0; i < producers; i++ {
		go func(id int) {
			for n := 0; n < perProducer; n++ {
				for q.Enqueue(ctx, job(fmt.Sprintf("%d_%d", id, n))) != nil {
					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumers")
	}

	count := 0
	consumed.Range(func(_, _ any) bool { count++; return true })
	if count != producers*perProducer {
		t.Errorf("expected %d distinct jobs, got %d", producers*perProducer, count)
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	if err := q.Enqueue(ctx, job("a")); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}
	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}
	if err := q.Enqueue(ctx, job("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after closing, got %v", err)
	}

	ch := q.Dequeue(ctx)
	if got, ok := <-ch; !ok || got.ClientKey != "a" {
		t.Errorf("expected pending job a to drain, got %+v (ok=%v)", got, ok)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected dequeue channel to be closed")
		}
	case <-time.After(time.Second):
		t.Error("expected dequeue channel to close within timeout")
	}

	if err := q.Close(); err != nil {
		t.Errorf("expected second close to succeed, got error: %v", err)
	}
}

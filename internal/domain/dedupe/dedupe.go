// Package dedupe tracks records whose remote push is currently in flight so
// two sync passes never push the same record at once.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Deduper records keys that are being worked on.
type Deduper interface {
	// SeenAndRecord atomically checks if key is already in flight and records
	// it if not. Returns true if the caller must skip the key: either it is
	// already held or the guard is at capacity.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord releases key once the work finished, successfully or not.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// inMemoryDeduper implements Deduper with a map guarded by a mutex.
// For bounded mode (maxSize > 0) new keys are refused once full; held keys
// are never evicted because that would let a second pass push the same record.
type inMemoryDeduper struct {
	mu      sync.Mutex
	held    map[string]struct{}
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-flight guard with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 1024,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.held = make(map[string]struct{})
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.held[key]; exists {
		return true
	}
	if d.maxSize > 0 && len(d.held) >= d.maxSize {
		return true
	}
	d.held[key] = struct{}{}
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.held[key]; exists {
		delete(d.held, key)
		d.size.Add(-1)
	}
}

// Size returns the number of keys currently held.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memDoc struct {
	Document
	seq uint64
}

// MemoryOption applies a configuration option to the Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the server timestamp source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// Memory is an in-process document store used when no DSN is configured
// and in tests.
type Memory struct {
	mu     sync.RWMutex
	cols   map[string]map[string]*memDoc
	seq    uint64
	now    func() time.Time
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		cols: make(map[string]map[string]*memDoc),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores data under a new id.
func (m *Memory) Create(_ context.Context, collection string, data Fields) (Document, error) {
	if err := checkCollection(collection); err != nil {
		return Document{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}

	now := m.now().UTC()
	m.seq++
	d := &memDoc{
		Document: Document{
			ID:         uuid.NewString(),
			Collection: collection,
			Data:       raw,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		seq: m.seq,
	}
	if m.cols[collection] == nil {
		m.cols[collection] = make(map[string]*memDoc)
	}
	m.cols[collection][d.ID] = d
	return d.copy(), nil
}

// Update merges patch into the top level of the document body.
func (m *Memory) Update(_ context.Context, collection, id string, patch Fields) (Document, error) {
	if err := checkCollection(collection); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}

	d, ok := m.cols[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(d.Data, &body); err != nil {
		return Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	for k, v := range patch {
		raw, err := json.Marshal(v)
		if err != nil {
			return Document{}, fmt.Errorf("encode field %s: %w", k, err)
		}
		body[k] = raw
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}
	d.Data = raw
	d.UpdatedAt = m.now().UTC()
	return d.copy(), nil
}

// Get returns one document.
func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	d, ok := m.cols[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return d.copy(), nil
}

// Query returns matching documents, newest first.
func (m *Memory) Query(_ context.Context, collection string, q Query) ([]Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	docs := slices.SortedFunc(maps.Values(m.cols[collection]), func(a, b *memDoc) int {
		return int(b.seq) - int(a.seq)
	})
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if len(out) >= q.limit() {
			break
		}
		if q.Field != "" && !fieldEquals(d.Data, q.Field, q.Equals) {
			continue
		}
		out = append(out, d.copy())
	}
	return out, nil
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (d *memDoc) copy() Document {
	out := d.Document
	out.Data = slices.Clone(d.Data)
	return out
}

// fieldEquals mirrors data->>field = value: strings compare unquoted, other
// JSON values by their text form.
func fieldEquals(data json.RawMessage, field, value string) bool {
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	raw, ok := body[field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == value
	}
	return string(raw) == value
}

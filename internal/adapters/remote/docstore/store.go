// Package docstore is the client for the remote document store: generic
// collection/document primitives plus a typed view for assessments.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// defaultQueryLimit caps a Query without an explicit limit.
const defaultQueryLimit = 500

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Fields is a document body or a merge patch.
type Fields map[string]any

// Document is a stored document. ID and CreatedAt are assigned by the server.
type Document struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Query selects documents of a collection. An empty Field matches every
// document; otherwise the top-level Field must equal Equals as text.
type Query struct {
	Field  string
	Equals string
	Limit  int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultQueryLimit
	}
	return q.Limit
}

// Store is the document store contract. Results of Query are ordered newest
// first.
type Store interface {
	Create(ctx context.Context, collection string, data Fields) (Document, error)
	// Update shallow-merges patch into the document body.
	Update(ctx context.Context, collection, id string, patch Fields) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Close() error
}

func checkCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

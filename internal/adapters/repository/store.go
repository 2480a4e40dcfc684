// Package repository implements the on-device record store: a durable
// record list in badger plus a directory of media blobs.
package repository

import (
	"context"

	"github.com/okian/fieldsync/internal/domain/model"
)

// Mutator edits a record in place during Update. Returning an error aborts
// the update without writing.
type Mutator func(rec *model.AssessmentRecord) error

// Info describes what the device currently holds.
type Info struct {
	Records    int            `json:"records"`
	ByState    map[string]int `json:"byState"`
	MediaFiles int            `json:"mediaFiles"`
	MediaBytes int64          `json:"mediaBytes"`
	MediaDir   string         `json:"mediaDir"`
}

// Store provides durable local access to assessment records. Every write
// has persisted by the time it returns.
type Store interface {
	// Put inserts rec, or replaces the record with the same id.
	Put(ctx context.Context, rec model.AssessmentRecord) error
	// Get returns the record with id, or ErrNotFound.
	Get(ctx context.Context, id string) (model.AssessmentRecord, error)
	// FindByClientKey returns the record minted with key, or ErrNotFound.
	FindByClientKey(ctx context.Context, key string) (model.AssessmentRecord, error)
	// List returns every record, most recently inserted first.
	List(ctx context.Context) ([]model.AssessmentRecord, error)
	// Update applies fn to the record with id and persists the result.
	Update(ctx context.Context, id string, fn Mutator) (model.AssessmentRecord, error)
	// Delete removes a record that every remote already holds.
	Delete(ctx context.Context, id string) error

	// SaveMedia copies src into the media directory and returns the new
	// path, or "" when the copy could not be verified.
	SaveMedia(ctx context.Context, src string) string
	// DeleteMedia removes a media blob no unsynced record refers to.
	DeleteMedia(ctx context.Context, path string) error

	// Purge drops every record and media blob.
	Purge(ctx context.Context) (int, error)
	// Info reports record counts and media usage.
	Info(ctx context.Context) (Info, error)

	Close() error
}

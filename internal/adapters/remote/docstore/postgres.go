package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
)

var openDB = sql.Open

// PoolOptions controls the connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultPoolOptions returns the pool settings for the daemon.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     5 * time.Second,
	}
}

// Connect opens a pgx-backed *sql.DB and verifies connectivity.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrEmptyDSN
	}
	db, err := openDB("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Postgres stores documents as JSONB rows of a single table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database. The schema must already be migrated.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const (
	insertDocument = `INSERT INTO documents (collection, data) VALUES ($1, $2::jsonb)
RETURNING id, data, created_at, updated_at`
	updateDocument = `UPDATE documents SET data = data || $3::jsonb, updated_at = now()
WHERE collection = $1 AND id = $2
RETURNING id, data, created_at, updated_at`
	selectDocument = `SELECT id, data, created_at, updated_at FROM documents
WHERE collection = $1 AND id = $2`
	selectAll = `SELECT id, data, created_at, updated_at FROM documents
WHERE collection = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	selectWhere = `SELECT id, data, created_at, updated_at FROM documents
WHERE collection = $1 AND data->>$2 = $3 ORDER BY created_at DESC, id DESC LIMIT $4`
)

// Create inserts a document; the server assigns id and timestamps.
func (p *Postgres) Create(ctx context.Context, collection string, data Fields) (Document, error) {
	if err := checkCollection(collection); err != nil {
		return Document{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}
	d, err := scanDocument(p.db.QueryRowContext(ctx, insertDocument, collection, string(raw)))
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	d.Collection = collection
	return d, nil
}

// Update merges patch into the stored body with the jsonb || operator.
func (p *Postgres) Update(ctx context.Context, collection, id string, patch Fields) (Document, error) {
	if err := checkCollection(collection); err != nil {
		return Document{}, err
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return Document{}, fmt.Errorf("encode patch: %w", err)
	}
	d, err := scanDocument(p.db.QueryRowContext(ctx, updateDocument, collection, id, string(raw)))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("update document: %w", err)
	}
	d.Collection = collection
	return d, nil
}

// Get returns one document.
func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	d, err := scanDocument(p.db.QueryRowContext(ctx, selectDocument, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	d.Collection = collection
	return d, nil
}

// Query returns matching documents, newest first.
func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if q.Field == "" {
		rows, err = p.db.QueryContext(ctx, selectAll, collection, q.limit())
	} else {
		rows, err = p.db.QueryContext(ctx, selectWhere, collection, q.Field, q.Equals, q.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Collection = collection
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// Close closes the underlying pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (Document, error) {
	var (
		d   Document
		raw []byte
	)
	if err := s.Scan(&d.ID, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Document{}, err
	}
	d.Data = json.RawMessage(raw)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

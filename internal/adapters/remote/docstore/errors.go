package docstore

import "errors"

// Sentinel kinds for document store errors.
var (
	ErrNotFound          = errors.New("document not found")
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrEmptyDSN          = errors.New("document store dsn is empty")
	ErrClosed            = errors.New("document store closed")
)

package repository

import "errors"

// Sentinel kinds for local store errors.
var (
	ErrNotFound          = errors.New("assessment not found")
	ErrAlreadyExists     = errors.New("assessment id already in use")
	ErrImmutableField    = errors.New("field is immutable")
	ErrInvalidTransition = errors.New("invalid sync state transition")
	ErrNotSynced         = errors.New("assessment not pushed to every remote")
	ErrMediaInUse        = errors.New("media referenced by an unsynced assessment")
	ErrOutsideMediaDir   = errors.New("path outside the media directory")
	ErrClosed            = errors.New("local store closed")
)

package service

import (
	"errors"

	"github.com/okian/fieldsync/internal/adapters/repository"
)

// Sentinel kinds surfaced to callers. Only local persistence failures are
// hard errors once a capture has been accepted.
var (
	ErrLocalPersistence = errors.New("local persistence failed")
	ErrInvalidCapture   = errors.New("invalid capture")
	ErrNotFound         = errors.New("assessment not found")
	ErrNoMedia          = errors.New("assessment has no local media to score")
	ErrNotStarted       = errors.New("service not started")
)

// localErr maps local store errors onto the service taxonomy.
func localErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return errors.Join(ErrNotFound, err)
	}
	return errors.Join(ErrLocalPersistence, err)
}

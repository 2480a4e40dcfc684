package api

import (
	"errors"
	"fmt"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrMediaPath       = fmt.Errorf("%w: media path not allowed", ErrBadRequest)
	ErrConfirmRequired = errors.New("purge requires confirm=true")
)

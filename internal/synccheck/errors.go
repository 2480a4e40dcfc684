package synccheck

import "errors"

var (
	ErrUnhealthy    = errors.New("daemon is not healthy")
	ErrVerification = errors.New("history verification failed")
)

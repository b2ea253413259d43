package session

import (
	"errors"
	"fmt"
)

// ErrInvalidOperation is matched by every request the controller rejects
// synchronously without changing state.
var ErrInvalidOperation = errors.New("invalid operation")

var (
	ErrBusy           = fmt.Errorf("%w: transition in progress", ErrInvalidOperation)
	ErrConnected      = fmt.Errorf("%w: profile is connected, disconnect first", ErrInvalidOperation)
	ErrUnknownProfile = fmt.Errorf("%w: unknown profile", ErrInvalidOperation)
	ErrClosed         = fmt.Errorf("%w: controller is shutting down", ErrInvalidOperation)
)

var errEmptyConfig = errors.New("configuration file is empty")

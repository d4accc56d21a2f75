package backend

import (
	"errors"
	"fmt"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// Error definitions for the backend package.
var (
	ErrNotFound          = errors.New("backend not found in registry")
	ErrAlreadyRegistered = errors.New("backend is already registered in the registry")
	ErrBinaryNotFound    = fmt.Errorf("%w: binary not found", fault.ErrEngineUnavailable)
	ErrWorkerExited      = errors.New("inference worker exited")
	ErrClosed            = errors.New("backend closed")
)

// RemoteError is a failure reported by the engine itself. Its message is kept
// verbatim so callers can surface it unchanged.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when no adapter is registered for a kind.
	ErrUnknownKind = errors.New("unknown session kind")
	// ErrSessionNotFound is returned when no persisted session has the given ID.
	ErrSessionNotFound = errors.New("run session not found")
	// ErrSessionNotLive is returned when input targets a session that is not running here.
	ErrSessionNotLive = errors.New("run session not running, try resuming")
	// ErrUnsupportedOperation is returned when the adapter does not offer a capability.
	ErrUnsupportedOperation = errors.New("operation not supported")
	// ErrPolicyDenied is returned when the session policy rejects a request.
	ErrPolicyDenied = errors.New("denied by session policy")
)

// AdapterCreationError wraps a failure raised by an adapter while creating or resuming a session.
type AdapterCreationError struct {
	Kind SessionKind
	Err  error
}

func (e *AdapterCreationError) Error() string {
	return fmt.Sprintf("create %s adapter: %v", e.Kind, e.Err)
}

func (e *AdapterCreationError) Unwrap() error {
	return e.Err
}

// Package adapter defines the contract between the run-session manager and the
// per-kind process adapters (shell, ai, file-editor).
package adapter

import (
	"context"
	"encoding/json"

	"github.com/fwdslsh/dispatch/internal/domain"
)

// ErrUnsupportedOperation is returned by Operator.Perform for unknown operation names.
var ErrUnsupportedOperation = domain.ErrUnsupportedOperation

// Event is what an adapter emits. The manager assigns the sequence number.
// An empty Channel defaults to "<kind>:message" and an empty Type to "message".
type Event struct {
	Channel string
	Type    string
	Payload any
}

// EmitFunc records an adapter event. It may be called from any goroutine,
// including after Close has been requested.
type EmitFunc func(Event)

// Params are passed to Adapter.Create.
type Params struct {
	RunID string
	Meta  json.RawMessage
	Emit  EmitFunc
	// LoadEvents returns the run's persisted events. It is set only on resume.
	LoadEvents func(ctx context.Context) ([]domain.SessionEvent, error)
}

// Adapter creates live handles for one session kind.
// ctx bounds creation only; the backing process must outlive it.
type Adapter interface {
	Create(ctx context.Context, params Params) (Handle, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, params Params) (Handle, error)

// Create calls f.
func (f AdapterFunc) Create(ctx context.Context, params Params) (Handle, error) {
	return f(ctx, params)
}

// Handle is a live session. Close must be idempotent.
type Handle interface {
	Close() error
}

// InputWriter is implemented by handles that accept input.
// WriteInput returns an error when no backing process exists.
type InputWriter interface {
	WriteInput(data []byte) error
}

// Operator is implemented by handles that expose kind-specific operations.
type Operator interface {
	Perform(ctx context.Context, op string, params json.RawMessage) (any, error)
}

// Package protocol defines the WebSocket message protocol between viewers and the session service.
package protocol

import (
	"encoding/json"

	"github.com/fwdslsh/dispatch/internal/domain"
)

// Message types from client to server
const (
	TypeHello        = "hello"
	TypeRunCreate    = "run.create"
	TypeRunResume    = "run.resume"
	TypeRunAttach    = "run.attach"
	TypeRunDetach    = "run.detach"
	TypeRunInput     = "run.input"
	TypeRunOperation = "run.operation"
	TypeRunClose     = "run.close"
	TypeRunList      = "run.list"
)

// Message types from server to client
const (
	TypeHelloAck           = "hello_ack"
	TypeRunCreated         = "run.created"
	TypeRunResumed         = "run.resumed"
	TypeRunAttached        = "run.attached"
	TypeRunDetached        = "run.detached"
	TypeRunEvent           = "run.event"
	TypeRunOperationResult = "run.operation_result"
	TypeRunListResult      = "run.list_result"
	TypeRunClosed          = "run.closed"
	TypeError              = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// HelloMessage is sent by the client to establish the connection.
type HelloMessage struct {
	BaseMessage
	UserID     string            `json:"user_id,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string              `json:"connection_id"`
	Kinds        []domain.SessionKind `json:"kinds"`
}

// RunCreateMessage asks the server to start a new session.
type RunCreateMessage struct {
	BaseMessage
	Kind domain.SessionKind `json:"kind"`
	Meta json.RawMessage    `json:"meta,omitempty"`
	// Attach subscribes the connection to the new run before its adapter starts emitting.
	Attach bool `json:"attach,omitempty"`
}

// RunCreatedMessage answers run.create.
type RunCreatedMessage struct {
	BaseMessage
	Kind domain.SessionKind `json:"kind"`
}

// RunResumeMessage asks the server to bring a persisted session back to life.
type RunResumeMessage struct {
	BaseMessage
}

// RunResumedMessage answers run.resume.
type RunResumedMessage struct {
	BaseMessage
	Result *domain.ResumeResult `json:"result"`
}

// RunAttachMessage subscribes the connection to a run.
// Events with seq > AfterSeq are sent as catch-up.
type RunAttachMessage struct {
	BaseMessage
	AfterSeq int64 `json:"after_seq"`
}

// RunAttachedMessage carries the catch-up batch. Live run.event messages may
// overlap it; clients drop events whose seq they have already seen.
type RunAttachedMessage struct {
	BaseMessage
	Live   bool                  `json:"live"`
	Events []domain.SessionEvent `json:"events"`
}

// RunDetachMessage unsubscribes the connection from a run.
type RunDetachMessage struct {
	BaseMessage
}

// RunDetachedMessage answers run.detach.
type RunDetachedMessage struct {
	BaseMessage
}

// RunInputMessage forwards user input to a live session.
type RunInputMessage struct {
	BaseMessage
	Data string `json:"data"`
}

// RunOperationMessage invokes a kind-specific operation.
type RunOperationMessage struct {
	BaseMessage
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RunOperationResultMessage answers run.operation.
type RunOperationResultMessage struct {
	BaseMessage
	Op     string                  `json:"op"`
	Result *domain.OperationResult `json:"result"`
}

// RunCloseMessage stops a session.
type RunCloseMessage struct {
	BaseMessage
}

// RunClosedMessage answers run.close.
type RunClosedMessage struct {
	BaseMessage
}

// RunListMessage lists persisted sessions.
type RunListMessage struct {
	BaseMessage
	Kind domain.SessionKind `json:"kind,omitempty"`
}

// RunListResultMessage answers run.list.
type RunListResultMessage struct {
	BaseMessage
	Sessions []domain.SessionStatus `json:"sessions"`
}

// RunEventMessage delivers one persisted session event.
type RunEventMessage struct {
	BaseMessage
	Event *domain.SessionEvent `json:"event"`
}

// ErrorMessage is sent when a request fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeHelloRequired  = "hello_required"
	ErrorCodeUnknownKind    = "unknown_kind"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeNotLive        = "not_live"
	ErrorCodeUnsupported    = "unsupported"
	ErrorCodePolicyDenied   = "policy_denied"
	ErrorCodeAdapterFailed  = "adapter_failed"
	ErrorCodeInternalError  = "internal_error"
)

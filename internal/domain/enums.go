// Package domain defines the core domain models for the run-session service.
package domain

// RunStatus represents the persisted lifecycle state of a run session.
type RunStatus string

const (
	RunStatusCreated RunStatus = "created"
	RunStatusRunning RunStatus = "running"
	RunStatusStopped RunStatus = "stopped"
	RunStatusError   RunStatus = "error"
)

// SessionKind identifies which adapter backs a run session.
type SessionKind string

const (
	SessionKindShell      SessionKind = "shell"
	SessionKindAI         SessionKind = "ai"
	SessionKindFileEditor SessionKind = "file-editor"
)

// Channel returns "<kind>:<suffix>".
func (k SessionKind) Channel(suffix string) string {
	return string(k) + ":" + suffix
}

// Event types shared by every kind.
const (
	EventTypeMessage = "message"
	EventTypeInput   = "input"
	EventTypeError   = "error"
)

// Channel suffixes shared by every kind.
const (
	ChannelMessage = "message"
	ChannelInput   = "input"
	ChannelError   = "error"
)

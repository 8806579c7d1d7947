package domain

import (
	"encoding/json"
	"time"
)

// RunSession is one logical long-running process (shell, AI agent, editor).
type RunSession struct {
	RunID       string          `json:"run_id"`
	Kind        SessionKind     `json:"kind"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	OwnerUserID string          `json:"owner_user_id,omitempty"`
	Status      RunStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SessionEvent is an immutable, sequenced entry in a run's event log.
type SessionEvent struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"` // Unix milliseconds
}

// SessionStatus is a persisted session annotated with whether it is live in this process.
type SessionStatus struct {
	RunSession
	Live bool `json:"live"`
}

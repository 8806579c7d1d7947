package domain

import "encoding/json"

// CreateRunSessionRequest is the input to create a run session.
type CreateRunSessionRequest struct {
	Kind        SessionKind     `json:"kind"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	OwnerUserID string          `json:"owner_user_id,omitempty"`
}

// CreateRunSessionResponse is returned after a run session is created.
type CreateRunSessionResponse struct {
	RunID string `json:"run_id"`
}

// ResumeResult describes the outcome of a resume request.
type ResumeResult struct {
	RunID             string      `json:"run_id"`
	Resumed           bool        `json:"resumed"`
	Reason            string      `json:"reason,omitempty"`
	Kind              SessionKind `json:"kind,omitempty"`
	RecentEventsCount int         `json:"recent_events_count"`
}

// OperationResult is the outcome of a kind-specific operation.
// Supported is false when the session is not live or the adapter lacks the operation.
type OperationResult struct {
	Supported bool   `json:"supported"`
	Result    any    `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SendInputRequest carries raw input for a live session.
type SendInputRequest struct {
	Data string `json:"data"`
}

// ListRunSessionsResponse wraps a session listing.
type ListRunSessionsResponse struct {
	Sessions []SessionStatus `json:"sessions"`
}

// GetEventsResponse wraps a catch-up batch.
type GetEventsResponse struct {
	RunID  string         `json:"run_id"`
	Events []SessionEvent `json:"events"`
}

package store

import (
	"context"
	"encoding/json"

	"github.com/fwdslsh/dispatch/internal/domain"
)

// Store is the durable event store behind the run-session manager.
type Store interface {
	// Run session operations
	CreateRunSession(ctx context.Context, session *domain.RunSession) error
	GetRunSession(ctx context.Context, runID string) (*domain.RunSession, error)
	ListRunSessions(ctx context.Context, kind domain.SessionKind) ([]domain.RunSession, error)
	ListRunSessionsByStatus(ctx context.Context, status domain.RunStatus) ([]domain.RunSession, error)
	UpdateRunSessionStatus(ctx context.Context, runID string, status domain.RunStatus) error

	// Session event operations
	AppendSessionEvent(ctx context.Context, runID string, seq int64, channel, eventType string, payload json.RawMessage) (*domain.SessionEvent, error)
	GetNextSequenceNumber(ctx context.Context, runID string) (int64, error)
	GetSessionEventsSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.SessionEvent, error)

	Close() error
}

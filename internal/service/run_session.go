package service

import (
	"context"
	"fmt"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/policy"
	"github.com/google/uuid"
)

// CreateRunSession persists a new session, starts its adapter and registers it as live.
func (m *Manager) CreateRunSession(ctx context.Context, req *domain.CreateRunSessionRequest) (*domain.CreateRunSessionResponse, error) {
	if err := m.authorize(ctx, policy.ActionCreate, req.Kind, req.OwnerUserID, ""); err != nil {
		return nil, err
	}
	a, err := m.adapterFor(req.Kind)
	if err != nil {
		return nil, err
	}

	session := &domain.RunSession{
		RunID:       uuid.New().String(),
		Kind:        req.Kind,
		Meta:        req.Meta,
		OwnerUserID: req.OwnerUserID,
		Status:      domain.RunStatusCreated,
	}
	if err := m.store.CreateRunSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create run session: %w", err)
	}

	if err := m.start(ctx, a, session); err != nil {
		return nil, err
	}
	m.metrics.SessionCreated(string(session.Kind))
	m.logger.Info("run session created", "run_id", session.RunID, "kind", session.Kind, "owner", session.OwnerUserID)

	return &domain.CreateRunSessionResponse{RunID: session.RunID}, nil
}

// start creates the adapter handle, seeds its sequence counter and registers it.
// The adapter runs outside the run lock; events it emits during Create take the
// storage fallback path.
func (m *Manager) start(ctx context.Context, a adapter.Adapter, session *domain.RunSession) error {
	handle, err := a.Create(ctx, adapter.Params{
		RunID: session.RunID,
		Meta:  session.Meta,
		Emit:  m.emitter(session.RunID, session.Kind),
	})
	if err != nil {
		m.metrics.AdapterFailure(string(session.Kind), "create")
		m.markStatus(ctx, session.RunID, domain.RunStatusError)
		return &domain.AdapterCreationError{Kind: session.Kind, Err: err}
	}

	mu := m.locks.get(session.RunID)
	mu.Lock()
	next, err := m.store.GetNextSequenceNumber(ctx, session.RunID)
	if err != nil {
		mu.Unlock()
		m.safeClose(session.RunID, session.Kind, handle)
		m.markStatus(ctx, session.RunID, domain.RunStatusError)
		return fmt.Errorf("failed to seed sequence number: %w", err)
	}
	// running is written under the run lock, before the entry is visible to CloseRunSession.
	m.markStatus(ctx, session.RunID, domain.RunStatusRunning)
	m.registry.Set(&liveEntry{runID: session.RunID, kind: session.Kind, handle: handle, nextSeq: next})
	mu.Unlock()

	m.metrics.SetLive(m.registry.Len())
	return nil
}

// ResumeRunSession recreates the adapter for a persisted session that is not live here
// and re-publishes its most recent events to attached viewers.
func (m *Manager) ResumeRunSession(ctx context.Context, runID string) (*domain.ResumeResult, error) {
	session, err := m.store.GetRunSession(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	if m.registry.Has(runID) {
		return &domain.ResumeResult{RunID: runID, Resumed: false, Reason: "Already live", Kind: session.Kind}, nil
	}
	if err := m.authorize(ctx, policy.ActionResume, session.Kind, session.OwnerUserID, runID); err != nil {
		return nil, err
	}
	a, err := m.adapterFor(session.Kind)
	if err != nil {
		return nil, err
	}

	handle, err := a.Create(ctx, adapter.Params{
		RunID: runID,
		Meta:  session.Meta,
		Emit:  m.emitter(runID, session.Kind),
		LoadEvents: func(ctx context.Context) ([]domain.SessionEvent, error) {
			return m.GetEventsSince(ctx, runID, 0)
		},
	})
	if err != nil {
		m.metrics.AdapterFailure(string(session.Kind), "resume")
		m.markStatus(ctx, runID, domain.RunStatusError)
		return nil, &domain.AdapterCreationError{Kind: session.Kind, Err: err}
	}

	mu := m.locks.get(runID)
	mu.Lock()
	if m.registry.Has(runID) {
		// Lost a race with a concurrent resume.
		mu.Unlock()
		m.safeClose(runID, session.Kind, handle)
		return &domain.ResumeResult{RunID: runID, Resumed: false, Reason: "Already live", Kind: session.Kind}, nil
	}
	next, err := m.store.GetNextSequenceNumber(ctx, runID)
	if err != nil {
		mu.Unlock()
		m.safeClose(runID, session.Kind, handle)
		m.markStatus(ctx, runID, domain.RunStatusError)
		return nil, fmt.Errorf("failed to seed sequence number: %w", err)
	}
	m.markStatus(ctx, runID, domain.RunStatusRunning)
	m.registry.Set(&liveEntry{runID: runID, kind: session.Kind, handle: handle, nextSeq: next})
	recent := m.replayRecentLocked(ctx, runID, next)
	mu.Unlock()

	m.metrics.SetLive(m.registry.Len())
	m.logger.Info("run session resumed", "run_id", runID, "kind", session.Kind, "next_seq", next, "replayed", recent)

	return &domain.ResumeResult{RunID: runID, Resumed: true, Kind: session.Kind, RecentEventsCount: recent}, nil
}

// replayRecentLocked re-publishes up to replayWindow events before next. Requires the run lock.
func (m *Manager) replayRecentLocked(ctx context.Context, runID string, next int64) int {
	if m.replayWindow == 0 {
		return 0
	}
	after := next - 1 - int64(m.replayWindow)
	if after < 0 {
		after = 0
	}
	events, err := m.store.GetSessionEventsSince(ctx, runID, after, m.replayWindow)
	if err != nil {
		m.logger.Warn("failed to load recent events for replay", "run_id", runID, "error", err)
		return 0
	}
	for i := range events {
		m.publisher.Publish(runID, &events[i])
	}
	return len(events)
}

// CloseRunSession stops a session. It never fails: adapter errors are logged,
// the live entry is always removed and the stopped status is always attempted.
// The handle is closed outside the run lock because adapters may emit while closing.
func (m *Manager) CloseRunSession(ctx context.Context, runID string) {
	entry := m.registry.Get(runID)
	if entry != nil {
		m.safeClose(runID, entry.kind, entry.handle)
	}

	mu := m.locks.get(runID)
	mu.Lock()
	if entry != nil {
		m.registry.CompareAndDelete(runID, entry)
	}
	if !m.registry.Has(runID) {
		m.markStatus(ctx, runID, domain.RunStatusStopped)
	}
	mu.Unlock()

	m.metrics.SetLive(m.registry.Len())
	m.logger.Info("run session closed", "run_id", runID)
}

// safeClose closes a handle, containing both errors and panics.
func (m *Manager) safeClose(runID string, kind domain.SessionKind, h adapter.Handle) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.AdapterFailure(string(kind), "close")
			m.logger.Error("adapter close panicked", "run_id", runID, "kind", kind, "panic", r)
		}
	}()
	if err := h.Close(); err != nil {
		m.metrics.AdapterFailure(string(kind), "close")
		m.logger.Warn("adapter close failed", "run_id", runID, "kind", kind, "error", err)
	}
}

func (m *Manager) markStatus(ctx context.Context, runID string, status domain.RunStatus) {
	// Status writes must land even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.appendTimeout)
	defer cancel()
	if err := m.store.UpdateRunSessionStatus(ctx, runID, status); err != nil {
		m.logger.Error("failed to update run session status", "run_id", runID, "status", status, "error", err)
	}
}

// GetEventsSince returns persisted events with seq > afterSeq in ascending order.
func (m *Manager) GetEventsSince(ctx context.Context, runID string, afterSeq int64) ([]domain.SessionEvent, error) {
	return m.GetEventsPage(ctx, runID, afterSeq, 0)
}

// GetEventsPage is GetEventsSince with a result limit; limit <= 0 means no limit.
func (m *Manager) GetEventsPage(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.SessionEvent, error) {
	events, err := m.store.GetSessionEventsSince(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session events: %w", err)
	}
	return events, nil
}

// GetSessionStatus returns the persisted session and whether it is live here.
func (m *Manager) GetSessionStatus(ctx context.Context, runID string) (*domain.SessionStatus, error) {
	session, err := m.store.GetRunSession(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.SessionStatus{RunSession: *session, Live: m.registry.Has(runID)}, nil
}

// ListRunSessions lists persisted sessions, optionally filtered by kind.
func (m *Manager) ListRunSessions(ctx context.Context, kind domain.SessionKind) ([]domain.SessionStatus, error) {
	sessions, err := m.store.ListRunSessions(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sessions: %w", err)
	}
	out := make([]domain.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, domain.SessionStatus{RunSession: s, Live: m.registry.Has(s.RunID)})
	}
	return out, nil
}

// IsLive reports whether runID is live in this process.
func (m *Manager) IsLive(runID string) bool {
	return m.registry.Has(runID)
}

package service

import (
	"context"

	"github.com/fwdslsh/dispatch/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Cleanup closes every live session. Individual failures never abort the sweep.
func (m *Manager) Cleanup(ctx context.Context) {
	runIDs := m.registry.Keys()
	if len(runIDs) == 0 {
		return
	}
	m.logger.Info("closing live run sessions", "count", len(runIDs))

	var g errgroup.Group
	g.SetLimit(m.cleanupConcurrency)
	for _, runID := range runIDs {
		g.Go(func() error {
			m.CloseRunSession(ctx, runID)
			return nil
		})
	}
	_ = g.Wait()
}

// RecoverStale reconciles sessions a previous process left marked running.
// With resume set they are resumed, otherwise they are marked stopped.
// It returns how many sessions were handled.
func (m *Manager) RecoverStale(ctx context.Context, resume bool) (int, error) {
	sessions, err := m.store.ListRunSessionsByStatus(ctx, domain.RunStatusRunning)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(m.cleanupConcurrency)
	for _, s := range sessions {
		if m.registry.Has(s.RunID) {
			continue
		}
		g.Go(func() error {
			if !resume {
				m.markStatus(ctx, s.RunID, domain.RunStatusStopped)
				return nil
			}
			if _, err := m.ResumeRunSession(ctx, s.RunID); err != nil {
				m.logger.Warn("failed to resume stale session", "run_id", s.RunID, "kind", s.Kind, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(sessions), nil
}

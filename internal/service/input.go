package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
)

// SendInput writes data to a live session and records it as a <kind>:input event.
func (m *Manager) SendInput(ctx context.Context, runID string, data []byte) error {
	entry := m.registry.Get(runID)
	if entry == nil {
		return domain.ErrSessionNotLive
	}
	w, ok := entry.handle.(adapter.InputWriter)
	if !ok {
		return fmt.Errorf("%w: %s sessions do not accept input", domain.ErrUnsupportedOperation, entry.kind)
	}
	if err := w.WriteInput(data); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}

	m.recordAndEmit(runID, entry.kind, adapter.Event{
		Channel: entry.kind.Channel(domain.ChannelInput),
		Type:    domain.EventTypeInput,
		Payload: string(data),
	})
	return nil
}

// PerformOperation invokes a kind-specific operation. Sessions that are not live
// or do not support op yield an unsupported result, never an error.
func (m *Manager) PerformOperation(ctx context.Context, runID, op string, params json.RawMessage) (*domain.OperationResult, error) {
	if runID == "" || op == "" {
		return &domain.OperationResult{Supported: false, Reason: "run id and operation are required"}, nil
	}
	entry := m.registry.Get(runID)
	if entry == nil {
		return &domain.OperationResult{Supported: false, Reason: "session not live"}, nil
	}
	operator, ok := entry.handle.(adapter.Operator)
	if !ok {
		m.logger.Warn("operation not supported by adapter", "run_id", runID, "kind", entry.kind, "op", op)
		return &domain.OperationResult{Supported: false, Reason: fmt.Sprintf("%s sessions have no operations", entry.kind)}, nil
	}

	result, err := m.perform(ctx, operator, op, params)
	if errors.Is(err, domain.ErrUnsupportedOperation) {
		m.logger.Warn("operation not supported by adapter", "run_id", runID, "kind", entry.kind, "op", op)
		return &domain.OperationResult{Supported: false, Reason: fmt.Sprintf("%s does not support %q", entry.kind, op)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("operation %s failed: %w", op, err)
	}
	return &domain.OperationResult{Supported: true, Result: result}, nil
}

func (m *Manager) perform(ctx context.Context, operator adapter.Operator, op string, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op, r)
		}
	}()
	return operator.Perform(ctx, op, params)
}

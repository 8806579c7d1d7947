package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/metrics"
)

// emitter returns the callback handed to an adapter for runID.
func (m *Manager) emitter(runID string, kind domain.SessionKind) adapter.EmitFunc {
	return func(ev adapter.Event) {
		m.recordAndEmit(runID, kind, ev)
	}
}

// recordAndEmit assigns the next sequence number, persists the event and publishes it.
// Persistence failures are logged and the event is dropped; the session keeps running.
func (m *Manager) recordAndEmit(runID string, kind domain.SessionKind, ev adapter.Event) *domain.SessionEvent {
	channel := ev.Channel
	if channel == "" {
		channel = kind.Channel(domain.ChannelMessage)
	}
	eventType := ev.Type
	if eventType == "" {
		eventType = domain.EventTypeMessage
	}
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		m.logger.Error("failed to marshal event payload, dropping", "run_id", runID, "channel", channel, "error", err)
		m.metrics.EventDropped(metrics.DropReasonMarshal)
		return nil
	}

	mu := m.locks.get(runID)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.appendTimeout)
	defer cancel()
	return m.appendLocked(ctx, runID, kind, channel, eventType, payload)
}

// appendLocked requires the run's lock. Holding it across append and publish
// keeps fan-out order identical to sequence order.
func (m *Manager) appendLocked(ctx context.Context, runID string, kind domain.SessionKind, channel, eventType string, payload json.RawMessage) *domain.SessionEvent {
	entry := m.registry.Get(runID)

	var seq int64
	if entry != nil {
		seq = entry.nextSeq
	} else {
		// Not live here (late event after close, or emitted during create).
		next, err := m.store.GetNextSequenceNumber(ctx, runID)
		if err != nil {
			m.logger.Error("failed to get next sequence number, dropping event", "run_id", runID, "channel", channel, "error", err)
			m.metrics.EventDropped(metrics.DropReasonSequence)
			return nil
		}
		seq = next
	}

	event, err := m.store.AppendSessionEvent(ctx, runID, seq, channel, eventType, payload)
	if err != nil {
		m.logger.Error("failed to persist session event, dropping", "run_id", runID, "seq", seq, "channel", channel, "error", err)
		m.metrics.EventDropped(metrics.DropReasonAppend)
		if entry != nil {
			m.resyncLocked(runID, entry)
		}
		return nil
	}
	if entry != nil {
		entry.nextSeq = seq + 1
	}

	m.metrics.EventRecorded(string(kind), channel)
	m.publisher.Publish(runID, event)
	return event
}

// resyncLocked reloads entry.nextSeq from storage after a failed append, in case
// the append committed before reporting the error.
func (m *Manager) resyncLocked(runID string, entry *liveEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.appendTimeout)
	defer cancel()
	next, err := m.store.GetNextSequenceNumber(ctx, runID)
	if err != nil {
		m.logger.Warn("failed to resync sequence number", "run_id", runID, "error", err)
		return
	}
	entry.nextSeq = next
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(string, *domain.SessionEvent) {}

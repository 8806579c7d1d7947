package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/repository"
	"github.com/fwdslsh/dispatch/policy"
)

type fakeHandle struct {
	runID      string
	emit       adapter.EmitFunc
	loadEvents func(ctx context.Context) ([]domain.SessionEvent, error)

	mu       sync.Mutex
	inputs   []string
	closed   int
	closeErr error
	panicky  bool
}

func (h *fakeHandle) WriteInput(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed > 0 {
		return errors.New("no backing process")
	}
	h.inputs = append(h.inputs, string(data))
	return nil
}

func (h *fakeHandle) Perform(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case "echo":
		return params, nil
	case "explode":
		return nil, errors.New("boom")
	default:
		return nil, adapter.ErrUnsupportedOperation
	}
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed++
	panicky, err := h.panicky, h.closeErr
	h.mu.Unlock()
	if panicky {
		panic("close exploded")
	}
	return err
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// closeOnlyHandle has no optional capabilities.
type closeOnlyHandle struct{}

func (closeOnlyHandle) Close() error { return nil }

type fakeAdapter struct {
	mu           sync.Mutex
	handles      []*fakeHandle
	failWith     error
	emitOnCreate int
	closeErr     error
	panicOnClose bool
}

func (a *fakeAdapter) Create(ctx context.Context, p adapter.Params) (adapter.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return nil, a.failWith
	}
	for i := 0; i < a.emitOnCreate; i++ {
		p.Emit(adapter.Event{Channel: "test:output", Type: "boot", Payload: i})
	}
	h := &fakeHandle{runID: p.RunID, emit: p.Emit, loadEvents: p.LoadEvents, closeErr: a.closeErr, panicky: a.panicOnClose}
	a.handles = append(a.handles, h)
	return h, nil
}

func (a *fakeAdapter) last() *fakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.handles) == 0 {
		return nil
	}
	return a.handles[len(a.handles)-1]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

type published struct {
	runID string
	event domain.SessionEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(runID string, event *domain.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{runID: runID, event: *event})
}

func (p *fakePublisher) seqs(runID string) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, e := range p.events {
		if e.runID == runID {
			out = append(out, e.event.Seq)
		}
	}
	return out
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// flakyStore fails the next failAppends appends.
type flakyStore struct {
	store.Store
	failAppends atomic.Int32
}

func (s *flakyStore) AppendSessionEvent(ctx context.Context, runID string, seq int64, channel, eventType string, payload json.RawMessage) (*domain.SessionEvent, error) {
	if s.failAppends.Load() > 0 {
		s.failAppends.Add(-1)
		return nil, errors.New("disk full")
	}
	return s.Store.AppendSessionEvent(ctx, runID, seq, channel, eventType, payload)
}

// gatedStore blocks the first status write of gateStatus until release is closed.
type gatedStore struct {
	store.Store
	gateStatus domain.RunStatus
	entered    chan struct{}
	release    chan struct{}
	once       sync.Once
}

func newGatedStore(st store.Store, status domain.RunStatus) *gatedStore {
	return &gatedStore{Store: st, gateStatus: status, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) UpdateRunSessionStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if status == s.gateStatus {
		gated := false
		s.once.Do(func() { gated = true })
		if gated {
			close(s.entered)
			<-s.release
		}
	}
	return s.Store.UpdateRunSessionStatus(ctx, runID, status)
}

type denyKindPolicy struct {
	kind string
}

func (p denyKindPolicy) Evaluate(ctx context.Context, input policy.Input) (string, string, error) {
	if input.Kind == p.kind {
		return "deny", "kind disabled", nil
	}
	return "allow", "", nil
}

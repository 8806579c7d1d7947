package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/repository"
	"github.com/fwdslsh/dispatch/policy"
)

const (
	DefaultReplayWindow       = 10
	DefaultAppendTimeout      = 5 * time.Second
	DefaultCleanupConcurrency = 8
)

// Publisher fans persisted events out to viewers attached to a run.
// Publish must not block on slow viewers.
type Publisher interface {
	Publish(runID string, event *domain.SessionEvent)
}

// PolicyEvaluator authorizes create and resume requests.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (decision string, reason string, err error)
}

// Manager owns the lifecycle of every live run session in this process.
type Manager struct {
	store     store.Store
	publisher Publisher
	policy    PolicyEvaluator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	adaptersMu sync.RWMutex
	adapters   map[domain.SessionKind]adapter.Adapter

	registry *liveRegistry
	locks    runLocks

	replayWindow       int
	appendTimeout      time.Duration
	cleanupConcurrency int
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithPolicy(p PolicyEvaluator) Option {
	return func(m *Manager) { m.policy = p }
}

// WithReplayWindow sets how many recent events a resume re-publishes. 0 disables replay.
func WithReplayWindow(n int) Option {
	return func(m *Manager) { m.replayWindow = n }
}

// WithAppendTimeout bounds each event append.
func WithAppendTimeout(d time.Duration) Option {
	return func(m *Manager) { m.appendTimeout = d }
}

func WithCleanupConcurrency(n int) Option {
	return func(m *Manager) { m.cleanupConcurrency = n }
}

// New creates a Manager.
func New(st store.Store, publisher Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:              st,
		publisher:          publisher,
		logger:             slog.Default(),
		adapters:           make(map[domain.SessionKind]adapter.Adapter),
		registry:           newLiveRegistry(),
		replayWindow:       DefaultReplayWindow,
		appendTimeout:      DefaultAppendTimeout,
		cleanupConcurrency: DefaultCleanupConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.publisher == nil {
		m.publisher = discardPublisher{}
	}
	if m.replayWindow < 0 {
		m.replayWindow = 0
	}
	if m.appendTimeout <= 0 {
		m.appendTimeout = DefaultAppendTimeout
	}
	if m.cleanupConcurrency <= 0 {
		m.cleanupConcurrency = DefaultCleanupConcurrency
	}
	return m
}

// RegisterAdapter binds an adapter to a session kind. Each kind may be registered once.
func (m *Manager) RegisterAdapter(kind domain.SessionKind, a adapter.Adapter) error {
	if kind == "" {
		return fmt.Errorf("session kind is required")
	}
	if a == nil {
		return fmt.Errorf("adapter for %s is nil", kind)
	}
	m.adaptersMu.Lock()
	defer m.adaptersMu.Unlock()
	if _, exists := m.adapters[kind]; exists {
		return fmt.Errorf("adapter for %s already registered", kind)
	}
	m.adapters[kind] = a
	m.logger.Info("adapter registered", "kind", kind)
	return nil
}

func (m *Manager) adapterFor(kind domain.SessionKind) (adapter.Adapter, error) {
	m.adaptersMu.RLock()
	defer m.adaptersMu.RUnlock()
	a, ok := m.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return a, nil
}

// Kinds lists registered session kinds in sorted order.
func (m *Manager) Kinds() []domain.SessionKind {
	m.adaptersMu.RLock()
	defer m.adaptersMu.RUnlock()
	kinds := make([]domain.SessionKind, 0, len(m.adapters))
	for k := range m.adapters {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// LiveCount is the number of sessions live in this process.
func (m *Manager) LiveCount() int {
	return m.registry.Len()
}

func (m *Manager) authorize(ctx context.Context, action string, kind domain.SessionKind, userID, runID string) error {
	if m.policy == nil {
		return nil
	}
	decision, reason, err := m.policy.Evaluate(ctx, policy.Input{
		Action: action,
		Kind:   string(kind),
		UserID: userID,
		RunID:  runID,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate session policy: %w", err)
	}
	if decision != policy.DecisionAllow {
		m.logger.Warn("session policy denied request", "action", action, "kind", kind, "run_id", runID, "reason", reason)
		if reason == "" {
			return domain.ErrPolicyDenied
		}
		return fmt.Errorf("%w: %s", domain.ErrPolicyDenied, reason)
	}
	return nil
}

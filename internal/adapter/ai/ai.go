// Package ai runs conversational assistant sessions on top of an llm.ChatClient.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/adapter/llm"
	"github.com/fwdslsh/dispatch/internal/domain"
)

// Event channels and types emitted by AI sessions.
const (
	ChannelMessage = "ai:message"
	ChannelError   = "ai:error"
	TypeDelta      = "delta"
	TypeDone       = "done"
	TypeError      = "error"
	TypeCancelled  = "cancelled"
	TypeReset      = "reset"

	// ChannelInput is where the manager records prompts.
	ChannelInput = "ai:input"
)

const defaultQueueSize = 16

// Config holds AI adapter defaults.
type Config struct {
	Model       string
	MaxTokens   int
	TurnTimeout time.Duration
}

// Meta is the per-session creation metadata.
type Meta struct {
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
}

// Adapter creates assistant sessions.
type Adapter struct {
	client llm.ChatClient
	cfg    Config
	logger *slog.Logger
}

// New creates an AI adapter.
func New(client llm.ChatClient, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, cfg: cfg, logger: logger}
}

// Create starts a conversation worker.
func (a *Adapter) Create(ctx context.Context, params adapter.Params) (adapter.Handle, error) {
	var meta Meta
	if len(params.Meta) > 0 {
		if err := json.Unmarshal(params.Meta, &meta); err != nil {
			return nil, fmt.Errorf("invalid ai meta: %w", err)
		}
	}
	if meta.Model == "" {
		meta.Model = a.cfg.Model
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		client:      a.client,
		meta:        meta,
		maxTokens:   a.cfg.MaxTokens,
		turnTimeout: a.cfg.TurnTimeout,
		emit:        params.Emit,
		prompts:     make(chan string, defaultQueueSize),
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      a.logger.With("run_id", params.RunID, "kind", "ai"),
	}
	if params.LoadEvents != nil {
		events, err := params.LoadEvents(ctx)
		if err != nil {
			h.logger.Warn("failed to load conversation history, starting empty", "error", err)
		} else {
			h.history = rebuildHistory(events)
			h.logger.Info("conversation history restored", "messages", len(h.history))
		}
	}
	go h.loop()
	return h, nil
}

// Handle is a live conversation. Prompts are answered one at a time in order.
type Handle struct {
	client      llm.ChatClient
	meta        Meta
	maxTokens   int
	turnTimeout time.Duration
	emit        adapter.EmitFunc
	logger      *slog.Logger

	prompts chan string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	history    []llm.ChatMessage
	turnCancel context.CancelFunc
	closeOnce  sync.Once
}

func (h *Handle) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case prompt := <-h.prompts:
			h.runTurn(prompt)
		}
	}
}

func (h *Handle) runTurn(prompt string) {
	turnCtx, cancel := context.WithTimeout(h.ctx, h.turnTimeout)
	defer cancel()

	h.mu.Lock()
	h.history = append(h.history, llm.ChatMessage{Role: llm.RoleUser, Content: prompt})
	req := &llm.ChatRequest{
		Model:     h.meta.Model,
		System:    h.meta.System,
		Messages:  append([]llm.ChatMessage(nil), h.history...),
		MaxTokens: h.maxTokens,
	}
	h.turnCancel = cancel
	h.mu.Unlock()

	var content strings.Builder
	usage, err := h.client.StreamChat(turnCtx, req, func(text string) error {
		content.WriteString(text)
		h.emit(adapter.Event{Channel: ChannelMessage, Type: TypeDelta, Payload: map[string]string{"text": text}})
		return nil
	})

	h.mu.Lock()
	h.turnCancel = nil
	if content.Len() > 0 {
		h.history = append(h.history, llm.ChatMessage{Role: llm.RoleAssistant, Content: content.String()})
	}
	h.mu.Unlock()

	switch {
	case err == nil:
		h.emit(adapter.Event{Channel: ChannelMessage, Type: TypeDone, Payload: map[string]any{
			"content": content.String(),
			"usage":   usage,
		}})
	case errors.Is(err, context.Canceled) && h.ctx.Err() == nil:
		h.emit(adapter.Event{Channel: ChannelMessage, Type: TypeCancelled, Payload: map[string]string{"content": content.String()}})
	case h.ctx.Err() != nil:
		// Session closed mid-turn.
	default:
		h.logger.Warn("ai turn failed", "error", err)
		h.emit(adapter.Event{Channel: ChannelError, Type: TypeError, Payload: map[string]string{"message": err.Error()}})
	}
}

// WriteInput queues a user prompt.
func (h *Handle) WriteInput(data []byte) error {
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return errors.New("prompt is empty")
	}
	if h.ctx.Err() != nil {
		return errors.New("ai session is closed")
	}
	select {
	case h.prompts <- prompt:
		return nil
	default:
		return fmt.Errorf("ai session has %d pending prompts", cap(h.prompts))
	}
}

// Perform supports "cancel" (abort the current turn) and "reset" (clear history).
func (h *Handle) Perform(ctx context.Context, op string, params json.RawMessage) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch op {
	case "cancel":
		cancelled := h.turnCancel != nil
		if cancelled {
			h.turnCancel()
		}
		return map[string]bool{"cancelled": cancelled}, nil
	case "reset":
		n := len(h.history)
		h.history = nil
		// Recorded so a resumed session does not restore the cleared turns.
		h.emit(adapter.Event{Channel: ChannelMessage, Type: TypeReset, Payload: map[string]int{"cleared": n}})
		return map[string]int{"cleared": n}, nil
	default:
		return nil, adapter.ErrUnsupportedOperation
	}
}

// Close stops the worker and aborts any in-flight turn.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done
	})
	return nil
}

// rebuildHistory replays recorded prompts and answers into a conversation,
// mirroring what runTurn and reset did to the live history.
func rebuildHistory(events []domain.SessionEvent) []llm.ChatMessage {
	var history []llm.ChatMessage
	for _, ev := range events {
		switch {
		case ev.Channel == ChannelInput:
			var prompt string
			if err := json.Unmarshal(ev.Payload, &prompt); err != nil {
				continue
			}
			if prompt = strings.TrimSpace(prompt); prompt != "" {
				history = append(history, llm.ChatMessage{Role: llm.RoleUser, Content: prompt})
			}
		case ev.Channel == ChannelMessage && (ev.Type == TypeDone || ev.Type == TypeCancelled):
			var answer struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(ev.Payload, &answer); err != nil || answer.Content == "" {
				continue
			}
			history = append(history, llm.ChatMessage{Role: llm.RoleAssistant, Content: answer.Content})
		case ev.Channel == ChannelMessage && ev.Type == TypeReset:
			history = nil
		}
	}
	return history
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/protocol"
)

// ErrStreamClosed is returned by Follow when the server closes the connection.
var ErrStreamClosed = errors.New("stream closed")

// ServerError is an error message sent by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Stream is a WebSocket connection to the session service.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	// Kinds lists the session kinds the server offers.
	Kinds []domain.SessionKind
}

// Dial connects to wsURL and completes the hello handshake.
func Dial(ctx context.Context, wsURL, apiKey, userID string) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	s := &Stream{conn: conn}

	if err := s.write(protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeHello, Ts: time.Now().UnixMilli()},
		UserID:      userID,
		APIKey:      apiKey,
		ClientMeta:  map[string]string{"client": "dispatch-cli"},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write hello: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello_ack: %w", err)
	}
	var ack protocol.HelloAckMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if ack.Type == protocol.TypeError {
		conn.Close()
		return nil, decodeServerError(data)
	}
	if ack.Type != protocol.TypeHelloAck {
		conn.Close()
		return nil, fmt.Errorf("expected hello_ack, got: %s", ack.Type)
	}
	s.Kinds = ack.Kinds
	return s, nil
}

// Close closes the connection.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// SendInput forwards data to a live session.
func (s *Stream) SendInput(runID, data string) error {
	return s.write(protocol.RunInputMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeRunInput, Ts: time.Now().UnixMilli(), RunID: runID},
		Data:        data,
	})
}

// Operation requests a kind-specific operation; the result arrives as a run.operation_result.
func (s *Stream) Operation(runID, op string, params json.RawMessage) error {
	return s.write(protocol.RunOperationMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeRunOperation, Ts: time.Now().UnixMilli(), RunID: runID},
		Op:          op,
		Params:      params,
	})
}

// Follow attaches to runID and calls onEvent for every event with seq > afterSeq,
// exactly once and in seq order, until ctx is done or the connection closes.
func (s *Stream) Follow(ctx context.Context, runID string, afterSeq int64, onEvent func(domain.SessionEvent)) error {
	if err := s.write(protocol.RunAttachMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeRunAttach, Ts: time.Now().UnixMilli(), RunID: runID},
		AfterSeq:    afterSeq,
	}); err != nil {
		return fmt.Errorf("write attach: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	tracker := newSeqTracker(afterSeq)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			continue
		}
		if base.RunID != "" && base.RunID != runID {
			continue
		}

		switch base.Type {
		case protocol.TypeRunAttached:
			var msg protocol.RunAttachedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("unmarshal run.attached: %w", err)
			}
			for _, ev := range tracker.catchUp(msg.Events) {
				onEvent(ev)
			}
		case protocol.TypeRunEvent:
			var msg protocol.RunEventMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Event == nil {
				continue
			}
			for _, ev := range tracker.live(*msg.Event) {
				onEvent(ev)
			}
		case protocol.TypeError:
			return decodeServerError(data)
		}
	}
}

func (s *Stream) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func decodeServerError(data []byte) error {
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal error message: %w", err)
	}
	return &ServerError{Code: msg.Code, Message: msg.Message}
}

// seqTracker merges the catch-up batch with live events that may arrive before,
// inside or after it. Live events seen before the batch are held back until it lands.
type seqTracker struct {
	last     int64
	attached bool
	pending  []domain.SessionEvent
}

func newSeqTracker(afterSeq int64) *seqTracker {
	return &seqTracker{last: afterSeq}
}

func (t *seqTracker) catchUp(events []domain.SessionEvent) []domain.SessionEvent {
	var out []domain.SessionEvent
	for _, ev := range append(events, t.pending...) {
		if ev.Seq > t.last {
			out = append(out, ev)
			t.last = ev.Seq
		}
	}
	t.pending = nil
	t.attached = true
	return out
}

func (t *seqTracker) live(ev domain.SessionEvent) []domain.SessionEvent {
	if !t.attached {
		t.pending = append(t.pending, ev)
		return nil
	}
	if ev.Seq <= t.last {
		return nil
	}
	t.last = ev.Seq
	return []domain.SessionEvent{ev}
}

package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/protocol"
)

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func receive(t *testing.T, conn *Connection) protocol.RunEventMessage {
	t.Helper()
	select {
	case data, ok := <-conn.Send():
		if !ok {
			t.Fatalf("send channel closed")
		}
		var msg protocol.RunEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return protocol.RunEventMessage{}
}

func assertNoMessage(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send():
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDeliversInOrderToSubscribers(t *testing.T) {
	h := startHub(t)
	a := h.NewConnection(nil)
	b := h.NewConnection(nil)
	other := h.NewConnection(nil)
	for _, c := range []*Connection{a, b, other} {
		h.Register(c)
	}
	h.Subscribe(a, "run-1")
	h.Subscribe(b, "run-1")
	h.Subscribe(other, "run-2")

	for seq := int64(1); seq <= 3; seq++ {
		h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: seq, Channel: "shell:output", Type: "output"})
	}

	for _, c := range []*Connection{a, b} {
		for want := int64(1); want <= 3; want++ {
			msg := receive(t, c)
			if msg.Type != protocol.TypeRunEvent || msg.RunID != "run-1" || msg.Event.Seq != want {
				t.Fatalf("unexpected message: %+v", msg)
			}
		}
	}
	assertNoMessage(t, other)

	if h.Viewers("run-1") != 2 || h.RunCount() != 2 {
		t.Fatalf("unexpected subscriptions: viewers=%d runs=%d", h.Viewers("run-1"), h.RunCount())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := startHub(t)
	c := h.NewConnection(nil)
	h.Register(c)
	h.Subscribe(c, "run-1")
	h.Unsubscribe(c, "run-1")

	h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: 1})
	assertNoMessage(t, c)
	if h.RunCount() != 0 {
		t.Fatalf("expected no subscribed runs, got %d", h.RunCount())
	}
}

func TestSlowConnectionIsDropped(t *testing.T) {
	h := startHub(t, WithSendBuffer(1))
	slow := h.NewConnection(nil)
	h.Register(slow)
	h.Subscribe(slow, "run-1")

	h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: 1})
	h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: 2})

	deadline := time.Now().Add(2 * time.Second)
	for h.Viewers("run-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow connection was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The buffered event is still readable, then the channel reports closed.
	if data, ok := <-slow.Send(); !ok || !strings.Contains(string(data), `"seq":1`) {
		t.Fatalf("expected buffered first event, got %q (open=%v)", data, ok)
	}
	if _, ok := <-slow.Send(); ok {
		t.Fatalf("expected send channel to be closed")
	}
	if err := h.SendJSON(slow, map[string]string{"type": "late"}); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestPublishDropsWhenQueueIsFull(t *testing.T) {
	m := metrics.New()
	// Not running, so nothing drains the queue.
	h := New(WithQueueSize(1), WithPublishTimeout(10*time.Millisecond), WithMetrics(m))

	start := time.Now()
	h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: 1})
	h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: 2})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %s", elapsed)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dispatch_publish_dropped_total 1") {
		t.Fatalf("expected one dropped publish:\n%s", rec.Body.String())
	}
}

func TestStopClosesConnections(t *testing.T) {
	h := New()
	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	c := h.NewConnection(nil)
	h.Register(c)
	h.Subscribe(c, "run-1")
	h.Stop()
	<-done

	if _, ok := <-c.Send(); ok {
		t.Fatalf("expected send channel closed after stop")
	}
	if h.ConnectionCount() != 0 || h.RunCount() != 0 {
		t.Fatalf("hub not emptied: conns=%d runs=%d", h.ConnectionCount(), h.RunCount())
	}

	// Neither call may block once the hub is stopped.
	h.Unregister(c)
	h.Publish("run-1", &domain.SessionEvent{RunID: "run-1", Seq: 1})
}

func TestSubscribeAfterUnregisterIsRejected(t *testing.T) {
	h := startHub(t)
	c := h.NewConnection(nil)
	h.Register(c)
	h.Unregister(c)

	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.Subscribe(c, "run-1"); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if h.RunCount() != 0 || h.Viewers("run-1") != 0 {
		t.Fatalf("closed connection left a subscription: runs=%d", h.RunCount())
	}
}

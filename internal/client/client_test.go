package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/hub"
	"github.com/fwdslsh/dispatch/internal/service"
	handler "github.com/fwdslsh/dispatch/internal/transport/http"
	"github.com/fwdslsh/dispatch/internal/transport/ws"
	"github.com/fwdslsh/dispatch/tests/helpers"
)

const testAPIKey = "test-key"

type echoHandle struct {
	emit adapter.EmitFunc
}

func (h *echoHandle) WriteInput(data []byte) error {
	h.emit(adapter.Event{Channel: "echo:output", Type: "output", Payload: string(data)})
	return nil
}

func (h *echoHandle) Perform(ctx context.Context, op string, params json.RawMessage) (any, error) {
	if op != "ping" {
		return nil, adapter.ErrUnsupportedOperation
	}
	return map[string]string{"reply": "pong"}, nil
}

func (h *echoHandle) Close() error { return nil }

func newTestServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey = testAPIKey

	h := hub.New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	manager := service.New(helpers.NewTestSQLiteStore(t), h)
	require.NoError(t, manager.RegisterAdapter("echo", adapter.AdapterFunc(func(ctx context.Context, p adapter.Params) (adapter.Handle, error) {
		p.Emit(adapter.Event{Channel: "echo:output", Type: "output", Payload: "ready"})
		return &echoHandle{emit: p.Emit}, nil
	})))

	e := handler.NewServer(handler.Options{
		Manager: manager,
		Hub:     h,
		WS:      ws.NewServer(cfg, h, manager, nil),
		APIKey:  testAPIKey,
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRESTLifecycle(t *testing.T) {
	ctx := context.Background()
	c := New(newTestServer(t), testAPIKey)

	created, err := c.Create(ctx, &domain.CreateRunSessionRequest{Kind: "echo"})
	require.NoError(t, err)
	require.NotEmpty(t, created.RunID)

	require.NoError(t, c.SendInput(ctx, created.RunID, "hi"))

	events, err := c.Events(ctx, created.RunID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	events, err = c.Events(ctx, created.RunID, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)

	res, err := c.Operation(ctx, created.RunID, "ping", nil)
	require.NoError(t, err)
	assert.True(t, res.Supported)

	res, err = c.Operation(ctx, created.RunID, "resize", json.RawMessage(`{"cols":80}`))
	require.NoError(t, err)
	assert.False(t, res.Supported)

	sessions, err := c.List(ctx, "echo")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Live)

	require.NoError(t, c.Close(ctx, created.RunID))
	status, err := c.Get(ctx, created.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStopped, status.Status)
	assert.False(t, status.Live)

	resumed, err := c.Resume(ctx, created.RunID)
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
}

func TestRESTErrors(t *testing.T) {
	ctx := context.Background()
	url := newTestServer(t)

	_, err := New(url, "wrong").List(ctx, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c := New(url, testAPIKey)
	_, err = c.Get(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.Create(ctx, &domain.CreateRunSessionRequest{Kind: "nonexistent"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestStreamFollow(t *testing.T) {
	ctx := context.Background()
	baseURL := newTestServer(t)
	c := New(baseURL, testAPIKey)

	created, err := c.Create(ctx, &domain.CreateRunSessionRequest{Kind: "echo"})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	s, err := Dial(ctx, wsURL, testAPIKey, "u1")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []domain.SessionKind{"echo"}, s.Kinds)

	followCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	got := make(chan domain.SessionEvent, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.Follow(followCtx, created.RunID, 0, func(ev domain.SessionEvent) { got <- ev })
	}()

	require.NoError(t, s.SendInput(created.RunID, "hi"))
	for want := int64(1); want <= 3; want++ {
		select {
		case ev := <-got:
			assert.Equal(t, want, ev.Seq)
		case <-followCtx.Done():
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDialRejectsBadAPIKey(t *testing.T) {
	baseURL := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	_, err := Dial(context.Background(), wsURL, "wrong", "u1")
	var srvErr *ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.Equal(t, "unauthorized", srvErr.Code)
}

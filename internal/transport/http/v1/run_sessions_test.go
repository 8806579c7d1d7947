package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/service"
	"github.com/fwdslsh/dispatch/tests/helpers"
)

type stubHandle struct {
	inputs []string
}

func (h *stubHandle) WriteInput(data []byte) error {
	h.inputs = append(h.inputs, string(data))
	return nil
}

func (h *stubHandle) Perform(ctx context.Context, op string, params json.RawMessage) (any, error) {
	if op == "resize" {
		return map[string]json.RawMessage{"applied": params}, nil
	}
	return nil, adapter.ErrUnsupportedOperation
}

func (h *stubHandle) Close() error { return nil }

func newTestHandler(t *testing.T) (*Handler, *service.Manager) {
	t.Helper()
	m := service.New(helpers.NewTestSQLiteStore(t), nil)
	require.NoError(t, m.RegisterAdapter(domain.SessionKindShell, adapter.AdapterFunc(func(ctx context.Context, p adapter.Params) (adapter.Handle, error) {
		p.Emit(adapter.Event{Channel: "shell:output", Type: "output", Payload: "$ "})
		return &stubHandle{}, nil
	})))
	require.NoError(t, m.RegisterAdapter("broken", adapter.AdapterFunc(func(ctx context.Context, p adapter.Params) (adapter.Handle, error) {
		return nil, errors.New("spawn failed")
	})))
	return NewHandler(m, nil), m
}

func newContext(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	return c, rec
}

func createShell(t *testing.T, h *Handler) string {
	t.Helper()
	c, rec := newContext(http.MethodPost, "/v1/run-sessions", `{"kind":"shell","meta":{"cwd":"/tmp"}}`)
	require.NoError(t, h.CreateRunSession(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp domain.CreateRunSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	return resp.RunID
}

func TestCreateRunSessionValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/v1/run-sessions", `{"meta":{}}`)
	require.NoError(t, h.CreateRunSession(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(http.MethodPost, "/v1/run-sessions", `{"kind":"nonexistent"}`)
	require.NoError(t, h.CreateRunSession(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown session kind")

	c, rec = newContext(http.MethodPost, "/v1/run-sessions", `{"kind":"broken"}`)
	require.NoError(t, h.CreateRunSession(c))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateAndGetRunSession(t *testing.T) {
	h, _ := newTestHandler(t)
	runID := createShell(t, h)

	c, rec := newContext(http.MethodGet, "/v1/run-sessions/"+runID, "", "run_id", runID)
	require.NoError(t, h.GetRunSession(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Live)
	assert.Equal(t, domain.RunStatusRunning, status.Status)
	assert.JSONEq(t, `{"cwd":"/tmp"}`, string(status.Meta))

	c, rec = newContext(http.MethodGet, "/v1/run-sessions/missing", "", "run_id", "missing")
	require.NoError(t, h.GetRunSession(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEvents(t *testing.T) {
	h, m := newTestHandler(t)
	runID := createShell(t, h)
	require.NoError(t, m.SendInput(context.Background(), runID, []byte("ls\n")))
	require.NoError(t, m.SendInput(context.Background(), runID, []byte("pwd\n")))

	c, rec := newContext(http.MethodGet, "/v1/run-sessions/"+runID+"/events?after_seq=1&limit=1", "", "run_id", runID)
	require.NoError(t, h.GetEvents(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.GetEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(2), resp.Events[0].Seq)
	assert.Equal(t, "shell:input", resp.Events[0].Channel)

	c, rec = newContext(http.MethodGet, "/v1/run-sessions/"+runID+"/events?after_seq=-1", "", "run_id", runID)
	require.NoError(t, h.GetEvents(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(http.MethodGet, "/v1/run-sessions/other/events", "", "run_id", "other")
	require.NoError(t, h.GetEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_id":"other","events":[]}`, rec.Body.String())
}

func TestSendInput(t *testing.T) {
	h, _ := newTestHandler(t)
	runID := createShell(t, h)

	c, rec := newContext(http.MethodPost, "/v1/run-sessions/"+runID+"/input", `{"data":"ls\n"}`, "run_id", runID)
	require.NoError(t, h.SendInput(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	c, rec = newContext(http.MethodPost, "/v1/run-sessions/missing/input", `{"data":"ls\n"}`, "run_id", "missing")
	require.NoError(t, h.SendInput(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPerformOperation(t *testing.T) {
	h, _ := newTestHandler(t)
	runID := createShell(t, h)

	c, rec := newContext(http.MethodPost, "/", `{"cols":120,"rows":40}`, "run_id", runID, "op", "resize")
	require.NoError(t, h.PerformOperation(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"supported":true,"result":{"applied":{"cols":120,"rows":40}}}`, rec.Body.String())

	c, rec = newContext(http.MethodPost, "/", ``, "run_id", runID, "op", "nonexistentMethod")
	require.NoError(t, h.PerformOperation(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.OperationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Supported)

	c, rec = newContext(http.MethodPost, "/", `{not json`, "run_id", runID, "op", "resize")
	require.NoError(t, h.PerformOperation(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResumeAndClose(t *testing.T) {
	h, m := newTestHandler(t)
	runID := createShell(t, h)

	c, rec := newContext(http.MethodPost, "/", "", "run_id", runID)
	require.NoError(t, h.ResumeRunSession(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Already live")

	c, rec = newContext(http.MethodDelete, "/", "", "run_id", runID)
	require.NoError(t, h.CloseRunSession(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, m.IsLive(runID))

	c, rec = newContext(http.MethodPost, "/", "", "run_id", runID)
	require.NoError(t, h.ResumeRunSession(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.ResumeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Resumed)
	// The first prompt plus the one emitted while resuming.
	assert.Equal(t, 2, result.RecentEventsCount)

	c, rec = newContext(http.MethodPost, "/", "", "run_id", "missing")
	require.NoError(t, h.ResumeRunSession(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunSessions(t *testing.T) {
	h, _ := newTestHandler(t)
	createShell(t, h)
	createShell(t, h)

	c, rec := newContext(http.MethodGet, "/v1/run-sessions?kind=shell", "")
	require.NoError(t, h.ListRunSessions(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ListRunSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 2)

	c, rec = newContext(http.MethodGet, "/v1/run-sessions?kind=ai", "")
	require.NoError(t, h.ListRunSessions(c))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Sessions)
}

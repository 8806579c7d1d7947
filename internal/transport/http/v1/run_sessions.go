package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fwdslsh/dispatch/internal/domain"
)

const (
	defaultEventsLimit = 1000
	maxEventsLimit     = 10000
)

// CreateRunSession starts a new run session.
// POST /v1/run-sessions
func (h *Handler) CreateRunSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.CreateRunSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Kind == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind is required"})
	}
	if len(req.Meta) > 0 && !json.Valid(req.Meta) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "meta must be valid JSON"})
	}

	resp, err := h.manager.CreateRunSession(ctx, &req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// ListRunSessions lists persisted sessions.
// GET /v1/run-sessions?kind=
func (h *Handler) ListRunSessions(c echo.Context) error {
	ctx := c.Request().Context()

	sessions, err := h.manager.ListRunSessions(ctx, domain.SessionKind(c.QueryParam("kind")))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListRunSessionsResponse{Sessions: sessions})
}

// GetRunSession returns a session's persisted state and liveness.
// GET /v1/run-sessions/:run_id
func (h *Handler) GetRunSession(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := h.manager.GetSessionStatus(ctx, c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// GetEvents returns events with seq > after_seq in ascending order.
// GET /v1/run-sessions/:run_id/events?after_seq=&limit=
func (h *Handler) GetEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	afterSeq := int64(0)
	if v := c.QueryParam("after_seq"); v != "" {
		val, err := strconv.ParseInt(v, 10, 64)
		if err != nil || val < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_seq must be a non-negative integer"})
		}
		afterSeq = val
	}
	limit := defaultEventsLimit
	if v := c.QueryParam("limit"); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil || val <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = min(val, maxEventsLimit)
	}

	events, err := h.manager.GetEventsPage(ctx, runID, afterSeq, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}
	return c.JSON(http.StatusOK, domain.GetEventsResponse{RunID: runID, Events: events})
}

// SendInput forwards input to a live session.
// POST /v1/run-sessions/:run_id/input
func (h *Handler) SendInput(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.SendInputRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.manager.SendInput(ctx, c.Param("run_id"), []byte(req.Data)); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

// PerformOperation invokes a kind-specific operation. The body is the raw JSON params.
// POST /v1/run-sessions/:run_id/operations/:op
func (h *Handler) PerformOperation(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}
	var params json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "params must be valid JSON"})
		}
		params = body
	}

	result, err := h.manager.PerformOperation(ctx, c.Param("run_id"), c.Param("op"), params)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ResumeRunSession brings a persisted session back to life in this process.
// POST /v1/run-sessions/:run_id/resume
func (h *Handler) ResumeRunSession(c echo.Context) error {
	ctx := c.Request().Context()

	result, err := h.manager.ResumeRunSession(ctx, c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CloseRunSession stops a session. Closing an unknown or stopped session succeeds.
// DELETE /v1/run-sessions/:run_id
func (h *Handler) CloseRunSession(c echo.Context) error {
	h.manager.CloseRunSession(c.Request().Context(), c.Param("run_id"))
	return c.NoContent(http.StatusNoContent)
}

// Package v1 provides the REST handlers for run sessions.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/service"
)

// ConnectionCounter reports viewer counts for the health endpoint.
type ConnectionCounter interface {
	ConnectionCount() int
	RunCount() int
}

// Handler handles HTTP requests.
type Handler struct {
	manager *service.Manager
	viewers ConnectionCounter
}

// NewHandler creates a new handler. viewers may be nil.
func NewHandler(manager *service.Manager, viewers ConnectionCounter) *Handler {
	return &Handler{
		manager: manager,
		viewers: viewers,
	}
}

// RegisterRoutes registers the run-session routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/v1/run-sessions")
	g.POST("", h.CreateRunSession)
	g.GET("", h.ListRunSessions)
	g.GET("/:run_id", h.GetRunSession)
	g.GET("/:run_id/events", h.GetEvents)
	g.POST("/:run_id/input", h.SendInput)
	g.POST("/:run_id/operations/:op", h.PerformOperation)
	g.POST("/:run_id/resume", h.ResumeRunSession)
	g.DELETE("/:run_id", h.CloseRunSession)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]interface{}{
		"status":        "healthy",
		"live_sessions": h.manager.LiveCount(),
	}
	if h.viewers != nil {
		resp["connections"] = h.viewers.ConnectionCount()
		resp["attached_runs"] = h.viewers.RunCount()
	}
	return c.JSON(http.StatusOK, resp)
}

// errorResponse maps a manager error to a status code and JSON body.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var ace *domain.AdapterCreationError
	switch {
	case errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrUnsupportedOperation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSessionNotLive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPolicyDenied):
		status = http.StatusForbidden
	case errors.As(err, &ace):
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

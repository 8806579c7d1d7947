// Package http assembles the echo server for the run-session service.
package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fwdslsh/dispatch/internal/hub"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/service"
	v1 "github.com/fwdslsh/dispatch/internal/transport/http/v1"
	"github.com/fwdslsh/dispatch/internal/transport/ws"
)

// Options carries the server's collaborators. Hub, WS, Metrics and Logger may be nil.
type Options struct {
	Manager *service.Manager
	Hub     *hub.Hub
	WS      *ws.Server
	Metrics *metrics.Metrics
	APIKey  string
	Logger  *slog.Logger
}

// NewServer creates and configures the HTTP server.
func NewServer(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if opts.APIKey != "" {
		e.Use(apiKeyAuth(opts.APIKey))
	}

	var viewers v1.ConnectionCounter
	if opts.Hub != nil {
		viewers = opts.Hub
	}
	v1.NewHandler(opts.Manager, viewers).RegisterRoutes(e)

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}
	if opts.WS != nil {
		e.GET("/ws", opts.WS.HandleWebSocket)
	}

	return e
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	})
}

// apiKeyAuth checks X-API-Key on the REST API. The WebSocket authenticates in its
// hello message; health and metrics stay open.
func apiKeyAuth(apiKey string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:X-API-Key",
		Skipper: func(c echo.Context) bool {
			return !strings.HasPrefix(c.Request().URL.Path, "/v1/")
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing api key"})
		},
	})
}

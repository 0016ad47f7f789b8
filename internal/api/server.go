// Package api provides the HTTP server of the session agent.
//
// It serves the heartbeat routes used by session hosts (current shape,
// legacy shape and the PATCH alias), the management routes used by operators,
// a WebSocket stream of session host events, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"evalgo.org/sessionagent/internal/auth"
	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/heartbeat"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/internal/validation"
	"evalgo.org/sessionagent/internal/version"
)

// HostTerminator deletes the backend unit of a session host.
type HostTerminator interface {
	TryDelete(ctx context.Context, id string) bool
}

// Options holds the collaborators of the server.
type Options struct {
	Heartbeats *heartbeat.Service
	Store      *sessionhost.Store
	Terminator HostTerminator
	Metrics    *metrics.Collector
	Hub        *Hub
	Logger     *slog.Logger
}

// Server represents the session agent HTTP server.
type Server struct {
	echo       *echo.Echo
	config     *config.Config
	logger     *slog.Logger
	heartbeats *heartbeat.Service
	store      *sessionhost.Store
	terminator HostTerminator
	metrics    *metrics.Collector
	validator  *validation.Validator
	wsHub      *Hub // WebSocket hub for session host events
	authMiddle *auth.Middleware
	startedAt  time.Time
}

// New creates a new API server instance. A nil Hub gets a private one that
// is started immediately.
func New(cfg *config.Config, opts Options) *Server {
	e := echo.New()

	// Configure Echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	// Set custom error handler
	e.HTTPErrorHandler = HTTPErrorHandler

	hub := opts.Hub
	if hub == nil {
		hub = NewHub(opts.Logger)
		go hub.Run()
	}

	server := &Server{
		echo:       e,
		config:     cfg,
		logger:     opts.Logger,
		heartbeats: opts.Heartbeats,
		store:      opts.Store,
		terminator: opts.Terminator,
		metrics:    opts.Metrics,
		validator:  validation.New(),
		wsHub:      hub,
		authMiddle: auth.NewMiddleware(cfg),
		startedAt:  time.Now(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "http_request", attrs...)
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	// Security headers middleware
	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	s.echo.Use(middleware.RequestID())

	// Rate limiting
	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(ValidateContentType)
	s.echo.Use(ValidateAcceptHeader)
}

// setupRoutes configures routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	// Heartbeat routes never require operator auth
	v1 := s.echo.Group("/v1")
	v1.POST("/titles/:titleId/clusters/:sessionHost/instances/:instanceId/heartbeat",
		s.legacyHeartbeat, ValidateSessionHostIDParam("instanceId"))
	v1.POST("/titles/:titleId/sessionHost/:sessionHost/instances/:instanceId/heartbeat",
		s.legacyHeartbeat, ValidateSessionHostIDParam("instanceId"))
	v1.POST("/sessionHosts/:sessionHostId/heartbeats",
		s.heartbeat, ValidateSessionHostIDParam("sessionHostId"))
	v1.PATCH("/sessionHosts/:sessionHostId",
		s.heartbeat, ValidateSessionHostIDParam("sessionHostId"))

	// Management routes
	mgmt := s.echo.Group("/api/v1")
	hosts := mgmt.Group("/sessionhosts")
	hosts.Use(ValidateQueryParams)
	hosts.GET("", s.listSessionHosts, s.authMiddle.RequireRead)
	hosts.GET("/:id", s.getSessionHost, ValidateSessionHostIDParam("id"), s.authMiddle.RequireRead)
	hosts.DELETE("/:id", s.deleteSessionHost, ValidateSessionHostIDParam("id"), s.authMiddle.RequireOperator)

	ws := mgmt.Group("/ws")
	ws.GET("/events", s.HandleWebSocket, s.authMiddle.RequireRead)
	ws.GET("/stats", s.GetWebSocketStats, s.authMiddle.RequireRead)
}

// Start starts the HTTP server and blocks until it stops. A graceful
// shutdown is not reported as an error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.logger.Info("server_starting",
		"address", addr,
		"version", version.Version,
		"auth_enabled", s.config.Security.AuthEnabled,
		"debug", s.config.Server.Debug,
	)

	// Configure server timeouts
	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server_stopping")

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}

	s.logger.Info("server_stopped")
	return nil
}

// healthCheck handles GET /health.
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"service":       "sessionagent",
		"version":       version.Version,
		"runner":        s.config.Agent.Runner,
		"session_hosts": s.store.Count(),
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

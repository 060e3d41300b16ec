// Package http exposes the session engine over HTTP and WebSocket.
package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/engine"
	"github.com/zenclaude/zenclaude/internal/hub"
)

// Server serves the dashboard API.
type Server struct {
	engine *engine.Engine
	hub    *hub.Hub
}

// NewServer creates a server over the given engine.
func NewServer(eng *engine.Engine) *Server {
	return &Server{
		engine: eng,
		hub:    hub.NewHub(),
	}
}

// Router builds the echo instance with all routes registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/run", s.Run)
	e.GET("/api/sessions", s.ListSessions)
	e.GET("/api/sessions/:session_id", s.GetSession)
	e.POST("/api/sessions/:session_id/stop", s.StopSession)
	e.POST("/api/sessions/:session_id/rollback", s.RollbackSession)
	e.GET("/api/sessions/:session_id/logs", s.GetLogs)
	e.GET("/api/sessions/:session_id/events", s.HandleEvents)

	e.GET("/health", s.Health)
}

// Listen serves the API on the given address until the server fails.
func (s *Server) Listen(addr string) error {
	return s.Router().Start(addr)
}

// Health returns health status.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"observers": s.hub.ConnectionCount(),
	})
}

// RunRequest is the launch request body.
type RunRequest struct {
	Task      string `json:"task"`
	Skill     string `json:"skill,omitempty"`
	Workspace string `json:"workspace"`
	Memory    string `json:"memory,omitempty"`
	CPUs      string `json:"cpus,omitempty"`
	Pids      int    `json:"pids,omitempty"`
	Snapshot  *bool  `json:"snapshot,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
}

// Run launches a new session.
func (s *Server) Run(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Task == "" {
		return errorJSON(c, http.StatusBadRequest, "task is required")
	}
	if req.Workspace == "" {
		return errorJSON(c, http.StatusBadRequest, "workspace is required")
	}

	snapshot := true
	if req.Snapshot != nil {
		snapshot = *req.Snapshot
	}

	sess, err := s.engine.Start(c.Request().Context(), engine.StartOptions{
		Task:      req.Task,
		Skill:     req.Skill,
		Workspace: req.Workspace,
		Limits: domain.ResourceLimits{
			Memory: req.Memory,
			CPUs:   req.CPUs,
			Pids:   req.Pids,
		},
		Snapshot: snapshot,
		APIKey:   req.APIKey,
	})
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// ListSessions returns all sessions, newest first.
func (s *Server) ListSessions(c echo.Context) error {
	sessions, err := s.engine.List(c.Request().Context())
	if err != nil {
		return mapError(c, err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns the session's agent tree.
func (s *Server) GetSession(c echo.Context) error {
	detail, err := s.engine.Detail(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// StopSession requests termination of a running session and waits for it
// to settle.
func (s *Server) StopSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := s.engine.Stop(c.Request().Context(), sessionID); err != nil {
		return mapError(c, err)
	}
	sess, err := s.engine.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// RollbackSession restores the session's workspace from its snapshot.
func (s *Server) RollbackSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := s.engine.Rollback(c.Request().Context(), sessionID); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     "restored",
	})
}

// GetLogs streams the session's raw output log. With ?follow=true the
// response tails a live session until it terminates.
func (s *Server) GetLogs(c echo.Context) error {
	follow := c.QueryParam("follow") == "true"
	r, err := s.engine.Logs(c.Request().Context(), c.Param("session_id"), follow)
	if err != nil {
		return mapError(c, err)
	}
	defer r.Close()

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), r)
	return err
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSnapshotNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidWorkspace),
		errors.Is(err, domain.ErrMissingCredentials):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrWorkspaceBusy):
		return errorJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLaunchBlocked):
		return errorJSON(c, http.StatusForbidden, err.Error())
	default:
		var oe *domain.OrchestrationError
		if errors.As(err, &oe) {
			return errorJSON(c, http.StatusBadGateway, oe.Error())
		}
		return errorJSON(c, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err))
	}
}

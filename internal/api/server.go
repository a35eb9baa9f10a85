// Package api exposes the thread and session services over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"threadline/internal/graph"
	"threadline/internal/service"
	"threadline/internal/session"
)

// Server represents the API server
type Server struct {
	echo     *echo.Echo
	addr     string
	threads  *service.ThreadService
	sessions *session.Manager
	model    *graph.GuardedModel
}

// NewServer creates a new API server. model may be nil; /health then
// omits the breaker state.
func NewServer(addr string, sessions *session.Manager, model *graph.GuardedModel) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				evt = log.Warn().Err(v.Error)
			}
			evt.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:     e,
		addr:     addr,
		threads:  sessions.Threads(),
		sessions: sessions,
		model:    model,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/graphs", s.listGraphs)

	v1.POST("/threads/merge", s.mergeThreads)
	v1.POST("/threads/sync", s.syncThreads)

	v1.GET("/threads", s.listThreads)
	v1.POST("/threads", s.createThread)
	v1.GET("/threads/:id", s.getThread)
	v1.PATCH("/threads/:id", s.patchThread)
	v1.DELETE("/threads/:id", s.deleteThread)
	v1.GET("/threads/:id/state", s.getState)
	v1.GET("/threads/:id/history", s.getHistory)
	v1.POST("/threads/:id/runs", s.runThread)
	v1.POST("/threads/:id/fork", s.forkThread)
	v1.GET("/threads/:id/branches", s.getBranches)
	v1.POST("/threads/:id/rollback", s.rollbackThread)
	v1.GET("/threads/:id/snapshots", s.listSnapshots)
	v1.POST("/threads/:id/snapshots", s.createSnapshot)

	v1.GET("/snapshots/:id", s.getSnapshot)
	v1.DELETE("/snapshots/:id", s.deleteSnapshot)
	v1.POST("/snapshots/:id/restore", s.restoreSnapshot)

	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.DELETE("/sessions/:id", s.deleteSession)
	v1.POST("/sessions/:id/messages", s.postMessage)
	v1.POST("/sessions/:id/close", s.closeSession)
	v1.POST("/sessions/:id/threads", s.attachThread)
	v1.DELETE("/sessions/:id/threads/:thread_id", s.detachThread)
	v1.PUT("/sessions/:id/active", s.setActiveThread)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("api listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("api shutting down")
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	body := map[string]any{"status": "healthy"}
	if s.model != nil {
		status := s.model.Status()
		body["model"] = status
		if status.Open {
			body["status"] = "degraded"
		}
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) listGraphs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"default": s.threads.DefaultGraph(),
		"graphs":  s.threads.Graphs(),
	})
}

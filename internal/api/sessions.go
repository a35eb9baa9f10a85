package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"threadline/internal/thread"
)

type createSessionRequest struct {
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

type messageRequest struct {
	Text string `json:"text"`
}

// attachRequest attaches an existing thread when ThreadID is set, otherwise
// starts a new one on GraphID (the default graph when empty).
type attachRequest struct {
	ThreadID string         `json:"thread_id"`
	GraphID  string         `json:"graph_id"`
	Metadata map[string]any `json:"metadata"`
}

type activeRequest struct {
	ThreadID string `json:"thread_id"`
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if sessions == nil {
		sessions = []thread.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) createSession(c echo.Context) error {
	var body createSessionRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	sess, err := s.sessions.Create(c.Request().Context(), body.Title, body.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.sessions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) postMessage(c echo.Context) error {
	var body messageRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if strings.TrimSpace(body.Text) == "" {
		return badRequest("text is required")
	}
	interaction, err := s.sessions.Submit(c.Request().Context(), c.Param("id"), body.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, interaction)
}

func (s *Server) closeSession(c echo.Context) error {
	sess, err := s.sessions.Close(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) attachThread(c echo.Context) error {
	var body attachRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if body.ThreadID != "" {
		sess, err := s.sessions.AttachThread(ctx, id, body.ThreadID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"session": sess})
	}
	sess, t, err := s.sessions.NewThread(ctx, id, body.GraphID, body.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"session": sess, "thread": t})
}

func (s *Server) detachThread(c echo.Context) error {
	sess, err := s.sessions.DetachThread(c.Request().Context(), c.Param("id"), c.Param("thread_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) setActiveThread(c echo.Context) error {
	var body activeRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.ThreadID == "" {
		return badRequest("thread_id is required")
	}
	sess, err := s.sessions.SetActive(c.Request().Context(), c.Param("id"), body.ThreadID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"threadline/internal/thread"
)

const defaultHistoryLimit = 20

type createThreadRequest struct {
	GraphID  string         `json:"graph_id"`
	Metadata map[string]any `json:"metadata"`
}

type patchThreadRequest struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

type runRequest struct {
	// Message appends a user turn; Input is merged into state as is.
	Message string         `json:"message"`
	Input   map[string]any `json:"input"`
}

type forkRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	BranchName   string `json:"branch_name"`
}

type rollbackRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type snapshotRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

type mergeRequest struct {
	TargetID string `json:"target_id"`
	SourceID string `json:"source_id"`
	Strategy string `json:"strategy"`
}

type syncRequest struct {
	ThreadIDs []string `json:"thread_ids"`
	Strategy  string   `json:"strategy"`
}

func (s *Server) listThreads(c echo.Context) error {
	filter := thread.Filter{GraphID: strings.TrimSpace(c.QueryParam("graph_id"))}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		status, err := thread.ParseStatus(raw)
		if err != nil {
			return httpError(err)
		}
		filter.Status = status
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	filter.Limit = limit

	threads, err := s.threads.ListThreads(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	if threads == nil {
		threads = []thread.Thread{}
	}
	return c.JSON(http.StatusOK, threads)
}

func (s *Server) createThread(c echo.Context) error {
	var body createThreadRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	t, err := s.threads.CreateThread(c.Request().Context(), body.GraphID, body.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) getThread(c echo.Context) error {
	t, err := s.threads.GetThread(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) patchThread(c echo.Context) error {
	var body patchThreadRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.Status == "" && body.Metadata == nil {
		return badRequest("nothing to update")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	t, err := s.threads.GetThread(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if body.Status != "" {
		status, err := thread.ParseStatus(body.Status)
		if err != nil {
			return httpError(err)
		}
		if t, err = s.threads.UpdateStatus(ctx, id, status); err != nil {
			return httpError(err)
		}
	}
	if body.Metadata != nil {
		if t, err = s.threads.UpdateMetadata(ctx, id, body.Metadata); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) deleteThread(c echo.Context) error {
	if err := s.sessions.DeleteThread(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getState(c echo.Context) error {
	cp, err := s.threads.GetState(c.Request().Context(), c.Param("id"), c.QueryParam("checkpoint_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) getHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil {
		return err
	}
	history, err := s.threads.History(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) runThread(c echo.Context) error {
	var body runRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if strings.TrimSpace(body.Message) != "" {
		reply, err := s.threads.SendMessage(ctx, id, body.Message)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"reply": reply})
	}
	if body.Input == nil {
		return badRequest("message or input is required")
	}
	result, err := s.threads.Run(ctx, id, body.Input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) forkThread(c echo.Context) error {
	var body forkRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	forked, branch, err := s.threads.Fork(c.Request().Context(), c.Param("id"), body.CheckpointID, body.BranchName)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"thread": forked, "branch": branch})
}

func (s *Server) getBranches(c echo.Context) error {
	ctx := c.Request().Context()
	if c.QueryParam("lineage") == "true" {
		root, err := s.threads.Lineage(ctx, c.Param("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, root)
	}
	branches, err := s.threads.Branches(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if branches == nil {
		branches = []thread.Branch{}
	}
	return c.JSON(http.StatusOK, branches)
}

func (s *Server) rollbackThread(c echo.Context) error {
	var body rollbackRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if strings.TrimSpace(body.CheckpointID) == "" {
		return badRequest("checkpoint_id is required")
	}
	cp, err := s.threads.Rollback(c.Request().Context(), c.Param("id"), body.CheckpointID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) listSnapshots(c echo.Context) error {
	snaps, err := s.threads.ListSnapshots(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if snaps == nil {
		snaps = []thread.Snapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

func (s *Server) createSnapshot(c echo.Context) error {
	var body snapshotRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	snap, err := s.threads.CreateSnapshot(c.Request().Context(), c.Param("id"), body.Name, body.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) getSnapshot(c echo.Context) error {
	snap, err := s.threads.GetSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) deleteSnapshot(c echo.Context) error {
	if err := s.threads.DeleteSnapshot(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) restoreSnapshot(c echo.Context) error {
	cp, err := s.threads.RestoreSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) mergeThreads(c echo.Context) error {
	var body mergeRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.TargetID == "" || body.SourceID == "" {
		return badRequest("target_id and source_id are required")
	}
	if body.TargetID == body.SourceID {
		return badRequest("source and target are the same thread")
	}
	strategy, err := thread.ParseMergeStrategy(body.Strategy)
	if err != nil {
		return httpError(err)
	}
	result, err := s.threads.Merge(c.Request().Context(), body.TargetID, body.SourceID, strategy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) syncThreads(c echo.Context) error {
	var body syncRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if len(body.ThreadIDs) < 2 {
		return badRequest("sync needs at least two thread_ids")
	}
	strategy, err := thread.ParseMergeStrategy(body.Strategy)
	if err != nil {
		return httpError(err)
	}
	result, err := s.threads.Sync(c.Request().Context(), body.ThreadIDs, strategy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

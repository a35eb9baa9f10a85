package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/graph"
	"threadline/internal/thread"
)

var statusByErr = []struct {
	err  error
	code int
}{
	{thread.ErrThreadNotFound, http.StatusNotFound},
	{thread.ErrSnapshotNotFound, http.StatusNotFound},
	{thread.ErrBranchNotFound, http.StatusNotFound},
	{thread.ErrSessionNotFound, http.StatusNotFound},
	{thread.ErrGraphNotFound, http.StatusNotFound},
	{checkpoint.ErrNotFound, http.StatusNotFound},
	{thread.ErrInvalidStatus, http.StatusBadRequest},
	{thread.ErrInvalidStrategy, http.StatusBadRequest},
	{thread.ErrNoCheckpoints, http.StatusBadRequest},
	{graph.ErrInvalidGraph, http.StatusBadRequest},
	{thread.ErrThreadExists, http.StatusConflict},
	{thread.ErrSessionClosed, http.StatusConflict},
	{thread.ErrThreadArchived, http.StatusConflict},
	{graph.ErrCircuitOpen, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

// httpError turns a service error into an echo HTTP error.
func httpError(err error) error {
	for _, m := range statusByErr {
		if errors.Is(err, m.err) {
			return echo.NewHTTPError(m.code, err.Error())
		}
	}
	log.Error().Err(err).Msg("api request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func bind(c echo.Context, body any) error {
	if err := c.Bind(body); err != nil {
		return badRequest("invalid body")
	}
	return nil
}

func queryInt(c echo.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid " + name)
	}
	return n, nil
}

// Package tui is the terminal front end: a bubbletea program with a
// launcher, a chat timeline over the active thread, a thread browser and
// runtime settings. All state reads go through StateManager and all
// writes through SessionHandler, so nothing here touches storage.
package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"threadline/internal/graph"
	"threadline/internal/session"
)

type Options struct {
	AltScreen    bool
	Launcher     bool
	PollInterval time.Duration
	// SessionID resumes a specific session instead of the most recent one.
	SessionID string
}

func Run(ctx context.Context, sessions *session.Manager, model *graph.GuardedModel, opts Options) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	state := NewStateManager(sessions, model)
	programOpts := []tea.ProgramOption{tea.WithMouseCellMotion(), tea.WithContext(ctx)}
	if opts.AltScreen {
		programOpts = append(programOpts, tea.WithAltScreen())
	}
	log.Info().Bool("launcher", opts.Launcher).Dur("poll", opts.PollInterval).Msg("tui starting")
	p := tea.NewProgram(newModel(ctx, state, opts), programOpts...)
	if _, err := p.Run(); err != nil {
		// A canceled context kills the program; that is a normal shutdown.
		if !errors.Is(err, tea.ErrProgramKilled) || ctx.Err() == nil {
			return fmt.Errorf("tui: %w", err)
		}
	}
	log.Info().Str("session_id", state.SessionID()).Msg("tui stopped")
	return nil
}

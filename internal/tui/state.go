package tui

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/graph"
	"threadline/internal/service"
	"threadline/internal/session"
	"threadline/internal/thread"
)

const (
	historyLimit    = 20
	threadListLimit = 50
)

// View is one consistent read of everything the screens draw. The model
// only ever renders a View; it never calls the services while painting.
type View struct {
	Session     thread.Session
	Thread      thread.Thread
	HasThread   bool
	Messages    []graph.Message
	Checkpoint  checkpoint.Checkpoint
	History     []checkpoint.Checkpoint
	Threads     []thread.Thread
	Sessions    []thread.Session
	Branches    []thread.Branch
	Snapshots   []thread.Snapshot
	Graphs      []graph.Info
	Breaker     graph.BreakerStatus
	HasBreaker  bool
	RefreshedAt time.Time
}

// StateManager caches the UI view of the current session and its active
// thread.
type StateManager struct {
	sessions *session.Manager
	threads  *service.ThreadService
	model    *graph.GuardedModel
	now      func() time.Time

	mu        sync.Mutex
	sessionID string
	graphID   string
	view      View
}

func NewStateManager(sessions *session.Manager, model *graph.GuardedModel) *StateManager {
	return &StateManager{
		sessions: sessions,
		threads:  sessions.Threads(),
		model:    model,
		now:      time.Now,
		graphID:  sessions.Threads().DefaultGraph(),
	}
}

func (s *StateManager) Sessions() *session.Manager      { return s.sessions }
func (s *StateManager) Threads() *service.ThreadService { return s.threads }

func (s *StateManager) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *StateManager) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Session.ActiveThreadID
}

// GraphID is the graph new threads are created on.
func (s *StateManager) GraphID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphID
}

func (s *StateManager) SetGraphID(graphID string) error {
	if !s.hasGraph(graphID) {
		return thread.ErrGraphNotFound
	}
	s.mu.Lock()
	s.graphID = graphID
	s.mu.Unlock()
	return nil
}

func (s *StateManager) hasGraph(graphID string) bool {
	for _, info := range s.threads.Graphs() {
		if info.ID == graphID {
			return true
		}
	}
	return false
}

// Bootstrap selects sessionID, or else the most recently updated open
// session, creating one when none exists.
func (s *StateManager) Bootstrap(ctx context.Context, sessionID string) (View, error) {
	if sessionID != "" {
		if err := s.UseSession(ctx, sessionID); err != nil {
			return View{}, err
		}
		return s.Refresh(ctx)
	}
	list, err := s.sessions.List(ctx)
	if err != nil {
		return View{}, err
	}
	for _, candidate := range list {
		if !candidate.IsClosed() {
			s.mu.Lock()
			s.sessionID = candidate.SessionID
			s.mu.Unlock()
			return s.Refresh(ctx)
		}
	}
	created, err := s.sessions.Create(ctx, "", map[string]any{"origin": "tui"})
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	s.sessionID = created.SessionID
	s.mu.Unlock()
	return s.Refresh(ctx)
}

func (s *StateManager) UseSession(ctx context.Context, sessionID string) error {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
	return nil
}

// View returns the last refreshed view.
func (s *StateManager) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Refresh rereads the session, its active thread and the lists around it.
// A dangling active thread id (deleted elsewhere) is tolerated and shows
// as no thread.
func (s *StateManager) Refresh(ctx context.Context) (View, error) {
	sessionID := s.SessionID()
	if sessionID == "" {
		return View{}, errors.New("no session selected")
	}
	v := View{RefreshedAt: s.now()}
	var err error
	if v.Session, err = s.sessions.Get(ctx, sessionID); err != nil {
		return View{}, err
	}
	if v.Sessions, err = s.sessions.List(ctx); err != nil {
		return View{}, err
	}
	if v.Threads, err = s.threads.ListThreads(ctx, thread.Filter{Limit: threadListLimit}); err != nil {
		return View{}, err
	}
	v.Graphs = s.threads.Graphs()
	if s.model != nil {
		v.Breaker = s.model.Status()
		v.HasBreaker = true
	}

	if active := v.Session.ActiveThreadID; active != "" {
		t, err := s.threads.GetThread(ctx, active)
		switch {
		case errors.Is(err, thread.ErrThreadNotFound):
			log.Warn().Str("thread_id", active).Msg("active thread missing")
		case err != nil:
			return View{}, err
		default:
			v.Thread = t
			v.HasThread = true
			if err := s.loadThread(ctx, &v); err != nil {
				return View{}, err
			}
		}
	}

	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	return v, nil
}

func (s *StateManager) loadThread(ctx context.Context, v *View) error {
	id := v.Thread.ThreadID
	cp, err := s.threads.GetState(ctx, id, "")
	if err != nil {
		return err
	}
	v.Checkpoint = cp
	v.Messages = graph.Messages(cp.State, "messages")
	if v.History, err = s.threads.History(ctx, id, historyLimit); err != nil {
		return err
	}
	if v.Branches, err = s.threads.Branches(ctx, id); err != nil {
		return err
	}
	if v.Snapshots, err = s.threads.ListSnapshots(ctx, id); err != nil {
		return err
	}
	return nil
}

// Package session groups threads into user-facing sessions and keeps the
// request/interaction log for each one.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"threadline/internal/service"
	"threadline/internal/store"
	"threadline/internal/thread"
)

type Manager struct {
	store   store.Sessions
	threads *service.ThreadService
	now     func() time.Time

	// mu serializes read-modify-write cycles on sessions.
	mu sync.Mutex
}

func NewManager(st store.Sessions, threads *service.ThreadService, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, threads: threads, now: now}
}

func (m *Manager) Threads() *service.ThreadService { return m.threads }

func (m *Manager) Create(ctx context.Context, title string, metadata map[string]any) (thread.Session, error) {
	now := m.now().UTC()
	s := thread.Session{
		SessionID: uuid.NewString(),
		Title:     strings.TrimSpace(title),
		Status:    thread.SessionOpen,
		ThreadIDs: []string{},
		Metadata:  thread.CopyMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Title == "" {
		s.Title = "session " + now.Local().Format("Jan 2 15:04")
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return thread.Session{}, err
	}
	log.Info().Str("session_id", s.SessionID).Str("title", s.Title).Msg("session created")
	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (thread.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) List(ctx context.Context) ([]thread.Session, error) {
	return m.store.ListSessions(ctx)
}

func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteSession(ctx, sessionID)
}

// update loads a session, applies fn and saves the result. Closed sessions
// are rejected unless allowClosed is set.
func (m *Manager) update(ctx context.Context, sessionID string, allowClosed bool, fn func(*thread.Session) error) (thread.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return thread.Session{}, err
	}
	if s.IsClosed() && !allowClosed {
		return thread.Session{}, fmt.Errorf("%w: %s", thread.ErrSessionClosed, sessionID)
	}
	if err := fn(&s); err != nil {
		return thread.Session{}, err
	}
	s.UpdatedAt = m.now().UTC()
	if err := m.store.SaveSession(ctx, s); err != nil {
		return thread.Session{}, err
	}
	return s, nil
}

func (m *Manager) Close(ctx context.Context, sessionID string) (thread.Session, error) {
	s, err := m.update(ctx, sessionID, true, func(s *thread.Session) error {
		s.Status = thread.SessionClosed
		return nil
	})
	if err == nil {
		log.Info().Str("session_id", sessionID).Msg("session closed")
	}
	return s, err
}

// AttachThread adds an existing thread. The first thread attached becomes
// the active one.
func (m *Manager) AttachThread(ctx context.Context, sessionID, threadID string) (thread.Session, error) {
	if _, err := m.threads.GetThread(ctx, threadID); err != nil {
		return thread.Session{}, err
	}
	return m.update(ctx, sessionID, false, func(s *thread.Session) error {
		if !s.HasThread(threadID) {
			s.ThreadIDs = append(s.ThreadIDs, threadID)
		}
		if s.ActiveThreadID == "" {
			s.ActiveThreadID = threadID
		}
		return nil
	})
}

// DetachThread removes a thread from the session without deleting it. If it
// was active, the most recently attached remaining thread takes over.
func (m *Manager) DetachThread(ctx context.Context, sessionID, threadID string) (thread.Session, error) {
	return m.update(ctx, sessionID, true, func(s *thread.Session) error {
		if !s.HasThread(threadID) {
			return fmt.Errorf("%w: %s not in session %s", thread.ErrThreadNotFound, threadID, s.SessionID)
		}
		kept := s.ThreadIDs[:0:0]
		for _, id := range s.ThreadIDs {
			if id != threadID {
				kept = append(kept, id)
			}
		}
		s.ThreadIDs = kept
		if s.ActiveThreadID == threadID {
			s.ActiveThreadID = ""
			if len(kept) > 0 {
				s.ActiveThreadID = kept[len(kept)-1]
			}
		}
		return nil
	})
}

// DeleteThread detaches a thread from every session that holds it, closed
// ones included, and then deletes it. Stale references are pruned even when
// the thread itself is already gone.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if !s.HasThread(threadID) {
			continue
		}
		if _, err := m.DetachThread(ctx, s.SessionID, threadID); err != nil && !errors.Is(err, thread.ErrThreadNotFound) {
			return err
		}
		log.Debug().Str("session_id", s.SessionID).Str("thread_id", threadID).Msg("thread detached for delete")
	}
	return m.threads.DeleteThread(ctx, threadID)
}

func (m *Manager) SetActive(ctx context.Context, sessionID, threadID string) (thread.Session, error) {
	return m.update(ctx, sessionID, true, func(s *thread.Session) error {
		if !s.HasThread(threadID) {
			return fmt.Errorf("%w: %s not in session %s", thread.ErrThreadNotFound, threadID, s.SessionID)
		}
		s.ActiveThreadID = threadID
		return nil
	})
}

// NewThread creates a thread on graphID (the default graph when empty),
// attaches it and makes it active.
func (m *Manager) NewThread(ctx context.Context, sessionID, graphID string, metadata map[string]any) (thread.Session, thread.Thread, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return thread.Session{}, thread.Thread{}, err
	}
	if s.IsClosed() {
		return thread.Session{}, thread.Thread{}, fmt.Errorf("%w: %s", thread.ErrSessionClosed, sessionID)
	}
	metadata = thread.MergeMaps(map[string]any{"session_id": sessionID}, metadata)
	t, err := m.threads.CreateThread(ctx, graphID, metadata)
	if err != nil {
		return thread.Session{}, thread.Thread{}, err
	}
	s, err = m.update(ctx, sessionID, false, func(s *thread.Session) error {
		s.ThreadIDs = append(s.ThreadIDs, t.ThreadID)
		s.ActiveThreadID = t.ThreadID
		return nil
	})
	if err != nil {
		return thread.Session{}, thread.Thread{}, err
	}
	return s, t, nil
}

func (m *Manager) RecordRequest(ctx context.Context, sessionID, threadID, content string) (thread.UserRequest, error) {
	req := thread.UserRequest{
		RequestID: uuid.NewString(),
		ThreadID:  threadID,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	_, err := m.update(ctx, sessionID, false, func(s *thread.Session) error {
		s.Requests = append(s.Requests, req)
		return nil
	})
	if err != nil {
		return thread.UserRequest{}, err
	}
	return req, nil
}

// RecordInteraction is allowed on closed sessions so an in-flight reply is
// not lost when the session closes underneath it.
func (m *Manager) RecordInteraction(ctx context.Context, sessionID string, interaction thread.UserInteraction) (thread.UserInteraction, error) {
	if _, err := thread.ParseInteractionKind(string(interaction.Kind)); err != nil {
		return thread.UserInteraction{}, err
	}
	if interaction.InteractionID == "" {
		interaction.InteractionID = uuid.NewString()
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = m.now().UTC()
	}
	_, err := m.update(ctx, sessionID, true, func(s *thread.Session) error {
		s.Interactions = append(s.Interactions, interaction)
		return nil
	})
	if err != nil {
		return thread.UserInteraction{}, err
	}
	return interaction, nil
}

// Submit sends text to the session's active thread, creating one on the
// default graph if needed, and logs both sides of the exchange. A failed
// run is recorded as an error interaction and also returned as err.
func (m *Manager) Submit(ctx context.Context, sessionID, text string) (thread.UserInteraction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return thread.UserInteraction{}, fmt.Errorf("empty message")
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return thread.UserInteraction{}, err
	}
	if s.IsClosed() {
		return thread.UserInteraction{}, fmt.Errorf("%w: %s", thread.ErrSessionClosed, sessionID)
	}
	threadID := s.ActiveThreadID
	if threadID != "" {
		_, err := m.threads.GetThread(ctx, threadID)
		switch {
		case errors.Is(err, thread.ErrThreadNotFound):
			log.Warn().Str("session_id", sessionID).Str("thread_id", threadID).Msg("active thread is gone, starting a new one")
			if _, err := m.DetachThread(ctx, sessionID, threadID); err != nil && !errors.Is(err, thread.ErrThreadNotFound) {
				return thread.UserInteraction{}, err
			}
			threadID = ""
		case err != nil:
			return thread.UserInteraction{}, err
		}
	}
	if threadID == "" {
		_, t, err := m.NewThread(ctx, sessionID, "", map[string]any{"title": titleFrom(text)})
		if err != nil {
			return thread.UserInteraction{}, err
		}
		threadID = t.ThreadID
	}

	req, err := m.RecordRequest(ctx, sessionID, threadID, text)
	if err != nil {
		return thread.UserInteraction{}, err
	}
	started := time.Now()
	reply, sendErr := m.threads.SendMessage(ctx, threadID, text)

	interaction := thread.UserInteraction{RequestID: req.RequestID, ThreadID: threadID}
	if sendErr != nil {
		interaction.Kind = thread.InteractionError
		interaction.Content = sendErr.Error()
	} else {
		interaction.Kind = thread.InteractionResponse
		interaction.Content = reply.Content
	}
	recorded, err := m.RecordInteraction(context.WithoutCancel(ctx), sessionID, interaction)
	if err != nil {
		return thread.UserInteraction{}, err
	}
	log.Debug().
		Str("session_id", sessionID).
		Str("thread_id", threadID).
		Str("kind", string(recorded.Kind)).
		Dur("took", time.Since(started)).
		Msg("request handled")
	return recorded, sendErr
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) > 40 {
		return string([]rune(text)[:39]) + "…"
	}
	return text
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"threadline/internal/checkpoint"
	"threadline/internal/graph"
	"threadline/internal/service"
	"threadline/internal/store"
	"threadline/internal/thread"
)

func newManager(t *testing.T, replies ...string) *Manager {
	t.Helper()
	engine := graph.NewEngine(checkpoint.NewMemorySaver())
	builder := graph.Builder{Model: fake.NewFakeLLM(replies)}
	require.NoError(t, engine.Register(builder.ChatGraph()))
	require.NoError(t, engine.Register(graph.New("broken").
		AddNode("fail", graph.NodeFunc(func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("model offline")
		})).
		SetEntry("fail")))
	st := store.NewMemory()
	tick := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return NewManager(st, service.NewThreadService(st, engine, service.WithClock(clock)), clock)
}

func TestSubmitCreatesThreadOnDemand(t *testing.T) {
	m := newManager(t, "hi there", "still here")
	ctx := context.Background()
	s, err := m.Create(ctx, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s.Title)
	assert.Equal(t, thread.SessionOpen, s.Status)

	got, err := m.Submit(ctx, s.SessionID, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, thread.InteractionResponse, got.Kind)
	assert.Equal(t, "hi there", got.Content)

	s, err = m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, s.ThreadIDs, 1)
	assert.Equal(t, s.ThreadIDs[0], s.ActiveThreadID)
	require.Len(t, s.Requests, 1)
	assert.Equal(t, "hello", s.Requests[0].Content)
	require.Len(t, s.Interactions, 1)
	assert.Equal(t, s.Requests[0].RequestID, s.Interactions[0].RequestID)

	th, err := m.Threads().GetThread(ctx, s.ActiveThreadID)
	require.NoError(t, err)
	assert.Equal(t, "hello", th.Title())
	assert.Equal(t, s.SessionID, th.Metadata["session_id"])

	_, err = m.Submit(ctx, s.SessionID, "again")
	require.NoError(t, err)
	s, _ = m.Get(ctx, s.SessionID)
	assert.Len(t, s.ThreadIDs, 1, "second submit reuses the active thread")
	assert.Len(t, s.Interactions, 2)
}

func TestSubmitRecordsErrors(t *testing.T) {
	m := newManager(t, "unused")
	ctx := context.Background()
	s, _ := m.Create(ctx, "err", nil)
	_, _, err := m.NewThread(ctx, s.SessionID, "broken", nil)
	require.NoError(t, err)

	got, err := m.Submit(ctx, s.SessionID, "ping")
	require.Error(t, err)
	assert.Equal(t, thread.InteractionError, got.Kind)
	assert.Contains(t, got.Content, "model offline")

	s, _ = m.Get(ctx, s.SessionID)
	require.Len(t, s.Interactions, 1)
	assert.Equal(t, thread.InteractionError, s.Interactions[0].Kind)
}

func TestClosedSessionRejectsWork(t *testing.T) {
	m := newManager(t, "x")
	ctx := context.Background()
	s, _ := m.Create(ctx, "closing", nil)
	th, err := m.Threads().CreateThread(ctx, "", nil)
	require.NoError(t, err)

	closed, err := m.Close(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())

	_, err = m.Submit(ctx, s.SessionID, "hi")
	assert.ErrorIs(t, err, thread.ErrSessionClosed)
	_, err = m.AttachThread(ctx, s.SessionID, th.ThreadID)
	assert.ErrorIs(t, err, thread.ErrSessionClosed)
	_, _, err = m.NewThread(ctx, s.SessionID, "", nil)
	assert.ErrorIs(t, err, thread.ErrSessionClosed)
	_, err = m.RecordRequest(ctx, s.SessionID, th.ThreadID, "late")
	assert.ErrorIs(t, err, thread.ErrSessionClosed)

	_, err = m.RecordInteraction(ctx, s.SessionID, thread.UserInteraction{Kind: thread.InteractionCommand, Content: "/quit"})
	assert.NoError(t, err)
}

func TestAttachDetachActive(t *testing.T) {
	m := newManager(t, "x")
	ctx := context.Background()
	s, _ := m.Create(ctx, "multi", nil)
	a, _ := m.Threads().CreateThread(ctx, "", nil)
	b, _ := m.Threads().CreateThread(ctx, "", nil)
	c, _ := m.Threads().CreateThread(ctx, "", nil)

	s, err := m.AttachThread(ctx, s.SessionID, a.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, a.ThreadID, s.ActiveThreadID)
	s, _ = m.AttachThread(ctx, s.SessionID, b.ThreadID)
	s, _ = m.AttachThread(ctx, s.SessionID, c.ThreadID)
	s, _ = m.AttachThread(ctx, s.SessionID, c.ThreadID)
	assert.Equal(t, []string{a.ThreadID, b.ThreadID, c.ThreadID}, s.ThreadIDs)
	assert.Equal(t, a.ThreadID, s.ActiveThreadID)

	_, err = m.AttachThread(ctx, s.SessionID, "ghost")
	assert.ErrorIs(t, err, thread.ErrThreadNotFound)

	s, err = m.SetActive(ctx, s.SessionID, b.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, b.ThreadID, s.ActiveThreadID)

	s, err = m.DetachThread(ctx, s.SessionID, b.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ThreadID, c.ThreadID}, s.ThreadIDs)
	assert.Equal(t, c.ThreadID, s.ActiveThreadID)

	_, err = m.SetActive(ctx, s.SessionID, b.ThreadID)
	assert.ErrorIs(t, err, thread.ErrThreadNotFound)
	_, err = m.DetachThread(ctx, s.SessionID, b.ThreadID)
	assert.ErrorIs(t, err, thread.ErrThreadNotFound)

	_, err = m.Threads().GetThread(ctx, b.ThreadID)
	assert.NoError(t, err, "detaching keeps the thread")
}

func TestDeleteThreadDetachesFromEverySession(t *testing.T) {
	m := newManager(t, "x")
	ctx := context.Background()
	first, _ := m.Create(ctx, "one", nil)
	second, _ := m.Create(ctx, "two", nil)
	doomed, _ := m.Threads().CreateThread(ctx, "", nil)
	kept, _ := m.Threads().CreateThread(ctx, "", nil)

	_, err := m.AttachThread(ctx, first.SessionID, doomed.ThreadID)
	require.NoError(t, err)
	_, err = m.AttachThread(ctx, second.SessionID, kept.ThreadID)
	require.NoError(t, err)
	_, err = m.AttachThread(ctx, second.SessionID, doomed.ThreadID)
	require.NoError(t, err)
	_, err = m.SetActive(ctx, second.SessionID, doomed.ThreadID)
	require.NoError(t, err)
	_, err = m.Close(ctx, second.SessionID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteThread(ctx, doomed.ThreadID))

	_, err = m.Threads().GetThread(ctx, doomed.ThreadID)
	assert.ErrorIs(t, err, thread.ErrThreadNotFound)
	s, err := m.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Empty(t, s.ThreadIDs)
	assert.Empty(t, s.ActiveThreadID)
	s, err = m.Get(ctx, second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ThreadID}, s.ThreadIDs)
	assert.Equal(t, kept.ThreadID, s.ActiveThreadID)

	assert.ErrorIs(t, m.DeleteThread(ctx, doomed.ThreadID), thread.ErrThreadNotFound)
}

func TestSubmitRecoversFromDeletedActiveThread(t *testing.T) {
	m := newManager(t, "first", "second")
	ctx := context.Background()
	s, _ := m.Create(ctx, "", nil)
	_, err := m.Submit(ctx, s.SessionID, "hello")
	require.NoError(t, err)
	s, _ = m.Get(ctx, s.SessionID)
	stale := s.ActiveThreadID

	// Deleted behind the manager's back, so the session still lists it.
	require.NoError(t, m.Threads().DeleteThread(ctx, stale))

	got, err := m.Submit(ctx, s.SessionID, "anyone there")
	require.NoError(t, err)
	assert.Equal(t, thread.InteractionResponse, got.Kind)
	assert.Equal(t, "second", got.Content)
	assert.NotEqual(t, stale, got.ThreadID)

	s, err = m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{got.ThreadID}, s.ThreadIDs)
	assert.Equal(t, got.ThreadID, s.ActiveThreadID)
}

func TestListAndDelete(t *testing.T) {
	m := newManager(t, "x")
	ctx := context.Background()
	first, _ := m.Create(ctx, "one", nil)
	second, _ := m.Create(ctx, "two", nil)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.SessionID, list[0].SessionID)

	require.NoError(t, m.Delete(ctx, first.SessionID))
	_, err = m.Get(ctx, first.SessionID)
	assert.ErrorIs(t, err, thread.ErrSessionNotFound)
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "a b", titleFrom("  a \n b "))
	long := titleFrom("0123456789012345678901234567890123456789012345")
	assert.Len(t, []rune(long), 40)
}

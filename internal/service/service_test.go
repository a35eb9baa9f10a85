package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"threadline/internal/checkpoint"
	"threadline/internal/graph"
	"threadline/internal/store"
	"threadline/internal/thread"
)

// stepClock advances one second per call so every checkpoint and update
// has a distinct timestamp.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc    *ThreadService
	store  *store.Memory
	engine *graph.Engine
}

func newFixture(t *testing.T, replies ...string) fixture {
	t.Helper()
	if len(replies) == 0 {
		replies = []string{"hello from the model"}
	}
	clock := &stepClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	engine := graph.NewEngine(checkpoint.NewMemorySaver(), graph.WithClock(clock.Now))
	builder := graph.Builder{Model: fake.NewFakeLLM(replies)}
	require.NoError(t, engine.Register(builder.ChatGraph()))
	require.NoError(t, engine.Register(graph.New("failing").
		AddNode("boom", graph.NodeFunc(func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("kaput")
		})).
		SetEntry("boom")))
	st := store.NewMemory()
	return fixture{
		svc:    NewThreadService(st, engine, WithClock(clock.Now)),
		store:  st,
		engine: engine,
	}
}

func (f fixture) seed(t *testing.T, threadID string, state map[string]any) checkpoint.Checkpoint {
	t.Helper()
	cp, err := f.engine.ReplaceState(context.Background(), threadID, state, checkpoint.SourceUpdate, nil)
	require.NoError(t, err)
	return cp
}

func (f fixture) state(t *testing.T, threadID string) map[string]any {
	t.Helper()
	cp, err := f.svc.GetState(context.Background(), threadID, "")
	require.NoError(t, err)
	return cp.State
}

func TestCreateThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, err := f.svc.CreateThread(ctx, "", map[string]any{"title": "first"})
	require.NoError(t, err)
	assert.Equal(t, graph.ChatGraphID, th.GraphID)
	assert.Equal(t, thread.StatusIdle, th.Status)
	assert.Equal(t, "first", th.Title())

	_, err = f.svc.CreateThread(ctx, "nope", nil)
	assert.ErrorIs(t, err, thread.ErrGraphNotFound)

	cp, err := f.svc.GetState(ctx, th.ThreadID, "")
	require.NoError(t, err)
	assert.Empty(t, cp.State)
	assert.Empty(t, cp.CheckpointID)
}

func TestUpdateStatusAndMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "", map[string]any{"title": "x", "tag": "a"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(ctx, th.ThreadID, thread.StatusArchived)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusArchived, updated.Status)
	assert.True(t, updated.UpdatedAt.After(th.UpdatedAt))

	_, err = f.svc.UpdateStatus(ctx, th.ThreadID, thread.Status("sleeping"))
	assert.ErrorIs(t, err, thread.ErrInvalidStatus)

	patched, err := f.svc.UpdateMetadata(ctx, th.ThreadID, map[string]any{"tag": nil, "owner": "me"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "x", "owner": "me"}, patched.Metadata)
}

func TestSendMessageAppendsConversation(t *testing.T) {
	f := newFixture(t, "first reply", "second reply")
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)

	reply, err := f.svc.SendMessage(ctx, th.ThreadID, "hi")
	require.NoError(t, err)
	assert.Equal(t, graph.Message{Role: "assistant", Content: "first reply"}, reply)

	reply, err = f.svc.SendMessage(ctx, th.ThreadID, "again")
	require.NoError(t, err)
	assert.Equal(t, "second reply", reply.Content)

	msgs := graph.Messages(f.state(t, th.ThreadID), "messages")
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "again", msgs[2].Content)

	got, err := f.svc.GetThread(ctx, th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusIdle, got.Status)

	_, err = f.svc.SendMessage(ctx, th.ThreadID, "   ")
	assert.Error(t, err)
}

func TestRunFailureMarksThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "failing", nil)
	require.NoError(t, err)

	_, err = f.svc.Run(ctx, th.ThreadID, map[string]any{"x": 1})
	require.Error(t, err)
	got, err := f.svc.GetThread(ctx, th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusError, got.Status)
	assert.Contains(t, got.Metadata["last_error"], "kaput")
}

func TestRunRefusesArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, th.ThreadID, thread.StatusArchived)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, th.ThreadID, "hi")
	assert.ErrorIs(t, err, thread.ErrThreadArchived)
}

// branchlessStore refuses fork records and remembers which thread asked.
type branchlessStore struct {
	*store.Memory
	attempted string
}

func (s *branchlessStore) SaveBranch(_ context.Context, b thread.Branch) error {
	s.attempted = b.ThreadID
	return errors.New("branches unavailable")
}

// stuckAdapter fails every ReplaceState.
type stuckAdapter struct {
	*graph.Engine
}

func (stuckAdapter) ReplaceState(context.Context, string, map[string]any, checkpoint.Source, map[string]any) (checkpoint.Checkpoint, error) {
	return checkpoint.Checkpoint{}, errors.New("saver offline")
}

func TestFailedForkLeavesNoThread(t *testing.T) {
	ctx := context.Background()

	t.Run("branch record fails", func(t *testing.T) {
		f := newFixture(t)
		st := &branchlessStore{Memory: f.store}
		svc := NewThreadService(st, f.engine)
		src, err := svc.CreateThread(ctx, "", nil)
		require.NoError(t, err)
		f.seed(t, src.ThreadID, map[string]any{"n": 1})

		_, _, err = svc.Fork(ctx, src.ThreadID, "", "alt")
		require.ErrorContains(t, err, "branches unavailable")
		require.NotEmpty(t, st.attempted)

		_, err = svc.GetThread(ctx, st.attempted)
		assert.ErrorIs(t, err, thread.ErrThreadNotFound)
		history, err := f.engine.History(ctx, st.attempted, 0)
		require.NoError(t, err)
		assert.Empty(t, history, "seeded checkpoint should be gone")
		all, err := svc.ListThreads(ctx, thread.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("seeding fails", func(t *testing.T) {
		f := newFixture(t)
		svc := NewThreadService(f.store, stuckAdapter{f.engine})
		src, err := svc.CreateThread(ctx, "", nil)
		require.NoError(t, err)
		f.seed(t, src.ThreadID, map[string]any{"n": 1})

		_, _, err = svc.Fork(ctx, src.ThreadID, "", "alt")
		require.ErrorContains(t, err, "saver offline")
		all, err := svc.ListThreads(ctx, thread.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, src.ThreadID, all[0].ThreadID)
		branches, err := svc.Branches(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, branches)
	})
}

func TestForkSeedsStateAndRecordsBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, err := f.svc.CreateThread(ctx, "", map[string]any{"title": "origin"})
	require.NoError(t, err)
	first := f.seed(t, src.ThreadID, map[string]any{"n": 1})
	f.seed(t, src.ThreadID, map[string]any{"n": 2})

	forked, branch, err := f.svc.Fork(ctx, src.ThreadID, first.CheckpointID, "alt")
	require.NoError(t, err)
	assert.Equal(t, src.GraphID, forked.GraphID)
	assert.Equal(t, src.ThreadID, forked.Metadata["forked_from"])
	assert.Equal(t, "origin", forked.Metadata["title"])
	assert.Equal(t, "alt", branch.BranchName)
	assert.Equal(t, first.CheckpointID, branch.SourceCheckpointID)
	assert.Equal(t, map[string]any{"n": 1}, f.state(t, forked.ThreadID))

	history, err := f.svc.History(ctx, forked.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, checkpoint.SourceFork, history[0].Source)

	branches, err := f.svc.Branches(ctx, src.ThreadID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, forked.ThreadID, branches[0].ThreadID)

	empty, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)
	_, _, err = f.svc.Fork(ctx, empty.ThreadID, "", "")
	assert.ErrorIs(t, err, thread.ErrNoCheckpoints)
}

func TestLineageFindsRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)
	f.seed(t, root.ThreadID, map[string]any{"k": "v"})
	child, _, err := f.svc.Fork(ctx, root.ThreadID, "", "child")
	require.NoError(t, err)
	grandchild, _, err := f.svc.Fork(ctx, child.ThreadID, "", "grandchild")
	require.NoError(t, err)
	sibling, _, err := f.svc.Fork(ctx, root.ThreadID, "", "sibling")
	require.NoError(t, err)

	tree, err := f.svc.Lineage(ctx, grandchild.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, root.ThreadID, tree.Thread.ThreadID)
	assert.Nil(t, tree.Branch)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, child.ThreadID, tree.Children[0].Thread.ThreadID)
	assert.Equal(t, sibling.ThreadID, tree.Children[1].Thread.ThreadID)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, grandchild.ThreadID, tree.Children[0].Children[0].Thread.ThreadID)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)

	_, err = f.svc.CreateSnapshot(ctx, th.ThreadID, "empty", nil)
	assert.ErrorIs(t, err, thread.ErrNoCheckpoints)

	a := f.seed(t, th.ThreadID, map[string]any{"v": "a"})
	b := f.seed(t, th.ThreadID, map[string]any{"v": "b"})
	snap, err := f.svc.CreateSnapshot(ctx, th.ThreadID, "", map[string]any{"why": "test"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.CheckpointID, b.CheckpointID}, snap.CheckpointIDs)
	assert.NotEmpty(t, snap.Name)

	f.seed(t, th.ThreadID, map[string]any{"v": "c"})
	cp, err := f.svc.RestoreSnapshot(ctx, snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.SourceRestore, cp.Source)
	assert.Equal(t, map[string]any{"v": "b"}, f.state(t, th.ThreadID))

	history, err := f.svc.History(ctx, th.ThreadID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 4, "restore appends rather than truncates")

	list, err := f.svc.ListSnapshots(ctx, th.ThreadID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, f.svc.DeleteSnapshot(ctx, snap.SnapshotID))
	_, err = f.svc.RestoreSnapshot(ctx, snap.SnapshotID)
	assert.ErrorIs(t, err, thread.ErrSnapshotNotFound)
}

func TestRestoreMissingCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSnapshot(ctx, thread.Snapshot{
		SnapshotID:    "dangling",
		ThreadID:      th.ThreadID,
		CheckpointIDs: []string{"gone"},
	}))
	_, err = f.svc.RestoreSnapshot(ctx, "dangling")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, err := f.svc.CreateThread(ctx, "", nil)
	require.NoError(t, err)
	first := f.seed(t, th.ThreadID, map[string]any{"step": 1})
	f.seed(t, th.ThreadID, map[string]any{"step": 2})

	_, err = f.svc.Rollback(ctx, th.ThreadID, first.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": 1}, f.state(t, th.ThreadID))

	_, err = f.svc.Rollback(ctx, th.ThreadID, "")
	assert.Error(t, err)
	_, err = f.svc.Rollback(ctx, "ghost", first.CheckpointID)
	assert.ErrorIs(t, err, thread.ErrThreadNotFound)
}

func TestMergeStrategies(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name       string
		strategy   thread.MergeStrategy
		wantTarget map[string]any
		wantSource map[string]any
	}{
		{
			name:       "latest takes newer source",
			strategy:   thread.MergeLatest,
			wantTarget: map[string]any{"a": "target", "shared": "source", "b": "source"},
			wantSource: map[string]any{"shared": "source", "b": "source"},
		},
		{
			name:       "master slave",
			strategy:   thread.MergeMasterSlave,
			wantTarget: map[string]any{"a": "target", "shared": "source", "b": "source"},
			wantSource: map[string]any{"shared": "source", "b": "source"},
		},
		{
			name:       "bidirectional",
			strategy:   thread.MergeBidirectional,
			wantTarget: map[string]any{"a": "target", "shared": "source", "b": "source"},
			wantSource: map[string]any{"a": "target", "shared": "source", "b": "source"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			target, err := f.svc.CreateThread(ctx, "", nil)
			require.NoError(t, err)
			source, err := f.svc.CreateThread(ctx, "", nil)
			require.NoError(t, err)
			f.seed(t, target.ThreadID, map[string]any{"a": "target", "shared": "target"})
			f.seed(t, source.ThreadID, map[string]any{"shared": "source", "b": "source"})

			res, err := f.svc.Merge(ctx, target.ThreadID, source.ThreadID, tc.strategy)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.wantTarget, f.state(t, target.ThreadID)); diff != "" {
				t.Fatalf("target state (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantSource, f.state(t, source.ThreadID)); diff != "" {
				t.Fatalf("source state (-want +got):\n%s", diff)
			}
			assert.Contains(t, res.Updated, target.ThreadID)
		})
	}
}

func TestMergeLatestPrefersNewerTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target, _ := f.svc.CreateThread(ctx, "", nil)
	source, _ := f.svc.CreateThread(ctx, "", nil)
	f.seed(t, source.ThreadID, map[string]any{"shared": "source", "b": "source"})
	f.seed(t, target.ThreadID, map[string]any{"shared": "target"})

	_, err := f.svc.Merge(ctx, target.ThreadID, source.ThreadID, thread.MergeLatest)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"shared": "target", "b": "source"}, f.state(t, target.ThreadID))
}

func TestMergeRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.svc.CreateThread(ctx, "", nil)
	b, _ := f.svc.CreateThread(ctx, "", nil)

	_, err := f.svc.Merge(ctx, a.ThreadID, a.ThreadID, thread.MergeLatest)
	assert.Error(t, err)
	_, err = f.svc.Merge(ctx, a.ThreadID, b.ThreadID, thread.MergeStrategy("quorum"))
	assert.ErrorIs(t, err, thread.ErrInvalidStrategy)
	_, err = f.svc.Merge(ctx, a.ThreadID, "ghost", thread.MergeLatest)
	assert.ErrorIs(t, err, thread.ErrThreadNotFound)
}

func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("master slave skips threads already in sync", func(t *testing.T) {
		f := newFixture(t)
		a, _ := f.svc.CreateThread(ctx, "", nil)
		b, _ := f.svc.CreateThread(ctx, "", nil)
		c, _ := f.svc.CreateThread(ctx, "", nil)
		f.seed(t, a.ThreadID, map[string]any{"v": 1})
		f.seed(t, b.ThreadID, map[string]any{"v": 1})
		f.seed(t, c.ThreadID, map[string]any{"v": 3})

		res, err := f.svc.Sync(ctx, []string{a.ThreadID, b.ThreadID, c.ThreadID}, thread.MergeMasterSlave)
		require.NoError(t, err)
		assert.Equal(t, []string{c.ThreadID}, res.Updated)
		assert.Equal(t, map[string]any{"v": 1}, f.state(t, c.ThreadID))

		again, err := f.svc.Sync(ctx, []string{a.ThreadID, b.ThreadID, c.ThreadID}, thread.MergeMasterSlave)
		require.NoError(t, err)
		assert.Empty(t, again.Updated)
	})

	t.Run("latest copies the newest state", func(t *testing.T) {
		f := newFixture(t)
		a, _ := f.svc.CreateThread(ctx, "", nil)
		b, _ := f.svc.CreateThread(ctx, "", nil)
		f.seed(t, a.ThreadID, map[string]any{"old": true})
		f.seed(t, b.ThreadID, map[string]any{"new": true})

		res, err := f.svc.Sync(ctx, []string{a.ThreadID, b.ThreadID}, thread.MergeLatest)
		require.NoError(t, err)
		assert.Equal(t, []string{a.ThreadID}, res.Updated)
		assert.Equal(t, map[string]any{"new": true}, f.state(t, a.ThreadID))
	})

	t.Run("bidirectional writes the union", func(t *testing.T) {
		f := newFixture(t)
		a, _ := f.svc.CreateThread(ctx, "", nil)
		b, _ := f.svc.CreateThread(ctx, "", nil)
		f.seed(t, a.ThreadID, map[string]any{"x": 1, "k": "a"})
		f.seed(t, b.ThreadID, map[string]any{"y": 2, "k": "b"})

		res, err := f.svc.Sync(ctx, []string{a.ThreadID, b.ThreadID}, thread.MergeBidirectional)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ThreadID, b.ThreadID}, res.Updated)
		want := map[string]any{"x": 1, "y": 2, "k": "b"}
		assert.Equal(t, want, f.state(t, a.ThreadID))
		assert.Equal(t, want, f.state(t, b.ThreadID))
	})

	t.Run("needs two threads", func(t *testing.T) {
		f := newFixture(t)
		a, _ := f.svc.CreateThread(ctx, "", nil)
		_, err := f.svc.Sync(ctx, []string{a.ThreadID, a.ThreadID}, thread.MergeLatest)
		assert.Error(t, err)
	})
}

func TestDeleteThreadDropsCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th, _ := f.svc.CreateThread(ctx, "", nil)
	f.seed(t, th.ThreadID, map[string]any{"v": 1})
	_, err := f.svc.CreateSnapshot(ctx, th.ThreadID, "s", nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteThread(ctx, th.ThreadID))
	_, err = f.engine.GetState(ctx, th.ThreadID, "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	snaps, err := f.store.ListSnapshots(ctx, th.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.ErrorIs(t, f.svc.DeleteThread(ctx, th.ThreadID), thread.ErrThreadNotFound)
}

// Package service is the orchestration layer over the stores and the graph
// adapter. Front ends (TUI, CLI, HTTP) only talk to ThreadService and the
// session manager built on top of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/graph"
	"threadline/internal/store"
	"threadline/internal/thread"
)

type ThreadStore interface {
	store.Threads
	store.Branches
	store.Snapshots
}

type ThreadService struct {
	store        ThreadStore
	graphs       graph.Adapter
	defaultGraph string
	now          func() time.Time
}

type Option func(*ThreadService)

func WithClock(now func() time.Time) Option {
	return func(s *ThreadService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithDefaultGraph(graphID string) Option {
	return func(s *ThreadService) {
		if strings.TrimSpace(graphID) != "" {
			s.defaultGraph = graphID
		}
	}
}

func NewThreadService(st ThreadStore, adapter graph.Adapter, opts ...Option) *ThreadService {
	s := &ThreadService{
		store:        st,
		graphs:       adapter,
		defaultGraph: graph.ChatGraphID,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ThreadService) DefaultGraph() string { return s.defaultGraph }

func (s *ThreadService) Graphs() []graph.Info { return s.graphs.Graphs() }

func (s *ThreadService) CreateThread(ctx context.Context, graphID string, metadata map[string]any) (thread.Thread, error) {
	graphID = strings.TrimSpace(graphID)
	if graphID == "" {
		graphID = s.defaultGraph
	}
	if !s.graphs.HasGraph(graphID) {
		return thread.Thread{}, fmt.Errorf("%w: %s", thread.ErrGraphNotFound, graphID)
	}
	now := s.now().UTC()
	t := thread.Thread{
		ThreadID:  uuid.NewString(),
		GraphID:   graphID,
		Status:    thread.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  thread.CopyMap(metadata),
	}
	if err := s.store.CreateThread(ctx, t); err != nil {
		return thread.Thread{}, err
	}
	log.Info().Str("thread_id", t.ThreadID).Str("graph_id", graphID).Msg("thread created")
	return t, nil
}

func (s *ThreadService) GetThread(ctx context.Context, threadID string) (thread.Thread, error) {
	return s.store.GetThread(ctx, threadID)
}

func (s *ThreadService) ListThreads(ctx context.Context, filter thread.Filter) ([]thread.Thread, error) {
	return s.store.ListThreads(ctx, filter)
}

func (s *ThreadService) UpdateStatus(ctx context.Context, threadID string, status thread.Status) (thread.Thread, error) {
	if _, err := thread.ParseStatus(string(status)); err != nil {
		return thread.Thread{}, err
	}
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return thread.Thread{}, err
	}
	t.Status = status
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateThread(ctx, t); err != nil {
		return thread.Thread{}, err
	}
	return t, nil
}

// UpdateMetadata merges patch into the thread metadata; nil values delete.
func (s *ThreadService) UpdateMetadata(ctx context.Context, threadID string, patch map[string]any) (thread.Thread, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return thread.Thread{}, err
	}
	t.Metadata = thread.PatchMap(t.Metadata, patch)
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateThread(ctx, t); err != nil {
		return thread.Thread{}, err
	}
	return t, nil
}

func (s *ThreadService) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return err
	}
	if err := s.graphs.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("deleting checkpoints: %w", err)
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	log.Info().Str("thread_id", threadID).Msg("thread deleted")
	return nil
}

// GetState returns the checkpoint at checkpointID, or the latest one. A
// thread that never ran has an empty state and a zero checkpoint.
func (s *ThreadService) GetState(ctx context.Context, threadID, checkpointID string) (checkpoint.Checkpoint, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp, err := s.graphs.GetState(ctx, threadID, checkpointID)
	if errors.Is(err, checkpoint.ErrNotFound) && checkpointID == "" {
		return checkpoint.Checkpoint{ThreadID: threadID, State: map[string]any{}}, nil
	}
	return cp, err
}

func (s *ThreadService) History(ctx context.Context, threadID string, limit int) ([]checkpoint.Checkpoint, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.graphs.History(ctx, threadID, limit)
}

// Run executes the thread's graph with input. The thread is marked running
// for the duration and ends idle, or error with metadata last_error set.
func (s *ThreadService) Run(ctx context.Context, threadID string, input map[string]any) (graph.Result, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return graph.Result{}, err
	}
	if t.Status == thread.StatusArchived {
		return graph.Result{}, fmt.Errorf("%w: %s", thread.ErrThreadArchived, threadID)
	}
	t.Status = thread.StatusRunning
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateThread(ctx, t); err != nil {
		return graph.Result{}, err
	}

	result, runErr := s.graphs.Invoke(ctx, threadID, t.GraphID, input)

	t.UpdatedAt = s.now().UTC()
	if runErr != nil {
		t.Status = thread.StatusError
		if errors.Is(runErr, context.Canceled) {
			t.Status = thread.StatusInterrupted
		}
		t.Metadata = thread.MergeMaps(t.Metadata, map[string]any{"last_error": runErr.Error()})
		log.Error().Err(runErr).Str("thread_id", threadID).Msg("thread run failed")
	} else {
		t.Status = thread.StatusIdle
		t.Metadata = thread.PatchMap(t.Metadata, map[string]any{"last_error": nil})
	}
	// The run may have been cancelled; the status write must still land.
	if err := s.store.UpdateThread(context.WithoutCancel(ctx), t); err != nil && runErr == nil {
		return result, err
	}
	return result, runErr
}

// SendMessage appends a user message and returns the assistant reply.
func (s *ThreadService) SendMessage(ctx context.Context, threadID, text string) (graph.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return graph.Message{}, fmt.Errorf("empty message")
	}
	result, err := s.Run(ctx, threadID, map[string]any{
		"messages": []any{graph.Message{Role: "user", Content: text}.Map()},
	})
	if err != nil {
		return graph.Message{}, err
	}
	reply, ok := graph.LastMessage(result.State, "messages", "assistant")
	if !ok {
		return graph.Message{}, fmt.Errorf("graph produced no assistant message")
	}
	return reply, nil
}

// Fork starts a new thread on the same graph seeded with the state at
// checkpointID (latest when empty) and records where it came from.
func (s *ThreadService) Fork(ctx context.Context, sourceID, checkpointID, branchName string) (thread.Thread, thread.Branch, error) {
	source, err := s.store.GetThread(ctx, sourceID)
	if err != nil {
		return thread.Thread{}, thread.Branch{}, err
	}
	cp, err := s.graphs.GetState(ctx, sourceID, checkpointID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) && checkpointID == "" {
			return thread.Thread{}, thread.Branch{}, fmt.Errorf("%w: %s", thread.ErrNoCheckpoints, sourceID)
		}
		return thread.Thread{}, thread.Branch{}, err
	}
	if strings.TrimSpace(branchName) == "" {
		branchName = "fork-" + cp.CheckpointID[:8]
	}

	metadata := thread.MergeMaps(source.Metadata, map[string]any{
		"forked_from":            sourceID,
		"forked_from_checkpoint": cp.CheckpointID,
		"branch_name":            branchName,
	})
	delete(metadata, "last_error")
	forked, err := s.CreateThread(ctx, source.GraphID, metadata)
	if err != nil {
		return thread.Thread{}, thread.Branch{}, err
	}
	if _, err := s.graphs.ReplaceState(ctx, forked.ThreadID, cp.State, checkpoint.SourceFork, map[string]any{
		"source_thread_id":     sourceID,
		"source_checkpoint_id": cp.CheckpointID,
	}); err != nil {
		s.discardFork(ctx, forked.ThreadID, err)
		return thread.Thread{}, thread.Branch{}, err
	}
	branch := thread.Branch{
		ThreadID:           forked.ThreadID,
		SourceThreadID:     sourceID,
		SourceCheckpointID: cp.CheckpointID,
		BranchName:         branchName,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.SaveBranch(ctx, branch); err != nil {
		s.discardFork(ctx, forked.ThreadID, err)
		return thread.Thread{}, thread.Branch{}, err
	}
	log.Info().
		Str("thread_id", forked.ThreadID).
		Str("source_thread_id", sourceID).
		Str("checkpoint_id", cp.CheckpointID).
		Msg("thread forked")
	return forked, branch, nil
}

// discardFork removes a half-built fork so a failed Fork leaves nothing behind.
func (s *ThreadService) discardFork(ctx context.Context, threadID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	evt := log.Warn().Err(cause).Str("thread_id", threadID)
	if err := s.graphs.DeleteThread(ctx, threadID); err != nil {
		evt = evt.AnErr("checkpoint_error", err)
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		evt = evt.AnErr("store_error", err)
	}
	evt.Msg("fork failed, discarded new thread")
}

func (s *ThreadService) Branches(ctx context.Context, threadID string) ([]thread.Branch, error) {
	if threadID != "" {
		if _, err := s.store.GetThread(ctx, threadID); err != nil {
			return nil, err
		}
	}
	return s.store.ListBranches(ctx, threadID)
}

// Lineage returns the fork tree containing threadID, rooted at its oldest
// ancestor that still exists.
func (s *ThreadService) Lineage(ctx context.Context, threadID string) (*thread.LineageNode, error) {
	current, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{current.ThreadID: true}
	for {
		branch, err := s.store.GetBranch(ctx, current.ThreadID)
		if err != nil {
			break
		}
		parent, err := s.store.GetThread(ctx, branch.SourceThreadID)
		if err != nil || seen[parent.ThreadID] {
			break
		}
		seen[parent.ThreadID] = true
		current = parent
	}
	return s.lineageNode(ctx, current, map[string]bool{})
}

func (s *ThreadService) lineageNode(ctx context.Context, t thread.Thread, visited map[string]bool) (*thread.LineageNode, error) {
	visited[t.ThreadID] = true
	node := &thread.LineageNode{Thread: t}
	if branch, err := s.store.GetBranch(ctx, t.ThreadID); err == nil {
		node.Branch = &branch
	}
	children, err := s.store.ListBranches(ctx, t.ThreadID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if visited[child.ThreadID] {
			continue
		}
		childThread, err := s.store.GetThread(ctx, child.ThreadID)
		if err != nil {
			continue
		}
		childNode, err := s.lineageNode(ctx, childThread, visited)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemorySaver keeps checkpoints in process memory, oldest first per thread.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
}

func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: map[string][]Checkpoint{}}
}

func (s *MemorySaver) Put(_ context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("checkpoint: thread and checkpoint ids are required")
	}
	stored, err := clone(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], stored)
	return nil
}

func (s *MemorySaver) Get(_ context.Context, threadID, checkpointID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.threads[threadID]
	if len(history) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if checkpointID == "" {
		return clone(history[len(history)-1])
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].CheckpointID == checkpointID {
			return clone(history[i])
		}
	}
	return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
}

func (s *MemorySaver) List(_ context.Context, threadID string, limit int) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.threads[threadID]
	out := make([]Checkpoint, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp, err := clone(history[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemorySaver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (s *MemorySaver) Close() error { return nil }

func clone(cp Checkpoint) (Checkpoint, error) {
	state, err := CloneState(cp.State)
	if err != nil {
		return Checkpoint{}, err
	}
	out := cp
	out.State = state
	if cp.Metadata != nil {
		metadata, err := CloneState(cp.Metadata)
		if err != nil {
			return Checkpoint{}, err
		}
		out.Metadata = metadata
	}
	return out, nil
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/thread"
)

type threadState struct {
	thread thread.Thread
	cp     checkpoint.Checkpoint
}

func (ts threadState) updated() int64 {
	if !ts.cp.CreatedAt.IsZero() {
		return ts.cp.CreatedAt.UnixNano()
	}
	return ts.thread.UpdatedAt.UnixNano()
}

func (s *ThreadService) loadState(ctx context.Context, threadID string) (threadState, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return threadState{}, err
	}
	cp, err := s.graphs.GetState(ctx, threadID, "")
	if errors.Is(err, checkpoint.ErrNotFound) {
		return threadState{thread: t, cp: checkpoint.Checkpoint{ThreadID: threadID, State: map[string]any{}}}, nil
	}
	if err != nil {
		return threadState{}, err
	}
	return threadState{thread: t, cp: cp}, nil
}

// MergeResult lists the threads whose state was rewritten.
type MergeResult struct {
	Strategy thread.MergeStrategy `json:"strategy"`
	State    map[string]any       `json:"state"`
	Updated  []string             `json:"updated"`
}

// Merge combines the source thread's state into the target with a shallow
// key-level last-write-wins update.
//
//	latest         the thread with the newer state wins; result goes to target
//	master_slave   source overrides target; result goes to target
//	bidirectional  source overrides target; result goes to both
func (s *ThreadService) Merge(ctx context.Context, targetID, sourceID string, strategy thread.MergeStrategy) (MergeResult, error) {
	if targetID == sourceID {
		return MergeResult{}, fmt.Errorf("merge: source and target are the same thread")
	}
	target, err := s.loadState(ctx, targetID)
	if err != nil {
		return MergeResult{}, err
	}
	source, err := s.loadState(ctx, sourceID)
	if err != nil {
		return MergeResult{}, err
	}

	var merged map[string]any
	writeTo := []string{targetID}
	switch strategy {
	case thread.MergeLatest:
		if target.updated() > source.updated() {
			merged = thread.MergeMaps(source.cp.State, target.cp.State)
		} else {
			merged = thread.MergeMaps(target.cp.State, source.cp.State)
		}
	case thread.MergeMasterSlave:
		merged = thread.MergeMaps(target.cp.State, source.cp.State)
	case thread.MergeBidirectional:
		merged = thread.MergeMaps(target.cp.State, source.cp.State)
		writeTo = append(writeTo, sourceID)
	default:
		return MergeResult{}, fmt.Errorf("%w: %q", thread.ErrInvalidStrategy, strategy)
	}

	metadata := map[string]any{"strategy": string(strategy), "merged_from": sourceID, "merged_into": targetID}
	updated, err := s.writeStates(ctx, map[string]threadState{targetID: target, sourceID: source}, writeTo, merged, checkpoint.SourceMerge, metadata)
	if err != nil {
		return MergeResult{}, err
	}
	log.Info().
		Str("target", targetID).
		Str("source", sourceID).
		Str("strategy", string(strategy)).
		Strs("updated", updated).
		Msg("threads merged")
	return MergeResult{Strategy: strategy, State: merged, Updated: updated}, nil
}

// Sync brings every thread in ids to a common state:
//
//	latest         the thread with the newest state is copied to the others
//	master_slave   ids[0] is copied to the others
//	bidirectional  all states folded in order, the union written to all
//
// Threads already holding the resulting state are left alone.
func (s *ThreadService) Sync(ctx context.Context, ids []string, strategy thread.MergeStrategy) (MergeResult, error) {
	ids = dedupe(ids)
	if len(ids) < 2 {
		return MergeResult{}, fmt.Errorf("sync: at least two distinct threads are required")
	}
	states := make(map[string]threadState, len(ids))
	for _, id := range ids {
		st, err := s.loadState(ctx, id)
		if err != nil {
			return MergeResult{}, err
		}
		states[id] = st
	}

	var result map[string]any
	switch strategy {
	case thread.MergeLatest:
		newest := ids[0]
		for _, id := range ids[1:] {
			if states[id].updated() > states[newest].updated() {
				newest = id
			}
		}
		result = thread.CopyMap(states[newest].cp.State)
	case thread.MergeMasterSlave:
		result = thread.CopyMap(states[ids[0]].cp.State)
	case thread.MergeBidirectional:
		result = map[string]any{}
		for _, id := range ids {
			result = thread.MergeMaps(result, states[id].cp.State)
		}
	default:
		return MergeResult{}, fmt.Errorf("%w: %q", thread.ErrInvalidStrategy, strategy)
	}

	updated, err := s.writeStates(ctx, states, ids, result, checkpoint.SourceSync, map[string]any{
		"strategy":    string(strategy),
		"synced_with": ids,
	})
	if err != nil {
		return MergeResult{}, err
	}
	log.Info().
		Strs("threads", ids).
		Str("strategy", string(strategy)).
		Strs("updated", updated).
		Msg("threads synced")
	return MergeResult{Strategy: strategy, State: result, Updated: updated}, nil
}

// writeStates replaces the state of each thread in ids whose current digest
// differs from the target state's.
func (s *ThreadService) writeStates(ctx context.Context, current map[string]threadState, ids []string, state map[string]any, source checkpoint.Source, metadata map[string]any) ([]string, error) {
	want, err := checkpoint.Digest(state)
	if err != nil {
		return nil, err
	}
	updated := []string{}
	for _, id := range ids {
		have := current[id].cp.Digest
		if have == "" {
			if have, err = checkpoint.Digest(current[id].cp.State); err != nil {
				return updated, err
			}
		}
		if have == want {
			continue
		}
		if _, err := s.graphs.ReplaceState(ctx, id, thread.CopyMap(state), source, metadata); err != nil {
			return updated, fmt.Errorf("writing state to %s: %w", id, err)
		}
		s.touch(ctx, id)
		updated = append(updated, id)
	}
	return updated, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

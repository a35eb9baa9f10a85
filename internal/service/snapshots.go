package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/thread"
)

// CreateSnapshot records the ids of every checkpoint the thread has, oldest
// first. The checkpoints themselves stay in the saver.
func (s *ThreadService) CreateSnapshot(ctx context.Context, threadID, name string, metadata map[string]any) (thread.Snapshot, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return thread.Snapshot{}, err
	}
	history, err := s.graphs.History(ctx, threadID, 0)
	if err != nil {
		return thread.Snapshot{}, err
	}
	if len(history) == 0 {
		return thread.Snapshot{}, fmt.Errorf("%w: %s", thread.ErrNoCheckpoints, threadID)
	}
	ids := make([]string, len(history))
	for i, cp := range history {
		ids[len(history)-1-i] = cp.CheckpointID
	}
	snapshot := thread.Snapshot{
		SnapshotID:    uuid.NewString(),
		ThreadID:      threadID,
		Name:          strings.TrimSpace(name),
		CheckpointIDs: ids,
		Metadata:      thread.CopyMap(metadata),
		CreatedAt:     s.now().UTC(),
	}
	if snapshot.Name == "" {
		snapshot.Name = "snapshot-" + snapshot.SnapshotID[:8]
	}
	if err := s.store.SaveSnapshot(ctx, snapshot); err != nil {
		return thread.Snapshot{}, err
	}
	log.Info().
		Str("thread_id", threadID).
		Str("snapshot_id", snapshot.SnapshotID).
		Int("checkpoints", len(ids)).
		Msg("snapshot created")
	return snapshot, nil
}

func (s *ThreadService) GetSnapshot(ctx context.Context, snapshotID string) (thread.Snapshot, error) {
	return s.store.GetSnapshot(ctx, snapshotID)
}

func (s *ThreadService) ListSnapshots(ctx context.Context, threadID string) ([]thread.Snapshot, error) {
	if threadID != "" {
		if _, err := s.store.GetThread(ctx, threadID); err != nil {
			return nil, err
		}
	}
	return s.store.ListSnapshots(ctx, threadID)
}

func (s *ThreadService) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return s.store.DeleteSnapshot(ctx, snapshotID)
}

// RestoreSnapshot writes the state of the snapshot's newest checkpoint back
// as a new checkpoint on the snapshot's thread.
func (s *ThreadService) RestoreSnapshot(ctx context.Context, snapshotID string) (checkpoint.Checkpoint, error) {
	snapshot, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	latestID := snapshot.LatestCheckpointID()
	if latestID == "" {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: snapshot %s is empty", thread.ErrNoCheckpoints, snapshotID)
	}
	return s.reapply(ctx, snapshot.ThreadID, latestID, checkpoint.SourceRestore, map[string]any{
		"snapshot_id":   snapshotID,
		"restored_from": latestID,
	})
}

// Rollback makes a historical checkpoint the thread's current state again.
// History is kept; the rollback is itself a new checkpoint.
func (s *ThreadService) Rollback(ctx context.Context, threadID, checkpointID string) (checkpoint.Checkpoint, error) {
	if strings.TrimSpace(checkpointID) == "" {
		return checkpoint.Checkpoint{}, fmt.Errorf("rollback: checkpoint id is required")
	}
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return s.reapply(ctx, threadID, checkpointID, checkpoint.SourceRestore, map[string]any{
		"rolled_back_to": checkpointID,
	})
}

func (s *ThreadService) reapply(ctx context.Context, threadID, checkpointID string, source checkpoint.Source, metadata map[string]any) (checkpoint.Checkpoint, error) {
	target, err := s.graphs.GetState(ctx, threadID, checkpointID)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("restoring %s on %s: %w", checkpointID, threadID, err)
	}
	cp, err := s.graphs.ReplaceState(ctx, threadID, target.State, source, metadata)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	s.touch(ctx, threadID)
	log.Info().
		Str("thread_id", threadID).
		Str("from_checkpoint", checkpointID).
		Str("checkpoint_id", cp.CheckpointID).
		Msg("state restored")
	return cp, nil
}

// touch bumps updated_at so listings reflect state writes made outside Run.
func (s *ThreadService) touch(ctx context.Context, threadID string) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return
	}
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateThread(ctx, t); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("touch failed")
	}
}

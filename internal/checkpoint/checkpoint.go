// Package checkpoint stores the per-thread state history written by the
// graph engine. Every state change becomes an immutable checkpoint that
// points at its parent, so history, rollback and forking are all reads of
// this store.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("checkpoint not found")

type Source string

const (
	SourceInput   Source = "input"
	SourceLoop    Source = "loop"
	SourceUpdate  Source = "update"
	SourceFork    Source = "fork"
	SourceRestore Source = "restore"
	SourceMerge   Source = "merge"
	SourceSync    Source = "sync"
)

type Checkpoint struct {
	CheckpointID string         `json:"checkpoint_id"`
	ThreadID     string         `json:"thread_id"`
	ParentID     string         `json:"parent_id,omitempty"`
	Step         int            `json:"step"`
	Source       Source         `json:"source"`
	State        map[string]any `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Digest       string         `json:"digest"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Saver persists checkpoints. List returns newest first; a limit <= 0
// means no limit. Get with an empty checkpointID returns the latest.
type Saver interface {
	Put(ctx context.Context, cp Checkpoint) error
	Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)
	List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error)
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// New builds the next checkpoint after parent. A zero parent starts the
// thread at step 0.
func New(threadID string, parent *Checkpoint, source Source, state, metadata map[string]any, now time.Time) (Checkpoint, error) {
	digest, err := Digest(state)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		CheckpointID: uuid.NewString(),
		ThreadID:     threadID,
		Source:       source,
		State:        state,
		Metadata:     metadata,
		Digest:       digest,
		CreatedAt:    now.UTC(),
	}
	if parent != nil {
		cp.ParentID = parent.CheckpointID
		cp.Step = parent.Step + 1
	}
	return cp, nil
}

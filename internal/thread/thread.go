// Package thread holds the domain types shared by the stores, the service
// layer and the front ends: threads, fork records, snapshots and the merge
// strategies used when two threads exchange state.
package thread

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrThreadNotFound   = errors.New("thread not found")
	ErrThreadExists     = errors.New("thread already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrBranchNotFound   = errors.New("branch not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session is closed")
	ErrGraphNotFound    = errors.New("graph not found")
	ErrInvalidStatus    = errors.New("invalid thread status")
	ErrInvalidStrategy  = errors.New("invalid merge strategy")
	ErrThreadArchived   = errors.New("thread is archived")
	ErrNoCheckpoints    = errors.New("thread has no checkpoints")
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
	StatusArchived    Status = "archived"
)

var allStatuses = []Status{StatusIdle, StatusRunning, StatusInterrupted, StatusError, StatusArchived}

func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(raw string) (Status, error) {
	normalized := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

type Thread struct {
	ThreadID  string         `json:"thread_id"`
	GraphID   string         `json:"graph_id"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Clone returns a copy whose metadata map can be mutated independently.
func (t Thread) Clone() Thread {
	out := t
	out.Metadata = CopyMap(t.Metadata)
	return out
}

// Title is the human label stored under metadata "title", or the id.
func (t Thread) Title() string {
	if title, ok := t.Metadata["title"].(string); ok && strings.TrimSpace(title) != "" {
		return title
	}
	return t.ThreadID
}

type Branch struct {
	ThreadID           string    `json:"thread_id"`
	SourceThreadID     string    `json:"source_thread_id"`
	SourceCheckpointID string    `json:"source_checkpoint_id"`
	BranchName         string    `json:"branch_name"`
	CreatedAt          time.Time `json:"created_at"`
}

type Snapshot struct {
	SnapshotID    string         `json:"snapshot_id"`
	ThreadID      string         `json:"thread_id"`
	Name          string         `json:"name"`
	CheckpointIDs []string       `json:"checkpoint_ids"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// LatestCheckpointID is the checkpoint a restore re-applies.
func (s Snapshot) LatestCheckpointID() string {
	if len(s.CheckpointIDs) == 0 {
		return ""
	}
	return s.CheckpointIDs[len(s.CheckpointIDs)-1]
}

type Filter struct {
	Status  Status
	GraphID string
	Limit   int
}

func (f Filter) Match(t Thread) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.GraphID != "" && t.GraphID != f.GraphID {
		return false
	}
	return true
}

// LineageNode is one thread in a fork tree.
type LineageNode struct {
	Thread   Thread         `json:"thread"`
	Branch   *Branch        `json:"branch,omitempty"`
	Children []*LineageNode `json:"children,omitempty"`
}

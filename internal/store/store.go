// Package store persists threads, fork records, snapshots and sessions.
//
// Two implementations share one in-memory core: Memory keeps everything in
// process, File additionally rewrites a JSON document per collection after
// every mutation. Checkpoint state is not kept here; see package checkpoint.
package store

import (
	"context"

	"threadline/internal/thread"
)

type Threads interface {
	CreateThread(ctx context.Context, t thread.Thread) error
	GetThread(ctx context.Context, threadID string) (thread.Thread, error)
	UpdateThread(ctx context.Context, t thread.Thread) error
	ListThreads(ctx context.Context, filter thread.Filter) ([]thread.Thread, error)
	// DeleteThread also drops the thread's snapshots, its fork record and the
	// fork records of threads forked from it.
	DeleteThread(ctx context.Context, threadID string) error
}

type Branches interface {
	SaveBranch(ctx context.Context, b thread.Branch) error
	GetBranch(ctx context.Context, threadID string) (thread.Branch, error)
	// ListBranches returns forks taken from sourceThreadID, or all forks
	// when it is empty.
	ListBranches(ctx context.Context, sourceThreadID string) ([]thread.Branch, error)
}

type Snapshots interface {
	SaveSnapshot(ctx context.Context, s thread.Snapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (thread.Snapshot, error)
	ListSnapshots(ctx context.Context, threadID string) ([]thread.Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

type Sessions interface {
	SaveSession(ctx context.Context, s thread.Session) error
	GetSession(ctx context.Context, sessionID string) (thread.Session, error)
	ListSessions(ctx context.Context) ([]thread.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Store interface {
	Threads
	Branches
	Snapshots
	Sessions
	Close() error
}

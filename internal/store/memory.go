package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"threadline/internal/thread"
)

type collection string

const (
	collThreads   collection = "threads"
	collBranches  collection = "branches"
	collSnapshots collection = "snapshots"
	collSessions  collection = "sessions"
)

type dataset struct {
	Threads   map[string]thread.Thread   `json:"threads"`
	Branches  map[string]thread.Branch   `json:"branches"`
	Snapshots map[string]thread.Snapshot `json:"snapshots"`
	Sessions  map[string]thread.Session  `json:"sessions"`
}

func newDataset() dataset {
	return dataset{
		Threads:   map[string]thread.Thread{},
		Branches:  map[string]thread.Branch{},
		Snapshots: map[string]thread.Snapshot{},
		Sessions:  map[string]thread.Session{},
	}
}

// Memory is a Store backed by maps. persist, when set, is called with the
// lock held after each mutation and receives the collections that changed.
type Memory struct {
	mu      sync.RWMutex
	data    dataset
	persist func(data *dataset, changed ...collection) error
}

func NewMemory() *Memory {
	return &Memory{data: newDataset()}
}

// commit persists the changed collections. When that fails undo runs, still
// under the lock, so readers never see a change the disk does not hold.
func (m *Memory) commit(undo func(), changed ...collection) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist(&m.data, changed...); err != nil {
		undo()
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateThread(_ context.Context, t thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.Threads[t.ThreadID]; exists {
		return fmt.Errorf("%w: %s", thread.ErrThreadExists, t.ThreadID)
	}
	m.data.Threads[t.ThreadID] = t.Clone()
	return m.commit(func() { delete(m.data.Threads, t.ThreadID) }, collThreads)
}

func (m *Memory) GetThread(_ context.Context, threadID string) (thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.data.Threads[threadID]
	if !ok {
		return thread.Thread{}, fmt.Errorf("%w: %s", thread.ErrThreadNotFound, threadID)
	}
	return t.Clone(), nil
}

func (m *Memory) UpdateThread(_ context.Context, t thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data.Threads[t.ThreadID]
	if !ok {
		return fmt.Errorf("%w: %s", thread.ErrThreadNotFound, t.ThreadID)
	}
	m.data.Threads[t.ThreadID] = t.Clone()
	return m.commit(func() { m.data.Threads[t.ThreadID] = prev }, collThreads)
}

func (m *Memory) ListThreads(_ context.Context, filter thread.Filter) ([]thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]thread.Thread, 0, len(m.data.Threads))
	for _, t := range m.data.Threads {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, ok := m.data.Threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", thread.ErrThreadNotFound, threadID)
	}
	// Fork records go both ways: the thread's own record and the records of
	// threads forked from it, whose source would otherwise dangle.
	branches := map[string]thread.Branch{}
	for id, b := range m.data.Branches {
		if id == threadID || b.SourceThreadID == threadID {
			branches[id] = b
			delete(m.data.Branches, id)
		}
	}
	snapshots := map[string]thread.Snapshot{}
	for id, snapshot := range m.data.Snapshots {
		if snapshot.ThreadID == threadID {
			snapshots[id] = snapshot
			delete(m.data.Snapshots, id)
		}
	}
	delete(m.data.Threads, threadID)
	return m.commit(func() {
		m.data.Threads[threadID] = removed
		for id, b := range branches {
			m.data.Branches[id] = b
		}
		for id, snapshot := range snapshots {
			m.data.Snapshots[id] = snapshot
		}
	}, collThreads, collBranches, collSnapshots)
}

func (m *Memory) SaveBranch(_ context.Context, b thread.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.data.Branches[b.ThreadID]
	m.data.Branches[b.ThreadID] = b
	return m.commit(func() {
		if existed {
			m.data.Branches[b.ThreadID] = prev
		} else {
			delete(m.data.Branches, b.ThreadID)
		}
	}, collBranches)
}

func (m *Memory) GetBranch(_ context.Context, threadID string) (thread.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data.Branches[threadID]
	if !ok {
		return thread.Branch{}, fmt.Errorf("%w: %s", thread.ErrBranchNotFound, threadID)
	}
	return b, nil
}

func (m *Memory) ListBranches(_ context.Context, sourceThreadID string) ([]thread.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []thread.Branch{}
	for _, b := range m.data.Branches {
		if sourceThreadID == "" || b.SourceThreadID == sourceThreadID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, s thread.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CheckpointIDs = append([]string(nil), s.CheckpointIDs...)
	s.Metadata = thread.CopyMap(s.Metadata)
	prev, existed := m.data.Snapshots[s.SnapshotID]
	m.data.Snapshots[s.SnapshotID] = s
	return m.commit(func() {
		if existed {
			m.data.Snapshots[s.SnapshotID] = prev
		} else {
			delete(m.data.Snapshots, s.SnapshotID)
		}
	}, collSnapshots)
}

func (m *Memory) GetSnapshot(_ context.Context, snapshotID string) (thread.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.Snapshots[snapshotID]
	if !ok {
		return thread.Snapshot{}, fmt.Errorf("%w: %s", thread.ErrSnapshotNotFound, snapshotID)
	}
	s.CheckpointIDs = append([]string(nil), s.CheckpointIDs...)
	s.Metadata = thread.CopyMap(s.Metadata)
	return s, nil
}

func (m *Memory) ListSnapshots(_ context.Context, threadID string) ([]thread.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []thread.Snapshot{}
	for _, s := range m.data.Snapshots {
		if threadID == "" || s.ThreadID == threadID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SnapshotID < out[j].SnapshotID
	})
	return out, nil
}

func (m *Memory) DeleteSnapshot(_ context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data.Snapshots[snapshotID]
	if !ok {
		return fmt.Errorf("%w: %s", thread.ErrSnapshotNotFound, snapshotID)
	}
	delete(m.data.Snapshots, snapshotID)
	return m.commit(func() { m.data.Snapshots[snapshotID] = prev }, collSnapshots)
}

func (m *Memory) SaveSession(_ context.Context, s thread.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.data.Sessions[s.SessionID]
	m.data.Sessions[s.SessionID] = s.Clone()
	return m.commit(func() {
		if existed {
			m.data.Sessions[s.SessionID] = prev
		} else {
			delete(m.data.Sessions, s.SessionID)
		}
	}, collSessions)
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (thread.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.Sessions[sessionID]
	if !ok {
		return thread.Session{}, fmt.Errorf("%w: %s", thread.ErrSessionNotFound, sessionID)
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context) ([]thread.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]thread.Session, 0, len(m.data.Sessions))
	for _, s := range m.data.Sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", thread.ErrSessionNotFound, sessionID)
	}
	delete(m.data.Sessions, sessionID)
	return m.commit(func() { m.data.Sessions[sessionID] = prev }, collSessions)
}

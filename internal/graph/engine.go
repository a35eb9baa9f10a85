package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/thread"
)

// Adapter is everything the thread layer needs from a graph runtime.
type Adapter interface {
	Graphs() []Info
	HasGraph(graphID string) bool
	Invoke(ctx context.Context, threadID, graphID string, input map[string]any) (Result, error)
	GetState(ctx context.Context, threadID, checkpointID string) (checkpoint.Checkpoint, error)
	UpdateState(ctx context.Context, threadID, graphID string, values map[string]any, source checkpoint.Source, metadata map[string]any) (checkpoint.Checkpoint, error)
	ReplaceState(ctx context.Context, threadID string, state map[string]any, source checkpoint.Source, metadata map[string]any) (checkpoint.Checkpoint, error)
	History(ctx context.Context, threadID string, limit int) ([]checkpoint.Checkpoint, error)
	DeleteThread(ctx context.Context, threadID string) error
}

type Result struct {
	State      map[string]any        `json:"state"`
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
	Visited    []string              `json:"visited"`
}

type Engine struct {
	saver          checkpoint.Saver
	recursionLimit int
	now            func() time.Time

	mu     sync.RWMutex
	graphs map[string]*Graph

	lockMu  sync.Mutex
	threads map[string]*sync.Mutex
}

type Option func(*Engine)

func WithRecursionLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.recursionLimit = limit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(saver checkpoint.Saver, opts ...Option) *Engine {
	e := &Engine{
		saver:          saver,
		recursionLimit: DefaultRecursionLimit,
		now:            time.Now,
		graphs:         map[string]*Graph{},
		threads:        map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Register(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[g.id] = g
	return nil
}

func (e *Engine) Graphs() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Info, 0, len(e.graphs))
	for _, g := range e.graphs {
		out = append(out, g.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) HasGraph(graphID string) bool {
	_, ok := e.graph(graphID)
	return ok
}

func (e *Engine) graph(graphID string) (*Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[graphID]
	return g, ok
}

func (e *Engine) lock(threadID string) func() {
	e.lockMu.Lock()
	mu, ok := e.threads[threadID]
	if !ok {
		mu = &sync.Mutex{}
		e.threads[threadID] = mu
	}
	e.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// latest returns the newest checkpoint, or nil for a thread with no history.
func (e *Engine) latest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	cp, err := e.saver.Get(ctx, threadID, "")
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (e *Engine) write(ctx context.Context, threadID string, parent *checkpoint.Checkpoint, source checkpoint.Source, state, metadata map[string]any) (checkpoint.Checkpoint, error) {
	cp, err := checkpoint.New(threadID, parent, source, state, metadata, e.now())
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if err := e.saver.Put(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return cp, nil
}

// Invoke folds input into the thread's latest state and runs the graph from
// its entry node until END. Every step is checkpointed, so a failed run
// leaves the state as of the last completed node.
func (e *Engine) Invoke(ctx context.Context, threadID, graphID string, input map[string]any) (Result, error) {
	g, ok := e.graph(graphID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", thread.ErrGraphNotFound, graphID)
	}
	unlock := e.lock(threadID)
	defer unlock()

	parent, err := e.latest(ctx, threadID)
	if err != nil {
		return Result{}, err
	}
	state := map[string]any{}
	if parent != nil {
		state = parent.State
	}
	state = g.Apply(state, input)
	cp, err := e.write(ctx, threadID, parent, checkpoint.SourceInput, state, map[string]any{"graph_id": graphID})
	if err != nil {
		return Result{}, err
	}

	visited := []string{}
	node := g.entry
	for steps := 0; node != End; steps++ {
		if err := ctx.Err(); err != nil {
			return Result{State: state, Checkpoint: cp, Visited: visited}, err
		}
		if steps >= e.recursionLimit {
			return Result{State: state, Checkpoint: cp, Visited: visited}, fmt.Errorf("%w: %d steps in %s", ErrRecursionLimit, e.recursionLimit, graphID)
		}
		runner, ok := g.nodes[node]
		if !ok {
			return Result{State: state, Checkpoint: cp, Visited: visited}, fmt.Errorf("%w: %s: unknown node %s", ErrInvalidGraph, graphID, node)
		}
		started := time.Now()
		update, err := runner.Run(ctx, thread.CopyMap(state))
		if err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Str("node", node).Msg("graph node failed")
			return Result{State: state, Checkpoint: cp, Visited: visited}, fmt.Errorf("node %s: %w", node, err)
		}
		state = g.Apply(state, update)
		parentCP := cp
		cp, err = e.write(ctx, threadID, &parentCP, checkpoint.SourceLoop, state, map[string]any{"graph_id": graphID, "node": node})
		if err != nil {
			return Result{State: state, Checkpoint: parentCP, Visited: visited}, err
		}
		visited = append(visited, node)
		log.Debug().
			Str("thread_id", threadID).
			Str("node", node).
			Int("step", cp.Step).
			Dur("took", time.Since(started)).
			Msg("graph step")
		node = g.next(node, state)
	}
	return Result{State: state, Checkpoint: cp, Visited: visited}, nil
}

func (e *Engine) GetState(ctx context.Context, threadID, checkpointID string) (checkpoint.Checkpoint, error) {
	return e.saver.Get(ctx, threadID, checkpointID)
}

// UpdateState folds values into the latest state through the graph's
// reducers, the way a node update would.
func (e *Engine) UpdateState(ctx context.Context, threadID, graphID string, values map[string]any, source checkpoint.Source, metadata map[string]any) (checkpoint.Checkpoint, error) {
	g, _ := e.graph(graphID)
	unlock := e.lock(threadID)
	defer unlock()
	parent, err := e.latest(ctx, threadID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	state := map[string]any{}
	if parent != nil {
		state = parent.State
	}
	return e.write(ctx, threadID, parent, source, g.Apply(state, values), metadata)
}

// ReplaceState overwrites the whole state. Fork, restore, merge and sync
// all go through here.
func (e *Engine) ReplaceState(ctx context.Context, threadID string, state map[string]any, source checkpoint.Source, metadata map[string]any) (checkpoint.Checkpoint, error) {
	unlock := e.lock(threadID)
	defer unlock()
	parent, err := e.latest(ctx, threadID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if state == nil {
		state = map[string]any{}
	}
	return e.write(ctx, threadID, parent, source, state, metadata)
}

func (e *Engine) History(ctx context.Context, threadID string, limit int) ([]checkpoint.Checkpoint, error) {
	return e.saver.List(ctx, threadID, limit)
}

func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	unlock := e.lock(threadID)
	err := e.saver.DeleteThread(ctx, threadID)
	unlock()
	e.lockMu.Lock()
	delete(e.threads, threadID)
	e.lockMu.Unlock()
	return err
}

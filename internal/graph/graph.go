// Package graph executes small state graphs and checkpoints every step.
//
// A graph is a set of named nodes joined by static edges or conditional
// routes. Nodes read the current state and return a partial update, which
// is folded into the state through per-channel reducers. The thread layer
// only sees the Adapter interface, so another engine can be dropped in
// without touching it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	// End terminates a run when used as an edge target.
	End = "END"

	DefaultRecursionLimit = 25
)

var (
	ErrRecursionLimit = errors.New("graph recursion limit reached")
	ErrInvalidGraph   = errors.New("invalid graph")
)

type Reducer string

const (
	ReducerReplace Reducer = "replace"
	ReducerAppend  Reducer = "append"
)

// Node runs one step. The returned map is a partial update; keys not
// present keep their current value.
type Node interface {
	Run(ctx context.Context, state map[string]any) (map[string]any, error)
}

type NodeFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

func (f NodeFunc) Run(ctx context.Context, state map[string]any) (map[string]any, error) {
	return f(ctx, state)
}

// Route picks the next node by looking up Key (dotted path) in the state.
type Route struct {
	Key     string            `yaml:"key"`
	Cases   map[string]string `yaml:"cases"`
	Default string            `yaml:"default"`
}

func (r Route) resolve(state map[string]any) string {
	value, ok := lookupPath(state, r.Key)
	if ok {
		if target, found := r.Cases[strings.TrimSpace(fmt.Sprint(value))]; found {
			return target
		}
	}
	if r.Default == "" {
		return End
	}
	return r.Default
}

type Info struct {
	ID          string   `json:"graph_id"`
	Description string   `json:"description"`
	Entry       string   `json:"entry"`
	Nodes       []string `json:"nodes"`
}

type Graph struct {
	id          string
	description string
	entry       string
	order       []string
	nodes       map[string]Node
	edges       map[string]string
	routes      map[string]Route
	reducers    map[string]Reducer
}

func New(id string) *Graph {
	return &Graph{
		id:       id,
		nodes:    map[string]Node{},
		edges:    map[string]string{},
		routes:   map[string]Route{},
		reducers: map[string]Reducer{},
	}
}

func (g *Graph) ID() string { return g.id }

func (g *Graph) Describe(text string) *Graph {
	g.description = text
	return g
}

func (g *Graph) AddNode(name string, node Node) *Graph {
	if _, exists := g.nodes[name]; !exists {
		g.order = append(g.order, name)
	}
	g.nodes[name] = node
	return g
}

func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

func (g *Graph) AddRoute(from string, route Route) *Graph {
	g.routes[from] = route
	return g
}

func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

func (g *Graph) Channel(key string, reducer Reducer) *Graph {
	g.reducers[key] = reducer
	return g
}

func (g *Graph) Info() Info {
	nodes := make([]string, len(g.order))
	copy(nodes, g.order)
	return Info{ID: g.id, Description: g.description, Entry: g.entry, Nodes: nodes}
}

// Validate checks that every edge and route points at a known node.
func (g *Graph) Validate() error {
	if strings.TrimSpace(g.id) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidGraph)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("%w: %s: entry %q is not a node", ErrInvalidGraph, g.id, g.entry)
	}
	known := func(name string) bool {
		if name == End {
			return true
		}
		_, ok := g.nodes[name]
		return ok
	}
	for from, to := range g.edges {
		if !known(from) || !known(to) {
			return fmt.Errorf("%w: %s: edge %s -> %s", ErrInvalidGraph, g.id, from, to)
		}
	}
	for from, route := range g.routes {
		if !known(from) {
			return fmt.Errorf("%w: %s: route from unknown node %s", ErrInvalidGraph, g.id, from)
		}
		if strings.TrimSpace(route.Key) == "" {
			return fmt.Errorf("%w: %s: route from %s has no key", ErrInvalidGraph, g.id, from)
		}
		targets := []string{route.Default}
		for _, target := range route.Cases {
			targets = append(targets, target)
		}
		for _, target := range targets {
			if target != "" && !known(target) {
				return fmt.Errorf("%w: %s: route %s -> %s", ErrInvalidGraph, g.id, from, target)
			}
		}
	}
	for key, reducer := range g.reducers {
		if reducer != ReducerReplace && reducer != ReducerAppend {
			return fmt.Errorf("%w: %s: channel %s has unknown reducer %q", ErrInvalidGraph, g.id, key, reducer)
		}
	}
	return nil
}

func (g *Graph) next(node string, state map[string]any) string {
	if route, ok := g.routes[node]; ok {
		return route.resolve(state)
	}
	if to, ok := g.edges[node]; ok {
		return to
	}
	return End
}

// Apply folds update into state using the graph's reducers. A nil graph
// replaces every key.
func (g *Graph) Apply(state, update map[string]any) map[string]any {
	out := make(map[string]any, len(state)+len(update))
	for key, value := range state {
		out[key] = value
	}
	keys := make([]string, 0, len(update))
	for key := range update {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		reducer := ReducerReplace
		if g != nil {
			if r, ok := g.reducers[key]; ok {
				reducer = r
			}
		}
		if reducer == ReducerAppend {
			out[key] = appendValues(out[key], update[key])
			continue
		}
		out[key] = update[key]
	}
	return out
}

func appendValues(existing, incoming any) []any {
	out := toSlice(existing)
	return append(out, toSlice(incoming)...)
}

func toSlice(value any) []any {
	if value == nil {
		return []any{}
	}
	if typed, ok := value.([]any); ok {
		out := make([]any, len(typed))
		copy(out, typed)
		return out
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, rv.Index(i).Interface())
		}
		return out
	}
	return []any{value}
}

func lookupPath(state map[string]any, path string) (any, bool) {
	var current any = state
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

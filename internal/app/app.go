// Package app assembles the stores, graph engine and services from a
// Config. Every front end (TUI, CLI, HTTP) starts from App.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"threadline/internal/checkpoint"
	"threadline/internal/config"
	"threadline/internal/graph"
	"threadline/internal/service"
	"threadline/internal/session"
	"threadline/internal/store"
)

type App struct {
	Config   *config.Config
	Store    store.Store
	Saver    checkpoint.Saver
	Engine   *graph.Engine
	Model    *graph.GuardedModel
	Threads  *service.ThreadService
	Sessions *session.Manager
}

type Option func(*options)

type options struct {
	model llms.Model
}

// WithModel replaces the configured LLM provider, mostly for tests.
func WithModel(model llms.Model) Option {
	return func(o *options) { o.model = model }
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.Store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if a.Saver, err = openSaver(cfg); err != nil {
		return nil, err
	}

	modelCfg := cfg.ModelConfig()
	if o.model != nil {
		a.Model = graph.NewGuardedModel(o.model, modelCfg.GuardOptions())
	} else if a.Model, err = graph.NewModel(modelCfg); err != nil {
		return nil, err
	}

	a.Engine = graph.NewEngine(a.Saver, graph.WithRecursionLimit(cfg.Graph.RecursionLimit))
	builder := graph.Builder{Model: a.Model, Options: modelCfg.CallOptions()}
	if err := a.Engine.Register(builder.ChatGraph()); err != nil {
		return nil, err
	}
	loaded, err := builder.LoadDir(cfg.Graph.GraphsDir)
	if err != nil {
		return nil, err
	}
	for _, g := range loaded {
		if err := a.Engine.Register(g); err != nil {
			return nil, err
		}
	}
	if !a.Engine.HasGraph(cfg.Graph.Default) {
		return nil, fmt.Errorf("default graph %q is not registered", cfg.Graph.Default)
	}

	a.Threads = service.NewThreadService(a.Store, a.Engine, service.WithDefaultGraph(cfg.Graph.Default))
	a.Sessions = session.NewManager(a.Store, a.Threads, nil)
	ok = true

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("checkpoints", cfg.Checkpoint.Backend).
		Str("llm", cfg.LLM.Provider+"/"+cfg.LLM.Model).
		Int("graphs", len(a.Engine.Graphs())).
		Msg("app ready")
	return a, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.OpenFile(cfg.Storage.Dir)
	}
}

func openSaver(cfg *config.Config) (checkpoint.Saver, error) {
	switch strings.ToLower(cfg.Checkpoint.Backend) {
	case "memory":
		return checkpoint.NewMemorySaver(), nil
	default:
		return checkpoint.OpenSQLite(cfg.Checkpoint.Path)
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Saver != nil {
		errs = append(errs, a.Saver.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"threadline/internal/retry"
)

const (
	DefaultModel     = "llama3.2:3b"
	DefaultOllamaAPI = "http://127.0.0.1:11434"
)

type ModelConfig struct {
	Provider        string
	BaseURL         string
	Model           string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	MaxRetries      int
	CircuitFailures int
	CircuitRecovery time.Duration
}

// NewModel builds the configured provider and wraps it in a GuardedModel.
func NewModel(cfg ModelConfig) (*GuardedModel, error) {
	var inner llms.Model
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "ollama":
		model := cfg.Model
		if model == "" {
			model = DefaultModel
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaAPI
		}
		llm, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(model))
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		inner = llm
	case "echo":
		inner = EchoModel{}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	return NewGuardedModel(inner, cfg.GuardOptions()), nil
}

// GuardOptions maps the timeout, retry and circuit settings onto a breaker.
func (cfg ModelConfig) GuardOptions() GuardOptions {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = max(0, cfg.MaxRetries)
	return GuardOptions{
		Timeout:         cfg.Timeout,
		Retry:           retryCfg,
		Threshold:       cfg.CircuitFailures,
		RecoveryTimeout: cfg.CircuitRecovery,
	}
}

// CallOptions are the per-request options derived from the config.
func (cfg ModelConfig) CallOptions() []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(cfg.Temperature)}
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	return opts
}

// EchoModel answers with the last human turn. It lets the app run without
// a model server.
type EchoModel struct{}

func (EchoModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	reply := "(nothing to echo)"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llms.ChatMessageTypeHuman {
			continue
		}
		var parts []string
		for _, part := range messages[i].Parts {
			if text, ok := part.(llms.TextContent); ok {
				parts = append(parts, text.Text)
			}
		}
		reply = "echo: " + strings.Join(parts, " ")
		break
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m EchoModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

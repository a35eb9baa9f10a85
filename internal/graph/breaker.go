package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"threadline/internal/retry"
)

var ErrCircuitOpen = errors.New("model circuit open")

type breakerState struct {
	threshold    int
	recovery     time.Duration
	failureCount int
	openUntil    time.Time
	lastError    string
	tripCount    int
	successCount int
}

func (b *breakerState) isOpen(now time.Time) bool {
	return !b.openUntil.IsZero() && now.Before(b.openUntil)
}

func (b *breakerState) remaining(now time.Time) time.Duration {
	if b.openUntil.IsZero() || now.After(b.openUntil) {
		return 0
	}
	return b.openUntil.Sub(now)
}

func (b *breakerState) recordSuccess() {
	b.failureCount = 0
	b.openUntil = time.Time{}
	b.lastError = ""
	b.successCount++
}

// recordFailure reports whether this failure tripped the breaker.
func (b *breakerState) recordFailure(now time.Time, errText string, suppressFor time.Duration) bool {
	b.failureCount++
	b.lastError = errText
	if suppressFor > 0 || b.failureCount >= max(1, b.threshold) {
		b.tripCount++
		b.failureCount = 0
		b.openUntil = now.Add(max(time.Second, b.recovery, suppressFor)).UTC()
		return true
	}
	return false
}

type errorClass struct {
	Code        string
	Retryable   bool
	SuppressFor time.Duration
}

func classifyModelError(errText string) errorClass {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	switch {
	case strings.Contains(normalized, "context deadline exceeded"), strings.Contains(normalized, "timed out"):
		return errorClass{Code: "timeout", Retryable: true}
	case strings.Contains(normalized, "connection refused"), strings.Contains(normalized, "dial tcp"), strings.Contains(normalized, "no such host"):
		return errorClass{Code: "endpoint_unreachable", SuppressFor: 35 * time.Second}
	case strings.Contains(normalized, "404"), strings.Contains(normalized, "model not found"), strings.Contains(normalized, "pull it first"):
		return errorClass{Code: "model_missing", SuppressFor: 3 * time.Minute}
	case strings.Contains(normalized, "connection reset"), strings.Contains(normalized, "eof"), strings.Contains(normalized, "503"), strings.Contains(normalized, "429"):
		return errorClass{Code: "transport_transient", Retryable: true}
	default:
		return errorClass{Code: "unknown"}
	}
}

// GuardedModel wraps a model with per-call timeouts, retry with backoff for
// transient failures, and a circuit breaker that fails fast while the
// endpoint is known to be down.
type GuardedModel struct {
	inner   llms.Model
	timeout time.Duration
	retry   retry.Config
	now     func() time.Time

	mu      sync.Mutex
	breaker breakerState
}

type GuardOptions struct {
	Timeout         time.Duration
	Retry           retry.Config
	Threshold       int
	RecoveryTimeout time.Duration
}

func NewGuardedModel(inner llms.Model, opts GuardOptions) *GuardedModel {
	return &GuardedModel{
		inner:   inner,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		now:     time.Now,
		breaker: breakerState{threshold: opts.Threshold, recovery: opts.RecoveryTimeout},
	}
}

type BreakerStatus struct {
	Open         bool          `json:"open"`
	Remaining    time.Duration `json:"remaining_ns"`
	LastError    string        `json:"last_error,omitempty"`
	Trips        int           `json:"trips"`
	Successes    int           `json:"successes"`
	FailureCount int           `json:"failure_count"`
}

func (g *GuardedModel) Status() BreakerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	return BreakerStatus{
		Open:         g.breaker.isOpen(now),
		Remaining:    g.breaker.remaining(now),
		LastError:    g.breaker.lastError,
		Trips:        g.breaker.tripCount,
		Successes:    g.breaker.successCount,
		FailureCount: g.breaker.failureCount,
	}
}

func (g *GuardedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	g.mu.Lock()
	if now := g.now(); g.breaker.isOpen(now) {
		remaining := g.breaker.remaining(now).Round(time.Second)
		lastError := g.breaker.lastError
		g.mu.Unlock()
		return nil, fmt.Errorf("%w for %s: %s", ErrCircuitOpen, remaining, lastError)
	}
	g.mu.Unlock()

	var resp *llms.ContentResponse
	cfg := g.retry
	cfg.Retryable = func(err error) bool { return classifyModelError(err.Error()).Retryable }
	result := retry.Do(ctx, cfg, "llm.generate", func(ctx context.Context) error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		out, err := g.inner.GenerateContent(callCtx, messages, options...)
		if err != nil {
			return err
		}
		if out == nil || len(out.Choices) == 0 {
			return errors.New("empty response from model")
		}
		resp = out
		return nil
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if result.LastError != nil {
		// The caller gave up; that says nothing about the model's health.
		if errors.Is(result.LastError, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, result.LastError
		}
		class := classifyModelError(result.LastError.Error())
		if g.breaker.recordFailure(g.now(), compactSingleLine(result.LastError.Error(), 240), class.SuppressFor) {
			log.Warn().
				Str("class", class.Code).
				Int("trips", g.breaker.tripCount).
				Time("open_until", g.breaker.openUntil).
				Msg("model circuit opened")
		}
		return nil, result.LastError
	}
	g.breaker.recordSuccess()
	return resp, nil
}

func (g *GuardedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g, prompt, options...)
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || len(compact) <= limit {
		return compact
	}
	if limit <= 3 {
		return compact[:limit]
	}
	return compact[:limit-3] + "..."
}

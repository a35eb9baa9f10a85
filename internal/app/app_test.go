package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"

	"threadline/internal/config"
)

const plannerYAML = `
id: planner
description: two step planner
channels:
  messages: append
nodes:
  - name: plan
    kind: template
    text: "plan for {{ lastUser .messages }}"
    output: plan
  - name: reply
    kind: template
    text: "{{ .plan }}"
    output: messages
    as_message: true
    role: assistant
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(dir, "state")
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoints.db")
	cfg.Graph.GraphsDir = filepath.Join(dir, "graphs")
	cfg.LLM.Provider = "echo"
	return cfg
}

func TestNewWiresPersistentBackends(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Graph.GraphsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Graph.GraphsDir, "planner.yaml"), []byte(plannerYAML), 0o644))
	ctx := context.Background()

	a, err := New(cfg)
	require.NoError(t, err)
	ids := []string{}
	for _, info := range a.Threads.Graphs() {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"chat", "planner"}, ids)

	s, err := a.Sessions.Create(ctx, "wired", nil)
	require.NoError(t, err)
	reply, err := a.Sessions.Submit(ctx, s.SessionID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", reply.Content)

	planned, err := a.Threads.CreateThread(ctx, "planner", nil)
	require.NoError(t, err)
	msg, err := a.Threads.SendMessage(ctx, planned.ThreadID, "lunch")
	require.NoError(t, err)
	assert.Equal(t, "plan for lunch", msg.Content)
	require.NoError(t, a.Close())

	reopened, err := New(cfg)
	require.NoError(t, err)
	defer reopened.Close()
	again, err := reopened.Sessions.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, again.Interactions, 1)
	state, err := reopened.Threads.GetState(ctx, planned.ThreadID, "")
	require.NoError(t, err)
	assert.Equal(t, "plan for lunch", state.State["plan"])
}

func TestNewWithInjectedModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "memory"
	cfg.Checkpoint.Backend = "memory"
	a, err := New(cfg, WithModel(fake.NewFakeLLM([]string{"canned"})))
	require.NoError(t, err)
	defer a.Close()

	th, err := a.Threads.CreateThread(context.Background(), "", nil)
	require.NoError(t, err)
	msg, err := a.Threads.SendMessage(context.Background(), th.ThreadID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "canned", msg.Content)
}

// flakyModel drops the first connection and answers after that.
type flakyModel struct {
	calls int
}

func (m *flakyModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	if m.calls == 1 {
		return nil, errors.New("read: connection reset by peer")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "recovered"}}}, nil
}

func (m *flakyModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestInjectedModelHonorsMaxRetries(t *testing.T) {
	for _, tc := range []struct {
		name       string
		maxRetries int
		wantCalls  int
		wantErr    bool
	}{
		{name: "retried", maxRetries: 1, wantCalls: 2},
		{name: "disabled", maxRetries: 0, wantCalls: 1, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = "memory"
			cfg.Checkpoint.Backend = "memory"
			cfg.LLM.MaxRetries = tc.maxRetries
			model := &flakyModel{}
			a, err := New(cfg, WithModel(model))
			require.NoError(t, err)
			defer a.Close()

			th, err := a.Threads.CreateThread(context.Background(), "", nil)
			require.NoError(t, err)
			msg, err := a.Threads.SendMessage(context.Background(), th.ThreadID, "hi")
			assert.Equal(t, tc.wantCalls, model.calls)
			if tc.wantErr {
				assert.ErrorContains(t, err, "connection reset")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "recovered", msg.Content)
		})
	}
}

func TestNewRejectsUnknownDefaultGraph(t *testing.T) {
	cfg := testConfig(t)
	cfg.Graph.Default = "missing"
	_, err := New(cfg)
	assert.Error(t, err)
}

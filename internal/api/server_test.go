package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"threadline/internal/checkpoint"
	"threadline/internal/graph"
	"threadline/internal/service"
	"threadline/internal/session"
	"threadline/internal/store"
	"threadline/internal/thread"
)

func newTestServer(t *testing.T, replies ...string) *Server {
	t.Helper()
	engine := graph.NewEngine(checkpoint.NewMemorySaver())
	model := graph.NewGuardedModel(fake.NewFakeLLM(replies), graph.GuardOptions{Threshold: 3})
	builder := graph.Builder{Model: model}
	require.NoError(t, engine.Register(builder.ChatGraph()))
	require.NoError(t, engine.Register(graph.New("notes").
		AddNode("noop", &graph.SetNode{Values: map[string]any{"noted": true}}).
		SetEntry("noop")))
	st := store.NewMemory()
	sessions := session.NewManager(st, service.NewThreadService(st, engine), nil)
	return NewServer("127.0.0.1:0", sessions, model)
}

func call(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createThread(t *testing.T, s *Server, graphID string) thread.Thread {
	t.Helper()
	rec := call(t, s, http.MethodPost, "/api/v1/threads", map[string]any{
		"graph_id": graphID,
		"metadata": map[string]any{"title": "t-" + graphID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[thread.Thread](t, rec)
}

func TestHealthReportsBreaker(t *testing.T) {
	s := newTestServer(t)
	rec := call(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	model, ok := body["model"].(map[string]any)
	require.True(t, ok, "breaker status missing")
	assert.Equal(t, false, model["open"])
}

func TestListGraphs(t *testing.T) {
	s := newTestServer(t)
	rec := call(t, s, http.MethodGet, "/api/v1/graphs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Default string       `json:"default"`
		Graphs  []graph.Info `json:"graphs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, graph.ChatGraphID, body.Default)
	require.Len(t, body.Graphs, 2)
	assert.Equal(t, "chat", body.Graphs[0].ID)
	assert.Equal(t, "notes", body.Graphs[1].ID)
}

func TestThreadLifecycle(t *testing.T) {
	s := newTestServer(t, "hi there")
	created := createThread(t, s, "")
	assert.Equal(t, graph.ChatGraphID, created.GraphID)
	assert.Equal(t, thread.StatusIdle, created.Status)

	rec := call(t, s, http.MethodGet, "/api/v1/threads/"+created.ThreadID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, s, http.MethodPost, "/api/v1/threads/"+created.ThreadID+"/runs", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decode[map[string]graph.Message](t, rec)
	assert.Equal(t, "hi there", reply["reply"].Content)

	rec = call(t, s, http.MethodGet, "/api/v1/threads/"+created.ThreadID+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cp := decode[checkpoint.Checkpoint](t, rec)
	assert.Len(t, cp.State["messages"], 2)

	rec = call(t, s, http.MethodPatch, "/api/v1/threads/"+created.ThreadID, map[string]any{
		"status":   "archived",
		"metadata": map[string]any{"owner": "ops"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decode[thread.Thread](t, rec)
	assert.Equal(t, thread.StatusArchived, patched.Status)
	assert.Equal(t, "ops", patched.Metadata["owner"])

	rec = call(t, s, http.MethodGet, "/api/v1/threads?status=archived", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]thread.Thread](t, rec), 1)

	rec = call(t, s, http.MethodPost, "/api/v1/threads/"+created.ThreadID+"/runs", map[string]any{"message": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code, "archived threads refuse runs")

	rec = call(t, s, http.MethodDelete, "/api/v1/threads/"+created.ThreadID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(t, s, http.MethodGet, "/api/v1/threads/"+created.ThreadID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadValidation(t *testing.T) {
	s := newTestServer(t)
	created := createThread(t, s, "notes")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"unknown graph", http.MethodPost, "/api/v1/threads", map[string]any{"graph_id": "nope"}, http.StatusNotFound},
		{"bad status", http.MethodPatch, "/api/v1/threads/" + created.ThreadID, map[string]any{"status": "sleeping"}, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/v1/threads/" + created.ThreadID, map[string]any{}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/threads?status=zzz", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/threads/" + created.ThreadID + "/history?limit=-1", nil, http.StatusBadRequest},
		{"empty run", http.MethodPost, "/api/v1/threads/" + created.ThreadID + "/runs", map[string]any{}, http.StatusBadRequest},
		{"fork without checkpoints", http.MethodPost, "/api/v1/threads/" + created.ThreadID + "/fork", map[string]any{}, http.StatusBadRequest},
		{"rollback without id", http.MethodPost, "/api/v1/threads/" + created.ThreadID + "/rollback", map[string]any{}, http.StatusBadRequest},
		{"missing thread", http.MethodGet, "/api/v1/threads/missing/state", nil, http.StatusNotFound},
		{"missing snapshot", http.MethodPost, "/api/v1/snapshots/missing/restore", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(t, s, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestForkSnapshotRestoreRollback(t *testing.T) {
	s := newTestServer(t)
	created := createThread(t, s, "notes")
	base := "/api/v1/threads/" + created.ThreadID

	rec := call(t, s, http.MethodPost, base+"/runs", map[string]any{"input": map[string]any{"step": 1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[graph.Result](t, rec)
	assert.Equal(t, true, result.State["noted"])

	rec = call(t, s, http.MethodPost, base+"/snapshots", map[string]any{"name": "first"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decode[thread.Snapshot](t, rec)
	assert.Equal(t, "first", snap.Name)

	rec = call(t, s, http.MethodPost, base+"/runs", map[string]any{"input": map[string]any{"step": 2}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, s, http.MethodPost, "/api/v1/snapshots/"+snap.SnapshotID+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	restored := decode[checkpoint.Checkpoint](t, rec)
	assert.Equal(t, checkpoint.SourceRestore, restored.Source)
	assert.EqualValues(t, 1, restored.State["step"])

	rec = call(t, s, http.MethodGet, base+"/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]checkpoint.Checkpoint](t, rec)
	require.NotEmpty(t, history)
	assert.Equal(t, restored.CheckpointID, history[0].CheckpointID)
	oldest := history[len(history)-1]

	rec = call(t, s, http.MethodPost, base+"/rollback", map[string]any{"checkpoint_id": oldest.CheckpointID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, s, http.MethodPost, base+"/fork", map[string]any{"branch_name": "alt"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var forked struct {
		Thread thread.Thread `json:"thread"`
		Branch thread.Branch `json:"branch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forked))
	assert.Equal(t, created.ThreadID, forked.Branch.SourceThreadID)
	assert.Equal(t, "alt", forked.Branch.BranchName)

	rec = call(t, s, http.MethodGet, base+"/branches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]thread.Branch](t, rec), 1)

	rec = call(t, s, http.MethodGet, "/api/v1/threads/"+forked.Thread.ThreadID+"/branches?lineage=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	root := decode[thread.LineageNode](t, rec)
	assert.Equal(t, created.ThreadID, root.Thread.ThreadID)
	require.Len(t, root.Children, 1)

	rec = call(t, s, http.MethodGet, base+"/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]thread.Snapshot](t, rec), 1)

	rec = call(t, s, http.MethodDelete, "/api/v1/snapshots/"+snap.SnapshotID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(t, s, http.MethodGet, "/api/v1/snapshots/"+snap.SnapshotID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMergeAndSync(t *testing.T) {
	s := newTestServer(t)
	a := createThread(t, s, "notes")
	b := createThread(t, s, "notes")
	rec := call(t, s, http.MethodPost, "/api/v1/threads/"+a.ThreadID+"/runs", map[string]any{"input": map[string]any{"from": "a"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, s, http.MethodPost, "/api/v1/threads/merge", map[string]any{
		"target_id": b.ThreadID, "source_id": a.ThreadID, "strategy": "master_slave",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decode[service.MergeResult](t, rec)
	assert.Equal(t, thread.MergeMasterSlave, merged.Strategy)
	assert.Equal(t, []string{b.ThreadID}, merged.Updated)
	assert.Equal(t, "a", merged.State["from"])

	rec = call(t, s, http.MethodPost, "/api/v1/threads/merge", map[string]any{
		"target_id": b.ThreadID, "source_id": a.ThreadID, "strategy": "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(t, s, http.MethodPost, "/api/v1/threads/merge", map[string]any{
		"target_id": b.ThreadID, "source_id": b.ThreadID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// both already hold the same state, so nothing is rewritten
	rec = call(t, s, http.MethodPost, "/api/v1/threads/sync", map[string]any{
		"thread_ids": []string{a.ThreadID, b.ThreadID}, "strategy": "bidirectional",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[service.MergeResult](t, rec).Updated)

	rec = call(t, s, http.MethodPost, "/api/v1/threads/sync", map[string]any{"thread_ids": []string{a.ThreadID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, "sure thing")
	rec := call(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{"title": "Research"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[thread.Session](t, rec)
	base := "/api/v1/sessions/" + sess.SessionID

	rec = call(t, s, http.MethodPost, base+"/messages", map[string]any{"text": "plan a trip"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	interaction := decode[thread.UserInteraction](t, rec)
	assert.Equal(t, thread.InteractionResponse, interaction.Kind)
	assert.Equal(t, "sure thing", interaction.Content)

	rec = call(t, s, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[thread.Session](t, rec)
	require.Len(t, got.ThreadIDs, 1)
	assert.Len(t, got.Requests, 1)
	assert.Len(t, got.Interactions, 1)
	first := got.ThreadIDs[0]

	rec = call(t, s, http.MethodPost, base+"/threads", map[string]any{"graph_id": "notes"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var attached struct {
		Session thread.Session `json:"session"`
		Thread  thread.Thread  `json:"thread"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attached))
	assert.Equal(t, attached.Thread.ThreadID, attached.Session.ActiveThreadID)

	rec = call(t, s, http.MethodPut, base+"/active", map[string]any{"thread_id": first})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first, decode[thread.Session](t, rec).ActiveThreadID)

	rec = call(t, s, http.MethodDelete, base+"/threads/"+first, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, attached.Thread.ThreadID, decode[thread.Session](t, rec).ActiveThreadID)

	rec = call(t, s, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, s, http.MethodPost, base+"/messages", map[string]any{"text": "still there?"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, s, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]thread.Session](t, rec), 1)

	rec = call(t, s, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = call(t, s, http.MethodPost, base+"/messages", map[string]any{"text": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteThreadDetachesFromSessions(t *testing.T) {
	s := newTestServer(t, "one", "two")
	rec := call(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{"title": "Cleanup"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := "/api/v1/sessions/" + decode[thread.Session](t, rec).SessionID

	rec = call(t, s, http.MethodPost, base+"/messages", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doomed := decode[thread.UserInteraction](t, rec).ThreadID

	rec = call(t, s, http.MethodDelete, "/api/v1/threads/"+doomed, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = call(t, s, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[thread.Session](t, rec)
	assert.Empty(t, got.ThreadIDs)
	assert.Empty(t, got.ActiveThreadID)

	rec = call(t, s, http.MethodPost, base+"/messages", map[string]any{"text": "fresh start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decode[thread.UserInteraction](t, rec)
	assert.Equal(t, "two", reply.Content)
	assert.NotEqual(t, doomed, reply.ThreadID)
}

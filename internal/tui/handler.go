package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"threadline/internal/checkpoint"
	"threadline/internal/thread"
)

// Outcome is what an input produced: a status line, an optional block of
// text for the timeline, and hints for the model.
type Outcome struct {
	Status  string
	Reply   string
	Tab     tabID
	SetTab  bool
	Refresh bool
}

var errUsage = errors.New("usage")

func usage(text string) error {
	return fmt.Errorf("%w: %s", errUsage, text)
}

// SessionHandler routes chat input to the session and slash commands to
// the thread service. It is safe to call from tea.Cmd goroutines.
type SessionHandler struct {
	state *StateManager
	now   func() time.Time
}

func NewSessionHandler(state *StateManager) *SessionHandler {
	return &SessionHandler{state: state, now: time.Now}
}

// Submit sends plain text to the active thread of the current session.
func (h *SessionHandler) Submit(ctx context.Context, text string) (Outcome, error) {
	sessionID := h.state.SessionID()
	if sessionID == "" {
		return Outcome{}, errors.New("no session selected")
	}
	interaction, err := h.state.Sessions().Submit(ctx, sessionID, text)
	if err != nil {
		return Outcome{Refresh: true}, err
	}
	return Outcome{
		Status:  fmt.Sprintf("reply on %s (%d chars)", shortID(interaction.ThreadID), len(interaction.Content)),
		Refresh: true,
	}, nil
}

// Command runs a slash command other than the ones the model handles
// itself (/help, /quit, /refresh). Every command is recorded on the
// session as a command interaction.
func (h *SessionHandler) Command(ctx context.Context, raw string) (Outcome, error) {
	args := splitCommand(strings.TrimPrefix(strings.TrimSpace(raw), "/"))
	if len(args) == 0 {
		return Outcome{}, usage("/thread, /session or /graph")
	}
	var (
		out Outcome
		err error
	)
	switch strings.ToLower(args[0]) {
	case "thread", "t":
		out, err = h.threadCommand(ctx, args[1:])
	case "session", "s":
		out, err = h.sessionCommand(ctx, args[1:])
	case "graph", "g":
		out, err = h.graphCommand(ctx, args[1:])
	default:
		return Outcome{}, fmt.Errorf("unknown command /%s", args[0])
	}
	h.record(ctx, raw, err)
	return out, err
}

func (h *SessionHandler) record(ctx context.Context, raw string, cmdErr error) {
	sessionID := h.state.SessionID()
	if sessionID == "" {
		return
	}
	interaction := thread.UserInteraction{
		ThreadID: h.currentThread(ctx),
		Kind:     thread.InteractionCommand,
		Content:  strings.TrimSpace(raw),
	}
	if cmdErr != nil {
		interaction.Content += " (failed: " + cmdErr.Error() + ")"
	}
	if _, err := h.state.Sessions().RecordInteraction(context.WithoutCancel(ctx), sessionID, interaction); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("command not recorded")
	}
}

// currentThread reads the active thread from the store rather than the
// cached view, which may predate the last action.
func (h *SessionHandler) currentThread(ctx context.Context) string {
	sessionID := h.state.SessionID()
	if sessionID == "" {
		return ""
	}
	s, err := h.state.Sessions().Get(ctx, sessionID)
	if err != nil {
		return ""
	}
	return s.ActiveThreadID
}

func (h *SessionHandler) activeThread(ctx context.Context) (string, error) {
	id := h.currentThread(ctx)
	if id == "" {
		return "", errors.New("no active thread; send a message or /thread new")
	}
	return id, nil
}

func (h *SessionHandler) threadCommand(ctx context.Context, args []string) (Outcome, error) {
	sub := "list"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
		args = args[1:]
	}
	threads := h.state.Threads()
	sessionID := h.state.SessionID()

	switch sub {
	case "list", "ls":
		list, err := threads.ListThreads(ctx, thread.Filter{Limit: threadListLimit})
		if err != nil {
			return Outcome{}, err
		}
		lines := make([]string, 0, len(list))
		now := h.now()
		for _, t := range list {
			lines = append(lines, fmt.Sprintf("%s  %-11s %-10s %s  %s",
				shortID(t.ThreadID), t.Status, t.GraphID, ago(t.UpdatedAt, now), compactSingleLine(t.Title(), 48)))
		}
		return Outcome{Status: fmt.Sprintf("%d threads", len(list)), Reply: listReply("threads", lines), Tab: tabThreads, SetTab: true}, nil

	case "new":
		graphID := h.state.GraphID()
		if len(args) > 0 && h.state.hasGraph(args[0]) {
			graphID, args = args[0], args[1:]
		}
		metadata := map[string]any{}
		if title := strings.TrimSpace(strings.Join(args, " ")); title != "" {
			metadata["title"] = title
		}
		_, t, err := h.state.Sessions().NewThread(ctx, sessionID, graphID, metadata)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "thread " + shortID(t.ThreadID) + " on " + t.GraphID, Refresh: true}, nil

	case "use", "switch":
		if len(args) < 1 {
			return Outcome{}, usage("/thread use <thread-id>")
		}
		t, err := h.resolveThread(ctx, args[0])
		if err != nil {
			return Outcome{}, err
		}
		if err := h.activate(ctx, sessionID, t.ThreadID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "active thread " + shortID(t.ThreadID), Tab: tabChat, SetTab: true, Refresh: true}, nil

	case "archive":
		id, err := h.threadArg(ctx, args)
		if err != nil {
			return Outcome{}, err
		}
		if _, err := threads.UpdateStatus(ctx, id, thread.StatusArchived); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "archived " + shortID(id), Refresh: true}, nil

	case "status":
		if len(args) < 1 {
			return Outcome{}, usage("/thread status <idle|running|interrupted|error|archived>")
		}
		status, err := thread.ParseStatus(args[0])
		if err != nil {
			return Outcome{}, err
		}
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if _, err := threads.UpdateStatus(ctx, id, status); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("%s is %s", shortID(id), status), Refresh: true}, nil

	case "meta":
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if len(args) == 0 {
			t, err := threads.GetThread(ctx, id)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Status: "metadata of " + shortID(id), Reply: listReply("metadata", metadataLines(t.Metadata))}, nil
		}
		patch, err := parseAssignments(args)
		if err != nil {
			return Outcome{}, err
		}
		if _, err := threads.UpdateMetadata(ctx, id, patch); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("updated %d metadata keys", len(patch)), Refresh: true}, nil

	case "fork":
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		var name, cpID string
		if len(args) > 0 {
			name = args[0]
		}
		if len(args) > 1 {
			if cpID, err = h.resolveCheckpoint(ctx, id, args[1]); err != nil {
				return Outcome{}, err
			}
		}
		forked, branch, err := threads.Fork(ctx, id, cpID, name)
		if err != nil {
			return Outcome{}, err
		}
		if err := h.activate(ctx, sessionID, forked.ThreadID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("forked %s as %s (%s)", shortID(id), shortID(forked.ThreadID), branch.BranchName), Refresh: true}, nil

	case "snapshot", "snap":
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		name := strings.TrimSpace(strings.Join(args, " "))
		snap, err := threads.CreateSnapshot(ctx, id, name, map[string]any{"origin": "tui"})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("snapshot %s (%d checkpoints)", snap.Name, len(snap.CheckpointIDs)), Refresh: true}, nil

	case "snapshots":
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		list, err := threads.ListSnapshots(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		lines := make([]string, 0, len(list))
		for _, snap := range list {
			lines = append(lines, fmt.Sprintf("%s  %-24s %d cps  %s", shortID(snap.SnapshotID), snap.Name, len(snap.CheckpointIDs), shortTime(snap.CreatedAt)))
		}
		return Outcome{Status: fmt.Sprintf("%d snapshots", len(list)), Reply: listReply("snapshots", lines)}, nil

	case "restore":
		if len(args) < 1 {
			return Outcome{}, usage("/thread restore <snapshot-id|name>")
		}
		snap, err := h.resolveSnapshot(ctx, args[0])
		if err != nil {
			return Outcome{}, err
		}
		cp, err := threads.RestoreSnapshot(ctx, snap.SnapshotID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("restored %s onto %s at step %d", snap.Name, shortID(snap.ThreadID), cp.Step), Refresh: true}, nil

	case "rollback":
		if len(args) < 1 {
			return Outcome{}, usage("/thread rollback <checkpoint-id>")
		}
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		cpID, err := h.resolveCheckpoint(ctx, id, args[0])
		if err != nil {
			return Outcome{}, err
		}
		cp, err := threads.Rollback(ctx, id, cpID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("rolled back to %s (step %d)", shortID(cpID), cp.Step), Refresh: true}, nil

	case "merge":
		if len(args) < 1 {
			return Outcome{}, usage("/thread merge <source-thread> [latest|master_slave|bidirectional]")
		}
		target, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		source, err := h.resolveThread(ctx, args[0])
		if err != nil {
			return Outcome{}, err
		}
		strategy, err := thread.ParseMergeStrategy(argAt(args, 1))
		if err != nil {
			return Outcome{}, err
		}
		result, err := threads.Merge(ctx, target, source.ThreadID, strategy)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("merged %s (%s), updated %d", shortID(source.ThreadID), result.Strategy, len(result.Updated)), Refresh: true}, nil

	case "sync":
		if len(args) < 2 {
			return Outcome{}, usage("/thread sync <strategy> <thread-id>...")
		}
		strategy, err := thread.ParseMergeStrategy(args[0])
		if err != nil {
			return Outcome{}, err
		}
		ids := []string{}
		if active := h.currentThread(ctx); active != "" {
			ids = append(ids, active)
		}
		for _, token := range args[1:] {
			t, err := h.resolveThread(ctx, token)
			if err != nil {
				return Outcome{}, err
			}
			ids = append(ids, t.ThreadID)
		}
		result, err := threads.Sync(ctx, ids, strategy)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: fmt.Sprintf("synced %d threads (%s), updated %d", len(ids), result.Strategy, len(result.Updated)), Refresh: true}, nil

	case "history":
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		history, err := threads.History(ctx, id, historyLimit)
		if err != nil {
			return Outcome{}, err
		}
		lines := make([]string, 0, len(history))
		for _, cp := range history {
			lines = append(lines, fmt.Sprintf("%s  step %-3d %-8s %s  keys=%d", shortID(cp.CheckpointID), cp.Step, cp.Source, shortTime(cp.CreatedAt), len(cp.State)))
		}
		return Outcome{Status: fmt.Sprintf("%d checkpoints", len(history)), Reply: listReply("history", lines)}, nil

	case "branches":
		id, err := h.activeThread(ctx)
		if err != nil {
			return Outcome{}, err
		}
		lineage, err := threads.Lineage(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		lines := lineageLines(lineage, id, 0)
		return Outcome{Status: fmt.Sprintf("%d threads in lineage", len(lines)), Reply: listReply("lineage", lines)}, nil

	case "delete", "rm":
		id, err := h.threadArg(ctx, args)
		if err != nil {
			return Outcome{}, err
		}
		if err := h.state.Sessions().DeleteThread(ctx, id); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "deleted " + shortID(id), Refresh: true}, nil
	}
	return Outcome{}, usage("/thread list|new|use|archive|fork|snapshot|snapshots|restore|rollback|merge|sync|history|branches|delete|status|meta")
}

func (h *SessionHandler) sessionCommand(ctx context.Context, args []string) (Outcome, error) {
	sub := "list"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
		args = args[1:]
	}
	sessions := h.state.Sessions()
	switch sub {
	case "list", "ls":
		list, err := sessions.List(ctx)
		if err != nil {
			return Outcome{}, err
		}
		current := h.state.SessionID()
		lines := make([]string, 0, len(list))
		for _, s := range list {
			marker := "  "
			if s.SessionID == current {
				marker = "* "
			}
			lines = append(lines, fmt.Sprintf("%s%s  %-6s %d threads  %s", marker, shortID(s.SessionID), s.Status, len(s.ThreadIDs), compactSingleLine(s.Title, 40)))
		}
		return Outcome{Status: fmt.Sprintf("%d sessions", len(list)), Reply: listReply("sessions", lines)}, nil

	case "new":
		created, err := sessions.Create(ctx, strings.Join(args, " "), map[string]any{"origin": "tui"})
		if err != nil {
			return Outcome{}, err
		}
		if err := h.state.UseSession(ctx, created.SessionID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "session " + created.Title, Tab: tabChat, SetTab: true, Refresh: true}, nil

	case "use", "switch":
		if len(args) < 1 {
			return Outcome{}, usage("/session use <session-id>")
		}
		s, err := h.resolveSession(ctx, args[0])
		if err != nil {
			return Outcome{}, err
		}
		if err := h.state.UseSession(ctx, s.SessionID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "session " + s.Title, Tab: tabChat, SetTab: true, Refresh: true}, nil

	case "close":
		closed, err := sessions.Close(ctx, h.state.SessionID())
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "closed " + closed.Title + "; /session new to continue", Refresh: true}, nil

	case "attach":
		if len(args) < 1 {
			return Outcome{}, usage("/session attach <thread-id>")
		}
		t, err := h.resolveThread(ctx, args[0])
		if err != nil {
			return Outcome{}, err
		}
		if _, err := sessions.AttachThread(ctx, h.state.SessionID(), t.ThreadID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: "attached " + shortID(t.ThreadID), Refresh: true}, nil
	}
	return Outcome{}, usage("/session list|new|use|close|attach")
}

func (h *SessionHandler) graphCommand(_ context.Context, args []string) (Outcome, error) {
	sub := "list"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
		args = args[1:]
	}
	switch sub {
	case "list", "ls":
		current := h.state.GraphID()
		infos := h.state.Threads().Graphs()
		lines := make([]string, 0, len(infos))
		for _, info := range infos {
			marker := "  "
			if info.ID == current {
				marker = "* "
			}
			lines = append(lines, fmt.Sprintf("%s%-12s %s  [%s]", marker, info.ID, info.Description, strings.Join(info.Nodes, " > ")))
		}
		return Outcome{Status: fmt.Sprintf("%d graphs", len(infos)), Reply: listReply("graphs", lines)}, nil
	case "use":
		if len(args) < 1 {
			return Outcome{}, usage("/graph use <graph-id>")
		}
		if err := h.state.SetGraphID(args[0]); err != nil {
			return Outcome{}, fmt.Errorf("%w: %s", err, args[0])
		}
		return Outcome{Status: "new threads use graph " + args[0]}, nil
	}
	return Outcome{}, usage("/graph list|use")
}

// activate makes threadID the session's active thread, attaching it first
// when it belongs elsewhere.
func (h *SessionHandler) activate(ctx context.Context, sessionID, threadID string) error {
	sessions := h.state.Sessions()
	s, err := sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.HasThread(threadID) {
		if _, err := sessions.AttachThread(ctx, sessionID, threadID); err != nil {
			return err
		}
	}
	_, err = sessions.SetActive(ctx, sessionID, threadID)
	return err
}

func (h *SessionHandler) threadArg(ctx context.Context, args []string) (string, error) {
	if len(args) > 0 {
		t, err := h.resolveThread(ctx, args[0])
		if err != nil {
			return "", err
		}
		return t.ThreadID, nil
	}
	return h.activeThread(ctx)
}

// resolveThread accepts a full id or a unique prefix, as shown in lists.
func (h *SessionHandler) resolveThread(ctx context.Context, token string) (thread.Thread, error) {
	threads := h.state.Threads()
	if t, err := threads.GetThread(ctx, token); err == nil {
		return t, nil
	}
	all, err := threads.ListThreads(ctx, thread.Filter{})
	if err != nil {
		return thread.Thread{}, err
	}
	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.ThreadID)
	}
	id, err := matchPrefix(ids, token)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("%w: %s", thread.ErrThreadNotFound, err)
	}
	return threads.GetThread(ctx, id)
}

func (h *SessionHandler) resolveSession(ctx context.Context, token string) (thread.Session, error) {
	sessions := h.state.Sessions()
	if s, err := sessions.Get(ctx, token); err == nil {
		return s, nil
	}
	all, err := sessions.List(ctx)
	if err != nil {
		return thread.Session{}, err
	}
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.SessionID)
	}
	id, err := matchPrefix(ids, token)
	if err != nil {
		return thread.Session{}, fmt.Errorf("%w: %s", thread.ErrSessionNotFound, err)
	}
	return sessions.Get(ctx, id)
}

// resolveSnapshot looks on the active thread first, by id prefix or name.
func (h *SessionHandler) resolveSnapshot(ctx context.Context, token string) (thread.Snapshot, error) {
	threads := h.state.Threads()
	if snap, err := threads.GetSnapshot(ctx, token); err == nil {
		return snap, nil
	}
	list, err := threads.ListSnapshots(ctx, h.currentThread(ctx))
	if err != nil {
		return thread.Snapshot{}, err
	}
	ids := make([]string, 0, len(list))
	for _, snap := range list {
		if snap.Name == token {
			return snap, nil
		}
		ids = append(ids, snap.SnapshotID)
	}
	id, err := matchPrefix(ids, token)
	if err != nil {
		return thread.Snapshot{}, fmt.Errorf("%w: %s", thread.ErrSnapshotNotFound, err)
	}
	return threads.GetSnapshot(ctx, id)
}

func (h *SessionHandler) resolveCheckpoint(ctx context.Context, threadID, token string) (string, error) {
	history, err := h.state.Threads().History(ctx, threadID, 0)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(history))
	for _, cp := range history {
		ids = append(ids, cp.CheckpointID)
	}
	id, err := matchPrefix(ids, token)
	if err != nil {
		return "", fmt.Errorf("%w: %s", checkpoint.ErrNotFound, err)
	}
	return id, nil
}

func matchPrefix(ids []string, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty id")
	}
	var found []string
	for _, id := range ids {
		if id == token {
			return id, nil
		}
		if strings.HasPrefix(id, token) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no match for %q", token)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%q matches %d ids", token, len(found))
	}
}

// parseAssignments reads key=value pairs; an empty value removes the key.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, usage("/thread meta key=value ...")
		}
		if value == "" {
			patch[key] = nil
			continue
		}
		patch[key] = value
	}
	return patch, nil
}

func metadataLines(metadata map[string]any) []string {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%-22s %v", key, metadata[key]))
	}
	return lines
}

func lineageLines(node *thread.LineageNode, current string, depth int) []string {
	if node == nil {
		return nil
	}
	marker := "  "
	if node.Thread.ThreadID == current {
		marker = "* "
	}
	label := node.Thread.Title()
	if node.Branch != nil {
		label = node.Branch.BranchName
	}
	lines := []string{fmt.Sprintf("%s%s%s  %s", strings.Repeat("  ", depth), marker, shortID(node.Thread.ThreadID), compactSingleLine(label, 40))}
	for _, child := range node.Children {
		lines = append(lines, lineageLines(child, current, depth+1)...)
	}
	return lines
}

func listReply(title string, lines []string) string {
	if len(lines) == 0 {
		return title + ": (none)"
	}
	return title + ":\n" + strings.Join(lines, "\n")
}

func argAt(args []string, index int) string {
	if index < len(args) {
		return args[index]
	}
	return ""
}

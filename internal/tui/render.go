package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (m model) View() string {
	if m.startupErr != nil {
		errorPanel := m.theme.panel.
			Width(max(20, m.width-4)).
			Render(
				m.theme.panelTitle.Render("Threadline Startup Failed") + "\n\n" +
					m.theme.errorStatus.Render(m.startupErr.Error()) + "\n\n" +
					m.theme.helpText.Render("Press q or Ctrl+C to exit."),
			)
		return m.theme.root.Render(errorPanel)
	}
	out := ""
	if m.launcherActive {
		out = m.renderLauncher()
	} else {
		out = lipgloss.JoinVertical(lipgloss.Left,
			m.renderHeader(),
			m.renderContent(),
			m.renderInput(),
			m.renderFooter(),
		)
	}
	if m.quitConfirm {
		out = m.renderQuitModal()
	}
	return m.theme.root.Render(out)
}

func (m *model) renderLauncher() string {
	contentWidth := max(48, min(100, m.width-4))

	pulseOn := ((m.launcherPulse / 2) % 2) == 0
	titleStyle := m.theme.launcherTitle
	frameStyle := m.theme.launcherFrame
	if pulseOn {
		titleStyle = m.theme.launcherTitlePulse
		frameStyle = m.theme.launcherFrameAlt
	}

	innerWidth := clampInt(contentWidth-8, 34, 74)
	rule := "+" + strings.Repeat("-", innerWidth) + "+"
	headerA := "| " + padRight("THREADLINE", innerWidth-2) + " |"
	headerB := "| " + padRight("threads · sessions · forks · snapshots", innerWidth-2) + " |"

	statusLabel := "BOOTING"
	statusStyle := m.theme.launcherBoot
	statusDetail := "opening stores, loading graphs, picking up the last session"
	if m.ready {
		statusLabel = "ONLINE"
		statusStyle = m.theme.launcherReady
		statusDetail = "state loaded. pick a pane or start chatting."
	} else if s := strings.TrimSpace(m.statusLine); s != "" && !strings.EqualFold(s, "starting...") {
		statusDetail = compactSingleLine(s, 120)
	}
	bootLine := statusStyle.Render("["+statusLabel+"]") + " " + statusDetail

	var options strings.Builder
	for idx, item := range m.launcherItems {
		prefix := "   "
		if idx == m.launcherIndex {
			prefix = ">> "
		}
		line := fmt.Sprintf("%s%d. %s", prefix, idx+1, item)
		if idx == m.launcherIndex {
			options.WriteString(m.theme.launcherSelect.Render(line))
		} else {
			options.WriteString(m.theme.launcherOption.Render(line))
		}
		options.WriteString("\n")
	}

	art := []string{
		"   o───o───o",
		"        \\",
		"         o───o",
	}

	sessionLabel := "initializing..."
	if m.ready {
		sessionLabel = nullCoalesce(m.view.Session.Title, shortID(m.view.Session.SessionID))
	}
	body := strings.Join([]string{
		titleStyle.Render("Threadline"),
		m.theme.launcherMuted.Render("Conversations that branch, rewind and merge"),
		"",
		m.theme.launcherAccent.Render(rule),
		m.theme.launcherAccent.Render(headerA),
		m.theme.launcherAccent.Render(headerB),
		m.theme.launcherAccent.Render(rule),
		"",
		m.theme.launcherAccent.Render(strings.Join(art, "\n")),
		"",
		m.spinner.View() + " " + bootLine,
		m.theme.launcherMuted.Render("Session: " + sessionLabel),
		m.theme.launcherMuted.Render(fmt.Sprintf("Threads: %d · Graphs: %d", len(m.view.Threads), len(m.view.Graphs))),
		"",
		strings.TrimRight(options.String(), "\n"),
		"",
		m.theme.launcherMuted.Render("Keys: up/down choose | enter launch | esc skip to chat | q quit prompt"),
	}, "\n")
	body = applyScanlineOverlay(body, m.theme.launcherScanlineA, m.theme.launcherScanlineB)

	panel := frameStyle.Width(contentWidth).Render(body)
	return lipgloss.Place(
		max(contentWidth+2, m.width-2),
		max(16, m.height-2),
		lipgloss.Center,
		lipgloss.Center,
		panel,
	)
}

func applyScanlineOverlay(text string, lineA lipgloss.Style, lineB lipgloss.Style) string {
	lines := strings.Split(text, "\n")
	maxWidth := 0
	for _, line := range lines {
		maxWidth = max(maxWidth, lipgloss.Width(line))
	}
	if maxWidth <= 0 {
		return text
	}
	out := make([]string, 0, len(lines))
	for idx, line := range lines {
		padded := line + strings.Repeat(" ", max(0, maxWidth-lipgloss.Width(line)))
		if idx%2 == 0 {
			out = append(out, lineA.Render(padded))
		} else {
			out = append(out, lineB.Render(padded))
		}
	}
	return strings.Join(out, "\n")
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabThreads, "Threads"},
		{tabSettings, "Settings"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	threadLabel := "n/a"
	if m.view.HasThread {
		threadLabel = shortID(m.view.Thread.ThreadID) + " " + compactSingleLine(m.view.Thread.Title(), 32)
	}
	meta := fmt.Sprintf("  Session: %s · Thread: %s",
		compactSingleLine(nullCoalesce(m.view.Session.Title, "n/a"), 28), threadLabel)
	segments = append(segments, m.theme.helpText.Render(meta))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(max(20, m.width-4)).Render(joined)
}

// paneWidths splits the chat row 0.66/0.34, keeping the side panel usable
// on narrow terminals.
func paneWidths(contentWidth int) (left, right int) {
	left = int(float64(contentWidth) * 0.66)
	right = contentWidth - left - 1
	if right < 28 {
		right = 28
		left = contentWidth - right - 1
	}
	return left, right
}

func chatPanelHeights(contentHeight int) (mainPanelHeight int, stripHeight int) {
	mainPanelHeight = max(6, contentHeight-7)
	stripHeight = max(5, contentHeight-mainPanelHeight)
	if mainPanelHeight+stripHeight > contentHeight {
		mainPanelHeight = max(5, contentHeight-stripHeight)
	}
	return mainPanelHeight, stripHeight
}

func (m *model) renderContent() string {
	contentHeight := max(8, m.height-12)
	contentWidth := max(40, m.width-4)

	switch m.activeTab {
	case tabChat:
		mainPanelHeight, stripHeight := chatPanelHeights(contentHeight)
		leftWidth, rightWidth := paneWidths(contentWidth)
		left := m.theme.panel.Width(leftWidth).Height(mainPanelHeight).Render(
			m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View(),
		)
		right := m.theme.panel.Width(rightWidth).Height(mainPanelHeight).Render(
			m.theme.panelTitle.Render("Thread + Session") + "\n" + m.sidebar.View(),
		)
		top := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
		strip := m.theme.panel.Width(contentWidth).Height(stripHeight).Render(
			m.theme.panelTitle.Render("Activity") + "\n" + m.renderActivity(stripHeight-3),
		)
		return lipgloss.JoinVertical(lipgloss.Left, top, strip)
	case tabThreads:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Threads") + "\n" + m.renderThreads(contentHeight-4, contentWidth-4))
	case tabSettings:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Runtime Settings") + "\n" + m.renderSettings())
	case tabHelp:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Threadline Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func (m *model) renderActivity(lines int) string {
	lines = max(1, lines)
	if len(m.logs) == 0 {
		return m.theme.helpText.Render("No activity yet.")
	}
	start := max(0, len(m.logs)-lines)
	width := max(20, m.width-10)
	out := make([]string, 0, lines)
	for _, line := range m.logs[start:] {
		style := m.theme.helpText
		if strings.Contains(line, "error:") {
			style = m.theme.errorStatus
		}
		out = append(out, style.Render(truncate(line, width)))
	}
	return strings.Join(out, "\n")
}

func (m *model) renderInput() string {
	contentWidth := max(40, m.width-4)
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Chat tab. Press Tab to return."))
	}
	inputView := m.input.View()
	if m.inflight {
		inputView = m.spinner.View() + " processing... " + inputView
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	contentWidth := max(40, m.width-4)
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := "Keys: Tab switch view · Enter send · PgUp/PgDn or Up/Down (input empty) or +/- scroll · Esc menu/quit prompt · Ctrl+C quit"
	if m.activeTab == tabThreads {
		hints = "Keys: Up/Down select · Enter use · f fork · s snapshot · a archive · r refresh · Esc menu"
	}
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + m.theme.helpText.Render(hints))
}

func (m *model) renderQuitModal() string {
	canvasWidth := max(40, m.width-4)
	canvasHeight := max(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}
	if modalWidth < 32 {
		modalWidth = 32
	}

	accent := m.theme.launcherAccent.Render("========================================")
	body := strings.Join([]string{
		m.theme.errorStatus.Render("LEAVE THREADLINE?"),
		m.theme.helpText.Render("Are you sure you want to quit?"),
		"",
		accent,
		m.theme.helpText.Render("Threads, checkpoints and the session log are already saved."),
		accent,
		"",
		m.theme.settingPick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.launcherFrameAlt.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(colorBg),
	)
}

// renderPanes refills both viewports, keeping the reader's scroll position
// unless they were already following the bottom.
func (m *model) renderPanes() {
	prevTimelineYOffset := m.timeline.YOffset
	prevTimelineAtBottom := m.timeline.AtBottom()
	prevSidebarYOffset := m.sidebar.YOffset

	contentHeight := max(8, m.height-12)
	contentWidth := max(40, m.width-4)
	mainPanelHeight, _ := chatPanelHeights(contentHeight)
	leftWidth, rightWidth := paneWidths(contentWidth)

	m.timeline.Width = max(20, leftWidth-4)
	m.timeline.Height = max(5, mainPanelHeight-3)
	m.sidebar.Width = max(20, rightWidth-4)
	m.sidebar.Height = max(5, mainPanelHeight-3)

	m.timeline.SetContent(m.renderTimeline())
	if prevTimelineAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevTimelineYOffset)
	}
	m.sidebar.SetContent(m.renderSidebar())
	m.sidebar.SetYOffset(prevSidebarYOffset)
}

func (m *model) resize() {
	contentWidth := max(40, m.width-4)
	m.input.Width = max(20, contentWidth-6)
}

func (m *model) renderTimeline() string {
	width := max(24, m.timeline.Width-2)
	var b strings.Builder
	shown := 0
	for idx, msg := range m.view.Messages {
		if msg.Role == "system" && !m.settings.showSystem {
			continue
		}
		shown++
		b.WriteString(m.theme.roleStyle(msg.Role).Render(fmt.Sprintf("#%d [%s]", idx+1, msg.Role)))
		b.WriteString("\n")
		b.WriteString(m.renderMessageBody(msg.Role, msg.Content, width))
		b.WriteString("\n\n")
	}
	if m.pending != "" {
		shown++
		b.WriteString(m.theme.roleStyle("pending").Render("[user] sending..."))
		b.WriteString("\n")
		b.WriteString(wrapText(compactTimelineMessage(m.pending, m.settings.timelineLines, timelineMaxChars), width))
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(m.reply) != "" {
		shown++
		b.WriteString(m.theme.roleStyle("tool").Render("[command]"))
		b.WriteString("\n")
		b.WriteString(m.theme.helpText.Render(truncateLines(m.reply, width)))
		b.WriteString("\n\n")
	}
	if shown == 0 {
		if !m.view.HasThread {
			return "No active thread. Type a message to start one, or /thread new."
		}
		return "No messages yet. Send a prompt to run the thread's graph."
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderMessageBody(role, content string, width int) string {
	preview := compactTimelineMessage(content, m.settings.timelineLines, timelineMaxChars)
	if role == "assistant" && m.settings.markdown {
		if rendered := renderMarkdown(preview, width); rendered != "" {
			return rendered
		}
	}
	return wrapText(preview, width)
}

func truncateLines(text string, width int) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = truncate(line, width)
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderSidebar() string {
	v := m.view
	now := time.Now()
	width := max(20, m.sidebar.Width-1)
	var b strings.Builder
	section := func(title string) {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.theme.panelTitle.Render(title))
		b.WriteString("\n")
	}
	row := func(label, value string) {
		b.WriteString(m.theme.settingKey.Render(fmt.Sprintf("%-9s", label)))
		b.WriteString(" ")
		b.WriteString(truncate(value, max(4, width-10)))
		b.WriteString("\n")
	}

	section("Session")
	if v.Session.SessionID == "" {
		b.WriteString(m.theme.helpText.Render("loading...") + "\n")
	} else {
		row("Title", v.Session.Title)
		row("ID", shortID(v.Session.SessionID))
		row("Status", string(v.Session.Status))
		row("Threads", fmt.Sprintf("%d attached", len(v.Session.ThreadIDs)))
		row("Log", fmt.Sprintf("%d req / %d events", len(v.Session.Requests), len(v.Session.Interactions)))
	}

	section("Thread")
	if !v.HasThread {
		b.WriteString(m.theme.helpText.Render("none active") + "\n")
	} else {
		t := v.Thread
		row("Title", t.Title())
		row("ID", shortID(t.ThreadID))
		row("Graph", t.GraphID)
		b.WriteString(m.theme.settingKey.Render(fmt.Sprintf("%-9s", "Status")) + " " + m.theme.statusStyle(string(t.Status)).Render(string(t.Status)) + "\n")
		row("Updated", ago(t.UpdatedAt, now))
		if v.Checkpoint.CheckpointID != "" {
			row("Step", fmt.Sprintf("%d (%s)", v.Checkpoint.Step, v.Checkpoint.Source))
			row("Digest", shortID(v.Checkpoint.Digest))
		}
		if from, ok := t.Metadata["forked_from"].(string); ok {
			row("Fork of", shortID(from))
		}
		if last, ok := t.Metadata["last_error"].(string); ok && last != "" {
			b.WriteString(m.theme.errorStatus.Render(truncate("! "+last, width)) + "\n")
		}
	}

	if v.HasBreaker {
		section("Model")
		state := "closed"
		if v.Breaker.Open {
			state = fmt.Sprintf("open (%ds)", int(v.Breaker.Remaining.Round(time.Second).Seconds()))
		}
		row("Circuit", state)
		row("Calls", fmt.Sprintf("%d ok / %d trips", v.Breaker.Successes, v.Breaker.Trips))
		if v.Breaker.LastError != "" {
			b.WriteString(m.theme.errorStatus.Render(truncate("! "+v.Breaker.LastError, width)) + "\n")
		}
	}

	if v.HasThread {
		section(fmt.Sprintf("Forks (%d)", len(v.Branches)))
		for _, br := range v.Branches {
			b.WriteString(truncate(fmt.Sprintf("%s %s", shortID(br.ThreadID), br.BranchName), width) + "\n")
		}
		section(fmt.Sprintf("Snapshots (%d)", len(v.Snapshots)))
		for _, snap := range v.Snapshots {
			b.WriteString(truncate(fmt.Sprintf("%s %s", shortID(snap.SnapshotID), snap.Name), width) + "\n")
		}
		section("History")
		for i, cp := range v.History {
			if i == 6 {
				b.WriteString(m.theme.helpText.Render(fmt.Sprintf("... %d more (/thread history)", len(v.History)-i)) + "\n")
				break
			}
			b.WriteString(truncate(fmt.Sprintf("%s #%d %s %s", shortID(cp.CheckpointID), cp.Step, cp.Source, shortTime(cp.CreatedAt)), width) + "\n")
		}
	}

	b.WriteString("\n" + m.theme.helpText.Render("Refreshed "+ago(m.lastRefresh, now)+" · graph for new threads: "+m.state.GraphID()))
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderThreads(height, width int) string {
	threads := m.view.Threads
	if len(threads) == 0 {
		return m.theme.helpText.Render("No threads yet. Chat or /thread new to create one.")
	}
	now := time.Now()
	active := m.view.Session.ActiveThreadID
	visible := max(1, height-2)
	start := 0
	if m.threadIndex >= visible {
		start = m.threadIndex - visible + 1
	}
	end := min(len(threads), start+visible)

	var b strings.Builder
	b.WriteString(m.theme.helpText.Render(fmt.Sprintf("  %-8s  %-11s %-10s %-9s %s", "ID", "STATUS", "GRAPH", "UPDATED", "TITLE")))
	b.WriteString("\n")
	for i := start; i < end; i++ {
		t := threads[i]
		marker := " "
		if t.ThreadID == active {
			marker = "*"
		}
		inSession := ""
		if m.view.Session.HasThread(t.ThreadID) {
			inSession = " ·"
		}
		line := fmt.Sprintf("%s %-8s  %-11s %-10s %-9s %s%s",
			marker, shortID(t.ThreadID), t.Status, truncate(t.GraphID, 10), ago(t.UpdatedAt, now), t.Title(), inSession)
		line = padRight(truncate(line, width), width)
		if i == m.threadIndex {
			b.WriteString(m.theme.rowPick.Render(line))
		} else {
			b.WriteString(m.theme.statusStyle(string(t.Status)).Render(line))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.theme.helpText.Render(fmt.Sprintf("%d/%d · * active · marked with · are in this session", m.threadIndex+1, len(threads))))
	return b.String()
}

func (m *model) renderSettings() string {
	rows := []struct {
		label string
		value string
		help  string
	}{
		{"Auto Refresh", onOff(m.settings.autoRefresh), "periodic state refresh"},
		{"Poll Interval", fmt.Sprintf("%ds", int(m.settings.pollInterval.Seconds())), "timeline and side panel refresh interval"},
		{"New Thread Graph", m.state.GraphID(), "graph used by /thread new and the first message of a session"},
		{"Timeline Lines", fmt.Sprintf("%d", m.settings.timelineLines), "longer messages are folded"},
		{"Markdown", onOff(m.settings.markdown), "render assistant replies as markdown"},
		{"Show System", onOff(m.settings.showSystem), "include system messages in the timeline"},
	}
	var b strings.Builder
	b.WriteString(m.theme.helpText.Render("Use ↑/↓ to select and ←/→ (or -/+) to change values."))
	b.WriteString("\n\n")
	for i, row := range rows {
		labelStyle := m.theme.settingKey
		valueStyle := m.theme.settingValue
		prefix := "  "
		if i == m.settingsIndex {
			labelStyle = m.theme.settingPick
			valueStyle = m.theme.settingPick
			prefix = "▶ "
		}
		b.WriteString(prefix + labelStyle.Render(fmt.Sprintf("%-18s", row.label)) + " " + valueStyle.Render(row.value) + "\n")
		b.WriteString("   " + m.theme.helpText.Render(row.help) + "\n")
	}
	if m.view.HasBreaker {
		b.WriteString(fmt.Sprintf("\nModel circuit: %s", ternary(m.view.Breaker.Open, "open", "closed")))
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderHelp() string {
	lines := []string{
		"Core Keys",
		"- Launcher: Up/Down select, Enter launch, Esc skip to chat",
		"- Tab / Shift+Tab: switch views",
		"- Enter: send prompt to the active thread (Chat tab)",
		"- Esc: from non-chat tabs, return to launcher menu",
		"- Esc in chat: quit confirmation",
		"- Timeline scroll: PgUp/PgDn, Up/Down (input empty), +/- (or Ctrl+U/Ctrl+D), Home/End",
		"- Threads tab: Enter use, f fork, s snapshot, a archive, r refresh",
		"- Ctrl+C: quit",
		"",
		"Thread Commands",
		"- /thread list | new [graph] [title] | use <id>",
		"- /thread status <status> | meta [key=value ...] | archive [id] | delete [id]",
		"- /thread fork [name] [checkpoint]",
		"- /thread snapshot [name] | snapshots | restore <snapshot>",
		"- /thread history | rollback <checkpoint> | branches",
		"- /thread merge <source> [latest|master_slave|bidirectional]",
		"- /thread sync <strategy> <id> [id ...]  (active thread goes first)",
		"",
		"Session + Graph Commands",
		"- /session list | new [title] | use <id> | close | attach <thread>",
		"- /graph list | use <id>",
		"- /refresh, /clear, /help, /quit",
		"",
		"Ids may be shortened to any unique prefix, as shown in lists.",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}

package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type tabID int

const (
	tabChat tabID = iota
	tabThreads
	tabSettings
	tabHelp
)

const tabCount = 4

const (
	maxLogLines      = 50
	timelineMaxChars = 12000
)

type runtimeSettings struct {
	autoRefresh   bool
	pollInterval  time.Duration
	timelineLines int
	markdown      bool
	showSystem    bool
}

type model struct {
	ctx         context.Context
	bootSession string
	state       *StateManager
	handler     *SessionHandler
	settings    runtimeSettings

	view    View
	pending string
	reply   string

	ready          bool
	startupErr     error
	statusLine     string
	logs           []string
	activeTab      tabID
	settingsIndex  int
	threadIndex    int
	launcherActive bool
	launcherIndex  int
	launcherItems  []string
	launcherPulse  int
	inflight       bool
	refreshing     bool
	lastRefresh    time.Time
	quitConfirm    bool

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	sidebar  viewport.Model
	spinner  spinner.Model

	theme uiTheme
}

type initDoneMsg struct {
	view View
	err  error
}

type refreshDoneMsg struct {
	view View
	err  error
}

type actionDoneMsg struct {
	status  string
	reply   string
	err     error
	refresh bool
	tab     tabID
	setTab  bool
}

type tickMsg time.Time

func newModel(ctx context.Context, state *StateManager, opts Options) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Type to talk to the active thread. /help lists commands."
	if opts.Launcher {
		input.Blur()
	} else {
		input.Focus()
	}

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(colorMint)

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4
	sidebar := viewport.New(0, 0)
	sidebar.MouseWheelEnabled = true
	sidebar.MouseWheelDelta = 4

	return model{
		ctx:         ctx,
		bootSession: opts.SessionID,
		state:       state,
		handler:     NewSessionHandler(state),
		settings: runtimeSettings{
			autoRefresh:   true,
			pollInterval:  opts.PollInterval,
			timelineLines: 48,
			markdown:      true,
		},
		statusLine:     "starting...",
		logs:           []string{},
		activeTab:      tabChat,
		launcherActive: opts.Launcher,
		launcherItems: []string{
			"Start Chat",
			"Browse Threads",
			"Open Settings",
			"Open Help",
			"Quit",
		},
		input:    input,
		timeline: timeline,
		sidebar:  sidebar,
		spinner:  sp,
		theme:    newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.initCmd(),
		tickEvery(m.settings.pollInterval),
	)
}

func (m model) initCmd() tea.Cmd {
	state, ctx, sessionID := m.state, m.ctx, m.bootSession
	return func() tea.Msg {
		view, err := state.Bootstrap(ctx, sessionID)
		return initDoneMsg{view: view, err: err}
	}
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) refreshCmd() tea.Cmd {
	state, ctx := m.state, m.ctx
	return func() tea.Msg {
		view, err := state.Refresh(ctx)
		return refreshDoneMsg{view: view, err: err}
	}
}

func (m model) submitCmd(text string) tea.Cmd {
	handler, ctx := m.handler, m.ctx
	return func() tea.Msg {
		out, err := handler.Submit(ctx, text)
		return actionDone(out, err)
	}
}

func (m model) commandCmd(raw string) tea.Cmd {
	handler, ctx := m.handler, m.ctx
	return func() tea.Msg {
		out, err := handler.Command(ctx, raw)
		return actionDone(out, err)
	}
}

func actionDone(out Outcome, err error) actionDoneMsg {
	return actionDoneMsg{
		status:  out.Status,
		reply:   out.Reply,
		err:     err,
		refresh: out.Refresh || err != nil,
		tab:     out.Tab,
		setTab:  out.SetTab,
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case initDoneMsg:
		if msg.err != nil {
			m.startupErr = msg.err
			m.statusLine = "startup failed"
			m.logError(msg.err)
			return m, nil
		}
		m.ready = true
		m.applyView(msg.view)
		m.statusLine = "ready · session " + nullCoalesce(msg.view.Session.Title, shortID(msg.view.Session.SessionID))
		m.appendLog(m.statusLine)
		m.renderPanes()
	case refreshDoneMsg:
		m.refreshing = false
		if msg.err != nil {
			m.logError(msg.err)
			m.statusLine = "refresh failed"
			break
		}
		m.applyView(msg.view)
		m.renderPanes()
	case actionDoneMsg:
		m.inflight = false
		m.pending = ""
		switch {
		case errors.Is(msg.err, errUsage):
			m.statusLine = msg.err.Error()
		case msg.err != nil:
			m.logError(msg.err)
			m.statusLine = "action failed: " + compactSingleLine(msg.err.Error(), 140)
		case strings.TrimSpace(msg.status) != "":
			m.statusLine = msg.status
			m.appendLog(msg.status)
		}
		if msg.err == nil {
			m.reply = msg.reply
		}
		if msg.setTab {
			m.switchTab(msg.tab)
		}
		if msg.refresh {
			m.refreshing = true
			cmds = append(cmds, m.refreshCmd())
		}
		m.renderPanes()
	case tickMsg:
		if m.settings.autoRefresh && m.ready && !m.refreshing && !m.inflight {
			m.refreshing = true
			cmds = append(cmds, m.refreshCmd())
		}
		cmds = append(cmds, tickEvery(m.settings.pollInterval))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.launcherActive {
			m.launcherPulse = (m.launcherPulse + 1) % 24
		}
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.launcherActive || m.startupErr != nil || m.quitConfirm {
			break
		}
		if m.activeTab == tabChat {
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			cmds = append(cmds, cmd)
		}
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.startupErr != nil {
		if key == "q" || key == "esc" {
			return m, tea.Quit
		}
		return m, nil
	}
	if m.quitConfirm {
		switch key {
		case "y", "Y", "enter":
			return m, tea.Quit
		case "n", "N", "esc":
			m.quitConfirm = false
			m.statusLine = "quit canceled"
			m.renderPanes()
		}
		return m, nil
	}
	if m.launcherActive {
		return m.handleLauncherKey(key)
	}

	switch key {
	case "esc":
		if m.activeTab == tabChat {
			m.beginQuitConfirm()
			return m, nil
		}
		m.launcherActive = true
		m.launcherIndex = launcherIndexForTab(m.activeTab)
		m.input.Blur()
		m.statusLine = "launcher menu"
		return m, nil
	case "tab":
		m.switchTab((m.activeTab + 1) % tabCount)
		return m, nil
	case "shift+tab":
		m.switchTab((m.activeTab + tabCount - 1) % tabCount)
		return m, nil
	}

	switch m.activeTab {
	case tabChat:
		switch key {
		case "enter":
			if m.inflight || !m.ready {
				return m, nil
			}
			raw := strings.TrimSpace(m.input.Value())
			if raw == "" {
				return m, nil
			}
			m.input.SetValue("")
			if strings.HasPrefix(raw, "/") {
				if cmd := m.handleSlash(raw); cmd != nil {
					cmds = append(cmds, cmd)
				}
				m.renderPanes()
				return m, tea.Batch(cmds...)
			}
			m.inflight = true
			m.pending = raw
			m.reply = ""
			m.timeline.GotoBottom()
			m.renderPanes()
			cmds = append(cmds, m.submitCmd(raw))
			return m, tea.Batch(cmds...)
		case "pgup", "ctrl+b":
			m.timeline.LineUp(8)
			return m, nil
		case "pgdown", "ctrl+f":
			m.timeline.LineDown(8)
			return m, nil
		case "up":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineUp(4)
				return m, nil
			}
		case "down":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineDown(4)
				return m, nil
			}
		case "-", "_", "ctrl+u":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineUp(8)
				return m, nil
			}
		case "=", "+", "ctrl+d":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineDown(8)
				return m, nil
			}
		case "home":
			m.timeline.GotoTop()
			return m, nil
		case "end":
			m.timeline.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	case tabThreads:
		cmds = append(cmds, m.handleThreadsKey(key))
	case tabSettings:
		adjusted := false
		switch key {
		case "up", "k":
			m.settingsIndex = max(0, m.settingsIndex-1)
		case "down", "j":
			m.settingsIndex = min(m.maxSettingsIndex(), m.settingsIndex+1)
		case "left", "h", "-":
			m.adjustSetting(-1)
			adjusted = true
		case "right", "l", "+":
			m.adjustSetting(1)
			adjusted = true
		}
		if adjusted && m.ready && !m.refreshing && !m.inflight {
			m.refreshing = true
			cmds = append(cmds, m.refreshCmd())
		}
		m.renderPanes()
	}
	return m, tea.Batch(cmds...)
}

func (m model) handleLauncherKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		m.launcherIndex = (m.launcherIndex + len(m.launcherItems) - 1) % len(m.launcherItems)
	case "down", "j":
		m.launcherIndex = (m.launcherIndex + 1) % len(m.launcherItems)
	case "esc":
		m.launcherActive = false
		m.switchTab(tabChat)
		m.statusLine = "launcher skipped · chat ready"
	case "q":
		m.beginQuitConfirm()
	case "enter":
		switch m.launcherIndex {
		case 0:
			m.launcherActive = false
			m.switchTab(tabChat)
			m.statusLine = ternary(m.ready, "chat ready", "starting chat...")
		case 1:
			m.launcherActive = false
			m.switchTab(tabThreads)
			m.statusLine = "thread browser"
		case 2:
			m.launcherActive = false
			m.switchTab(tabSettings)
			m.statusLine = "settings panel"
		case 3:
			m.launcherActive = false
			m.switchTab(tabHelp)
			m.statusLine = "help panel"
		case 4:
			m.beginQuitConfirm()
		}
	}
	return m, nil
}

// handleThreadsKey drives the thread browser. Actions go through the same
// slash commands as the chat input so they are recorded on the session.
func (m *model) handleThreadsKey(key string) tea.Cmd {
	threads := m.view.Threads
	switch key {
	case "up", "k":
		m.threadIndex = max(0, m.threadIndex-1)
		return nil
	case "down", "j":
		m.threadIndex = min(max(0, len(threads)-1), m.threadIndex+1)
		return nil
	case "r":
		if m.ready && !m.refreshing {
			m.refreshing = true
			return m.refreshCmd()
		}
		return nil
	}
	if m.inflight || !m.ready || len(threads) == 0 {
		return nil
	}
	selected := threads[clampInt(m.threadIndex, 0, len(threads)-1)].ThreadID
	var raw string
	switch key {
	case "enter":
		raw = "/thread use " + selected
	case "a":
		raw = "/thread archive " + selected
	case "f":
		if selected != m.state.ThreadID() {
			m.statusLine = "fork works on the active thread; press enter to use it first"
			return nil
		}
		raw = "/thread fork"
	case "s":
		if selected != m.state.ThreadID() {
			m.statusLine = "snapshot works on the active thread; press enter to use it first"
			return nil
		}
		raw = "/thread snapshot"
	default:
		return nil
	}
	m.inflight = true
	return m.commandCmd(raw)
}

// handleSlash answers the local commands directly and hands the rest to
// the session handler.
func (m *model) handleSlash(raw string) tea.Cmd {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil
	}
	switch strings.ToLower(parts[0]) {
	case "/help", "/?":
		m.switchTab(tabHelp)
		m.statusLine = "help panel"
		return nil
	case "/quit", "/exit":
		m.beginQuitConfirm()
		return nil
	case "/refresh", "/panel":
		if m.refreshing {
			return nil
		}
		m.refreshing = true
		m.statusLine = "refreshing..."
		return m.refreshCmd()
	case "/clear":
		m.reply = ""
		m.statusLine = "cleared"
		return nil
	}
	m.inflight = true
	return m.commandCmd(raw)
}

func (m *model) applyView(view View) {
	m.view = view
	m.lastRefresh = view.RefreshedAt
	if m.threadIndex >= len(view.Threads) {
		m.threadIndex = max(0, len(view.Threads)-1)
	}
}

func (m *model) switchTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	if tab == tabThreads {
		m.selectActiveThread()
	}
	m.renderPanes()
}

func (m *model) selectActiveThread() {
	active := m.view.Session.ActiveThreadID
	for i, t := range m.view.Threads {
		if t.ThreadID == active {
			m.threadIndex = i
			return
		}
	}
}

func launcherIndexForTab(tab tabID) int {
	switch tab {
	case tabThreads:
		return 1
	case tabSettings:
		return 2
	case tabHelp:
		return 3
	default:
		return 0
	}
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "ARE YOU SURE YOU WANT TO QUIT?"
}

func (m *model) maxSettingsIndex() int {
	return 5
}

func (m *model) graphIDs() []string {
	ids := make([]string, 0, len(m.view.Graphs))
	for _, info := range m.view.Graphs {
		ids = append(ids, info.ID)
	}
	return ids
}

func (m *model) adjustSetting(delta int) {
	if delta == 0 {
		return
	}
	switch m.settingsIndex {
	case 0:
		m.settings.autoRefresh = !m.settings.autoRefresh
	case 1:
		m.settings.pollInterval = time.Duration(clampInt(int(m.settings.pollInterval.Seconds())+delta, 1, 60)) * time.Second
	case 2:
		next := cycleString(m.graphIDs(), m.state.GraphID(), delta)
		if err := m.state.SetGraphID(next); err != nil {
			m.logError(err)
			return
		}
	case 3:
		m.settings.timelineLines = cycleInt([]int{12, 24, 48, 96}, m.settings.timelineLines, delta)
	case 4:
		m.settings.markdown = !m.settings.markdown
	case 5:
		m.settings.showSystem = !m.settings.showSystem
	}
	m.renderPanes()
	m.statusLine = "settings updated"
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	m.appendLog("error: " + err.Error())
	m.statusLine = "error: " + compactSingleLine(err.Error(), 160)
}

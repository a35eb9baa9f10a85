package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPink    = lipgloss.Color("#ff71ce")
	colorBlue    = lipgloss.Color("#01cdfe")
	colorMint    = lipgloss.Color("#05ffa1")
	colorGold    = lipgloss.Color("#ffd166")
	colorBg      = lipgloss.Color("#120924")
	colorPanelBg = lipgloss.Color("#1b0f35")
	colorText    = lipgloss.Color("#f3f3ff")
	colorMuted   = lipgloss.Color("#9ca3d8")
	colorInk     = lipgloss.Color("#22062f")
)

type uiTheme struct {
	root               lipgloss.Style
	header             lipgloss.Style
	tabActive          lipgloss.Style
	tabInactive        lipgloss.Style
	panel              lipgloss.Style
	panelTitle         lipgloss.Style
	footer             lipgloss.Style
	status             lipgloss.Style
	errorStatus        lipgloss.Style
	inputPanel         lipgloss.Style
	helpText           lipgloss.Style
	settingKey         lipgloss.Style
	settingValue       lipgloss.Style
	settingPick        lipgloss.Style
	rowPick            lipgloss.Style
	launcherFrame      lipgloss.Style
	launcherFrameAlt   lipgloss.Style
	launcherTitle      lipgloss.Style
	launcherTitlePulse lipgloss.Style
	launcherAccent     lipgloss.Style
	launcherOption     lipgloss.Style
	launcherSelect     lipgloss.Style
	launcherBoot       lipgloss.Style
	launcherReady      lipgloss.Style
	launcherMuted      lipgloss.Style
	launcherScanlineA  lipgloss.Style
	launcherScanlineB  lipgloss.Style
	// chatRole styles message headers by role; unknown roles use "system".
	chatRole    map[string]lipgloss.Style
	threadState map[string]lipgloss.Style
}

func newTheme() uiTheme {
	return uiTheme{
		root: lipgloss.NewStyle().
			Background(colorBg).
			Foreground(colorText).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(colorPanelBg).
			Foreground(colorText).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBlue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(colorPink).
			Foreground(colorInk).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(colorMuted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(colorPanelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBlue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(colorMint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(colorPanelBg).
			Foreground(colorMuted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorPink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(colorBlue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(colorPink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(colorPanelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorMint).
			Padding(0, 1),
		helpText:     lipgloss.NewStyle().Foreground(colorMuted),
		settingKey:   lipgloss.NewStyle().Foreground(colorBlue),
		settingValue: lipgloss.NewStyle().Foreground(colorText),
		settingPick:  lipgloss.NewStyle().Foreground(colorPink).Bold(true),
		rowPick: lipgloss.NewStyle().
			Foreground(colorInk).
			Background(colorMint).
			Bold(true),
		launcherFrame: lipgloss.NewStyle().
			Background(colorPanelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(colorPink).
			Padding(1, 2),
		launcherFrameAlt: lipgloss.NewStyle().
			Background(colorPanelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(colorBlue).
			Padding(1, 2),
		launcherTitle:      lipgloss.NewStyle().Foreground(colorBlue).Bold(true),
		launcherTitlePulse: lipgloss.NewStyle().Foreground(colorPink).Bold(true),
		launcherAccent:     lipgloss.NewStyle().Foreground(colorMint).Bold(true),
		launcherOption:     lipgloss.NewStyle().Foreground(colorText),
		launcherSelect: lipgloss.NewStyle().
			Foreground(colorInk).
			Background(colorPink).
			Bold(true).
			Padding(0, 1),
		launcherBoot:      lipgloss.NewStyle().Foreground(colorGold).Bold(true),
		launcherReady:     lipgloss.NewStyle().Foreground(colorMint).Bold(true),
		launcherMuted:     lipgloss.NewStyle().Foreground(colorMuted),
		launcherScanlineA: lipgloss.NewStyle().Background(lipgloss.Color("#150b2d")),
		launcherScanlineB: lipgloss.NewStyle().Background(lipgloss.Color("#311a63")),
		chatRole: map[string]lipgloss.Style{
			"user":      lipgloss.NewStyle().Foreground(colorMint).Bold(true),
			"assistant": lipgloss.NewStyle().Foreground(colorPink).Bold(true),
			"tool":      lipgloss.NewStyle().Foreground(colorGold).Bold(true),
			"system":    lipgloss.NewStyle().Foreground(colorMuted).Bold(true),
			"pending":   lipgloss.NewStyle().Foreground(colorBlue).Italic(true),
		},
		threadState: map[string]lipgloss.Style{
			"idle":        lipgloss.NewStyle().Foreground(colorMint),
			"running":     lipgloss.NewStyle().Foreground(colorBlue).Bold(true),
			"interrupted": lipgloss.NewStyle().Foreground(colorGold),
			"error":       lipgloss.NewStyle().Foreground(colorPink).Bold(true),
			"archived":    lipgloss.NewStyle().Foreground(colorMuted),
		},
	}
}

func (t uiTheme) roleStyle(role string) lipgloss.Style {
	if style, ok := t.chatRole[role]; ok {
		return style
	}
	return t.chatRole["system"]
}

func (t uiTheme) statusStyle(status string) lipgloss.Style {
	if style, ok := t.threadState[status]; ok {
		return style
	}
	return t.helpText
}

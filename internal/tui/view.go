package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/letrecovery/recoverykit/pkg/catalog"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
)

var (
	primaryColor = lipgloss.Color("#7aa2f7")
	successColor = lipgloss.Color("#9ece6a")
	errorColor   = lipgloss.Color("#f7768e")
	warningColor = lipgloss.Color("#e0af68")
	textColor    = lipgloss.Color("#c0caf5")
	dimColor     = lipgloss.Color("#565f89")

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			MarginBottom(1)

	tabStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Underline(true).
			Padding(0, 2)

	itemStyle = lipgloss.NewStyle().
			Foreground(textColor).
			PaddingLeft(2)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Bold(true).
				PaddingLeft(1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(dimColor).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	helpStyle    = lipgloss.NewStyle().Foreground(dimColor).Italic(true).MarginTop(1)
)

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("LetRecovery"))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n\n")

	switch m.panel {
	case panelPartitions:
		b.WriteString(m.renderPartitions())
	case panelSystems:
		b.WriteString(m.renderSystems())
	case panelSoftware:
		b.WriteString(m.renderSoftware())
	case panelTools:
		b.WriteString(m.renderTools())
	case panelTasks:
		b.WriteString(m.renderTasks())
	}
	b.WriteString("\n")
	b.WriteString(boxStyle.Width(m.boxWidth()).Render(m.renderActivity()))

	if m.confirm != nil {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(m.confirm.prompt))
	} else if m.message != "" {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(m.message))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m Model) boxWidth() int {
	if m.width > 4 {
		return m.width - 4
	}
	return 60
}

func (m Model) renderTabs() string {
	tabs := make([]string, len(panelNames))
	for i, name := range panelNames {
		if panel(i) == m.panel {
			tabs[i] = activeTabStyle.Render(name)
		} else {
			tabs[i] = tabStyle.Render(name)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) line(i int, text string) string {
	if i == m.cursors[m.panel] {
		return selectedItemStyle.Render("> "+text) + "\n"
	}
	return itemStyle.Render(text) + "\n"
}

func (m Model) renderPartitions() string {
	snap := m.engine.Partitions()
	if snap == nil {
		return itemStyle.Render("Partitions not loaded.") + "\n"
	}
	var b strings.Builder
	if snap.InRecoveryEnvironment() {
		b.WriteString(warningStyle.Render("Running inside a recovery environment") + "\n")
	}
	for i, p := range snap.Partitions() {
		flags := ""
		if p.IsSystemPartition {
			flags += " [current system]"
		}
		if p.HasWindows {
			flags += " [windows]"
		}
		if p.Letter == m.target {
			flags += " [target]"
		}
		b.WriteString(m.line(i, fmt.Sprintf("%-4s %-20s %8.1f GB%s", p.Letter, p.Label, float64(p.TotalSizeMB)/1024, flags)))
	}
	return b.String()
}

func (m Model) renderSystems() string {
	systems := m.engine.Catalog().Systems
	if len(systems) == 0 {
		return itemStyle.Render(m.catalogHint()) + "\n"
	}
	var b strings.Builder
	for i, s := range systems {
		tag := "Win10"
		if s.IsWin11 {
			tag = "Win11"
		}
		b.WriteString(m.line(i, fmt.Sprintf("%-40s %s", s.DisplayName, tag)))
	}
	if env, ok := m.engine.Environment(orchestrator.KindInstall); ok {
		b.WriteString(itemStyle.Render("Recovery environment: "+env.DisplayName) + "\n")
	}
	return b.String()
}

func (m Model) renderSoftware() string {
	software := m.engine.Catalog().Software
	if len(software) == 0 {
		return itemStyle.Render(m.catalogHint()) + "\n"
	}
	var b strings.Builder
	for i, s := range software {
		b.WriteString(m.line(i, fmt.Sprintf("%s %-24s %-10s %s", m.iconMark(s.IconURL), s.Name, s.FileSize, s.Description)))
	}
	return b.String()
}

func (m Model) iconMark(url string) string {
	icon, ok := m.engine.Icon(url)
	switch {
	case url == "" || !ok:
		return " "
	case icon.Status == catalog.IconLoaded:
		return successStyle.Render("◆")
	case icon.Status == catalog.IconFailed:
		return errorStyle.Render("◇")
	default:
		return "·"
	}
}

func (m Model) renderTools() string {
	var b strings.Builder
	b.WriteString(m.line(0, "Network information"))
	for _, ad := range m.network {
		state := "down"
		if ad.Up {
			state = "up"
		}
		b.WriteString(itemStyle.Render(fmt.Sprintf("    %-20s %-4s %-17s %s", ad.Name, state, ad.MAC, strings.Join(ad.Addresses, ", "))) + "\n")
	}
	for i, name := range m.bundledTools() {
		b.WriteString(m.line(i+1, "Launch "+name))
	}
	return b.String()
}

func (m Model) catalogHint() string {
	st := m.last.States[orchestrator.KindRemoteConfig]
	switch st.Phase {
	case orchestrator.PhaseRunning:
		return "Loading catalogs..."
	case orchestrator.PhaseFailed:
		return "Catalog load failed: " + st.Message + " (r to retry)"
	default:
		return "Catalog is empty."
	}
}

func (m Model) renderTasks() string {
	var b strings.Builder
	if store := m.engine.Prefs(); store != nil {
		p := store.Get()
		if p.EasyModeEnabled {
			b.WriteString(successStyle.Render("Easy mode is on") + "\n")
		} else if !p.EasyModeTipDismissed {
			b.WriteString(warningStyle.Render("Tip: press e to turn on easy mode, t to hide this tip") + "\n")
		}
	}
	for i, k := range orchestrator.Kinds {
		st := m.last.States[k]
		b.WriteString(m.line(i, fmt.Sprintf("%-18s %s", k, renderPhase(st))))
	}
	return b.String()
}

func renderPhase(st orchestrator.State) string {
	switch st.Phase {
	case orchestrator.PhaseCompleted:
		return successStyle.Render("completed")
	case orchestrator.PhaseFailed:
		return errorStyle.Render("failed: " + st.Message)
	case orchestrator.PhaseRunning:
		return fmt.Sprintf("running %5.1f%%", st.Progress.Overall)
	default:
		return "idle"
	}
}

func (m Model) renderActivity() string {
	var b strings.Builder
	shown := 0
	for _, k := range orchestrator.Kinds {
		st := m.last.States[k]
		if st.Phase == orchestrator.PhaseIdle {
			continue
		}
		shown++
		b.WriteString(fmt.Sprintf("%-18s %s\n", k, renderPhase(st)))
		if st.Running() {
			b.WriteString(progressBar(st.Progress.Overall, m.boxWidth()-12))
			step := st.Progress.Step
			if step != "" {
				step = fmt.Sprintf("%s %.0f%%", step, st.Progress.StepPercent)
			}
			if st.Progress.Rate > 0 {
				step += fmt.Sprintf("  %.1f MB/s", float64(st.Progress.Rate)/1024/1024)
			}
			if step != "" {
				b.WriteString("\n  " + step)
			}
			b.WriteString("\n")
		}
	}
	if p := m.last.Pending; p != nil {
		shown++
		b.WriteString(warningStyle.Render(fmt.Sprintf("Waiting: %s of %s (%s)", p.Kind, p.Target, p.Mode)) + "\n")
	}
	if shown == 0 {
		return "Idle."
	}
	return strings.TrimRight(b.String(), "\n")
}

func progressBar(pct float64, width int) string {
	if width < 10 {
		width = 10
	}
	filled := int(pct / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "  [" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func (m Model) help() string {
	switch m.panel {
	case panelPartitions:
		return "enter: set target  b: backup  B: repair boot  x: export drivers  tab: next  q: quit"
	case panelSystems:
		return "enter: install on target  d: download  p: recovery environment  c: cancel download  tab: next  q: quit"
	case panelSoftware:
		return "enter: download and run  c: cancel download  r: reload  tab: next  q: quit"
	case panelTools:
		return "enter: show network info / launch tool  tab: next  q: quit"
	default:
		return "enter: dismiss  a: dismiss all  e: toggle easy mode  t: hide tip  tab: next  q: quit"
	}
}

// Package tui is the interactive front end. It owns no operation state: every
// refresh calls Engine.Tick and renders what comes back, and a timer is only
// scheduled while the tick result asks for one.
package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
	"github.com/letrecovery/recoverykit/pkg/sysinfo"
)

var log = logging.L("tui")

// tickMsg is delivered by the refresh timer.
type tickMsg struct{}

type panel int

const (
	panelPartitions panel = iota
	panelSystems
	panelSoftware
	panelTools
	panelTasks
)

var panelNames = []string{"Partitions", "Systems", "Software", "Tools", "Tasks"}

// Options configures the model.
type Options struct {
	// BackupDir receives backups started from the partition panel.
	BackupDir string
}

// Model implements tea.Model.
type Model struct {
	engine *orchestrator.Engine
	opts   Options

	panel   panel
	cursors [5]int
	target  string
	network []sysinfo.Adapter

	last      orchestrator.TickResult
	scheduled bool
	message   string
	confirm   *confirmation

	width  int
	height int
}

type confirmation struct {
	prompt string
	run    func() error
}

// New creates a model over e.
func New(e *orchestrator.Engine, opts Options) Model {
	m := Model{engine: e, opts: opts, width: 100, height: 30}
	if snap := e.Partitions(); snap != nil {
		if p, ok := snap.DefaultTarget(); ok {
			m.target = p.Letter
		}
	}
	return m
}

// Init starts the catalog fetch and takes the first tick.
func (m Model) Init() tea.Cmd {
	m.engine.LoadCatalogs()
	return func() tea.Msg { return tickMsg{} }
}

// refresh runs one engine tick and schedules the next one when asked to.
func (m Model) refresh() (Model, tea.Cmd) {
	m.last = m.engine.Tick()
	if m.last.CatalogLoaded {
		m.requestIcons()
	}
	if m.last.NextTick <= 0 || m.scheduled {
		return m, nil
	}
	m.scheduled = true
	return m, tea.Tick(m.last.NextTick, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) requestIcons() {
	for _, sw := range m.engine.Catalog().Software {
		m.engine.RequestIcon(sw.IconURL)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.scheduled = false
		return m.refresh()

	case tea.KeyMsg:
		if m.confirm != nil {
			return m.handleConfirm(msg)
		}
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			if m.engine.Busy() {
				m.message = "An operation is running; wait for it to finish or cancel it first."
				return m.refresh()
			}
			return m, tea.Quit
		}
		m.handleKey(msg.String())
		// Input wakes the loop even when no timer is pending.
		return m.refresh()
	}
	return m, nil
}

func (m Model) handleConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	c := m.confirm
	m.confirm = nil
	switch strings.ToLower(msg.String()) {
	case "y", "enter":
		if err := c.run(); err != nil {
			m.message = err.Error()
		} else {
			m.message = ""
		}
	default:
		m.message = "Cancelled."
	}
	return m.refresh()
}

func (m *Model) handleKey(key string) {
	switch key {
	case "tab", "right", "l":
		m.panel = (m.panel + 1) % panel(len(panelNames))
	case "shift+tab", "left", "h":
		m.panel = (m.panel + panel(len(panelNames)) - 1) % panel(len(panelNames))
	case "up", "k":
		if m.cursors[m.panel] > 0 {
			m.cursors[m.panel]--
		}
	case "down", "j":
		if m.cursors[m.panel] < m.rows()-1 {
			m.cursors[m.panel]++
		}
	case "r":
		m.message = ""
		m.engine.LoadCatalogs()
	case "a":
		for _, k := range orchestrator.Kinds {
			m.engine.Ack(k)
		}
		m.message = ""
	case "c":
		if h, ok := m.engine.Downloads.Active(); ok {
			if err := m.engine.Downloads.Cancel(h); err != nil {
				m.message = err.Error()
			}
		}
	case "p":
		m.cycleEnvironment()
	case "e":
		m.toggleEasyMode()
	case "t":
		if store := m.engine.Prefs(); store != nil {
			if err := store.DismissEasyModeTip(); err != nil {
				m.message = err.Error()
			}
		}
	case "enter", " ":
		m.activate()
	case "b":
		m.backupSelected()
	case "B":
		m.toolOnSelected(orchestrator.ToolRepairBoot)
	case "x":
		m.toolOnSelected(orchestrator.ToolExportDrivers)
	case "d":
		m.downloadSelected()
	}
}

// toggleEasyMode flips the flag. The settings tip is shown once, the first
// time easy mode is switched on.
func (m *Model) toggleEasyMode() {
	store := m.engine.Prefs()
	if store == nil {
		return
	}
	p := store.Get()
	if err := store.SetEasyMode(!p.EasyModeEnabled); err != nil {
		m.message = err.Error()
		return
	}
	if p.EasyModeEnabled {
		m.message = "Easy mode off."
		return
	}
	m.message = "Easy mode on."
	if !p.EasyModeSettingsTipDismissed {
		m.message = "Easy mode on: installs use the recommended options. Press e again to turn it off."
		if err := store.DismissEasyModeSettingsTip(); err != nil {
			log.Warn("preferences_update_failed", "error", err)
		}
	}
}

func (m *Model) rows() int {
	switch m.panel {
	case panelPartitions:
		if snap := m.engine.Partitions(); snap != nil {
			return len(snap.Partitions())
		}
	case panelSystems:
		return len(m.engine.Catalog().Systems)
	case panelSoftware:
		return len(m.engine.Catalog().Software)
	case panelTools:
		return 1 + len(m.bundledTools())
	case panelTasks:
		return len(orchestrator.Kinds)
	}
	return 0
}

func (m *Model) selectedPartition() (disk.Partition, bool) {
	snap := m.engine.Partitions()
	if snap == nil {
		return disk.Partition{}, false
	}
	parts := snap.Partitions()
	i := m.cursors[panelPartitions]
	if i < 0 || i >= len(parts) {
		return disk.Partition{}, false
	}
	return parts[i], true
}

func (m *Model) cycleEnvironment() {
	envs := m.engine.Catalog().Environments
	if len(envs) == 0 {
		m.message = "No recovery environments loaded."
		return
	}
	next := 0
	if cur, ok := m.engine.Environment(orchestrator.KindInstall); ok {
		for i, e := range envs {
			if e.URL == cur.URL {
				next = (i + 1) % len(envs)
			}
		}
	}
	for _, k := range []orchestrator.Kind{orchestrator.KindInstall, orchestrator.KindBackup} {
		if err := m.engine.SelectEnvironment(k, next); err != nil {
			m.message = err.Error()
			return
		}
	}
	m.message = "Recovery environment: " + envs[next].DisplayName
}

func (m *Model) activate() {
	switch m.panel {
	case panelPartitions:
		if p, ok := m.selectedPartition(); ok {
			m.target = p.Letter
			m.message = fmt.Sprintf("Target set to %s (%s)", p.Letter, m.engine.ResolveMode(p.Letter))
		}
	case panelSystems:
		m.installSelected()
	case panelSoftware:
		m.runSoftware()
	case panelTools:
		m.runToolsRow()
	case panelTasks:
		k := orchestrator.Kinds[m.cursors[panelTasks]]
		m.engine.Ack(k)
	}
}

func (m *Model) installSelected() {
	systems := m.engine.Catalog().Systems
	i := m.cursors[panelSystems]
	if i >= len(systems) {
		return
	}
	img := systems[i]
	target := m.target
	e := m.engine
	m.confirm = &confirmation{
		prompt: fmt.Sprintf("Install %s onto %s? Everything on %s will be erased. (y/n)", img.DisplayName, target, target),
		run: func() error {
			_, err := e.Install(context.Background(), orchestrator.OperationRequest{
				Target:      target,
				SourceURL:   img.URL,
				VolumeIndex: 1,
				Options:     orchestrator.DefaultInstallOptions(),
			})
			return err
		},
	}
}

func (m *Model) downloadSelected() {
	if m.panel != panelSystems {
		return
	}
	systems := m.engine.Catalog().Systems
	i := m.cursors[panelSystems]
	if i >= len(systems) {
		return
	}
	if _, err := m.engine.Download(context.Background(), systems[i].URL, "", nil); err != nil {
		m.message = err.Error()
	}
}

func (m *Model) runSoftware() {
	software := m.engine.Catalog().Software
	i := m.cursors[panelSoftware]
	if i >= len(software) {
		return
	}
	if _, err := m.engine.DownloadAndRun(context.Background(), software[i], runtime.GOARCH, false); err != nil {
		m.message = err.Error()
	}
}

func (m *Model) backupSelected() {
	p, ok := m.selectedPartition()
	if !ok || m.panel != panelPartitions {
		return
	}
	name := fmt.Sprintf("%s_%s.wim", strings.TrimSuffix(p.Letter, ":"), time.Now().Format("20060102_150405"))
	dest := filepath.Join(m.opts.BackupDir, name)
	e := m.engine
	m.confirm = &confirmation{
		prompt: fmt.Sprintf("Back up %s to %s? (y/n)", p.Letter, dest),
		run: func() error {
			_, err := e.Backup(context.Background(), orchestrator.OperationRequest{Target: p.Letter, Source: dest})
			return err
		},
	}
}

func (m *Model) toolOnSelected(action orchestrator.ToolAction) {
	target := ""
	if p, ok := m.selectedPartition(); ok && m.panel == panelPartitions {
		target = p.Letter
	}
	if _, err := m.engine.Imaging.RunTool(orchestrator.ToolRequest{Action: action, Target: target}); err != nil {
		log.Warn("tool_rejected", "tool", action.String(), "error", err)
		m.message = err.Error()
	}
}

func (m *Model) bundledTools() []string {
	names, err := m.engine.Imaging.BundledTools()
	if err != nil {
		log.Warn("tools_list_failed", "error", err)
	}
	return names
}

// runToolsRow shows network info for the first row and launches the bundled
// tool on any other.
func (m *Model) runToolsRow() {
	i := m.cursors[panelTools]
	if i == 0 {
		adapters, err := m.engine.NetworkAdapters(context.Background())
		if err != nil {
			m.message = err.Error()
			return
		}
		m.network = adapters
		if len(adapters) == 0 {
			m.message = "No network adapters found."
		}
		return
	}
	tools := m.bundledTools()
	if i-1 >= len(tools) {
		return
	}
	name := tools[i-1]
	if _, err := m.engine.Imaging.RunTool(orchestrator.ToolRequest{Action: orchestrator.ToolLaunch, Name: name}); err != nil {
		m.message = err.Error()
		return
	}
	m.message = "Started " + name
}

package tui

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/download"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
	"github.com/letrecovery/recoverykit/pkg/prefs"
	"github.com/letrecovery/recoverykit/pkg/sysinfo"
)

// stuckTransport accepts transfers that never finish.
type stuckTransport struct{}

func (stuckTransport) Start(context.Context, string, string) (string, error) { return "g0", nil }

func (stuckTransport) Poll(gid string) (download.Status, error) {
	return download.Status{GID: gid, State: download.StateActive, Percent: 10}, nil
}

func (stuckTransport) Cancel(string) error { return nil }

func newTestModel(t *testing.T) (Model, *orchestrator.Engine) {
	t.Helper()
	dir := t.TempDir()
	e := orchestrator.NewEngine(context.Background(), orchestrator.EngineConfig{DataDir: dir}, orchestrator.Deps{
		Transport: stuckTransport{},
		Prefs:     prefs.Open(filepath.Join(dir, "config.json")),
	})
	t.Cleanup(e.Close)
	e.SetPartitions(disk.NewSnapshot([]disk.Partition{
		{Letter: "C:", Label: "System", TotalSizeMB: 102400, HasWindows: true, IsSystemPartition: true},
		{Letter: "D:", Label: "Data", TotalSizeMB: 204800},
	}, false))
	return New(e, Options{BackupDir: filepath.Join(dir, "backups")}), e
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestIdleTickSchedulesNothing(t *testing.T) {
	m, _ := newTestModel(t)
	if m.target != "C:" {
		t.Errorf("target = %q, want C:", m.target)
	}

	_, cmd := m.Update(tickMsg{})
	if cmd != nil {
		t.Error("idle tick scheduled a refresh")
	}
}

func TestRunningTickSchedulesOnce(t *testing.T) {
	m, e := newTestModel(t)
	if _, err := e.Download(context.Background(), "http://x/a.iso", "", nil); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	next, cmd := m.Update(tickMsg{})
	if cmd == nil {
		t.Fatal("running tick did not schedule a refresh")
	}
	m = next.(Model)
	if !m.scheduled {
		t.Error("scheduled flag not set")
	}

	// A key press while a timer is pending must not start a second one.
	next, cmd = m.Update(key("j"))
	if cmd != nil {
		t.Error("key press scheduled a second timer")
	}
	m = next.(Model)
	if got := m.last.States[orchestrator.KindDownload].Phase; got != orchestrator.PhaseRunning {
		t.Errorf("download phase = %v, want running", got)
	}
}

func TestQuitRefusedWhileBusy(t *testing.T) {
	m, e := newTestModel(t)

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q did not quit when idle")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not return tea.Quit")
	}

	if _, err := e.Download(context.Background(), "http://x/a.iso", "", nil); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	next, _ := m.Update(key("q"))
	m = next.(Model)
	if !strings.Contains(m.message, "operation is running") {
		t.Errorf("message = %q", m.message)
	}
}

func TestPanelNavigation(t *testing.T) {
	m, _ := newTestModel(t)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.panel != panelSystems {
		t.Errorf("panel = %v, want systems", m.panel)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	next, _ = next.(Model).Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	m = next.(Model)
	if m.panel != panelTasks {
		t.Errorf("panel = %v, want tasks", m.panel)
	}
}

func TestSelectTargetAndBackupConfirmation(t *testing.T) {
	m, _ := newTestModel(t)

	next, _ := m.Update(key("j"))
	next, _ = next.(Model).Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	if m.target != "D:" {
		t.Fatalf("target = %q, want D:", m.target)
	}
	if !strings.Contains(m.message, "direct") {
		t.Errorf("message = %q, want execution mode", m.message)
	}

	next, _ = m.Update(key("b"))
	m = next.(Model)
	if m.confirm == nil {
		t.Fatal("backup did not ask for confirmation")
	}
	if !strings.Contains(m.View(), "Back up D:") {
		t.Error("confirmation prompt not rendered")
	}

	next, _ = m.Update(key("n"))
	m = next.(Model)
	if m.confirm != nil || m.message != "Cancelled." {
		t.Errorf("confirm = %v, message = %q", m.confirm, m.message)
	}
}

func TestViewListsPartitions(t *testing.T) {
	m, _ := newTestModel(t)
	next, _ := m.Update(tickMsg{})
	out := next.(Model).View()
	for _, want := range []string{"LetRecovery", "C:", "D:", "[current system]", "Idle."} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct    float64
		filled int
	}{
		{0, 0},
		{50, 10},
		{100, 20},
		{150, 20},
	}
	for _, tt := range tests {
		bar := progressBar(tt.pct, 20)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("progressBar(%v) filled = %d, want %d", tt.pct, got, tt.filled)
		}
	}
}

func TestEasyModeToggleAndTips(t *testing.T) {
	m, e := newTestModel(t)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	m = next.(Model)
	if !strings.Contains(m.View(), "Tip: press e") {
		t.Fatal("easy mode tip not shown")
	}

	next, _ = m.Update(key("e"))
	m = next.(Model)
	p := e.Prefs().Get()
	if !p.EasyModeEnabled || !p.EasyModeSettingsTipDismissed {
		t.Errorf("prefs = %+v, want easy mode on and settings tip dismissed", p)
	}
	if !strings.Contains(m.message, "recommended options") {
		t.Errorf("message = %q, want settings tip", m.message)
	}

	next, _ = m.Update(key("e"))
	next, _ = next.(Model).Update(key("e"))
	m = next.(Model)
	if m.message != "Easy mode on." {
		t.Errorf("message = %q, settings tip shown twice", m.message)
	}

	next, _ = m.Update(key("t"))
	m = next.(Model)
	if !e.Prefs().Get().EasyModeTipDismissed {
		t.Error("t did not dismiss the tip")
	}
}

func TestToolsPanelNetworkAndLaunch(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, orchestrator.ToolsDirName), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, orchestrator.ToolsDirName, "7zFM.exe"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	launched := make(chan string, 1)
	e := orchestrator.NewEngine(context.Background(), orchestrator.EngineConfig{DataDir: dir}, orchestrator.Deps{
		Transport: stuckTransport{},
		Network: func(context.Context) ([]sysinfo.Adapter, error) {
			return []sysinfo.Adapter{{Name: "Ethernet", MAC: "00:11:22:33:44:55", Up: true, Addresses: []string{"10.0.0.5/24"}}}, nil
		},
		Launcher: func(path string, _ []string) error {
			launched <- path
			return nil
		},
	})
	t.Cleanup(e.Close)
	m := New(e, Options{})
	m.panel = panelTools

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	view := m.View()
	for _, want := range []string{"Network information", "Ethernet", "10.0.0.5/24", "Launch 7zFM.exe"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	next, _ = m.Update(key("j"))
	next, _ = next.(Model).Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	if m.message != "Started 7zFM.exe" {
		t.Errorf("message = %q", m.message)
	}
	select {
	case path := <-launched:
		if filepath.Base(path) != "7zFM.exe" {
			t.Errorf("launched %s", path)
		}
	case <-time.After(time.Second):
		t.Fatal("tool was not launched")
	}
}

package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/letrecovery/recoverykit/pkg/orchestrator"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "b")
	c := filepath.Join(root, "c")

	if err := ensureDirectories(a, "", c); err != nil {
		t.Fatalf("ensureDirectories() error = %v", err)
	}
	for _, dir := range []string{a, c} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

func TestProgressLine(t *testing.T) {
	res := orchestrator.TickResult{States: map[orchestrator.Kind]orchestrator.State{
		orchestrator.KindRemoteConfig: {Phase: orchestrator.PhaseRunning},
	}}
	if got := progressLine(res); got != "" {
		t.Errorf("progressLine() = %q, want empty for catalog loads", got)
	}

	res.States[orchestrator.KindInstall] = orchestrator.State{
		Phase:    orchestrator.PhaseRunning,
		Progress: progress.Snapshot{Overall: 42.5, Step: "apply", StepPercent: 50},
	}
	got := progressLine(res)
	for _, want := range []string{"install", "42.5%", "apply 50%"} {
		if !strings.Contains(got, want) {
			t.Errorf("progressLine() = %q, missing %q", got, want)
		}
	}
}

func TestReport(t *testing.T) {
	if err := report(orchestrator.KindBackup, orchestrator.State{Phase: orchestrator.PhaseCompleted}); err != nil {
		t.Errorf("report(completed) error = %v", err)
	}
	if err := report(orchestrator.KindEnvironmentMount, orchestrator.State{Phase: orchestrator.PhaseCompleted}); err != nil {
		t.Errorf("report(hand-off) error = %v", err)
	}

	err := report(orchestrator.KindInstall, orchestrator.State{Phase: orchestrator.PhaseFailed, Message: "disk full"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("report(failed) error = %v, want message", err)
	}
}

// Package orchestrator runs the long operations (downloads, installs,
// backups, recovery environment hand-offs, tools) on background workers and
// folds their progress into per-kind state the interactive loop polls.
package orchestrator

import (
	"fmt"

	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

var log = logging.L("orchestrator")

// Kind names an operation slot in the task registry.
type Kind string

const (
	KindDownload         Kind = "download"
	KindInstall          Kind = "install"
	KindBackup           Kind = "backup"
	KindEnvironmentMount Kind = "environment-mount"
	KindRemoteConfig     Kind = "remote-config"
	KindTool             Kind = "tool"
)

// Kinds lists every slot in display order.
var Kinds = []Kind{KindDownload, KindInstall, KindBackup, KindEnvironmentMount, KindTool, KindRemoteConfig}

// Disruptive reports whether the kind takes part in mutual exclusion.
// Only the remote-config fetch is exempt.
func (k Kind) Disruptive() bool {
	switch k {
	case KindDownload, KindInstall, KindBackup, KindEnvironmentMount, KindTool:
		return true
	}
	return false
}

// Phase is the lifecycle position of one kind.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is what the presentation layer renders for one kind. Terminal states
// stay until acknowledged.
type State struct {
	Phase       Phase
	OperationID string
	Progress    progress.Snapshot
	Message     string
}

func (s State) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

func (s State) Running() bool {
	return s.Phase == PhaseRunning
}

// ThenAction is the follow-up attached to a download.
type ThenAction int

const (
	ThenNone ThenAction = iota
	ThenInstall
	ThenBackup
	ThenRun
)

func (a ThenAction) String() string {
	switch a {
	case ThenInstall:
		return "install"
	case ThenBackup:
		return "backup"
	case ThenRun:
		return "run"
	default:
		return "none"
	}
}

// Slot says which field of the pending request the downloaded file fills.
type Slot int

const (
	SlotSource Slot = iota
	SlotEnvironment
)

// Continuation is fixed when the download is created and consumed at most
// once, on success.
type Continuation struct {
	Action  ThenAction
	Slot    Slot
	Request *OperationRequest
	// Args are passed to the downloaded program for ThenRun.
	Args []string
}

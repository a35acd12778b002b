// Package fsm implements the recovery environment hand-off workflow. It
// stages the environment image, writes the pending operation for the
// environment to pick up, and arms a one-time boot entry, using the
// superfly/fsm library so an interrupted hand-off resumes where it stopped.
package fsm

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the hand-off FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[HandoffRequest, HandoffResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[HandoffRequest, HandoffResponse](manager, "environment-handoff").
		Start(StateStage, m.handleStage).
		To(StateWriteRequest, m.handleWriteRequest).
		To(StateConfigureBoot, m.handleConfigureBoot).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Runner owns the FSM manager and runs one hand-off at a time to completion.
type Runner struct {
	manager *fsm.Manager
	machine *Machine
	start   fsm.Start[HandoffRequest, HandoffResponse]
}

// NewRunner opens the FSM store under dbPath and registers the machine.
func NewRunner(ctx context.Context, dbPath string, machine *Machine) (*Runner, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create FSM directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: dbPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		manager.Shutdown(time.Second)
		return nil, err
	}
	return &Runner{manager: manager, machine: machine, start: start}, nil
}

// Run executes a hand-off and blocks until the machine finishes.
func (r *Runner) Run(ctx context.Context, req HandoffRequest, onProgress ProgressFunc) (*HandoffResponse, error) {
	r.machine.track(req.OperationID, onProgress)

	version, err := r.start(ctx, req.OperationID, fsm.NewRequest(&req, &HandoffResponse{}))
	if err != nil {
		r.machine.untrack(req.OperationID)
		return nil, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("handoff_started", "operation_id", req.OperationID, "version", version)

	waitErr := r.manager.Wait(ctx, version)
	resp := r.machine.untrack(req.OperationID)
	if waitErr != nil {
		return &resp, errors.Wrap(waitErr, "hand-off failed")
	}
	return &resp, nil
}

// Close shuts the FSM manager down.
func (r *Runner) Close() {
	r.manager.Shutdown(10 * time.Second)
}

package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/security"
	"github.com/superfly/fsm"
)

// ProgressFunc receives stage progress from the transitions.
type ProgressFunc func(step string, stepPct, overallPct float64)

// RebootDelay is the grace period before an automatic restart.
const RebootDelay = 10 * time.Second

// Overall progress at the start of each stage.
const (
	overallStage     = 0
	overallRequest   = 80
	overallBoot      = 85
	overallComplete  = 95
	stageWeight      = overallRequest - overallStage
	copyChunkSize    = 4 << 20
	stagedSDIName    = "boot.sdi"
	stagedImageName  = "pe.wim"
)

type run struct {
	progress ProgressFunc
	resp     HandoffResponse
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	boot       bootcfg.Manager
	validator  *security.Validator
	maxRetries int

	mu   sync.Mutex
	runs map[string]*run
}

// NewMachine creates a new FSM machine with dependencies. validator may be
// nil; when set, staged files must land inside its roots.
func NewMachine(boot bootcfg.Manager, validator *security.Validator, maxRetries int) *Machine {
	return &Machine{
		boot:       boot,
		validator:  validator,
		maxRetries: maxRetries,
		runs:       make(map[string]*run),
	}
}

func (m *Machine) track(id string, fn ProgressFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id] = &run{progress: fn}
}

func (m *Machine) untrack(id string) HandoffResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	delete(m.runs, id)
	if !ok {
		return HandoffResponse{}
	}
	return r.resp
}

func (m *Machine) report(id, step string, stepPct, overall float64) {
	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()
	if r != nil && r.progress != nil {
		r.progress(step, stepPct, overall)
	}
}

func (m *Machine) record(id string, resp *HandoffResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.resp = *resp
	}
}

func (m *Machine) retriesExceeded(ctx context.Context, id string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "operation_id", id, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

func response(req *fsm.Request[HandoffRequest, HandoffResponse]) *HandoffResponse {
	if req.W.Msg == nil {
		return &HandoffResponse{}
	}
	return req.W.Msg
}

// handleStage copies the environment image into the staging directory
func (m *Machine) handleStage(ctx context.Context, req *fsm.Request[HandoffRequest, HandoffResponse]) (*fsm.Response[HandoffResponse], error) {
	slog.Info("fsm_state_stage", "operation_id", req.Msg.OperationID, "image", req.Msg.EnvironmentImage)

	if err := m.retriesExceeded(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}

	resp := response(req)
	if err := m.stage(ctx, req.Msg, resp); err != nil {
		if errors.IsValidation(err) {
			return nil, fsm.Abort(err)
		}
		return nil, err
	}
	m.record(req.Msg.OperationID, resp)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) stage(ctx context.Context, msg *HandoffRequest, resp *HandoffResponse) error {
	if msg.EnvironmentImage == "" {
		return errors.Invalid("environment_image", "no recovery environment image")
	}
	if msg.StagingDir == "" {
		return errors.Invalid("staging_dir", "no staging directory")
	}
	if err := os.MkdirAll(msg.StagingDir, 0755); err != nil {
		slog.Error("staging_dir_creation_failed", "path", msg.StagingDir, "error", err)
		return errors.Wrap(err, "failed to create staging dir")
	}

	dest, err := m.stagedPath(msg.StagingDir, stagedImageName)
	if err != nil {
		return err
	}
	n, err := copyFile(ctx, msg.EnvironmentImage, dest, func(pct float64) {
		m.report(msg.OperationID, "Staging recovery environment", pct, overallStage+pct*stageWeight/100)
	})
	if err != nil {
		slog.Error("stage_image_failed", "operation_id", msg.OperationID, "error", err)
		return errors.Wrap(err, "failed to stage environment image")
	}
	resp.StagedImage, resp.StagedBytes = dest, n

	if msg.SDIPath != "" {
		sdi, err := m.stagedPath(msg.StagingDir, stagedSDIName)
		if err != nil {
			return err
		}
		if _, err := copyFile(ctx, msg.SDIPath, sdi, nil); err != nil {
			return errors.Wrap(err, "failed to stage ramdisk template")
		}
		resp.StagedSDI = sdi
	}

	resp.Status = StatusStaged
	slog.Info("stage_complete", "operation_id", msg.OperationID, "staged", dest, "size_mb", n/1024/1024)
	return nil
}

func (m *Machine) stagedPath(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if m.validator == nil {
		return path, nil
	}
	return m.validator.ValidateDestination(path)
}

// handleWriteRequest persists the operation for the recovery environment
func (m *Machine) handleWriteRequest(ctx context.Context, req *fsm.Request[HandoffRequest, HandoffResponse]) (*fsm.Response[HandoffResponse], error) {
	slog.Info("fsm_state_write_request", "operation_id", req.Msg.OperationID)

	if err := m.retriesExceeded(ctx, req.Msg.OperationID); err != nil {
		return nil, err
	}

	resp := response(req)
	if err := m.writeRequest(req.Msg, resp, time.Now()); err != nil {
		return nil, err
	}
	m.record(req.Msg.OperationID, resp)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) writeRequest(msg *HandoffRequest, resp *HandoffResponse, now time.Time) error {
	m.report(msg.OperationID, "Writing hand-off request", 0, overallRequest)

	data, err := json.MarshalIndent(HandoffFile{
		OperationID: msg.OperationID,
		Kind:        msg.Kind,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		Operation:   msg.Operation,
	}, "", "  ")
	if err != nil {
		return fsm.Abort(errors.Wrap(err, "failed to encode hand-off request"))
	}

	path, err := m.stagedPath(msg.StagingDir, RequestFileName)
	if err != nil {
		return fsm.Abort(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		slog.Error("request_write_failed", "path", tmp, "error", err)
		return errors.Wrap(err, "failed to write hand-off request")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move hand-off request into place")
	}

	resp.RequestFile = path
	m.report(msg.OperationID, "Writing hand-off request", 100, overallBoot)
	slog.Info("request_written", "operation_id", msg.OperationID, "path", path)
	return nil
}

// handleConfigureBoot adds the ramdisk entry and arms it for the next boot
func (m *Machine) handleConfigureBoot(ctx context.Context, req *fsm.Request[HandoffRequest, HandoffResponse]) (*fsm.Response[HandoffResponse], error) {
	slog.Info("fsm_state_configure_boot", "operation_id", req.Msg.OperationID)

	resp := response(req)
	if err := m.configureBoot(ctx, req.Msg, resp); err != nil {
		// Boot configuration is never retried.
		return nil, fsm.Abort(err)
	}
	m.record(req.Msg.OperationID, resp)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) configureBoot(ctx context.Context, msg *HandoffRequest, resp *HandoffResponse) error {
	if m.boot == nil {
		return fmt.Errorf("boot configuration: %w", errors.ErrNotSupported)
	}
	m.report(msg.OperationID, "Configuring boot", 0, overallBoot)

	if resp.BootEntryID == "" {
		id, err := m.boot.AddRecoveryEntry(ctx, bootcfg.RecoveryEntry{
			Description: "LetRecovery",
			ImagePath:   resp.StagedImage,
			SDIPath:     resp.StagedSDI,
			UEFI:        msg.UEFI,
		})
		if err != nil {
			slog.Error("boot_entry_failed", "operation_id", msg.OperationID, "error", err)
			return err
		}
		resp.BootEntryID = id
	}

	if err := m.boot.BootOnce(ctx, resp.BootEntryID); err != nil {
		slog.Error("boot_once_failed", "operation_id", msg.OperationID, "entry", resp.BootEntryID, "error", err)
		return err
	}
	m.report(msg.OperationID, "Configuring boot", 100, overallComplete)
	slog.Info("boot_configured", "operation_id", msg.OperationID, "entry", resp.BootEntryID)
	return nil
}

// handleComplete optionally restarts into the environment
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[HandoffRequest, HandoffResponse]) (*fsm.Response[HandoffResponse], error) {
	slog.Info("fsm_state_complete", "operation_id", req.Msg.OperationID)

	resp := response(req)
	if req.Msg.AutoReboot {
		if m.boot == nil {
			return nil, fsm.Abort(fmt.Errorf("reboot: %w", errors.ErrNotSupported))
		}
		if err := m.boot.Reboot(ctx, RebootDelay); err != nil {
			slog.Error("reboot_failed", "operation_id", req.Msg.OperationID, "error", err)
			return nil, fsm.Abort(errors.Wrap(err, "failed to schedule reboot"))
		}
		slog.Info("reboot_scheduled", "operation_id", req.Msg.OperationID, "delay", RebootDelay)
	}

	resp.Status = StatusComplete
	m.record(req.Msg.OperationID, resp)
	m.report(req.Msg.OperationID, "Hand-off complete", 100, 100)

	slog.Info("fsm_complete", "operation_id", req.Msg.OperationID, "status", resp.Status)
	return fsm.NewResponse(resp), nil
}

// copyFile copies src to dst, skipping the copy when dst already has src's
// size and modification time (a resumed run). The copy carries src's
// modification time so the next run can recognise it. onProgress may be nil.
func copyFile(ctx context.Context, src, dst string, onProgress func(pct float64)) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	total := info.Size()
	if existing, err := os.Stat(dst); err == nil && sameFile(existing, info) {
		if onProgress != nil {
			onProgress(100)
		}
		return total, nil
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(dst)
			return written, err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				os.Remove(dst)
				return written, err
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				onProgress(float64(written) * 100 / float64(total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(dst)
			return written, rerr
		}
	}
	if err := out.Close(); err != nil {
		return written, err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		slog.Warn("staged_mtime_not_set", "path", dst, "error", err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return written, nil
}

// sameFile compares size and modification time. FAT volumes store times at
// two second resolution.
func sameFile(a, b os.FileInfo) bool {
	if a.Size() != b.Size() {
		return false
	}
	d := a.ModTime().Sub(b.ModTime())
	return d > -2*time.Second && d < 2*time.Second
}

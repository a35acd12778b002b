package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/catalog"
	"github.com/letrecovery/recoverykit/pkg/db"
	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/fsm"
	"github.com/letrecovery/recoverykit/pkg/imaging"
	"github.com/letrecovery/recoverykit/pkg/mode"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

// RebootDelay is the grace period before an automatic restart.
const RebootDelay = 10 * time.Second

// DriversDirName is the driver export directory below the data directory.
const DriversDirName = "drivers_backup"

// Handoff stages a request for the recovery environment and blocks until
// it is armed. *fsm.Runner satisfies it.
type Handoff interface {
	Run(ctx context.Context, req fsm.HandoffRequest, onProgress fsm.ProgressFunc) (*fsm.HandoffResponse, error)
}

// ImagingConfig wires an ImagingOrchestrator.
type ImagingConfig struct {
	// DataDir holds exported drivers and generated answer files.
	DataDir string
	// DownloadDir receives images fetched on behalf of a request.
	DownloadDir string
	// StagingDir receives the environment image for a hand-off.
	StagingDir string
	// SDIPath is the ramdisk template staged next to the environment image.
	SDIPath string

	Ledger Ledger
	// Launcher starts bundled tools.
	Launcher func(path string, args []string) error
}

// ImagingOrchestrator validates install and backup requests, chooses the
// execution path, and runs them.
type ImagingOrchestrator struct {
	registry   *Registry
	downloads  *DownloadOrchestrator
	service    imaging.Service
	boot       bootcfg.Manager
	handoff    Handoff
	partitions func() *disk.Snapshot
	cfg        ImagingConfig

	// ctx outlives any single call; workers derive from it.
	ctx context.Context

	mu sync.Mutex
	// pending is the request waiting on a chained download or a hand-off.
	pending *OperationRequest
	insp    inspection
}

// NewImagingOrchestrator wires the collaborators. partitions returns the
// current snapshot; handoff may be nil when no recovery environment support
// is available.
func NewImagingOrchestrator(
	ctx context.Context,
	registry *Registry,
	downloads *DownloadOrchestrator,
	service imaging.Service,
	boot bootcfg.Manager,
	handoff Handoff,
	partitions func() *disk.Snapshot,
	cfg ImagingConfig,
) *ImagingOrchestrator {
	return &ImagingOrchestrator{
		registry:   registry,
		downloads:  downloads,
		service:    service,
		boot:       boot,
		handoff:    handoff,
		partitions: partitions,
		cfg:        cfg,
		ctx:        ctx,
	}
}

// Pending returns the request waiting on a download or hand-off.
func (o *ImagingOrchestrator) Pending() (OperationRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return OperationRequest{}, false
	}
	return *o.pending, true
}

func (o *ImagingOrchestrator) setPending(req OperationRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = &req
}

func (o *ImagingOrchestrator) clearPending(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil && o.pending.ID == id {
		o.pending = nil
		return true
	}
	return false
}

type nextStep int

const (
	stepRun nextStep = iota
	stepFetchSource
	stepFetchEnvironment
	stepMount
)

// Submit validates req and starts it. It returns the resolved request.
// Validation failures leave the kind in Failed{reason} without a worker.
func (o *ImagingOrchestrator) Submit(ctx context.Context, req OperationRequest) (OperationRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	o.mu.Lock()
	pending := o.pending
	o.mu.Unlock()
	if pending != nil && pending.ID != req.ID {
		log.Warn("imaging_rejected_handoff_pending", "operation_id", req.ID, "pending", pending.ID)
		return req, errors.ErrHandoffPending
	}

	if req.Kind != KindInstall && req.Kind != KindBackup {
		return req, errors.Invalid("kind", fmt.Sprintf("unsupported operation %q", req.Kind))
	}
	if o.registry.Busy() {
		log.Warn("imaging_rejected_busy", "operation_id", req.ID, "kind", req.Kind)
		return req, errors.ErrAlreadyRunning
	}

	recordOperation(o.cfg.Ledger, req, db.OpValidating, "")
	resolved, next, err := o.validate(req)
	if err != nil {
		o.reject(resolved, err.Error())
		return resolved, err
	}
	log.Info("imaging_validated", "operation_id", resolved.ID, "kind", resolved.Kind, "target", resolved.Target, "mode", resolved.Mode.String())

	switch next {
	case stepFetchSource:
		return o.chain(ctx, resolved, resolved.SourceURL, resolved.Source, SlotSource)
	case stepFetchEnvironment:
		return o.chain(ctx, resolved, resolved.EnvironmentURL, resolved.EnvironmentImage, SlotEnvironment)
	case stepMount:
		return o.mount(resolved)
	default:
		return o.runDirect(resolved)
	}
}

func (o *ImagingOrchestrator) reject(req OperationRequest, message string) {
	log.Warn("imaging_validation_failed", "operation_id", req.ID, "kind", req.Kind, "reason", message)
	o.clearPending(req.ID)
	o.registry.Reject(req.Kind, req.ID, message)
	recordOperation(o.cfg.Ledger, req, db.OpFailed, message)
}

func (o *ImagingOrchestrator) validate(req OperationRequest) (OperationRequest, nextStep, error) {
	snap := o.partitions()
	if snap == nil {
		return req, stepRun, errors.Invalid("target", "partition list not loaded")
	}

	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return req, stepRun, errors.Invalid("target", "no target partition selected")
	}
	part, ok := snap.Find(req.Target)
	if !ok {
		return req, stepRun, errors.Invalid("target", fmt.Sprintf("partition %s not found", req.Target))
	}
	req.Target = part.Letter

	current := ""
	if sys, ok := snap.CurrentSystem(); ok {
		current = sys.Letter
	}
	req.Mode = mode.Resolve(req.Target, current, snap.InRecoveryEnvironment())

	next := stepRun
	var err error
	switch req.Kind {
	case KindInstall:
		next, err = o.validateInstall(&req)
	case KindBackup:
		err = o.validateBackup(&req, part)
	}
	if err != nil || next == stepFetchSource {
		return req, next, err
	}

	if req.Mode == mode.ViaRecoveryEnvironment {
		return o.validateEnvironment(req)
	}
	return req, stepRun, nil
}

func (o *ImagingOrchestrator) validateInstall(req *OperationRequest) (nextStep, error) {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" && req.SourceURL == "" {
		return stepRun, errors.Invalid("source", "no installation image selected")
	}
	if req.VolumeIndex < 1 {
		return stepRun, errors.Invalid("volume_index", "no image volume selected")
	}

	if req.Source == "" {
		req.Source = filepath.Join(o.cfg.DownloadDir, catalog.FilenameFromURL(req.SourceURL, "install.iso"))
	}
	if downloadedFile(o.cfg.Ledger, req.Source) {
		if vols, ok := o.Volumes(req.Source); ok && !hasVolume(vols, req.VolumeIndex) {
			return stepRun, errors.Invalid("volume_index", fmt.Sprintf("image has no volume %d", req.VolumeIndex))
		}
		return stepRun, nil
	}
	if req.SourceURL == "" {
		return stepRun, errors.Invalid("source", fmt.Sprintf("image %s not found", req.Source))
	}
	return stepFetchSource, nil
}

func hasVolume(vols []imaging.Volume, index int) bool {
	for _, v := range vols {
		if v.Index == index {
			return true
		}
	}
	return false
}

func (o *ImagingOrchestrator) validateBackup(req *OperationRequest, part disk.Partition) error {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return errors.Invalid("destination", "no backup file selected")
	}
	if !part.HasWindows {
		log.Warn("backup_partition_without_windows", "target", part.Letter)
	}

	_, err := os.Stat(req.Source)
	exists := err == nil
	if req.Options.Incremental && !exists {
		return errors.Invalid("destination", "incremental backup needs an existing image")
	}
	if !req.Options.Incremental && exists {
		return errors.Invalid("destination", fmt.Sprintf("%s already exists", req.Source))
	}

	if strings.TrimSpace(req.Name) == "" {
		req.Name = DefaultBackupName(time.Now())
	}
	if strings.TrimSpace(req.Description) == "" {
		req.Description = DefaultBackupDescription()
	}
	return nil
}

func (o *ImagingOrchestrator) validateEnvironment(req OperationRequest) (OperationRequest, nextStep, error) {
	if o.handoff == nil {
		return req, stepRun, errors.Invalid("environment", "recovery environment hand-off is not available")
	}
	if req.EnvironmentImage == "" && req.EnvironmentURL != "" {
		req.EnvironmentImage = filepath.Join(o.cfg.DownloadDir, catalog.FilenameFromURL(req.EnvironmentURL, catalog.DefaultEnvironmentFile))
	}
	if downloadedFile(o.cfg.Ledger, req.EnvironmentImage) {
		return req, stepMount, nil
	}
	if req.EnvironmentURL == "" {
		return req, stepRun, errors.Invalid("environment", "no recovery environment available")
	}
	return req, stepFetchEnvironment, nil
}

// chain queues req behind a download whose completion resubmits it.
func (o *ImagingOrchestrator) chain(ctx context.Context, req OperationRequest, url, dest string, slot Slot) (OperationRequest, error) {
	action := ThenInstall
	if req.Kind == KindBackup {
		action = ThenBackup
	}
	queued := req
	o.setPending(req)

	if _, err := o.downloads.StartDownload(ctx, url, dest, &Continuation{Action: action, Slot: slot, Request: &queued}); err != nil {
		if errors.Is(err, errors.ErrAlreadyRunning) {
			o.clearPending(req.ID)
			return req, err
		}
		o.reject(req, err.Error())
		return req, err
	}

	recordOperation(o.cfg.Ledger, req, db.OpQueued, "waiting for download")
	log.Info("imaging_queued", "operation_id", req.ID, "url", url, "dest", dest, "slot", slot)
	return req, nil
}

// Resume fires a download continuation: the downloaded file fills the slot
// and the request is validated again from scratch.
func (o *ImagingOrchestrator) Resume(ctx context.Context, then *Continuation, path string) (OperationRequest, error) {
	if then == nil || then.Request == nil {
		return OperationRequest{}, fmt.Errorf("continuation has no request")
	}
	req := *then.Request
	switch then.Slot {
	case SlotEnvironment:
		req.EnvironmentImage = path
	default:
		req.Source = path
	}
	log.Info("continuation_fired", "operation_id", req.ID, "then", then.Action.String(), "path", path)
	return o.Submit(ctx, req)
}

// DownloadFailed drops the request waiting on a failed download.
func (o *ImagingOrchestrator) DownloadFailed(f *DownloadFinished) {
	o.mu.Lock()
	p := o.pending
	o.mu.Unlock()
	if p == nil {
		return
	}
	if p.Source != f.Dest && p.EnvironmentImage != f.Dest {
		return
	}
	o.reject(*p, "download failed: "+f.Message)
}

func (o *ImagingOrchestrator) runDirect(req OperationRequest) (OperationRequest, error) {
	send, err := o.registry.Begin(req.Kind, req.ID)
	if err != nil {
		return req, err
	}
	o.clearPending(req.ID)
	recordOperation(o.cfg.Ledger, req, db.OpRunning, "")

	var p *plan
	if req.Kind == KindBackup {
		p = o.backupPlan(req, send)
	} else {
		p = o.installPlan(req, send)
	}
	log.Info("imaging_started", "operation_id", req.ID, "kind", req.Kind, "stages", strings.Join(p.names(), ","))

	go o.work(req, p, send)
	return req, nil
}

func (o *ImagingOrchestrator) work(req OperationRequest, p *plan, send *progress.Sender) {
	defer send.Guard()

	if err := p.run(o.ctx); err != nil {
		recordOperation(o.cfg.Ledger, req, db.OpFailed, err.Error())
		send.Send(progress.Failed(err.Error()))
		return
	}
	recordOperation(o.cfg.Ledger, req, db.OpSucceeded, "")
	log.Info("imaging_complete", "operation_id", req.ID, "kind", req.Kind)
	send.Send(progress.Completed())
}

func (o *ImagingOrchestrator) installPlan(req OperationRequest, send *progress.Sender) *plan {
	p := &plan{send: send}
	driversDir := filepath.Join(o.cfg.DataDir, DriversDirName, req.ID)
	exported := false

	part, _ := o.partitions().Find(req.Target)
	if req.Options.ExportDrivers && part.HasWindows {
		p.add("Exporting drivers", 5, func(ctx context.Context, _ progress.Reporter) error {
			if err := os.MkdirAll(driversDir, 0755); err != nil {
				return errors.Wrap(err, "failed to create driver directory")
			}
			scope := imaging.DriverScope{WindowsRoot: req.Target}
			if err := o.service.ExportDrivers(ctx, scope, driversDir); err != nil {
				// Not fatal: the install proceeds without the old drivers.
				log.Warn("driver_export_failed", "operation_id", req.ID, "error", err)
				return nil
			}
			exported = true
			return nil
		})
	}
	if req.Options.Format {
		p.add("Formatting partition", 5, func(ctx context.Context, _ progress.Reporter) error {
			return o.service.Format(ctx, req.Target, part.Label)
		})
	}
	p.add("Applying image", 75, func(ctx context.Context, report progress.Reporter) error {
		return o.service.Apply(ctx, imaging.ApplyOptions{
			ImagePath:       req.Source,
			VolumeIndex:     req.VolumeIndex,
			TargetPartition: req.Target,
		}, report)
	})
	if req.Options.ExportDrivers && part.HasWindows {
		p.add("Adding drivers", 5, func(ctx context.Context, _ progress.Reporter) error {
			if !exported {
				return nil
			}
			return o.service.AddDrivers(ctx, req.Target, driversDir)
		})
	}
	if req.Options.RepairBoot {
		p.add("Repairing boot", 5, func(ctx context.Context, _ progress.Reporter) error {
			return o.boot.RepairBoot(ctx, req.Target, req.Options.BootMode)
		})
	}
	if req.Options.Unattended {
		p.add("Applying answer file", 3, func(ctx context.Context, _ progress.Reporter) error {
			path, err := writeUnattend(filepath.Join(o.cfg.DataDir, "unattend"), req.ID)
			if err != nil {
				return err
			}
			return o.service.ApplyUnattend(ctx, req.Target, path)
		})
	}
	if req.Options.AutoReboot {
		p.add("Scheduling restart", 2, func(ctx context.Context, _ progress.Reporter) error {
			return o.boot.Reboot(ctx, RebootDelay)
		})
	}
	return p
}

func (o *ImagingOrchestrator) backupPlan(req OperationRequest, send *progress.Sender) *plan {
	p := &plan{send: send}
	p.add("Capturing image", 100, func(ctx context.Context, report progress.Reporter) error {
		if err := os.MkdirAll(filepath.Dir(req.Source), 0755); err != nil {
			return errors.Wrap(err, "failed to create backup directory")
		}
		return o.service.Capture(ctx, imaging.CaptureOptions{
			SourcePartition: req.Target,
			DestPath:        req.Source,
			Name:            req.Name,
			Description:     req.Description,
			Append:          req.Options.Incremental,
		}, report)
	})
	return p
}

// mount stages the environment and hands req to it.
func (o *ImagingOrchestrator) mount(req OperationRequest) (OperationRequest, error) {
	send, err := o.registry.Begin(KindEnvironmentMount, req.ID)
	if err != nil {
		return req, err
	}
	o.setPending(req)
	recordOperation(o.cfg.Ledger, req, db.OpRunning, "staging recovery environment")

	go func() {
		defer send.Guard()

		resp, err := o.handoff.Run(o.ctx, o.handoffRequest(req), func(step string, stepPct, overall float64) {
			send.Step(step, stepPct)
			send.Send(progress.Overall(overall))
		})
		if err != nil {
			recordOperation(o.cfg.Ledger, req, db.OpFailed, err.Error())
			send.Send(progress.Failed(err.Error()))
			return
		}
		msg := "handed off to recovery environment"
		if resp != nil && resp.BootEntryID != "" {
			msg += ", boot entry " + resp.BootEntryID
		}
		recordOperation(o.cfg.Ledger, req, db.OpQueued, msg)
		log.Info("handoff_complete", "operation_id", req.ID, "message", msg)
		send.Send(progress.Completed())
	}()

	log.Info("environment_mount_started", "operation_id", req.ID, "image", req.EnvironmentImage)
	return req, nil
}

func (o *ImagingOrchestrator) handoffRequest(req OperationRequest) fsm.HandoffRequest {
	uefi := req.Options.BootMode == bootcfg.FirmwareUEFI
	if req.Options.BootMode == bootcfg.FirmwareAuto && o.boot != nil {
		if fw, err := o.boot.DetectFirmware(o.ctx); err == nil {
			uefi = fw == bootcfg.FirmwareUEFI
		} else {
			log.Warn("firmware_detection_failed", "error", err)
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		log.Error("handoff_encode_failed", "operation_id", req.ID, "error", err)
	}
	return fsm.HandoffRequest{
		OperationID:      req.ID,
		Kind:             string(req.Kind),
		EnvironmentImage: req.EnvironmentImage,
		SDIPath:          o.cfg.SDIPath,
		StagingDir:       o.cfg.StagingDir,
		UEFI:             uefi,
		AutoReboot:       req.Options.AutoReboot,
		Operation:        payload,
	}
}

// Poll drains the install, backup, environment-mount and tool channels.
func (o *ImagingOrchestrator) Poll() map[Kind]State {
	out := make(map[Kind]State, 4)
	for _, k := range []Kind{KindInstall, KindBackup, KindEnvironmentMount, KindTool} {
		st, finished := o.registry.Poll(k)
		out[k] = st
		if finished && k == KindEnvironmentMount && st.Phase == PhaseFailed {
			o.clearPending(st.OperationID)
		}
	}
	o.pollInspection()
	return out
}

// Ack returns a terminal kind to Idle. Acknowledging a finished hand-off
// releases the hold on new requests.
func (o *ImagingOrchestrator) Ack(kind Kind) bool {
	st := o.registry.State(kind)
	if !o.registry.Ack(kind) {
		return false
	}
	if kind == KindEnvironmentMount {
		o.clearPending(st.OperationID)
	}
	return true
}

package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/catalog"
	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/download"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/imaging"
	"github.com/letrecovery/recoverykit/pkg/metrics"
	"github.com/letrecovery/recoverykit/pkg/mode"
	"github.com/letrecovery/recoverykit/pkg/prefs"
	"github.com/letrecovery/recoverykit/pkg/sysinfo"
)

// EngineConfig holds paths and timings.
type EngineConfig struct {
	DataDir     string
	DownloadDir string
	StagingDir  string
	SDIPath     string

	// TickInterval is the re-poll interval while anything is in flight.
	TickInterval time.Duration

	Sources        catalog.Sources
	CatalogTimeout time.Duration

	Retry                RetryPolicy
	DownloadPollInterval time.Duration
}

// Deps are the external collaborators.
type Deps struct {
	Transport download.Transport
	Imaging   imaging.Service
	Boot      bootcfg.Manager
	// Handoff may be nil; installs that need a recovery environment then fail validation.
	Handoff Handoff
	Fetcher catalog.Fetcher
	Ledger  Ledger
	Prefs   *prefs.Store
	Metrics *metrics.Metrics
	// Launcher starts a downloaded program for ThenRun and bundled tools.
	// Defaults to exec.
	Launcher func(path string, args []string) error
	// Network lists the network adapters. Defaults to sysinfo.NetworkAdapters.
	Network func(ctx context.Context) ([]sysinfo.Adapter, error)
}

// TickResult is everything the presentation layer needs after one tick.
type TickResult struct {
	States     map[Kind]State
	Busy       bool
	Background bool
	// NextTick is the delay before the next tick; 0 means wait for input.
	NextTick   time.Duration
	Pending    *OperationRequest
	Inspection Inspection
	// CatalogLoaded is set on the tick a catalog load finishes.
	CatalogLoaded bool
}

// Engine is the root context. It owns the partition snapshot, the catalogs,
// the preferences, the background loaders and the orchestrators, and is
// driven by Tick from a single interactive goroutine.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    EngineConfig

	registry  *Registry
	Downloads *DownloadOrchestrator
	Imaging   *ImagingOrchestrator

	loader   *catalog.Loader
	icons    *catalog.IconLoader
	prefs    *prefs.Store
	metrics  *metrics.Metrics
	launcher func(path string, args []string) error
	network  func(ctx context.Context) ([]sysinfo.Adapter, error)

	partitions atomic.Pointer[disk.Snapshot]
	catalog    atomic.Pointer[catalog.Catalog]

	mu        sync.Mutex
	remote    State
	selection map[Kind]int
}

// NewEngine wires an engine. Partitions must be set before installs or
// backups validate.
func NewEngine(ctx context.Context, cfg EngineConfig, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = ActiveTickInterval
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = catalog.DefaultTimeout
	}
	if cfg.DownloadDir == "" && cfg.DataDir != "" {
		cfg.DownloadDir = filepath.Join(cfg.DataDir, "downloads")
	}
	if deps.Launcher == nil {
		deps.Launcher = func(path string, args []string) error {
			return exec.Command(path, args...).Start()
		}
	}
	if deps.Network == nil {
		deps.Network = sysinfo.NetworkAdapters
	}
	if deps.Fetcher == nil {
		deps.Fetcher = catalog.HTTPFetcher{}
	}

	registry := NewRegistry(deps.Metrics)
	downloads := NewDownloadOrchestrator(deps.Transport, registry, DownloadConfig{
		Retry:        cfg.Retry,
		PollInterval: cfg.DownloadPollInterval,
		Ledger:       deps.Ledger,
		Metrics:      deps.Metrics,
	})

	e := &Engine{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		registry:  registry,
		Downloads: downloads,
		loader:    catalog.NewLoader(deps.Fetcher, cfg.Sources, cfg.CatalogTimeout),
		icons:     catalog.NewIconLoader(deps.Fetcher, cfg.CatalogTimeout),
		prefs:     deps.Prefs,
		metrics:   deps.Metrics,
		launcher:  deps.Launcher,
		network:   deps.Network,
		selection: map[Kind]int{KindInstall: -1, KindBackup: -1},
	}
	e.catalog.Store(&catalog.Catalog{})
	e.Imaging = NewImagingOrchestrator(ctx, registry, downloads, deps.Imaging, deps.Boot, deps.Handoff, e.Partitions, ImagingConfig{
		DataDir:     cfg.DataDir,
		DownloadDir: cfg.DownloadDir,
		StagingDir:  cfg.StagingDir,
		SDIPath:     cfg.SDIPath,
		Ledger:      deps.Ledger,
		Launcher:    deps.Launcher,
	})
	return e
}

// Close stops every worker.
func (e *Engine) Close() {
	e.cancel()
}

// Partitions returns the current snapshot, nil before the first enumeration.
func (e *Engine) Partitions() *disk.Snapshot {
	return e.partitions.Load()
}

// SetPartitions replaces the snapshot wholesale.
func (e *Engine) SetPartitions(s *disk.Snapshot) {
	e.partitions.Store(s)
}

// RefreshPartitions enumerates partitions and swaps in the new snapshot.
func (e *Engine) RefreshPartitions(ctx context.Context, en disk.Enumerator, inRecovery bool) (*disk.Snapshot, error) {
	parts, err := en.ListPartitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate partitions")
	}
	snap := disk.NewSnapshot(parts, inRecovery)
	e.SetPartitions(snap)
	log.Info("partitions_refreshed", "count", len(parts), "in_recovery", inRecovery)
	return snap, nil
}

// ResolveMode evaluates the execution path for target against the current
// snapshot. It is recomputed on every call.
func (e *Engine) ResolveMode(target string) mode.ExecutionMode {
	snap := e.Partitions()
	if snap == nil {
		return mode.Direct
	}
	current := ""
	if sys, ok := snap.CurrentSystem(); ok {
		current = sys.Letter
	}
	return mode.Resolve(target, current, snap.InRecoveryEnvironment())
}

// Catalog returns the current catalogs; never nil.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog.Load()
}

// Prefs returns the preference store.
func (e *Engine) Prefs() *prefs.Store {
	return e.prefs
}

// Metrics returns the engine's counters; may be nil.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// NetworkAdapters lists the machine's network interfaces.
func (e *Engine) NetworkAdapters(ctx context.Context) ([]sysinfo.Adapter, error) {
	return e.network(ctx)
}

// LoadCatalogs starts the remote config fetch. It returns false if a fetch
// is already in flight.
func (e *Engine) LoadCatalogs() bool {
	if !e.loader.Start() {
		return false
	}
	e.mu.Lock()
	e.remote = State{Phase: PhaseRunning}
	e.mu.Unlock()
	return true
}

func (e *Engine) applyRemote(rc catalog.RemoteConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !rc.Loaded || rc.Catalog == nil {
		// Keep whatever an earlier load produced.
		e.remote = State{Phase: PhaseFailed, Message: rc.Error}
		return
	}
	e.remote = State{Phase: PhaseCompleted, Message: rc.Error}

	next := *rc.Catalog
	prev := e.catalog.Load()
	for _, name := range rc.Failed {
		switch name {
		case "systems":
			next.Systems = prev.Systems
		case "environments":
			next.Environments = prev.Environments
		case "software":
			next.Software = prev.Software
		}
	}
	e.catalog.Store(&next)

	envs := len(next.Environments)
	for k, i := range e.selection {
		if envs > 0 && (i < 0 || i >= envs) {
			e.selection[k] = 0
		} else if envs == 0 {
			e.selection[k] = -1
		}
	}
}

// SelectEnvironment picks the recovery environment used by kind.
func (e *Engine) SelectEnvironment(kind Kind, index int) error {
	if index < 0 || index >= len(e.Catalog().Environments) {
		return errors.Invalid("environment", fmt.Sprintf("no environment %d", index))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.selection[kind]; !ok {
		return errors.Invalid("kind", fmt.Sprintf("%s does not use an environment", kind))
	}
	e.selection[kind] = index
	return nil
}

// Environment returns the environment selected for kind.
func (e *Engine) Environment(kind Kind) (catalog.Environment, bool) {
	e.mu.Lock()
	i, ok := e.selection[kind]
	e.mu.Unlock()
	envs := e.Catalog().Environments
	if !ok || i < 0 || i >= len(envs) {
		return catalog.Environment{}, false
	}
	return envs[i], true
}

func (e *Engine) withEnvironment(req OperationRequest) OperationRequest {
	if req.EnvironmentImage != "" || req.EnvironmentURL != "" {
		return req
	}
	if env, ok := e.Environment(req.Kind); ok {
		req.EnvironmentURL = env.URL
		if env.Filename != "" {
			req.EnvironmentImage = filepath.Join(e.cfg.DownloadDir, env.Filename)
		}
	}
	return req
}

// Install submits an install, filling in the selected environment.
func (e *Engine) Install(ctx context.Context, req OperationRequest) (OperationRequest, error) {
	req.Kind = KindInstall
	return e.Imaging.Submit(ctx, e.withEnvironment(req))
}

// Backup submits a backup, filling in the selected environment.
func (e *Engine) Backup(ctx context.Context, req OperationRequest) (OperationRequest, error) {
	req.Kind = KindBackup
	return e.Imaging.Submit(ctx, e.withEnvironment(req))
}

// Download starts a plain download; dest defaults to the download directory.
func (e *Engine) Download(ctx context.Context, url, dest string, then *Continuation) (Handle, error) {
	if dest == "" {
		dest = filepath.Join(e.cfg.DownloadDir, catalog.FilenameFromURL(url, "download.bin"))
	}
	return e.Downloads.StartDownload(ctx, url, dest, then)
}

// DownloadAndRun fetches a software entry and starts it once downloaded.
func (e *Engine) DownloadAndRun(ctx context.Context, sw catalog.Software, arch string, legacyNT5 bool, args ...string) (Handle, error) {
	url := sw.DownloadURLFor(arch, legacyNT5)
	name := sw.Filename
	if name == "" {
		name = catalog.FilenameFromURL(url, sw.Name+".exe")
	}
	dest := filepath.Join(e.cfg.DownloadDir, name)
	return e.Downloads.StartDownload(ctx, url, dest, &Continuation{Action: ThenRun, Args: args})
}

// RequestIcon starts a background icon fetch.
func (e *Engine) RequestIcon(url string) bool {
	return e.icons.Request(url)
}

// Icon returns a fetched icon.
func (e *Engine) Icon(url string) (catalog.Icon, bool) {
	return e.icons.Get(url)
}

// Ack returns a terminal kind to Idle.
func (e *Engine) Ack(kind Kind) bool {
	switch kind {
	case KindDownload:
		return e.Downloads.Ack()
	case KindRemoteConfig:
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.remote.Terminal() {
			return false
		}
		e.remote = State{}
		return true
	default:
		return e.Imaging.Ack(kind)
	}
}

// Busy reports whether a disruptive operation is running.
func (e *Engine) Busy() bool {
	return e.registry.Busy()
}

// Tick drains every channel once, fires continuations, and reports the
// delay before the next tick. It never blocks.
func (e *Engine) Tick() TickResult {
	res := TickResult{States: make(map[Kind]State, len(Kinds))}

	dl, finished := e.Downloads.Poll()
	if finished != nil {
		e.onDownloadFinished(finished)
	}
	res.States[KindDownload] = dl

	for k, st := range e.Imaging.Poll() {
		res.States[k] = st
	}
	// A continuation may have started a new download this tick.
	res.States[KindDownload] = e.registry.State(KindDownload)

	if rc, ok := e.loader.Poll(); ok {
		e.applyRemote(rc)
		res.CatalogLoaded = true
	}
	e.icons.Poll()

	e.mu.Lock()
	res.States[KindRemoteConfig] = e.remote
	e.mu.Unlock()

	if p, ok := e.Imaging.Pending(); ok {
		res.Pending = &p
	}
	res.Inspection = e.Imaging.Inspection()

	res.Busy = e.registry.Busy()
	running := len(e.registry.Running()) > 0
	res.Background = e.loader.Loading() || e.icons.InFlight() > 0 || e.Imaging.Inspecting()
	res.NextTick = RefreshCadence(running, res.Background, e.cfg.TickInterval)
	return res
}

func (e *Engine) onDownloadFinished(f *DownloadFinished) {
	if !f.OK {
		e.Imaging.DownloadFailed(f)
		return
	}
	if f.Then == nil {
		return
	}

	switch f.Then.Action {
	case ThenInstall, ThenBackup:
		if _, err := e.Imaging.Resume(e.ctx, f.Then, f.Dest); err != nil {
			log.Error("continuation_failed", "operation_id", f.Then.Request.ID, "error", err)
		}
	case ThenRun:
		if err := e.launcher(f.Dest, f.Then.Args); err != nil {
			log.Error("launch_failed", "path", f.Dest, "error", err)
		} else {
			log.Info("launched", "path", f.Dest)
		}
	}
}

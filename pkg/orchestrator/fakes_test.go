package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/catalog"
	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/download"
	"github.com/letrecovery/recoverykit/pkg/fsm"
	"github.com/letrecovery/recoverykit/pkg/imaging"
	"github.com/letrecovery/recoverykit/pkg/metrics"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

// fakeTransport scripts one outcome per attempt. Attempts past the script
// complete and write the destination file.
type fakeTransport struct {
	mu        sync.Mutex
	startErr  error
	outcomes  []download.Status
	hold      chan struct{}
	dests     map[string]string
	attempts  map[string]int
	cancelled map[string]bool
	starts    int
}

func newFakeTransport(outcomes ...download.Status) *fakeTransport {
	return &fakeTransport{
		outcomes:  outcomes,
		dests:     make(map[string]string),
		attempts:  make(map[string]int),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeTransport) Start(_ context.Context, _, dest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	gid := fmt.Sprintf("g%d", f.starts)
	f.attempts[gid] = f.starts
	f.dests[gid] = dest
	f.starts++
	return gid, nil
}

func (f *fakeTransport) Poll(gid string) (download.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled[gid] {
		return download.Status{GID: gid, State: download.StateRemoved}, nil
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		default:
			return download.Status{GID: gid, State: download.StateActive, Percent: 40, Speed: 1024}, nil
		}
	}
	if n := f.attempts[gid]; n < len(f.outcomes) {
		st := f.outcomes[n]
		st.GID = gid
		return st, nil
	}
	if err := os.WriteFile(f.dests[gid], []byte("payload"), 0644); err != nil {
		return download.Status{}, err
	}
	return download.Status{GID: gid, State: download.StateComplete, Percent: 100, Completed: 7, Total: 7}, nil
}

func (f *fakeTransport) Cancel(gid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[gid] = true
	return nil
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeImaging struct {
	mu        sync.Mutex
	calls     []string
	volumes   []imaging.Volume
	applyErr  error
	exportErr error
	block     chan struct{}
	applied   []imaging.ApplyOptions
	captured  []imaging.CaptureOptions
	exported  []imaging.DriverScope
}

func (f *fakeImaging) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeImaging) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeImaging) Inspect(context.Context, string) ([]imaging.Volume, error) {
	f.record("inspect")
	return f.volumes, nil
}

func (f *fakeImaging) Apply(ctx context.Context, opts imaging.ApplyOptions, report progress.Reporter) error {
	f.record("apply")
	f.mu.Lock()
	f.applied = append(f.applied, opts)
	f.mu.Unlock()
	report(50)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.applyErr
}

func (f *fakeImaging) Capture(_ context.Context, opts imaging.CaptureOptions, report progress.Reporter) error {
	f.record("capture")
	f.mu.Lock()
	f.captured = append(f.captured, opts)
	f.mu.Unlock()
	report(30)
	return nil
}

func (f *fakeImaging) ExportDrivers(_ context.Context, scope imaging.DriverScope, _ string) error {
	f.record("export-drivers")
	f.mu.Lock()
	f.exported = append(f.exported, scope)
	f.mu.Unlock()
	return f.exportErr
}

func (f *fakeImaging) AddDrivers(context.Context, string, string) error {
	f.record("add-drivers")
	return nil
}

func (f *fakeImaging) ApplyUnattend(context.Context, string, string) error {
	f.record("unattend")
	return nil
}

func (f *fakeImaging) Format(context.Context, string, string) error {
	f.record("format")
	return nil
}

type fakeBoot struct {
	mu      sync.Mutex
	repairs []string
	reboots []time.Duration
}

func (f *fakeBoot) DetectFirmware(context.Context) (bootcfg.Firmware, error) {
	return bootcfg.FirmwareUEFI, nil
}

func (f *fakeBoot) RepairBoot(_ context.Context, partition string, _ bootcfg.Firmware) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs = append(f.repairs, partition)
	return nil
}

func (f *fakeBoot) AddRecoveryEntry(context.Context, bootcfg.RecoveryEntry) (string, error) {
	return "{entry}", nil
}

func (f *fakeBoot) BootOnce(context.Context, string) error { return nil }

func (f *fakeBoot) Reboot(_ context.Context, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reboots = append(f.reboots, delay)
	return nil
}

func (f *fakeBoot) Shutdown(context.Context, time.Duration) error { return nil }

type fakeHandoff struct {
	mu   sync.Mutex
	reqs []fsm.HandoffRequest
	err  error
}

func (f *fakeHandoff) Run(_ context.Context, req fsm.HandoffRequest, onProgress fsm.ProgressFunc) (*fsm.HandoffResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	onProgress("Staging environment", 50, 40)
	if f.err != nil {
		return nil, f.err
	}
	return &fsm.HandoffResponse{BootEntryID: "{entry}", Status: fsm.StatusComplete}, nil
}

type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	body, ok := f[url]
	if !ok {
		return "", fmt.Errorf("no route to %s", url)
	}
	return body, nil
}

type harness struct {
	engine    *Engine
	fetcher   fakeFetcher
	transport *fakeTransport
	imaging   *fakeImaging
	boot      *fakeBoot
	handoff   *fakeHandoff
	metrics   *metrics.Metrics
	dir       string
	launched  chan string
}

func testPartitions(inRecovery bool) *disk.Snapshot {
	return disk.NewSnapshot([]disk.Partition{
		{Letter: "C:", Label: "System", TotalSizeMB: 100000, HasWindows: true, IsSystemPartition: !inRecovery},
		{Letter: "D:", Label: "Data", TotalSizeMB: 200000, HasWindows: true},
		{Letter: "E:", Label: "Empty", TotalSizeMB: 50000},
	}, inRecovery)
}

func newHarness(t *testing.T, outcomes ...download.Status) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		transport: newFakeTransport(outcomes...),
		imaging:   &fakeImaging{volumes: []imaging.Volume{{Index: 1, Name: "Pro"}}},
		boot:      &fakeBoot{},
		handoff:   &fakeHandoff{},
		metrics:   metrics.New(),
		dir:       dir,
		launched:  make(chan string, 4),
		fetcher: fakeFetcher{
			"sys": "http://x/win11.iso,Windows 11,true\n",
			"pe":  "http://x/pe/boot.wim,WinPE\n",
		},
	}
	h.engine = NewEngine(context.Background(), EngineConfig{
		DataDir:              dir,
		StagingDir:           dir + "/staging",
		TickInterval:         ActiveTickInterval,
		Sources:              catalog.Sources{SystemsURL: "sys", EnvironmentsURL: "pe"},
		Retry:                RetryPolicy{MaxRetries: 2, Initial: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		DownloadPollInterval: time.Millisecond,
	}, Deps{
		Transport: h.transport,
		Imaging:   h.imaging,
		Boot:      h.boot,
		Handoff:   h.handoff,
		Metrics:   h.metrics,
		Fetcher:   h.fetcher,
		Launcher: func(path string, _ []string) error {
			h.launched <- path
			return nil
		},
	})
	h.engine.SetPartitions(testPartitions(false))
	t.Cleanup(h.engine.Close)
	return h
}

// tickUntil drives the engine from the test goroutine until cond holds.
func (h *harness) tickUntil(t *testing.T, cond func(TickResult) bool) TickResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res := h.engine.Tick()
		if cond(res) {
			return res
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
	return TickResult{}
}

func terminal(kind Kind) func(TickResult) bool {
	return func(r TickResult) bool { return r.States[kind].Terminal() }
}

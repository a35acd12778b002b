package fsm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/security"
)

type fakeBoot struct {
	entries  []bootcfg.RecoveryEntry
	bootOnce []string
	addErr   error
	reboots  int
}

func (f *fakeBoot) DetectFirmware(context.Context) (bootcfg.Firmware, error) {
	return bootcfg.FirmwareUEFI, nil
}

func (f *fakeBoot) RepairBoot(context.Context, string, bootcfg.Firmware) error { return nil }

func (f *fakeBoot) AddRecoveryEntry(_ context.Context, e bootcfg.RecoveryEntry) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.entries = append(f.entries, e)
	return "{00000000-0000-0000-0000-000000000001}", nil
}

func (f *fakeBoot) BootOnce(_ context.Context, id string) error {
	f.bootOnce = append(f.bootOnce, id)
	return nil
}

func (f *fakeBoot) Reboot(context.Context, time.Duration) error {
	f.reboots++
	return nil
}

func (f *fakeBoot) Shutdown(context.Context, time.Duration) error { return nil }

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Repeat("w", size)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStageCopiesImage(t *testing.T) {
	src := t.TempDir()
	staging := filepath.Join(t.TempDir(), "LetRecovery")
	writeFile(t, filepath.Join(src, "pe.wim"), 9000)
	writeFile(t, filepath.Join(src, "boot.sdi"), 100)

	m := NewMachine(&fakeBoot{}, nil, 3)
	var last, lastOverall float64
	m.track("op1", func(step string, pct, overall float64) {
		if pct < last {
			t.Errorf("step progress went backwards: %v -> %v", last, pct)
		}
		last, lastOverall = pct, overall
	})

	resp := &HandoffResponse{}
	err := m.stage(context.Background(), &HandoffRequest{
		OperationID:      "op1",
		EnvironmentImage: filepath.Join(src, "pe.wim"),
		SDIPath:          filepath.Join(src, "boot.sdi"),
		StagingDir:       staging,
	}, resp)
	if err != nil {
		t.Fatal(err)
	}

	if resp.StagedBytes != 9000 {
		t.Errorf("staged %d bytes", resp.StagedBytes)
	}
	if resp.StagedSDI != filepath.Join(staging, "boot.sdi") {
		t.Errorf("sdi = %s", resp.StagedSDI)
	}
	if last != 100 || lastOverall != overallRequest {
		t.Errorf("final progress = %v / %v", last, lastOverall)
	}
	if resp.Status != StatusStaged {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestStageValidation(t *testing.T) {
	m := NewMachine(nil, nil, 3)

	err := m.stage(context.Background(), &HandoffRequest{StagingDir: t.TempDir()}, &HandoffResponse{})
	if !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStageOutsideRoot(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "pe.wim"), 10)

	m := NewMachine(nil, security.NewValidator(0, t.TempDir()), 3)
	err := m.stage(context.Background(), &HandoffRequest{
		EnvironmentImage: filepath.Join(src, "pe.wim"),
		StagingDir:       t.TempDir(),
	}, &HandoffResponse{})
	if err == nil {
		t.Fatal("expected staging outside the allowed root to fail")
	}
}

func TestWriteRequest(t *testing.T) {
	staging := t.TempDir()
	m := NewMachine(nil, nil, 3)

	op := json.RawMessage(`{"target":"C:","source":"D:\\win.iso"}`)
	resp := &HandoffResponse{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := m.writeRequest(&HandoffRequest{OperationID: "op2", Kind: "install", StagingDir: staging, Operation: op}, resp, now); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(staging, RequestFileName))
	if err != nil {
		t.Fatal(err)
	}
	var f HandoffFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.OperationID != "op2" || f.Kind != "install" || f.CreatedAt != "2024-05-01T12:00:00Z" {
		t.Errorf("unexpected request file: %+v", f)
	}
	if !strings.Contains(string(f.Operation), `"target":"C:"`) {
		t.Errorf("operation not carried: %s", f.Operation)
	}
	if _, err := os.Stat(resp.RequestFile + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestConfigureBoot(t *testing.T) {
	boot := &fakeBoot{}
	m := NewMachine(boot, nil, 3)

	resp := &HandoffResponse{StagedImage: `C:\LetRecovery\pe.wim`, StagedSDI: `C:\LetRecovery\boot.sdi`}
	if err := m.configureBoot(context.Background(), &HandoffRequest{OperationID: "op3", UEFI: true}, resp); err != nil {
		t.Fatal(err)
	}
	if len(boot.entries) != 1 || !boot.entries[0].UEFI || boot.entries[0].ImagePath != resp.StagedImage {
		t.Errorf("unexpected entries: %+v", boot.entries)
	}
	if len(boot.bootOnce) != 1 || boot.bootOnce[0] != resp.BootEntryID {
		t.Errorf("boot once not armed: %v", boot.bootOnce)
	}

	// A resumed run reuses the entry.
	if err := m.configureBoot(context.Background(), &HandoffRequest{OperationID: "op3"}, resp); err != nil {
		t.Fatal(err)
	}
	if len(boot.entries) != 1 {
		t.Errorf("entry created twice")
	}
}

func TestConfigureBootFailure(t *testing.T) {
	boom := stderrors.New("The boot configuration data store could not be opened.")
	m := NewMachine(&fakeBoot{addErr: boom}, nil, 3)

	err := m.configureBoot(context.Background(), &HandoffRequest{}, &HandoffResponse{})
	if !stderrors.Is(err, boom) {
		t.Errorf("expected the underlying error verbatim, got %v", err)
	}

	m = NewMachine(nil, nil, 3)
	if err := m.configureBoot(context.Background(), &HandoffRequest{}, &HandoffResponse{}); !stderrors.Is(err, errors.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func TestCopyFileSkipsMatchingDestination(t *testing.T) {
	dir := t.TempDir()
	src, dst := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	writeFile(t, src, 64)
	if err := os.WriteFile(dst, []byte(strings.Repeat("z", 64)), 0644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	n, err := copyFile(context.Background(), src, dst, nil)
	if err != nil || n != 64 {
		t.Fatalf("copyFile = %d, %v", n, err)
	}
	data, _ := os.ReadFile(dst)
	if data[0] != 'z' {
		t.Error("matching destination was rewritten")
	}
}

func TestCopyFileReplacesSameSizeImage(t *testing.T) {
	dir := t.TempDir()
	src, dst := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	writeFile(t, src, 64)
	if err := os.WriteFile(dst, []byte(strings.Repeat("z", 64)), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(dst, old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := copyFile(context.Background(), src, dst, nil); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if data[0] == 'z' {
		t.Error("stale image of the same size was kept")
	}

	// The fresh copy is now recognised as current.
	srcInfo, _ := os.Stat(src)
	dstInfo, _ := os.Stat(dst)
	if !sameFile(srcInfo, dstInfo) {
		t.Error("copy did not carry the source modification time")
	}
}

func TestCopyFileCancelled(t *testing.T) {
	dir := t.TempDir()
	src, dst := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	writeFile(t, src, 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := copyFile(ctx, src, dst, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial destination left behind")
	}
}

func TestUntrackReturnsRecordedResponse(t *testing.T) {
	m := NewMachine(nil, nil, 3)
	m.track("op", nil)
	m.record("op", &HandoffResponse{BootEntryID: "{x}"})

	if got := m.untrack("op"); got.BootEntryID != "{x}" {
		t.Errorf("got %+v", got)
	}
	if got := m.untrack("op"); got.BootEntryID != "" {
		t.Errorf("second untrack should be empty, got %+v", got)
	}
}

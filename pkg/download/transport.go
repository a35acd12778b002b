// Package download is the download transport: it runs transfers in the
// background and answers status queries by task id (GID).
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/security"
)

var log = logging.L("download")

// State of one transfer as seen by the transport.
type State int

const (
	StateActive State = iota
	StateComplete
	StateError
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status answers a poll.
type Status struct {
	GID       string
	State     State
	Percent   float64
	Speed     int64 // bytes per second, averaged over the transfer
	Completed int64
	Total     int64
	SHA256    string
	Err       string
	// Permanent marks an error that retrying the same URL cannot fix.
	Permanent bool
}

// Transport is the contract the download orchestrator drives.
type Transport interface {
	Start(ctx context.Context, rawURL, dest string) (string, error)
	Poll(gid string) (Status, error)
	Cancel(gid string) error
}

// Source streams the body at rawURL into w. onSize is called once the total
// length is known (or with 0 when it never is).
type Source func(ctx context.Context, rawURL string, w io.Writer, onSize func(int64)) error

// permanentError wraps a source failure that a retry would only repeat.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type transfer struct {
	gid     string
	url     string
	dest    string
	cancel  context.CancelFunc
	started time.Time

	done  atomic.Int64
	total atomic.Int64

	mu        sync.Mutex
	state     State
	sha256    string
	err       string
	permanent bool
}

func (t *transfer) Write(p []byte) (int, error) {
	t.done.Add(int64(len(p)))
	return len(p), nil
}

func (t *transfer) finish(state State, sha, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}
	t.state, t.sha256, t.err = state, sha, msg
}

func (t *transfer) fail(msg string, permanent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}
	t.state, t.err, t.permanent = StateError, msg, permanent
}

// Manager is the in-process transport. The transfer table is shared between
// the orchestrator's callers and worker goroutines and is guarded by mu.
type Manager struct {
	validator *security.Validator

	mu        sync.Mutex
	sources   map[string]Source
	transfers map[string]*transfer
}

// NewManager creates a transport. validator may be nil.
func NewManager(validator *security.Validator) *Manager {
	return &Manager{
		validator: validator,
		sources:   make(map[string]Source),
		transfers: make(map[string]*transfer),
	}
}

// Register routes URLs with the given scheme to src.
func (m *Manager) Register(scheme string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[strings.ToLower(scheme)] = src
}

// Start validates dest, allocates a GID and begins the transfer in the
// background. The transfer outlives ctx's cancellation; use Cancel.
func (m *Manager) Start(ctx context.Context, rawURL, dest string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid download url")
	}

	m.mu.Lock()
	src, ok := m.sources[strings.ToLower(u.Scheme)]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no download source for scheme %q", u.Scheme)
	}

	if m.validator != nil {
		if dest, err = m.validator.ValidateDestination(dest); err != nil {
			return "", err
		}
		if err := m.validator.Reserve(dest, 0); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		m.release(dest)
		return "", errors.Wrap(err, "failed to create download directory")
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &transfer{
		gid:     uuid.NewString(),
		url:     rawURL,
		dest:    dest,
		cancel:  cancel,
		started: time.Now(),
	}

	m.mu.Lock()
	m.transfers[t.gid] = t
	m.mu.Unlock()

	log.Info("transfer_started", "gid", t.gid, "url", rawURL, "dest", dest)
	go m.run(tctx, t, src)
	return t.gid, nil
}

func (m *Manager) release(dest string) {
	if m.validator != nil {
		m.validator.Release(dest)
	}
}

func (m *Manager) run(ctx context.Context, t *transfer, src Source) {
	defer t.cancel()
	defer m.release(t.dest)
	defer func() {
		if r := recover(); r != nil {
			t.finish(StateError, "", fmt.Sprintf("transfer panic: %v", r))
		}
	}()

	part := t.dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		t.finish(StateError, "", errors.Wrap(err, "failed to create file").Error())
		return
	}

	hash := sha256.New()
	onSize := func(n int64) {
		if m.validator != nil {
			if err := m.validator.ValidateFileSize(n); err != nil {
				t.fail(err.Error(), true)
				t.cancel()
				return
			}
		}
		t.total.Store(n)
	}
	err = src(ctx, t.url, io.MultiWriter(f, hash, t), onSize)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			t.finish(StateRemoved, "", errors.ErrCancelled.Error())
			log.Info("transfer_cancelled", "gid", t.gid)
			return
		}
		log.Warn("transfer_failed", "gid", t.gid, "error", err, "permanent", IsPermanent(err))
		t.fail(err.Error(), IsPermanent(err))
		return
	}

	if err := os.Rename(part, t.dest); err != nil {
		os.Remove(part)
		t.finish(StateError, "", errors.Wrap(err, "failed to move download into place").Error())
		return
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	t.finish(StateComplete, sum, "")
	log.Info("transfer_complete", "gid", t.gid, "size_mb", t.done.Load()/1024/1024)
}

// Poll reports a transfer's progress.
func (m *Manager) Poll(gid string) (Status, error) {
	m.mu.Lock()
	t, ok := m.transfers[gid]
	m.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown download task %s", gid)
	}

	done, total := t.done.Load(), t.total.Load()
	st := Status{GID: gid, Completed: done, Total: total}

	t.mu.Lock()
	st.State, st.SHA256, st.Err, st.Permanent = t.state, t.sha256, t.err, t.permanent
	t.mu.Unlock()

	if total > 0 {
		st.Percent = float64(done) * 100 / float64(total)
		if st.Percent > 100 {
			st.Percent = 100
		}
	}
	if st.State == StateComplete {
		st.Percent = 100
	}
	if elapsed := time.Since(t.started).Seconds(); elapsed > 0 && st.State == StateActive {
		st.Speed = int64(float64(done) / elapsed)
	}
	return st, nil
}

// Cancel aborts a transfer. Cancelling a finished transfer is a no-op.
func (m *Manager) Cancel(gid string) error {
	m.mu.Lock()
	t, ok := m.transfers[gid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown download task %s", gid)
	}
	log.Info("transfer_cancel_requested", "gid", gid)
	t.cancel()
	return nil
}

// Forget drops a finished transfer from the table.
func (m *Manager) Forget(gid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transfers[gid]; ok {
		t.mu.Lock()
		active := t.state == StateActive
		t.mu.Unlock()
		if !active {
			delete(m.transfers, gid)
		}
	}
}

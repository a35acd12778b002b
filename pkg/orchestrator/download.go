package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/letrecovery/recoverykit/pkg/db"
	"github.com/letrecovery/recoverykit/pkg/download"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/metrics"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

// Retry defaults for the download leg.
const (
	DefaultDownloadRetries      = 3
	DefaultRetryInitial         = 2 * time.Second
	DefaultRetryMaxInterval     = 30 * time.Second
	DefaultDownloadPollInterval = 500 * time.Millisecond
)

// RetryPolicy bounds automatic restarts of a failed transfer.
type RetryPolicy struct {
	MaxRetries  int
	Initial     time.Duration
	MaxInterval time.Duration
}

// DefaultRetryPolicy is 3 retries, 2s doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  DefaultDownloadRetries,
		Initial:     DefaultRetryInitial,
		MaxInterval: DefaultRetryMaxInterval,
	}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Handle identifies a started download. GID is the transport's id for the
// first attempt; retries get new ones, which Cancel tracks internally.
type Handle struct {
	ID  string
	GID string
}

// DownloadFinished is reported exactly once per download, on the tick that
// observes its terminal state. Then is only set on success.
type DownloadFinished struct {
	Handle  Handle
	URL     string
	Dest    string
	OK      bool
	Message string
	Then    *Continuation
}

type activeDownload struct {
	handle Handle
	url    string
	dest   string
	then   *Continuation
	cancel context.CancelFunc

	mu  sync.Mutex
	gid string
}

func (a *activeDownload) currentGID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gid
}

func (a *activeDownload) setGID(gid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gid = gid
}

// DownloadOrchestrator runs one download at a time through a Transport.
type DownloadOrchestrator struct {
	transport    download.Transport
	registry     *Registry
	ledger       Ledger
	metrics      *metrics.Metrics
	retry        RetryPolicy
	pollInterval time.Duration

	mu     sync.Mutex
	active *activeDownload
	// cancelled is reported by the next Poll.
	cancelled *DownloadFinished
}

// DownloadConfig tunes a DownloadOrchestrator. Zero values pick defaults.
type DownloadConfig struct {
	Retry        RetryPolicy
	PollInterval time.Duration
	Ledger       Ledger
	Metrics      *metrics.Metrics
}

func NewDownloadOrchestrator(t download.Transport, r *Registry, cfg DownloadConfig) *DownloadOrchestrator {
	if cfg.Retry.Initial <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultDownloadPollInterval
	}
	return &DownloadOrchestrator{
		transport:    t,
		registry:     r,
		ledger:       cfg.Ledger,
		metrics:      cfg.Metrics,
		retry:        cfg.Retry,
		pollInterval: cfg.PollInterval,
	}
}

// StartDownload fails with ErrAlreadyRunning while any disruptive operation
// runs. Otherwise the transfer is handed to the transport and a worker
// follows it; then, if non-nil, is fired once when the download completes.
func (d *DownloadOrchestrator) StartDownload(ctx context.Context, url, dest string, then *Continuation) (Handle, error) {
	if strings.TrimSpace(url) == "" {
		return Handle{}, errors.Invalid("url", "no download url")
	}
	if strings.TrimSpace(dest) == "" {
		return Handle{}, errors.Invalid("destination", "no destination path")
	}

	id := uuid.NewString()
	send, err := d.registry.Begin(KindDownload, id)
	if err != nil {
		log.Warn("download_rejected", "url", url, "error", err)
		return Handle{}, err
	}

	gid, err := d.transport.Start(ctx, url, dest)
	if err != nil {
		d.registry.Discard(KindDownload, id)
		log.Error("download_start_failed", "url", url, "dest", dest, "error", err)
		return Handle{}, errors.Wrap(err, "failed to start download")
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &activeDownload{
		handle: Handle{ID: id, GID: gid},
		url:    url,
		dest:   dest,
		then:   then,
		cancel: cancel,
		gid:    gid,
	}
	d.mu.Lock()
	d.active = a
	d.mu.Unlock()

	d.ledgerBegin(ctx, a, gid)
	log.Info("download_started", "operation_id", id, "gid", gid, "url", url, "dest", dest, "then", thenName(then))

	go d.work(wctx, a, send)
	return a.handle, nil
}

func thenName(c *Continuation) string {
	if c == nil {
		return ThenNone.String()
	}
	return c.Action.String()
}

func (d *DownloadOrchestrator) ledgerBegin(ctx context.Context, a *activeDownload, gid string) {
	if d.ledger == nil {
		return
	}
	if _, err := d.ledger.BeginDownload(ctx, a.url, a.dest, gid); err != nil {
		log.Warn("ledger_begin_failed", "dest", a.dest, "error", err)
	}
}

func (d *DownloadOrchestrator) ledgerFinish(a *activeDownload, status string, st download.Status, msg string) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.FinishDownload(a.dest, status, st.SHA256, st.Completed, msg); err != nil {
		log.Warn("ledger_finish_failed", "dest", a.dest, "error", err)
	}
}

func (d *DownloadOrchestrator) work(ctx context.Context, a *activeDownload, send *progress.Sender) {
	defer a.cancel()
	defer send.Guard()

	var last download.Status
	best := 0.0
	attempt := 0

	op := func() error {
		if attempt > 0 {
			gid, err := d.transport.Start(ctx, a.url, a.dest)
			if err != nil {
				return err
			}
			a.setGID(gid)
			d.ledgerBegin(ctx, a, gid)
		}
		attempt++

		st, err := d.follow(ctx, a.currentGID(), func(st download.Status) {
			if st.Percent >= best {
				best = st.Percent
				send.Send(progress.OverallRate(st.Percent, st.Speed))
			}
		})
		last = st
		return err
	}

	notify := func(err error, wait time.Duration) {
		d.metrics.Retry()
		log.Warn("download_retrying", "operation_id", a.handle.ID, "attempt", attempt, "error", err, "wait", wait)
		send.Step(fmt.Sprintf("Retrying (%d/%d)", attempt, d.retry.MaxRetries), 0)
	}

	err := backoff.RetryNotify(op, d.retry.newBackOff(ctx), notify)
	switch {
	case err == nil:
		d.ledgerFinish(a, db.StatusReady, last, "")
		log.Info("download_complete", "operation_id", a.handle.ID, "dest", a.dest, "size_mb", last.Completed/1024/1024)
		send.Send(progress.Completed())
	case ctx.Err() != nil || errors.Is(err, errors.ErrCancelled):
		d.ledgerFinish(a, db.StatusCancelled, last, errors.ErrCancelled.Error())
		send.Send(progress.Failed(errors.ErrCancelled.Error()))
	default:
		d.ledgerFinish(a, db.StatusFailed, last, err.Error())
		log.Error("download_failed", "operation_id", a.handle.ID, "attempts", attempt, "error", err)
		send.Send(progress.Failed(err.Error()))
	}
}

// follow polls the transport until gid finishes. A transfer error is
// retried unless the transport marked it permanent. Poll errors, removed
// transfers and a cancelled context end the retry loop.
func (d *DownloadOrchestrator) follow(ctx context.Context, gid string, onProgress func(download.Status)) (download.Status, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		st, err := d.transport.Poll(gid)
		if err != nil {
			return st, backoff.Permanent(err)
		}
		switch st.State {
		case download.StateComplete:
			onProgress(st)
			return st, nil
		case download.StateError:
			if st.Permanent {
				return st, backoff.Permanent(fmt.Errorf("%s", st.Err))
			}
			return st, fmt.Errorf("%s", st.Err)
		case download.StateRemoved:
			return st, backoff.Permanent(errors.ErrCancelled)
		default:
			onProgress(st)
		}

		select {
		case <-ctx.Done():
			return st, backoff.Permanent(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cancel asks the transport to abort and moves the download to
// Failed{"cancelled"} immediately. The continuation is discarded.
func (d *DownloadOrchestrator) Cancel(h Handle) error {
	d.mu.Lock()
	a := d.active
	d.mu.Unlock()
	if a == nil || a.handle.ID != h.ID {
		return fmt.Errorf("download %s is not active", h.ID)
	}

	if !d.registry.Fail(KindDownload, h.ID, errors.ErrCancelled.Error()) {
		return fmt.Errorf("download %s is not running", h.ID)
	}
	a.cancel()
	if err := d.transport.Cancel(a.currentGID()); err != nil {
		log.Warn("download_cancel_not_acknowledged", "operation_id", h.ID, "gid", a.currentGID(), "error", err)
	}

	d.mu.Lock()
	if d.active == a {
		d.active = nil
	}
	d.cancelled = &DownloadFinished{Handle: a.handle, URL: a.url, Dest: a.dest, Message: errors.ErrCancelled.Error()}
	d.mu.Unlock()
	if a.then != nil {
		log.Info("continuation_cleared", "operation_id", h.ID, "then", a.then.Action.String())
	}
	log.Info("download_cancelled", "operation_id", h.ID)
	return nil
}

// Active returns the running download's handle.
func (d *DownloadOrchestrator) Active() (Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return Handle{}, false
	}
	return d.active.handle, true
}

// Poll drains the download channel. The second result is non-nil exactly
// once per download, when its terminal state is first observed.
func (d *DownloadOrchestrator) Poll() (State, *DownloadFinished) {
	st, finished := d.registry.Poll(KindDownload)
	if !finished {
		d.mu.Lock()
		f := d.cancelled
		d.cancelled = nil
		d.mu.Unlock()
		return st, f
	}

	d.mu.Lock()
	a := d.active
	if a != nil && a.handle.ID == st.OperationID {
		d.active = nil
	} else {
		a = nil
	}
	d.mu.Unlock()
	if a == nil {
		return st, nil
	}

	f := &DownloadFinished{
		Handle:  a.handle,
		URL:     a.url,
		Dest:    a.dest,
		OK:      st.Phase == PhaseCompleted,
		Message: st.Message,
	}
	if f.OK {
		f.Then = a.then
	} else if a.then != nil {
		log.Info("continuation_cleared", "operation_id", a.handle.ID, "then", a.then.Action.String())
	}
	a.then = nil
	return st, f
}

// Ack returns a terminal download to Idle.
func (d *DownloadOrchestrator) Ack() bool {
	return d.registry.Ack(KindDownload)
}

package orchestrator

import (
	"sync"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/metrics"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

type task struct {
	id      string
	recv    *progress.Receiver
	tracker *progress.Tracker
	state   State
}

// Registry is the task table keyed by kind. Each entry holds the receiving
// half of the worker's channel plus the last observed state. Begin checks the
// busy gate and claims the slot under one lock, so two concurrent starts can
// never both spawn workers.
type Registry struct {
	metrics *metrics.Metrics
	buffer  int

	mu    sync.Mutex
	tasks map[Kind]*task
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics: m,
		buffer:  progress.DefaultBuffer,
		tasks:   make(map[Kind]*task),
	}
}

func (r *Registry) busyLocked() bool {
	for k, t := range r.tasks {
		if k.Disruptive() && t.state.Running() {
			return true
		}
	}
	return false
}

// Begin claims kind for a new operation and returns the worker's sender.
// It fails with ErrAlreadyRunning when the kind is running, or when kind is
// disruptive and any disruptive kind is running. A previous terminal state
// for kind is replaced and its channel dropped.
func (r *Registry) Begin(kind Kind, id string) (*progress.Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tasks[kind]; ok && prev.state.Running() {
		return nil, errors.ErrAlreadyRunning
	}
	if kind.Disruptive() && r.busyLocked() {
		return nil, errors.ErrAlreadyRunning
	}

	if prev, ok := r.tasks[kind]; ok && prev.recv != nil {
		prev.recv.Drop()
	}

	send, recv := progress.New(r.buffer)
	tracker := progress.NewTracker(string(kind) + "/" + id)
	tracker.OnViolation(func(string) { r.metrics.Violation(string(kind)) })

	r.tasks[kind] = &task{
		id:      id,
		recv:    recv,
		tracker: tracker,
		state:   State{Phase: PhaseRunning, OperationID: id},
	}
	r.metrics.Started(string(kind))
	log.Info("operation_started", "kind", kind, "operation_id", id)
	return send, nil
}

// Discard undoes a Begin whose worker was never spawned.
func (r *Registry) Discard(kind Kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[kind]; ok && t.id == id {
		t.recv.Drop()
		delete(r.tasks, kind)
	}
}

// Reject records a terminal failure for a request that never got a worker.
// A running kind is left alone.
func (r *Registry) Reject(kind Kind, id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[kind]; ok {
		if t.state.Running() {
			return
		}
		if t.recv != nil {
			t.recv.Drop()
		}
	}
	r.tasks[kind] = &task{id: id, state: State{Phase: PhaseFailed, OperationID: id, Message: message}}
	r.metrics.Finished(string(kind), false)
}

// Fail moves a running operation straight to Failed{message} and drops its
// channel; whatever the worker reports afterwards is discarded.
func (r *Registry) Fail(kind Kind, id, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[kind]
	if !ok || t.id != id || !t.state.Running() {
		return false
	}
	t.recv.Drop()
	t.recv = nil
	t.state.Phase = PhaseFailed
	t.state.Message = message
	t.state.Progress.Rate = 0
	r.metrics.Finished(string(kind), false)
	log.Info("operation_failed", "kind", kind, "operation_id", id, "message", message)
	return true
}

// Poll drains kind's channel without blocking. finished is true only on the
// poll that first observes the terminal state.
func (r *Registry) Poll(kind Kind) (st State, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[kind]
	if !ok {
		return State{Phase: PhaseIdle}, false
	}
	if !t.state.Running() || t.recv == nil {
		return t.state, false
	}

	events, closed := t.recv.Poll()
	t.tracker.Feed(events, closed)
	t.state.Progress = t.tracker.Snapshot()

	if ev, done := t.tracker.Terminal(); done {
		t.recv.Drop()
		t.recv = nil
		succeeded := ev.Kind == progress.KindCompleted
		t.state.Phase = PhaseFailed
		if succeeded {
			t.state.Phase = PhaseCompleted
		}
		t.state.Message = ev.Message
		r.metrics.Finished(string(kind), succeeded)
		log.Info("operation_finished", "kind", kind, "operation_id", t.id, "phase", t.state.Phase.String(), "message", t.state.Message)
		return t.state, true
	}
	return t.state, false
}

// State returns kind's last observed state without draining.
func (r *Registry) State(kind Kind) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[kind]; ok {
		return t.state
	}
	return State{Phase: PhaseIdle}
}

// Ack returns a terminal kind to Idle. Running or idle kinds are unchanged.
func (r *Registry) Ack(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[kind]
	if !ok || !t.state.Terminal() {
		return false
	}
	delete(r.tasks, kind)
	return true
}

// Busy reports whether any disruptive kind is running.
func (r *Registry) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busyLocked()
}

// Running lists the kinds currently running.
func (r *Registry) Running() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Kind
	for _, k := range Kinds {
		if t, ok := r.tasks[k]; ok && t.state.Running() {
			out = append(out, k)
		}
	}
	return out
}

package progress

import (
	"log/slog"

	"github.com/letrecovery/recoverykit/internal/logging"
)

var log = logging.L("progress")

// Snapshot is the aggregated, display-ready view of one operation.
type Snapshot struct {
	Step        string
	StepPercent float64
	Overall     float64
	Rate        int64
}

// Tracker folds an operation's event stream into a Snapshot and its single
// terminal result. Progress never moves backwards: a decrease is logged as a
// protocol violation and clamped. Only the first terminal event counts.
type Tracker struct {
	label       string
	snap        Snapshot
	terminal    *Event
	violations  int
	onViolation func(reason string)
}

// NewTracker returns a tracker; label identifies the operation in logs.
func NewTracker(label string) *Tracker {
	return &Tracker{label: label}
}

// OnViolation registers a hook invoked for every protocol violation.
func (t *Tracker) OnViolation(fn func(reason string)) {
	t.onViolation = fn
}

// Feed applies a batch returned by Receiver.Poll. A closed stream without a
// terminal event becomes Failed{UnexpectedExit}.
func (t *Tracker) Feed(events []Event, closed bool) {
	for _, ev := range events {
		t.Apply(ev)
	}
	if closed && t.terminal == nil {
		log.Warn("progress_stream_closed_without_terminal", "operation", t.label)
		t.Apply(Failed(UnexpectedExit))
	}
}

// Apply folds a single event.
func (t *Tracker) Apply(ev Event) {
	if t.terminal != nil {
		if ev.Terminal() {
			t.violate("duplicate terminal event", slog.String("event", ev.Kind.String()), slog.String("kept", t.terminal.Kind.String()))
		} else {
			t.violate("event after terminal", slog.String("event", ev.Kind.String()))
		}
		return
	}

	switch ev.Kind {
	case KindStep:
		if ev.Name == t.snap.Step && ev.Percent < t.snap.StepPercent {
			t.violate("step progress decreased", slog.Float64("from", t.snap.StepPercent), slog.Float64("to", ev.Percent))
			return
		}
		t.snap.Step = ev.Name
		t.snap.StepPercent = ev.Percent
	case KindOverall:
		if ev.Percent < t.snap.Overall {
			t.violate("overall progress decreased", slog.Float64("from", t.snap.Overall), slog.Float64("to", ev.Percent))
			return
		}
		t.snap.Overall = ev.Percent
		t.snap.Rate = ev.Rate
	case KindCompleted:
		t.snap.StepPercent = 100
		t.snap.Overall = 100
		t.snap.Rate = 0
		e := ev
		t.terminal = &e
	case KindFailed:
		t.snap.Rate = 0
		e := ev
		t.terminal = &e
	}
}

func (t *Tracker) violate(reason string, attrs ...slog.Attr) {
	t.violations++
	args := []any{"operation", t.label, "reason", reason}
	for _, a := range attrs {
		args = append(args, a)
	}
	log.Warn("progress_protocol_violation", args...)
	if t.onViolation != nil {
		t.onViolation(reason)
	}
}

// Snapshot returns the aggregated progress so far.
func (t *Tracker) Snapshot() Snapshot { return t.snap }

// Terminal returns the first terminal event, if one has been observed.
func (t *Tracker) Terminal() (Event, bool) {
	if t.terminal == nil {
		return Event{}, false
	}
	return *t.terminal, true
}

// Violations counts protocol violations observed so far.
func (t *Tracker) Violations() int { return t.violations }

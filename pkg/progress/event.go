// Package progress implements the one-producer/one-consumer channel every
// long-running worker uses to report progress and exactly one terminal result.
package progress

import "fmt"

// Kind tags an Event.
type Kind int

const (
	KindStep Kind = iota
	KindOverall
	KindCompleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindStep:
		return "step"
	case KindOverall:
		return "overall"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is the tagged union a worker emits. Only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind
	Name    string  // Step: stage name
	Percent float64 // Step: stage percent; Overall: whole-operation percent
	Rate    int64   // Overall: bytes per second, downloads only
	Message string  // Failed: reason
}

// Terminal reports whether e ends the operation.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// Step reports progress within a named stage.
func Step(name string, pct float64) Event {
	return Event{Kind: KindStep, Name: name, Percent: clampPct(pct)}
}

// Overall reports whole-operation progress.
func Overall(pct float64) Event {
	return Event{Kind: KindOverall, Percent: clampPct(pct)}
}

// OverallRate is Overall with a transfer rate attached.
func OverallRate(pct float64, bytesPerSec int64) Event {
	return Event{Kind: KindOverall, Percent: clampPct(pct), Rate: bytesPerSec}
}

func Completed() Event {
	return Event{Kind: KindCompleted}
}

func Failed(message string) Event {
	return Event{Kind: KindFailed, Message: message}
}

func clampPct(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Reporter is the sink handed to external services: they report the percent
// of the stage they are executing and never emit terminal events.
type Reporter func(pct float64)

// Discard is a Reporter that drops everything.
func Discard(float64) {}

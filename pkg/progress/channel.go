package progress

import (
	"fmt"
	"sync"
)

// DefaultBuffer is the number of events a channel holds before the producer waits
// for the consumer's next poll.
const DefaultBuffer = 64

// UnexpectedExit is the failure recorded when a worker's channel closes without
// a terminal event.
const UnexpectedExit = "worker terminated unexpectedly"

// Sender is the producer half. It is bound to one operation and must not be reused.
type Sender struct {
	ch        chan Event
	dropped   chan struct{}
	closeOnce sync.Once
}

// Receiver is the consumer half.
type Receiver struct {
	ch       chan Event
	dropped  chan struct{}
	dropOnce sync.Once
	closed   bool
}

// New creates a fresh single-use channel.
func New(buffer int) (*Sender, *Receiver) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	dropped := make(chan struct{})
	return &Sender{ch: ch, dropped: dropped}, &Receiver{ch: ch, dropped: dropped}
}

// Send delivers ev. It blocks while the buffer is full and the receiver is still
// attached; once the receiver is dropped it returns false immediately.
func (s *Sender) Send(ev Event) bool {
	select {
	case <-s.dropped:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.dropped:
		return false
	}
}

// Step is shorthand for Send(Step(name, pct)).
func (s *Sender) Step(name string, pct float64) bool {
	return s.Send(Step(name, pct))
}

// Reporter returns a sink that forwards stage percentages as Step events.
func (s *Sender) Reporter(name string) Reporter {
	return func(pct float64) { s.Send(Step(name, pct)) }
}

// Close marks the stream exhausted. Safe to call more than once.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Guard is deferred by workers: it converts a panic into a Failed event and
// closes the channel, so nothing crosses the goroutine boundary.
func (s *Sender) Guard() {
	if r := recover(); r != nil {
		s.Send(Failed(fmt.Sprintf("worker panic: %v", r)))
	}
	s.Close()
}

// Poll drains every buffered event without blocking. closed reports that the
// producer has closed the channel and all of its events have been returned.
func (r *Receiver) Poll() (events []Event, closed bool) {
	if r.closed {
		return nil, true
	}
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				r.closed = true
				return events, true
			}
			events = append(events, ev)
		default:
			return events, false
		}
	}
}

// Drop detaches the consumer. Pending and future sends are discarded; the
// worker keeps running to completion.
func (r *Receiver) Drop() {
	r.dropOnce.Do(func() { close(r.dropped) })
}

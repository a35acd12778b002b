package orchestrator

import "time"

// ActiveTickInterval is the re-poll interval while anything is in flight.
const ActiveTickInterval = 100 * time.Millisecond

// RefreshCadence is the busy-state gate's cadence rule: poll on a short fixed
// interval while an operation runs or a background fetch is in flight, and
// not at all (0, wait for user input) when fully idle.
func RefreshCadence(running, background bool, interval time.Duration) time.Duration {
	if !running && !background {
		return 0
	}
	if interval <= 0 {
		interval = ActiveTickInterval
	}
	return interval
}

package timer

import (
	"time"

	"timerbot/internal/clock"
)

// WarningScheduler arms the single pre-expiry callback of a timer.
type WarningScheduler struct {
	clock  clock.Clock
	window time.Duration
}

func NewWarningScheduler(c clock.Clock, window time.Duration) *WarningScheduler {
	if window <= 0 {
		window = DefaultWarningWindow
	}
	return &WarningScheduler{clock: c, window: window}
}

func (w *WarningScheduler) Window() time.Duration { return w.window }

// Deadline is the instant the warning is due for a timer ending at end.
func (w *WarningScheduler) Deadline(end time.Time) time.Time {
	return end.Add(-w.window)
}

// Arm cancels prev and arms fn at Deadline(end). It returns nil (nothing
// armed) when duration does not exceed the window or the deadline is not
// in the future.
func (w *WarningScheduler) Arm(prev clock.Handle, duration time.Duration, end, now time.Time, fn func()) clock.Handle {
	clock.Cancel(prev)
	if duration <= w.window {
		return nil
	}
	at := w.Deadline(end)
	if !at.After(now) {
		return nil
	}
	return w.clock.Arm(at, fn)
}

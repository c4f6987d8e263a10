// Package clock abstracts wall time and delayed callbacks so the timer
// engine can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Handle is a cancellable reference to a scheduled callback.
type Handle interface {
	// Cancel prevents any further invocation. It reports whether a pending
	// invocation was prevented; false means the callback already ran (or is
	// running) or the handle was cancelled before.
	Cancel() bool
}

// Clock arms one-shot and repeating callbacks.
//
// Callbacks run on a goroutine owned by the clock (real) or synchronously
// inside Advance (fake). They must not assume any lock is held.
type Clock interface {
	Now() time.Time
	// Arm schedules fn once at the absolute instant at. A past instant fires
	// as soon as possible.
	Arm(at time.Time, fn func()) Handle
	// Every schedules fn repeatedly, first after interval.
	Every(interval time.Duration, fn func()) Handle
}

// Cancel is a nil-safe helper for optional handles.
func Cancel(h Handle) bool {
	if h == nil {
		return false
	}
	return h.Cancel()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Arm(at time.Time, fn func()) Handle {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return &realOnce{t: time.AfterFunc(d, fn)}
}

func (realClock) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		panic("clock: non-positive interval")
	}
	h := &realRepeat{interval: interval, fn: fn}
	h.mu.Lock()
	h.t = time.AfterFunc(interval, h.fire)
	h.mu.Unlock()
	return h
}

type realOnce struct{ t *time.Timer }

func (h *realOnce) Cancel() bool { return h.t.Stop() }

// realRepeat re-arms itself before running fn so a slow callback does not
// stretch the period. Overlapping runs are possible; callers gate them.
type realRepeat struct {
	mu       sync.Mutex
	t        *time.Timer
	stopped  bool
	interval time.Duration
	fn       func()
}

func (h *realRepeat) fire() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.t = time.AfterFunc(h.interval, h.fire)
	h.mu.Unlock()
	h.fn()
}

func (h *realRepeat) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	if h.t != nil {
		h.t.Stop()
	}
	return true
}

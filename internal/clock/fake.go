package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Callbacks fire synchronously inside
// Advance/Set, in deadline order, on the caller's goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending map[uint64]*fakeEntry
}

type fakeEntry struct {
	id       uint64
	at       time.Time
	interval time.Duration
	fn       func()
}

// NewFake returns a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, pending: map[uint64]*fakeEntry{}}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Arm(at time.Time, fn func()) Handle {
	return f.add(at, 0, fn)
}

func (f *Fake) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		panic("clock: non-positive interval")
	}
	f.mu.Lock()
	at := f.now.Add(interval)
	f.mu.Unlock()
	return f.add(at, interval, fn)
}

func (f *Fake) add(at time.Time, interval time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e := &fakeEntry{id: f.seq, at: at, interval: interval, fn: fn}
	f.pending[e.id] = e
	return &fakeHandle{f: f, id: e.id}
}

// Pending reports how many callbacks are currently armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Advance moves time forward by d, firing everything that comes due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.Set(target)
}

// Set moves time forward to t. Moving backwards is ignored.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		e := f.nextDueLocked(t)
		if e == nil {
			if t.After(f.now) {
				f.now = t
			}
			f.mu.Unlock()
			return
		}
		if e.at.After(f.now) {
			f.now = e.at
		}
		if e.interval > 0 {
			e.at = e.at.Add(e.interval)
		} else {
			delete(f.pending, e.id)
		}
		fn := e.fn
		f.mu.Unlock()

		fn()
	}
}

func (f *Fake) nextDueLocked(limit time.Time) *fakeEntry {
	due := make([]*fakeEntry, 0, len(f.pending))
	for _, e := range f.pending {
		if !e.at.After(limit) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].id < due[j].id
	})
	return due[0]
}

type fakeHandle struct {
	f  *Fake
	id uint64
}

func (h *fakeHandle) Cancel() bool {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if _, ok := h.f.pending[h.id]; !ok {
		return false
	}
	delete(h.f.pending, h.id)
	return true
}

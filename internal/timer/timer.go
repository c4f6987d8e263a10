package timer

import (
	"time"

	"github.com/google/uuid"

	"timerbot/internal/clock"
)

// State is the resident state of a Timer. Terminal states are not
// resident: an expired or stopped timer is removed from the registry.
type State int

const (
	Running State = iota
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Timer is one countdown bound to a channel. All fields are guarded by the
// owning Registry's mutex; nothing outside the registry holds a *Timer.
type Timer struct {
	id      string
	channel string
	tenant  string
	label   string

	start    time.Time
	end      time.Time
	duration time.Duration

	state State
	// pausedRemaining is meaningful only while state == Paused.
	pausedRemaining time.Duration

	// epoch is bumped by teardown; callbacks armed under an older epoch
	// are ignored when they fire.
	epoch uint64

	expiry  clock.Handle
	warning clock.Handle
	refresh clock.Handle

	target        *MessageRef
	targetDropped bool
	pushing       bool
}

func newTimer(channel, tenant, label string, d time.Duration, now time.Time) *Timer {
	return &Timer{
		id:       uuid.NewString(),
		channel:  channel,
		tenant:   tenant,
		label:    label,
		start:    now,
		end:      now.Add(d),
		duration: d,
		state:    Running,
	}
}

// teardown cancels every handle and invalidates callbacks already in
// flight. Every exit transition goes through here.
func (t *Timer) teardown() {
	clock.Cancel(t.expiry)
	clock.Cancel(t.warning)
	clock.Cancel(t.refresh)
	t.expiry, t.warning, t.refresh = nil, nil, nil
	t.epoch++
}

func (t *Timer) remaining(now time.Time) time.Duration {
	if t.state == Paused {
		return t.pausedRemaining
	}
	rem := t.end.Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

func (t *Timer) snapshot(now time.Time) Snapshot {
	s := Snapshot{
		ID:        t.id,
		Channel:   t.channel,
		Tenant:    t.tenant,
		Label:     t.label,
		State:     t.state,
		Duration:  t.duration,
		Remaining: t.remaining(now),
		StartedAt: t.start,
	}
	if t.state == Running {
		s.EndsAt = t.end
	}
	return s
}

// Snapshot is a point-in-time copy of a Timer, safe to hand to callers.
type Snapshot struct {
	ID      string
	Channel string
	Tenant  string
	Label   string
	State   State

	Duration  time.Duration
	Remaining time.Duration

	StartedAt time.Time
	// EndsAt is zero while paused.
	EndsAt time.Time
}

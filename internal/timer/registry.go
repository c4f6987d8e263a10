package timer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"timerbot/internal/clock"
	"timerbot/internal/eventbus"
	"timerbot/pkg/logx"
)

// Outcome distinguishes a fresh start from one that replaced a resident
// timer on the same channel.
type Outcome int

const (
	Created Outcome = iota
	Replaced
)

func (o Outcome) String() string {
	if o == Replaced {
		return "replaced"
	}
	return "created"
}

type StartResult struct {
	Outcome Outcome
	Timer   Snapshot
	// Previous is the replaced timer at the moment it was torn down.
	Previous *Snapshot
}

// Deps are the collaborators of a Registry. Nil fields get no-op or
// default implementations.
type Deps struct {
	Clock     clock.Clock
	Defaults  *DefaultDurationStore
	Notify    NotificationSink
	Audio     AudioSink
	Formatter Formatter
}

// Registry owns every resident Timer, at most one per channel.
//
// A single mutex guards the map and every Timer. Sink calls never happen
// under the lock: state transitions are fully applied first, then sinks
// are invoked with a snapshot.
type Registry struct {
	mu     sync.Mutex
	limits Limits
	timers map[string]*Timer
	closed bool

	clock    clock.Clock
	defaults *DefaultDurationStore
	warnings *WarningScheduler
	throttle *RefreshThrottle
	notify   NotificationSink
	audio    AudioSink
	format   Formatter

	bus eventbus.Bus
	log logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Registry. bus may be nil.
func New(limits Limits, deps Deps, log logx.Logger, bus eventbus.Bus) *Registry {
	limits = limits.Normalize()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Defaults == nil {
		deps.Defaults = NewDefaultDurationStore(DefaultFallback, nil, log)
	}
	if deps.Notify == nil {
		deps.Notify = nopNotify{}
	}
	if deps.Audio == nil {
		deps.Audio = nopAudio{}
	}
	if deps.Formatter == nil {
		deps.Formatter = TextFormatter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		limits:   limits,
		timers:   map[string]*Timer{},
		clock:    deps.Clock,
		defaults: deps.Defaults,
		warnings: NewWarningScheduler(deps.Clock, limits.WarningWindow),
		throttle: NewRefreshThrottle(limits.RefreshThrottle),
		notify:   deps.Notify,
		audio:    deps.Audio,
		format:   deps.Formatter,
		bus:      bus,
		log:      log.With(logx.String("comp", "timer")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Registry) Defaults() *DefaultDurationStore { return r.defaults }

func (r *Registry) Limits() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// Start creates a Running timer on channel, replacing any resident one.
// Range is checked before capacity; on error nothing changes.
func (r *Registry) Start(channel, tenant string, d time.Duration, label string) (StartResult, error) {
	if tenant == "" {
		return StartResult{}, ErrNoTenant
	}
	if channel == "" {
		return StartResult{}, errors.New("timer: channel is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StartResult{}, ErrClosed
	}
	if err := r.limits.InRange(d); err != nil {
		r.mu.Unlock()
		return StartResult{}, err
	}
	if err := r.checkCapacityLocked(channel, tenant); err != nil {
		r.mu.Unlock()
		return StartResult{}, err
	}

	now := r.clock.Now()
	t := newTimer(channel, tenant, label, d, now)

	var prev *Snapshot
	if old := r.timers[channel]; old != nil {
		s := old.snapshot(now)
		prev = &s
		old.teardown()
		if old.target != nil && !old.targetDropped {
			t.target = old.target
		}
	}
	r.throttle.Forget(channel)

	// Stored before anything is armed: a concurrent caller sees the new
	// timer, never a half-built one.
	r.timers[channel] = t
	r.armLocked(t, now)
	snap := t.snapshot(now)
	r.mu.Unlock()

	res := StartResult{Outcome: Created, Timer: snap, Previous: prev}
	if prev != nil {
		res.Outcome = Replaced
		r.publish(EventReplaced, eventData(*prev))
	}
	r.publish(EventStarted, eventData(snap))
	r.log.Debug("timer started",
		logx.String("channel", channel),
		logx.String("tenant", tenant),
		logx.Duration("duration", d),
		logx.String("outcome", res.Outcome.String()),
	)
	return res, nil
}

// StartDefault starts a timer with the tenant's default duration.
func (r *Registry) StartDefault(channel, tenant, label string) (StartResult, error) {
	return r.Start(channel, tenant, r.defaults.Get(tenant), label)
}

// SetDefault validates d against the current range and stores it as the
// tenant default.
func (r *Registry) SetDefault(ctx context.Context, tenant string, d time.Duration) error {
	if err := r.Limits().InRange(d); err != nil {
		return err
	}
	return r.defaults.Set(ctx, tenant, d)
}

// checkCapacityLocked counts resident timers by scanning. The timer on
// channel is excluded because a start there replaces it. Global is
// checked first.
func (r *Registry) checkCapacityLocked(channel, tenant string) error {
	total, perTenant := 0, 0
	for ch, t := range r.timers {
		if ch == channel {
			continue
		}
		total++
		if t.tenant == tenant {
			perTenant++
		}
	}
	if total >= r.limits.MaxTotal {
		return &CapacityError{Scope: ScopeGlobal, Limit: r.limits.MaxTotal}
	}
	if perTenant >= r.limits.MaxPerTenant {
		return &CapacityError{Scope: ScopeTenant, Limit: r.limits.MaxPerTenant}
	}
	return nil
}

// armLocked arms expiry, warning and refresh against t.end. Prior handles
// for each purpose are cancelled first.
func (r *Registry) armLocked(t *Timer, now time.Time) {
	epoch := t.epoch

	clock.Cancel(t.expiry)
	t.expiry = r.clock.Arm(t.end, func() {
		r.guard("expiry", t, func() { r.onExpire(t, epoch) })
	})

	t.warning = r.warnings.Arm(t.warning, t.duration, t.end, now, func() {
		r.guard("warning", t, func() { r.onWarning(t, epoch) })
	})

	clock.Cancel(t.refresh)
	t.refresh = nil
	if !t.targetDropped {
		t.refresh = r.clock.Every(r.limits.RefreshInterval, func() {
			r.guard("refresh", t, func() { r.onRefresh(t, epoch) })
		})
	}
}

// Pause freezes the remaining time. Pausing a paused timer is a no-op.
func (r *Registry) Pause(channel string) (Snapshot, error) {
	return r.transition(channel, func(t *Timer, now time.Time) (string, error) {
		return r.pauseLocked(t, now), nil
	})
}

// Resume re-arms a paused timer against now+pausedRemaining. A paused
// timer with nothing left is removed and ErrAlreadyExpired returned.
// Resuming a running timer is a no-op.
func (r *Registry) Resume(channel string) (Snapshot, error) {
	return r.transition(channel, r.resumeLocked)
}

// Toggle pauses a running timer or resumes a paused one.
func (r *Registry) Toggle(channel string) (Snapshot, error) {
	return r.transition(channel, func(t *Timer, now time.Time) (string, error) {
		if t.state == Paused {
			return r.resumeLocked(t, now)
		}
		return r.pauseLocked(t, now), nil
	})
}

// transition runs fn on the resident timer under the lock and publishes
// the event it names, if any, after unlocking.
func (r *Registry) transition(channel string, fn func(*Timer, time.Time) (string, error)) (Snapshot, error) {
	r.mu.Lock()
	t := r.timers[channel]
	if t == nil {
		r.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	now := r.clock.Now()
	ev, err := fn(t, now)
	s := t.snapshot(now)
	r.mu.Unlock()

	if ev != "" {
		r.publish(ev, eventData(s))
	}
	return s, err
}

func (r *Registry) pauseLocked(t *Timer, now time.Time) string {
	if t.state == Paused {
		return ""
	}
	rem := t.end.Sub(now)
	if rem < 0 {
		rem = 0
	}
	t.teardown()
	t.pausedRemaining = rem
	t.state = Paused
	return EventPaused
}

func (r *Registry) resumeLocked(t *Timer, now time.Time) (string, error) {
	if t.state == Running {
		return "", nil
	}
	if t.pausedRemaining <= 0 {
		r.removeLocked(t)
		return EventStopped, ErrAlreadyExpired
	}
	t.end = now.Add(t.pausedRemaining)
	t.pausedRemaining = 0
	t.state = Running
	r.armLocked(t, now)
	return EventResumed, nil
}

// Stop removes the timer and returns its last snapshot. While paused the
// remaining time is the stored value, never recomputed. Stop sends no
// notification.
func (r *Registry) Stop(channel string) (Snapshot, error) {
	r.mu.Lock()
	t := r.timers[channel]
	if t == nil {
		r.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	s := t.snapshot(r.clock.Now())
	r.removeLocked(t)
	r.mu.Unlock()

	r.publish(EventStopped, eventData(s))
	return s, nil
}

// Status is read-only.
func (r *Registry) Status(channel string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.timers[channel]
	if t == nil {
		return Snapshot{}, ErrNotFound
	}
	return t.snapshot(r.clock.Now()), nil
}

// StopAllForTenant removes every timer of tenant.
func (r *Registry) StopAllForTenant(tenant string) []Snapshot {
	return r.stopWhere(func(t *Timer) bool { return t.tenant == tenant })
}

// StopAllForChannel removes the timer bound to channel, if any.
func (r *Registry) StopAllForChannel(channel string) []Snapshot {
	return r.stopWhere(func(t *Timer) bool { return t.channel == channel })
}

func (r *Registry) stopWhere(match func(*Timer) bool) []Snapshot {
	r.mu.Lock()
	now := r.clock.Now()
	var out []Snapshot
	for _, t := range r.timers {
		if !match(t) {
			continue
		}
		out = append(out, t.snapshot(now))
		r.removeLocked(t)
	}
	r.mu.Unlock()

	sortSnapshots(out)
	for _, s := range out {
		r.publish(EventStopped, eventData(s))
	}
	return out
}

// List returns snapshots for tenant, or all timers when tenant is empty,
// ordered by channel.
func (r *Registry) List(tenant string) []Snapshot {
	r.mu.Lock()
	now := r.clock.Now()
	out := make([]Snapshot, 0, len(r.timers))
	for _, t := range r.timers {
		if tenant != "" && t.tenant != tenant {
			continue
		}
		out = append(out, t.snapshot(now))
	}
	r.mu.Unlock()
	sortSnapshots(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Registry) CountTenant(tenant string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.timers {
		if t.tenant == tenant {
			n++
		}
	}
	return n
}

// SetLimits applies new limits to future operations. Resident timers keep
// their armed handles; lowered caps only affect new starts.
func (r *Registry) SetLimits(l Limits) error {
	l = l.Normalize()
	if err := l.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.limits = l
	r.warnings = NewWarningScheduler(r.clock, l.WarningWindow)
	r.mu.Unlock()
	r.throttle.SetWindow(l.RefreshThrottle)
	return nil
}

// Close tears down every timer without notifications and rejects further
// starts. In-flight sink calls are cancelled.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	n := len(r.timers)
	for _, t := range r.timers {
		r.removeLocked(t)
	}
	r.mu.Unlock()
	r.cancel()
	r.log.Info("timer registry closed", logx.Int("dropped", n))
}

// Refresh pushes a status update for channel now, subject to the
// throttle. It reports whether a push was made.
func (r *Registry) Refresh(ctx context.Context, channel string) (bool, error) {
	r.mu.Lock()
	t := r.timers[channel]
	if t == nil {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if t.state != Running {
		r.mu.Unlock()
		return false, nil
	}
	job, ok := r.beginPushLocked(t, r.clock.Now())
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return r.runPush(ctx, t, job) == nil, nil
}

func (r *Registry) removeLocked(t *Timer) {
	t.teardown()
	if r.timers[t.channel] == t {
		delete(r.timers, t.channel)
	}
	r.throttle.Forget(t.channel)
}

// ownsLocked reports whether a callback armed under epoch still belongs to
// the resident timer.
func (r *Registry) ownsLocked(t *Timer, epoch uint64) bool {
	return r.timers[t.channel] == t && t.epoch == epoch
}

func (r *Registry) onExpire(t *Timer, epoch uint64) {
	r.mu.Lock()
	if !r.ownsLocked(t, epoch) || t.state != Running {
		r.mu.Unlock()
		return
	}
	s := t.snapshot(r.clock.Now())
	s.Remaining = 0
	var target *MessageRef
	if t.target != nil && !t.targetDropped {
		ref := *t.target
		target = &ref
	}
	r.removeLocked(t)
	r.mu.Unlock()

	r.publish(EventExpired, eventData(s))
	r.log.Debug("timer expired", logx.String("channel", s.Channel), logx.String("tenant", s.Tenant))

	ctx, cancel := r.sinkContext(r.ctx)
	defer cancel()
	text := r.format.Expired(s)
	if target != nil {
		if err := r.notify.Edit(ctx, *target, text); err != nil && !errors.Is(err, ErrStaleTarget) {
			r.sinkFailed("notify.edit", s, err)
		}
	}
	if _, err := r.notify.Send(ctx, s.Channel, text); err != nil {
		r.sinkFailed("notify.send", s, err)
	}
	if err := r.audio.Play(ctx, s.Tenant, s.Channel, CueExpired); err != nil {
		r.sinkFailed("audio.expired", s, err)
	}
}

func (r *Registry) onWarning(t *Timer, epoch uint64) {
	r.mu.Lock()
	if !r.ownsLocked(t, epoch) || t.state != Running {
		r.mu.Unlock()
		return
	}
	s := t.snapshot(r.clock.Now())
	t.warning = nil
	r.mu.Unlock()

	r.publish(EventWarning, eventData(s))

	ctx, cancel := r.sinkContext(r.ctx)
	defer cancel()
	if err := r.audio.Play(ctx, s.Tenant, s.Channel, CueWarning); err != nil {
		r.sinkFailed("audio.warning", s, err)
	}
}

func (r *Registry) onRefresh(t *Timer, epoch uint64) {
	r.mu.Lock()
	if !r.ownsLocked(t, epoch) || t.state != Running {
		r.mu.Unlock()
		return
	}
	job, ok := r.beginPushLocked(t, r.clock.Now())
	r.mu.Unlock()
	if ok {
		_ = r.runPush(r.ctx, t, job)
	}
}

type pushJob struct {
	snap   Snapshot
	target *MessageRef
}

// beginPushLocked gates a status push. At most one push per timer is in
// flight; a push with nothing left is skipped so it cannot race expiry.
func (r *Registry) beginPushLocked(t *Timer, now time.Time) (pushJob, bool) {
	if t.targetDropped || t.pushing {
		return pushJob{}, false
	}
	if t.end.Sub(now) <= 0 {
		return pushJob{}, false
	}
	if !r.throttle.Allow(t.channel, now) {
		// Publish never blocks, so it is safe under the lock.
		r.publish(EventRefreshDropped, withReason(eventData(t.snapshot(now)), "throttled", nil))
		return pushJob{}, false
	}
	t.pushing = true
	job := pushJob{snap: t.snapshot(now)}
	if t.target != nil {
		ref := *t.target
		job.target = &ref
	}
	return job, true
}

func (r *Registry) runPush(parent context.Context, t *Timer, job pushJob) error {
	ctx, cancel := r.sinkContext(parent)
	defer cancel()

	text := r.format.Status(job.snap)
	var (
		ref MessageRef
		err error
	)
	if job.target == nil {
		ref, err = r.notify.Send(ctx, job.snap.Channel, text)
	} else {
		err = r.notify.Edit(ctx, *job.target, text)
	}

	r.mu.Lock()
	t.pushing = false
	dropped := false
	switch {
	case err == nil && job.target == nil:
		t.target = &ref
		// A replacement started while this send was in flight inherits the
		// message instead of posting a second one.
		if cur := r.timers[t.channel]; cur != nil && cur != t && cur.target == nil && !cur.targetDropped {
			carried := ref
			cur.target = &carried
		}
	case errors.Is(err, ErrStaleTarget) && !t.targetDropped:
		t.targetDropped = true
		t.target = nil
		clock.Cancel(t.refresh)
		t.refresh = nil
		dropped = true
	}
	r.mu.Unlock()

	switch {
	case dropped:
		r.log.Info("status message gone, refresh stopped", logx.String("channel", job.snap.Channel))
	case err != nil && !errors.Is(err, ErrStaleTarget):
		r.sinkFailed("notify.refresh", job.snap, err)
	}
	return err
}

func (r *Registry) sinkContext(parent context.Context) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	d := r.limits.SinkTimeout
	r.mu.Unlock()
	return context.WithTimeout(parent, d)
}

// guard recovers a panicking callback. A panic in an expiry callback
// removes the timer since its cleanup may be partial.
func (r *Registry) guard(kind string, t *Timer, fn func()) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		r.log.Error("timer callback panic",
			logx.String("callback", kind),
			logx.String("channel", t.channel),
			logx.Any("panic", rec),
			logx.Stack(string(debug.Stack())),
		)
		if kind != "expiry" {
			return
		}
		r.mu.Lock()
		if r.timers[t.channel] == t {
			r.removeLocked(t)
		}
		r.mu.Unlock()
	}()
	fn()
}

func (r *Registry) sinkFailed(op string, s Snapshot, err error) {
	r.log.Warn("timer sink failed",
		logx.String("op", op),
		logx.String("channel", s.Channel),
		logx.String("tenant", s.Tenant),
		logx.Err(err),
	)
	r.publish(EventSinkError, withReason(eventData(s), op, err))
}

func (r *Registry) publish(typ string, data EventData) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.clock.Now(), Data: data})
}

func withReason(d EventData, reason string, err error) EventData {
	d.Reason = reason
	if err != nil {
		d.Error = fmt.Sprint(err)
	}
	return d
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Channel < s[j].Channel })
}

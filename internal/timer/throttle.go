package timer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RefreshThrottle enforces a minimum spacing between status pushes per
// channel. A limiter with burst 1 refilling once per window admits a push
// only when the previous admitted push is at least one window old.
type RefreshThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

func NewRefreshThrottle(window time.Duration) *RefreshThrottle {
	if window <= 0 {
		window = DefaultRefreshThrottle
	}
	return &RefreshThrottle{window: window, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether a push for channel at now may proceed, and records
// it if so. Dropped pushes are not queued.
func (t *RefreshThrottle) Allow(channel string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[channel]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[channel] = l
	}
	return l.AllowN(now, 1)
}

// Forget drops the state for channel so a future timer starts fresh.
func (t *RefreshThrottle) Forget(channel string) {
	t.mu.Lock()
	delete(t.limiters, channel)
	t.mu.Unlock()
}

// SetWindow changes the spacing. Existing channel state is reset.
func (t *RefreshThrottle) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if window == t.window {
		return
	}
	t.window = window
	t.limiters = map[string]*rate.Limiter{}
}

func (t *RefreshThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	defaultLimiterCache = 4096
	maxBurst            = 5
)

// userLimiter keeps one token bucket per user in a bounded LRU. An evicted
// user starts again with a full bucket.
type userLimiter struct {
	mu       sync.Mutex
	perMin   int
	cache    *lru.Cache[string, *rate.Limiter]
	disabled bool
}

func newUserLimiter(perMinute, size int) *userLimiter {
	if size <= 0 {
		size = defaultLimiterCache
	}
	c, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		// only fails for size <= 0
		panic(err)
	}
	return &userLimiter{perMin: perMinute, cache: c, disabled: perMinute <= 0}
}

func (l *userLimiter) allow(user string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled || user == "" {
		return true
	}
	lim, ok := l.cache.Get(user)
	if !ok {
		burst := min(l.perMin, maxBurst)
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), burst)
		l.cache.Add(user, lim)
	}
	return lim.AllowN(now, 1)
}

func (l *userLimiter) setRate(perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute == l.perMin {
		return
	}
	l.perMin = perMinute
	l.disabled = perMinute <= 0
	l.cache.Purge()
}

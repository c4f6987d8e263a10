package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(rec *recorder, interval time.Duration) *Notifier {
	n := NewNotifier(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return interval, nil }
	return n
}

func TestNotifyStates(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 0)
	assert.True(t, n.Ready())
	assert.True(t, n.Status("%d timers", 3))
	assert.True(t, n.Stopping())
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 timers", daemon.SdNotifyStopping}, rec.states)

	rec.err = errors.New("socket gone")
	assert.False(t, n.Ready())
}

func TestWatchdogDisabledReturns(t *testing.T) {
	n := newTestNotifier(&recorder{}, 0)
	require.NoError(t, n.RunWatchdog(context.Background(), nil))
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.RunWatchdog(ctx, func() bool { return true }) }()

	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, n.RunWatchdog(ctx, func() bool { return false }))
	assert.Zero(t, rec.count(daemon.SdNotifyWatchdog))
}

func TestListenerWithoutActivation(t *testing.T) {
	ln, err := Listener("metrics")
	require.NoError(t, err)
	assert.Nil(t, ln)
}

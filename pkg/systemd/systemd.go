// Package systemd talks to the service manager: readiness, status and
// watchdog notifications, and socket-activated listeners. Everything is a
// no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"

	"timerbot/pkg/logx"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	log    logx.Logger
	notify notifyFunc
	// watchdog reports the interval systemd expects pings at; 0 disables.
	watchdog func() (time.Duration, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:    log,
		notify: daemon.SdNotify,
		watchdog: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports startup completion. It returns false when no service
// manager is listening.
func (n *Notifier) Ready() bool {
	ok := n.send(daemon.SdNotifyReady)
	if ok {
		n.log.Debug("notified systemd: ready")
	}
	return ok
}

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// RunWatchdog pings the watchdog at half the configured interval until ctx
// is done. healthy gates each ping; a nil func always pings. It returns
// immediately when the watchdog is not enabled.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	interval, err := n.watchdog()
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval <= 0 {
		return nil
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

// Listener returns the socket-activated listener named name
// (FileDescriptorName= in the .socket unit), or nil when there is none.
func Listener(name string) (net.Listener, error) {
	byName, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("systemd listeners: %w", err)
	}
	if lns := byName[name]; len(lns) > 0 {
		return lns[0], nil
	}
	return nil, nil
}

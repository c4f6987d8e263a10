package app

import (
	"context"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/pkg/logx"
)

const auditWriteTimeout = 5 * time.Second

// auditRecorder persists timer lifecycle events. Refresh drops are too
// frequent to be worth keeping and only feed metrics.
type auditRecorder struct {
	store storage.Store
	log   logx.Logger
}

func (r *auditRecorder) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(256, "timer.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
			err := r.store.AppendAudit(wctx, entry)
			cancel()
			if err != nil && ctx.Err() == nil {
				r.log.Warn("audit append failed", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	if e.Type == timer.EventRefreshDropped {
		return storage.AuditEntry{}, false
	}
	d, ok := e.Data.(timer.EventData)
	if !ok {
		return storage.AuditEntry{}, false
	}
	detail := d.Reason
	if d.Error != "" {
		if detail != "" {
			detail += ": "
		}
		detail += d.Error
	}
	return storage.AuditEntry{
		At:          e.Time,
		Event:       e.Type,
		TimerID:     d.TimerID,
		GuildID:     d.Tenant,
		ChannelID:   d.Channel,
		Label:       d.Label,
		DurationMS:  d.Duration.Milliseconds(),
		RemainingMS: d.Remaining.Milliseconds(),
		Detail:      detail,
	}, true
}

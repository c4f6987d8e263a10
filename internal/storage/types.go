package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default "timerbot:"
}

// Store is the persistence API used by the app.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries for guild, newest first.
	RecentAudit(ctx context.Context, guild string, limit int) ([]AuditEntry, error)
	// PruneAudit deletes entries older than before and reports how many.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	PutDefault(ctx context.Context, guild string, d time.Duration) error
	ListDefaults(ctx context.Context) (map[string]time.Duration, error)

	Close() error
}

// AuditEntry records one timer lifecycle event. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At          time.Time `json:"at"`
	Event       string    `json:"event"`
	TimerID     string    `json:"timer_id,omitempty"`
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	Label       string    `json:"label,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	RemainingMS int64     `json:"remaining_ms"`
	Detail      string    `json:"detail,omitempty"`
}

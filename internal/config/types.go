package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "5m"). Empty or
// zero durations take the documented defaults.
type Config struct {
	Discord       DiscordConfig       `json:"discord"`
	Logging       LoggingConfig       `json:"logging"`
	Timers        TimersConfig        `json:"timers"`
	Commands      CommandsConfig      `json:"commands"`
	Audio         AudioConfig         `json:"audio,omitempty"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Housekeeping  HousekeepingConfig  `json:"housekeeping,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// AdminUserIDs may change tenant defaults. Empty means anyone may.
	AdminUserIDs []string `json:"admin_user_ids,omitempty"`
	// LogChannelID receives warn+ log lines when logging.channel is enabled.
	LogChannelID string `json:"log_channel_id,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TimersConfig holds the caps and windows of the timer registry.
//
// Defaults: max_per_guild 10, max_total 100, min_duration 1s,
// max_duration 24h, default_duration 5m, warning_window 1m,
// refresh_interval 1s, refresh_throttle 500ms, sink_timeout 10s.
type TimersConfig struct {
	MaxPerGuild int `json:"max_per_guild,omitempty"`
	MaxTotal    int `json:"max_total,omitempty"`

	MinDuration     string `json:"min_duration,omitempty"`
	MaxDuration     string `json:"max_duration,omitempty"`
	DefaultDuration string `json:"default_duration,omitempty"`
	WarningWindow   string `json:"warning_window,omitempty"`
	RefreshInterval string `json:"refresh_interval,omitempty"`
	RefreshThrottle string `json:"refresh_throttle,omitempty"`
	SinkTimeout     string `json:"sink_timeout,omitempty"`
}

// CommandsConfig controls command intake.
//
// Defaults: prefix "!timer", workers 4, queue_size 256, timeout 15s,
// rate_per_minute 20, limiter_cache 4096.
type CommandsConfig struct {
	Prefix    string `json:"prefix,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	// RatePerMinute is the per-user command budget. Negative disables it.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
	LimiterCache  int `json:"limiter_cache,omitempty"`
}

// AudioConfig controls voice cues. Cue files are DCA (opus frames with
// int16 length prefixes) named "<cue>.dca" under cue_dir.
type AudioConfig struct {
	Enabled        bool   `json:"enabled"`
	CueDir         string `json:"cue_dir,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default 5s
}

// StorageConfig selects the persistence backend for tenant defaults and
// the audit log.
//
//	"storage": { "driver": "sqlite", "path": "./timerbot.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"` // none|file|sqlite|redis
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"`
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// HousekeepingConfig schedules maintenance jobs with cron specs.
type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// StatsSpec logs registry stats. Default "@every 5m".
	StatsSpec string `json:"stats_spec,omitempty"`
	// PruneSpec trims the audit log. Default "@daily".
	PruneSpec      string `json:"prune_spec,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"` // default 720h
}

// ObservabilityConfig controls the HTTP server for health, metrics and
// pprof. Prefer a loopback address; a non-loopback bind requires a token
// or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultPrefix         = "!timer"
	DefaultObservAddr     = "127.0.0.1:9090"
	DefaultStatsSpec      = "@every 5m"
	DefaultPruneSpec      = "@daily"
	DefaultAuditRetention = 30 * 24 * time.Hour
)

// Validate checks a parsed config. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		add(errors.New("discord.token is required"))
	}
	if cfg.Logging.Channel.Enabled && strings.TrimSpace(cfg.Discord.LogChannelID) == "" {
		add(errors.New("logging.channel.enabled requires discord.log_channel_id"))
	}

	t := cfg.Timers
	if t.MaxPerGuild < 0 || t.MaxTotal < 0 {
		add(errors.New("timers: caps must be >= 0"))
	}
	if t.MaxPerGuild > 0 && t.MaxTotal > 0 && t.MaxPerGuild > t.MaxTotal {
		add(fmt.Errorf("timers.max_per_guild (%d) must be <= timers.max_total (%d)", t.MaxPerGuild, t.MaxTotal))
	}
	minD, err := ParseDurationField("timers.min_duration", t.MinDuration)
	add(err)
	maxD, err := ParseDurationField("timers.max_duration", t.MaxDuration)
	add(err)
	if minD > 0 && maxD > 0 && minD > maxD {
		add(errors.New("timers.min_duration must be <= timers.max_duration"))
	}
	for path, raw := range map[string]string{
		"timers.default_duration":      t.DefaultDuration,
		"timers.warning_window":        t.WarningWindow,
		"timers.refresh_interval":      t.RefreshInterval,
		"timers.refresh_throttle":      t.RefreshThrottle,
		"timers.sink_timeout":          t.SinkTimeout,
		"commands.timeout":             cfg.Commands.Timeout,
		"audio.connect_timeout":        cfg.Audio.ConnectTimeout,
		"observability.read_timeout":   cfg.Observability.ReadTimeout,
		"observability.idle_timeout":   cfg.Observability.IdleTimeout,
		"housekeeping.audit_retention": cfg.Housekeeping.AuditRetention,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if cfg.Commands.Workers < 0 || cfg.Commands.QueueSize < 0 {
		add(errors.New("commands: workers and queue_size must be >= 0"))
	}
	if p := strings.TrimSpace(cfg.Commands.Prefix); p != "" && strings.ContainsAny(p, " \t\n") {
		add(errors.New("commands.prefix must not contain whitespace"))
	}

	if cfg.Audio.Enabled && strings.TrimSpace(cfg.Audio.CueDir) == "" {
		add(errors.New("audio.enabled requires audio.cue_dir"))
	}

	add(validateStorage(cfg.Storage))
	add(validateHousekeeping(cfg.Housekeeping))
	add(validateObservability(cfg.Observability))
	return errors.Join(errs...)
}

func validateStorage(s *StorageConfig) error {
	if s == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "none":
		return nil
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", s.Driver)
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		return err
	case "redis":
		if s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("storage.redis.addr is required for driver \"redis\"")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver %q is not supported (none|file|sqlite|redis)", s.Driver)
	}
}

func validateHousekeeping(h HousekeepingConfig) error {
	if !h.Enabled {
		return nil
	}
	if tz := strings.TrimSpace(h.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("housekeeping.timezone: %w", err)
		}
	}
	for path, spec := range map[string]string{
		"housekeeping.stats_spec": h.StatsSpec,
		"housekeeping.prune_spec": h.PruneSpec,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func validateObservability(o ObservabilityConfig) error {
	if !o.Enabled {
		return nil
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = DefaultObservAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("observability.addr: %w", err)
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
		return errors.New("observability.addr is not loopback: set observability.token or allow_insecure")
	}
	return nil
}

// IsLoopbackHost reports whether host names the local machine only.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

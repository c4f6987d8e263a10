package app

import (
	"fmt"
	"strings"
	"time"

	"timerbot/internal/config"
	"timerbot/internal/housekeeping"
	"timerbot/internal/observability"
	"timerbot/internal/router"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/pkg/logx"
)

// mapLimits converts the timers section and returns the limits together
// with the process-wide fallback default duration.
func mapLimits(cfg *config.Config) (timer.Limits, time.Duration, error) {
	l := timer.DefaultLimits()
	if cfg == nil {
		return l, timer.DefaultFallback, nil
	}
	t := cfg.Timers
	if t.MaxPerGuild > 0 {
		l.MaxPerTenant = t.MaxPerGuild
	}
	if t.MaxTotal > 0 {
		l.MaxTotal = t.MaxTotal
	}

	var err error
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"timers.min_duration", t.MinDuration, &l.MinDuration},
		{"timers.max_duration", t.MaxDuration, &l.MaxDuration},
		{"timers.warning_window", t.WarningWindow, &l.WarningWindow},
		{"timers.refresh_interval", t.RefreshInterval, &l.RefreshInterval},
		{"timers.refresh_throttle", t.RefreshThrottle, &l.RefreshThrottle},
		{"timers.sink_timeout", t.SinkTimeout, &l.SinkTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationOrDefault(d.path, d.raw, *d.dst); err != nil {
			return timer.Limits{}, 0, err
		}
	}
	fallback, err := config.ParseDurationOrDefault("timers.default_duration", t.DefaultDuration, timer.DefaultFallback)
	if err != nil {
		return timer.Limits{}, 0, err
	}

	l = l.Normalize()
	if err := l.Validate(); err != nil {
		return timer.Limits{}, 0, err
	}
	if err := l.InRange(fallback); err != nil {
		return timer.Limits{}, 0, fmt.Errorf("timers.default_duration: %w", err)
	}
	return l, fallback, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    lc.Channel.Enabled,
			MinLevel:   lc.Channel.MinLevel,
			RatePerSec: lc.Channel.RatePerSec,
		},
	}
}

func mapRouterOptions(cfg *config.Config) (router.Options, error) {
	c := cfg.Commands
	timeout, err := config.ParseDurationOrDefault("commands.timeout", c.Timeout, router.DefaultTimeout)
	if err != nil {
		return router.Options{}, err
	}
	return router.Options{
		Prefix:        c.Prefix,
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		Timeout:       timeout,
		RatePerMinute: c.RatePerMinute,
		LimiterCache:  c.LimiterCache,
		Admins:        cfg.Discord.AdminUserIDs,
	}, nil
}

// mapStorageConfig reports enabled=false when no driver is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{
			Driver: driver,
			Redis: storage.RedisConfig{
				Addr:      strings.TrimSpace(sc.Redis.Addr),
				Password:  sc.Redis.Password,
				DB:        sc.Redis.DB,
				KeyPrefix: sc.Redis.KeyPrefix,
			},
		}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHousekeeping(cfg *config.Config) (housekeeping.Config, error) {
	h := cfg.Housekeeping
	retention, err := config.ParseDurationOrDefault("housekeeping.audit_retention", h.AuditRetention, config.DefaultAuditRetention)
	if err != nil {
		return housekeeping.Config{}, err
	}
	if tz := strings.TrimSpace(h.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return housekeeping.Config{}, fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err)
		}
	}
	return housekeeping.Config{
		Enabled:        h.Enabled,
		Timezone:       h.Timezone,
		StatsSpec:      h.StatsSpec,
		PruneSpec:      h.PruneSpec,
		AuditRetention: retention,
	}, nil
}

func mapObservability(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = config.DefaultObservAddr
	}
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		// pprof profile endpoints stream for up to 30s by default.
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  idle,
	}, nil
}

// mapAudio returns the cue directory and connect timeout; an empty dir
// means voice cues are off.
func mapAudio(cfg *config.Config) (string, time.Duration, error) {
	a := cfg.Audio
	timeout, err := config.ParseDurationOrDefault("audio.connect_timeout", a.ConnectTimeout, 5*time.Second)
	if err != nil {
		return "", 0, err
	}
	if !a.Enabled {
		return "", timeout, nil
	}
	return strings.TrimSpace(a.CueDir), timeout, nil
}

// ValidateConfig runs every mapper so a hot reload that would fail to apply is
// rejected before it is committed.
func ValidateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapLimits(cfg); err != nil {
		return err
	}
	if _, err := mapRouterOptions(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeeping(cfg); err != nil {
		return err
	}
	if _, err := mapObservability(cfg); err != nil {
		return err
	}
	_, _, err := mapAudio(cfg)
	return err
}

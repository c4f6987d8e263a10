package app

import (
	"fmt"
	"strings"
	"time"

	"timerbot/internal/config"
	"timerbot/internal/router"
	"timerbot/internal/timer"
)

// Setting is one effective configuration value. Default marks values the
// file leaves unset.
type Setting struct {
	Section string
	Key     string
	Value   string
	Default bool
}

// Describe lists the effective settings derived from cfg. Secrets are
// reported as set/unset only. cfg must pass ValidateConfig.
func Describe(cfg *config.Config) []Setting {
	var out []Setting
	add := func(section, key string, v any, isDefault bool) {
		out = append(out, Setting{Section: section, Key: key, Value: fmt.Sprint(v), Default: isDefault})
	}
	dur := func(d time.Duration) string { return timer.FormatDuration(d) }

	add("discord", "token", secret(cfg.Discord.Token), false)
	add("discord", "admin_user_ids", len(cfg.Discord.AdminUserIDs), len(cfg.Discord.AdminUserIDs) == 0)
	add("discord", "log_channel_id", cfg.Discord.LogChannelID, cfg.Discord.LogChannelID == "")

	l, fallback, _ := mapLimits(cfg)
	t := cfg.Timers
	add("timers", "max_per_guild", l.MaxPerTenant, t.MaxPerGuild == 0)
	add("timers", "max_total", l.MaxTotal, t.MaxTotal == 0)
	add("timers", "min_duration", dur(l.MinDuration), t.MinDuration == "")
	add("timers", "max_duration", dur(l.MaxDuration), t.MaxDuration == "")
	add("timers", "default_duration", dur(fallback), t.DefaultDuration == "")
	add("timers", "warning_window", dur(l.WarningWindow), t.WarningWindow == "")
	add("timers", "refresh_interval", l.RefreshInterval, t.RefreshInterval == "")
	add("timers", "refresh_throttle", l.RefreshThrottle, t.RefreshThrottle == "")
	add("timers", "sink_timeout", l.SinkTimeout, t.SinkTimeout == "")

	c := cfg.Commands
	opts, _ := mapRouterOptions(cfg)
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = router.DefaultPrefix
	}
	add("commands", "prefix", prefix, c.Prefix == "")
	add("commands", "timeout", opts.Timeout, c.Timeout == "")
	rate := fmt.Sprint(c.RatePerMinute)
	switch {
	case c.RatePerMinute == 0:
		rate = fmt.Sprint(router.DefaultPerMinute)
	case c.RatePerMinute < 0:
		rate = "off"
	}
	add("commands", "rate_per_minute", rate, c.RatePerMinute == 0)

	cueDir, connect, _ := mapAudio(cfg)
	add("audio", "enabled", cueDir != "", !cfg.Audio.Enabled)
	if cueDir != "" {
		add("audio", "cue_dir", cueDir, false)
		add("audio", "connect_timeout", connect, cfg.Audio.ConnectTimeout == "")
	}

	sc, enabled, _ := mapStorageConfig(cfg)
	if !enabled {
		add("storage", "driver", "none", true)
	} else {
		add("storage", "driver", sc.Driver, false)
		switch sc.Driver {
		case "redis":
			add("storage", "redis.addr", sc.Redis.Addr, false)
			add("storage", "redis.password", secret(sc.Redis.Password), sc.Redis.Password == "")
		default:
			add("storage", "path", sc.Path, false)
		}
	}

	hk, _ := mapHousekeeping(cfg)
	add("housekeeping", "enabled", hk.Enabled, !hk.Enabled)
	if hk.Enabled {
		add("housekeeping", "stats_spec", orDefault(hk.StatsSpec, config.DefaultStatsSpec), hk.StatsSpec == "")
		add("housekeeping", "prune_spec", orDefault(hk.PruneSpec, config.DefaultPruneSpec), hk.PruneSpec == "")
		add("housekeeping", "audit_retention", hk.AuditRetention, cfg.Housekeeping.AuditRetention == "")
	}

	oc, _ := mapObservability(cfg)
	add("observability", "enabled", oc.Enabled, !oc.Enabled)
	if oc.Enabled {
		add("observability", "addr", oc.Addr, cfg.Observability.Addr == "")
		add("observability", "token", secret(oc.Token), oc.Token == "")
		add("observability", "pprof", oc.Pprof, !oc.Pprof)
	}
	return out
}

func secret(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(unset)"
	}
	return "(set)"
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

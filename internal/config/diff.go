package config

import (
	"reflect"
	"sort"
	"strings"

	"timerbot/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and safe
// fields for logging. Secrets (bot token, observability token, redis
// password) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || od.LogChannelID != nd.LogChannelID || !reflect.DeepEqual(od.AdminUserIDs, nd.AdminUserIDs) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.Int("discord.admin_count", len(nd.AdminUserIDs)),
			logx.Bool("discord.log_channel_set", strings.TrimSpace(nd.LogChannelID) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel", newCfg.Logging.Channel.Enabled),
		)
	}

	if oldCfg.Timers != newCfg.Timers {
		t := newCfg.Timers
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.max_per_guild", t.MaxPerGuild),
			logx.Int("timers.max_total", t.MaxTotal),
			logx.String("timers.max_duration", t.MaxDuration),
			logx.String("timers.default_duration", t.DefaultDuration),
			logx.String("timers.warning_window", t.WarningWindow),
		)
	}

	if oldCfg.Commands != newCfg.Commands {
		c := newCfg.Commands
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.String("commands.prefix", c.Prefix),
			logx.Int("commands.workers", c.Workers),
			logx.Int("commands.rate_per_minute", c.RatePerMinute),
		)
	}

	if oldCfg.Audio != newCfg.Audio {
		changed = append(changed, "audio")
		attrs = append(attrs, logx.Bool("audio.enabled", newCfg.Audio.Enabled))
	}

	if oldS, newS := storageView(oldCfg.Storage), storageView(newCfg.Storage); oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.driver),
			logx.Bool("storage.path_set", newS.path != ""),
			logx.Bool("storage.redis_password_changed", oldS.passHash != newS.passHash),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		h := newCfg.Housekeeping
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", h.Enabled),
			logx.String("housekeeping.stats_spec", h.StatsSpec),
			logx.String("housekeeping.prune_spec", h.PruneSpec),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	if oo != no {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", no.Addr),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

type storageSummary struct {
	driver, path, busy string
	addr, prefix       string
	db                 int
	passHash           uint64
}

func storageView(s *StorageConfig) storageSummary {
	if s == nil {
		return storageSummary{}
	}
	v := storageSummary{
		driver: strings.ToLower(strings.TrimSpace(s.Driver)),
		path:   strings.TrimSpace(s.Path),
		busy:   strings.TrimSpace(s.BusyTimeout),
	}
	if s.Redis != nil {
		v.addr, v.prefix, v.db = s.Redis.Addr, s.Redis.KeyPrefix, s.Redis.DB
		if s.Redis.Password != "" {
			v.passHash = hashString(s.Redis.Password)
		}
	}
	return v
}

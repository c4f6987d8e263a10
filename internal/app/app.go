package app

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"timerbot/internal/adapters/discord"
	"timerbot/internal/clock"
	"timerbot/internal/commands"
	"timerbot/internal/config"
	"timerbot/internal/eventbus"
	"timerbot/internal/housekeeping"
	"timerbot/internal/metrics"
	"timerbot/internal/observability"
	"timerbot/internal/router"
	"timerbot/internal/runtime/supervisor"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/transport"
	"timerbot/pkg/logx"
	"timerbot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *discord.Adapter
	reg     *timer.Registry
	router  *router.Manager
	metrics *metrics.Metrics
	house   *housekeeping.Service
	obs     *observability.Service
	sd      *systemd.Notifier

	audioOn atomic.Bool
	cueDir  string
	started time.Time

	updates chan transport.Update
}

func New(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	cueDir, connectTimeout, _ := mapAudio(cfg)
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "discord"))
	ad, err := discord.New(discord.Config{
		Token:          cfg.Discord.Token,
		CueDir:         cueDir,
		ConnectTimeout: connectTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with channel logging off so Apply does not warn about a
	// missing target, then set the target and apply the real config.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Channel.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChannelTarget(cfg.Discord.LogChannelID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	var store storage.Store
	defer func() { releaseOnError(err, store, logSvc) }()

	bus := eventbus.New()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	limits, fallback, err := mapLimits(cfg)
	if err != nil {
		return nil, err
	}
	var backend timer.DefaultsBackend
	if store != nil {
		backend = store
	}
	defaults := timer.NewDefaultDurationStore(fallback, backend, root.With(logx.String("comp", "defaults")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		cueDir:  cueDir,
		sd:      systemd.NewNotifier(root.With(logx.String("comp", "systemd"))),
		updates: make(chan transport.Update, 256),
	}
	a.audioOn.Store(cueDir != "")

	a.reg = timer.New(limits, timer.Deps{
		Clock:    clock.Real(),
		Defaults: defaults,
		Notify:   notifySink{ad: ad},
		Audio:    audioSink{player: ad, enabled: &a.audioOn},
	}, root, bus)

	ropts, err := mapRouterOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.router = router.New(ropts, ad, root.With(logx.String("comp", "commands")))

	var audit commands.AuditReader
	if store != nil {
		audit = store
	}
	cmds := commands.New(a.reg, audit, root.With(logx.String("comp", "timers.cmd")))
	if tz := strings.TrimSpace(cfg.Housekeeping.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			cmds.SetLocation(loc)
		}
	}
	a.router.SetRegistry(cmds.Commands())

	a.metrics = metrics.New(metrics.Sources{
		ActiveTimers: a.reg.Count,
		BusDropped:   bus.Dropped,
		LogDropped:   logSvc.Dropped,
	})
	a.router.SetObserver(a.metrics.ObserveCommand)
	a.router.OnGone(a.forget)

	hk, err := mapHousekeeping(cfg)
	if err != nil {
		return nil, err
	}
	var pruner housekeeping.Pruner
	if store != nil {
		pruner = store
	}
	a.house = housekeeping.New(hk, housekeeping.Deps{
		Stats:  a.stats,
		Pruner: pruner,
	}, root.With(logx.String("comp", "housekeeping")))

	oc, err := mapObservability(cfg)
	if err != nil {
		return nil, err
	}
	a.obs = observability.New(oc, observability.Handlers{
		Metrics: a.metrics.Handler(),
		Health:  a.health,
	}, root.With(logx.String("comp", "observability")))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.reg.Defaults().Load(lctx); err != nil {
		a.log.Warn("loading guild defaults failed; using fallback", logx.Err(err))
	}
	cancel()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("metrics.events", func(c context.Context) error {
		return a.metrics.Run(c, a.bus, a.log)
	})
	if a.store != nil {
		rec := &auditRecorder{store: a.store, log: a.log.With(logx.String("comp", "audit"))}
		a.sup.Go("audit.record", func(c context.Context) error {
			return rec.Run(c, a.bus)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; refresh drops are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.house.Start(a.sup.Context()); err != nil {
		a.log.Warn("housekeeping not started", logx.Err(err))
	}

	ln, err := systemd.Listener("observability")
	if err != nil {
		a.log.Warn("socket activation unavailable", logx.Err(err))
	} else if ln != nil {
		a.obs.UseListener(ln)
		a.log.Info("observability using socket-activated listener", logx.String("addr", ln.Addr().String()))
	}
	a.obs.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.sd.Ready()
	a.sd.Status("running, %d guild defaults", a.reg.Defaults().Len())
	a.log.Info("app started")
	return nil
}

// reloadLoop is the hot reload fan-out.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			newCfg = drainLatest(sub, newCfg)
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restartRequired(oldCfg, newCfg) {
		a.log.Warn("discord token, storage or audio cue_dir changed; restart required for changes to take effect")
	}

	// target first so Apply does not warn when channel logging is on
	a.logs.SetChannelTarget(newCfg.Discord.LogChannelID)
	a.logs.Apply(mapLogging(newCfg))

	if limits, fallback, err := mapLimits(newCfg); err != nil {
		a.log.Warn("invalid timers config; keeping previous", logx.Err(err))
	} else {
		if err := a.reg.SetLimits(limits); err != nil {
			a.log.Warn("timer limits rejected; keeping previous", logx.Err(err))
		}
		a.reg.Defaults().SetFallback(fallback)
	}

	if opts, err := mapRouterOptions(newCfg); err != nil {
		a.log.Warn("invalid commands config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(opts)
	}

	cueDir, _, _ := mapAudio(newCfg)
	a.audioOn.Store(cueDir != "" && a.cueDir != "")

	if hk, err := mapHousekeeping(newCfg); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else if err := a.house.Apply(c, hk); err != nil {
		a.log.Warn("housekeeping reload failed", logx.Err(err))
	}

	if oc, err := mapObservability(newCfg); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(c, oc)
	}

	a.log.Info("config reloaded", fields...)
}

func restartRequired(oldCfg, newCfg *config.Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	if oldCfg.Discord.Token != newCfg.Discord.Token {
		return true
	}
	oldStore, _, _ := mapStorageConfig(oldCfg)
	newStore, _, _ := mapStorageConfig(newCfg)
	if oldStore != newStore {
		return true
	}
	oldDir, _, _ := mapAudio(oldCfg)
	newDir, _, _ := mapAudio(newCfg)
	return oldDir != newDir && newDir != ""
}

// releaseOnError closes what New opened when construction fails. The
// discord session is not connected until Start.
func releaseOnError(err error, store storage.Store, logs io.Closer) {
	if err == nil {
		return
	}
	if store != nil {
		_ = store.Close()
	}
	if logs != nil {
		_ = logs.Close()
	}
}

// forget drops the timers of a deleted channel or of a guild the bot has
// left, so they stop counting against the caps.
func (a *App) forget(g transport.Gone) {
	var stopped []timer.Snapshot
	if g.ChannelID != "" {
		stopped = a.reg.StopAllForChannel(g.ChannelID)
	} else if g.GuildID != "" {
		stopped = a.reg.StopAllForTenant(g.GuildID)
	}
	if len(stopped) > 0 {
		a.log.Info("timers removed with their target",
			logx.String("guild", g.GuildID),
			logx.String("channel", g.ChannelID),
			logx.Int("count", len(stopped)),
		)
	}
}

func (a *App) stats() []logx.Field {
	return []logx.Field{
		logx.Int("timers", a.reg.Count()),
		logx.Int("guild_defaults", a.reg.Defaults().Len()),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
		logx.Uint64("log_dropped", a.logs.Dropped()),
		logx.Int("goroutines", runtime.NumGoroutine()),
	}
}

func (a *App) health() observability.Health {
	h := observability.Health{
		Status: "ok",
		Uptime: time.Since(a.started).Truncate(time.Second).String(),
		Timers: a.reg.Count(),
	}
	if a.sup != nil {
		h.Goroutines = a.sup.Snapshot()
		if a.sup.Err() != nil {
			h.Status = "degraded"
		}
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	// Timers are not persisted; tear down silently before the adapter goes.
	step("timers", time.Second, func(context.Context) error { a.reg.Close(); return nil })
	step("observability", 2*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// command workers, audit recorder, config watch/reload
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

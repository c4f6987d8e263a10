package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/clock"
	"timerbot/internal/config"
	"timerbot/internal/eventbus"
	"timerbot/internal/router"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/transport"
	"timerbot/pkg/logx"
)

type fakeAdapter struct {
	sent    []string
	sendErr error
	editErr error
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(_ context.Context, channelID, text string) (transport.MessageRef, error) {
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChannelID: channelID, MessageID: "m1"}, nil
}

func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string) error {
	return f.editErr
}

func (f *fakeAdapter) Respond(context.Context, *transport.Interaction, string, bool) error {
	return nil
}

type fakePlayer struct {
	calls int
	err   error
}

func (p *fakePlayer) PlayCue(_ context.Context, _, _, _ string) error {
	p.calls++
	return p.err
}

func TestSinkErrMapping(t *testing.T) {
	assert.NoError(t, sinkErr(nil))

	err := sinkErr(transport.ErrNotFound)
	assert.ErrorIs(t, err, timer.ErrStaleTarget)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.NotErrorIs(t, err, timer.ErrSinkUnavailable)

	err = sinkErr(errors.New("gateway down"))
	assert.ErrorIs(t, err, timer.ErrSinkUnavailable)
	assert.NotErrorIs(t, err, timer.ErrStaleTarget)
}

func TestNotifySink(t *testing.T) {
	ad := &fakeAdapter{}
	s := notifySink{ad: ad}

	ref, err := s.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, timer.MessageRef{Channel: "c1", ID: "m1"}, ref)
	assert.Equal(t, []string{"hello"}, ad.sent)

	ad.editErr = transport.ErrNotFound
	assert.ErrorIs(t, s.Edit(context.Background(), ref, "x"), timer.ErrStaleTarget)

	ad.sendErr = errors.New("boom")
	_, err = s.Send(context.Background(), "c1", "again")
	assert.ErrorIs(t, err, timer.ErrSinkUnavailable)
}

func TestAudioSink(t *testing.T) {
	var on atomic.Bool
	p := &fakePlayer{}
	s := audioSink{player: p, enabled: &on}

	require.NoError(t, s.Play(context.Background(), "g", "c", timer.CueWarning))
	assert.Equal(t, 0, p.calls, "disabled sink does not play")

	on.Store(true)
	require.NoError(t, s.Play(context.Background(), "g", "c", timer.CueWarning))
	assert.Equal(t, 1, p.calls)

	p.err = transport.ErrNotVoiceChannel
	assert.NoError(t, s.Play(context.Background(), "g", "c", timer.CueExpired))

	p.err = transport.ErrVoiceUnavailable
	err := s.Play(context.Background(), "g", "c", timer.CueExpired)
	assert.ErrorIs(t, err, timer.ErrSinkUnavailable)
	assert.ErrorIs(t, err, transport.ErrVoiceUnavailable)

	assert.NoError(t, audioSink{}.Play(context.Background(), "g", "c", timer.CueExpired))
}

func TestAuditEntry(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e, ok := auditEntry(eventbus.Event{
		Type: timer.EventSinkError,
		Time: at,
		Data: timer.EventData{
			TimerID:   "t1",
			Channel:   "c1",
			Tenant:    "g1",
			Label:     "tea",
			Duration:  90 * time.Second,
			Remaining: 30 * time.Second,
			Reason:    "edit",
			Error:     "gone",
		},
	})
	require.True(t, ok)
	assert.Equal(t, storage.AuditEntry{
		At:          at,
		Event:       timer.EventSinkError,
		TimerID:     "t1",
		GuildID:     "g1",
		ChannelID:   "c1",
		Label:       "tea",
		DurationMS:  90000,
		RemainingMS: 30000,
		Detail:      "edit: gone",
	}, e)

	_, ok = auditEntry(eventbus.Event{Type: timer.EventRefreshDropped, Data: timer.EventData{}})
	assert.False(t, ok)
	_, ok = auditEntry(eventbus.Event{Type: timer.EventStarted, Data: "not event data"})
	assert.False(t, ok)
}

func TestAuditRecorderPersistsLifecycle(t *testing.T) {
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "timerbot.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	rec := &auditRecorder{store: store, log: logx.Nop()}
	go func() { done <- rec.Run(ctx, bus) }()

	fc := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	reg := timer.New(timer.DefaultLimits(), timer.Deps{Clock: fc}, logx.Nop(), bus)
	defer reg.Close()

	// the subscription is registered by the goroutine; publish until seen
	require.Eventually(t, func() bool {
		if _, err := reg.Start("c1", "g1", time.Minute, "tea"); err != nil {
			return false
		}
		got, err := store.RecentAudit(context.Background(), "g1", 10)
		return err == nil && len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	fc.Advance(time.Second)
	_, err = reg.Stop("c1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := store.RecentAudit(context.Background(), "g1", 1)
		return err == nil && len(got) == 1 && got[0].Event == timer.EventStopped
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestReleaseOnError(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "timerbot.json")}, logx.Nop())
	require.NoError(t, err)
	logs := &closeCounter{}

	releaseOnError(nil, store, logs)
	require.NoError(t, store.AppendAudit(ctx, storage.AuditEntry{Event: timer.EventStarted, GuildID: "g"}))
	assert.Zero(t, logs.n)

	releaseOnError(errors.New("bad observability config"), store, logs)
	assert.ErrorIs(t, store.AppendAudit(ctx, storage.AuditEntry{Event: timer.EventStarted, GuildID: "g"}), storage.ErrDisabled)
	assert.Equal(t, 1, logs.n)

	releaseOnError(errors.New("no store yet"), nil, nil)
}

func TestRemovedTargetsReleaseCapacity(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	limits := timer.DefaultLimits()
	limits.MaxPerTenant = 3
	reg := timer.New(limits, timer.Deps{Clock: fc}, logx.Nop(), eventbus.New())
	t.Cleanup(reg.Close)
	a := &App{reg: reg, log: logx.Nop()}

	for _, ch := range []string{"c1", "c2", "c3"} {
		_, err := reg.Start(ch, "g", time.Hour, "")
		require.NoError(t, err)
	}
	_, err := reg.Start("d1", "h", time.Hour, "")
	require.NoError(t, err)
	_, err = reg.Start("c4", "g", time.Hour, "")
	require.ErrorIs(t, err, timer.ErrCapacityExceeded)

	m := router.New(router.Options{}, &fakeAdapter{}, logx.Nop())
	m.OnGone(a.forget)
	ctx := context.Background()

	m.Route(ctx, transport.Update{Kind: transport.UpdateChannelGone, Gone: &transport.Gone{GuildID: "g", ChannelID: "c1"}})
	assert.Equal(t, 3, reg.Count())
	_, err = reg.Start("c4", "g", time.Hour, "")
	require.NoError(t, err, "a deleted channel frees its slot")

	m.Route(ctx, transport.Update{Kind: transport.UpdateGuildGone, Gone: &transport.Gone{GuildID: "g"}})
	assert.Equal(t, 1, reg.Count())
	assert.Zero(t, reg.CountTenant("g"))
	_, err = reg.Status("d1")
	assert.NoError(t, err, "other guilds keep their timers")
}

func TestMapLimits(t *testing.T) {
	l, fallback, err := mapLimits(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, timer.DefaultLimits(), l)
	assert.Equal(t, timer.DefaultFallback, fallback)

	l, fallback, err = mapLimits(&config.Config{Timers: config.TimersConfig{
		MaxPerGuild:     3,
		MaxTotal:        9,
		MaxDuration:     "2h",
		DefaultDuration: "25m",
		WarningWindow:   "30s",
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, l.MaxPerTenant)
	assert.Equal(t, 9, l.MaxTotal)
	assert.Equal(t, 2*time.Hour, l.MaxDuration)
	assert.Equal(t, 30*time.Second, l.WarningWindow)
	assert.Equal(t, 25*time.Minute, fallback)

	_, _, err = mapLimits(&config.Config{Timers: config.TimersConfig{MaxDuration: "1h", DefaultDuration: "2h"}})
	assert.ErrorIs(t, err, timer.ErrDurationOutOfRange)

	_, _, err = mapLimits(&config.Config{Timers: config.TimersConfig{WarningWindow: "soon"}})
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: "./t.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "./t.db", BusyTimeout: time.Second}, sc)

	sc, enabled, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{
		Driver: "redis",
		Redis:  &config.RedisConfig{Addr: " 127.0.0.1:6379 ", DB: 2, KeyPrefix: "tb:"},
	}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "127.0.0.1:6379", sc.Redis.Addr)
	assert.Equal(t, 2, sc.Redis.DB)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	assert.Error(t, err)
	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}})
	assert.Error(t, err)
	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "etcd"}})
	assert.Error(t, err)
}

func TestMapRouterOptions(t *testing.T) {
	opts, err := mapRouterOptions(&config.Config{
		Discord:  config.DiscordConfig{AdminUserIDs: []string{"u1"}},
		Commands: config.CommandsConfig{Prefix: "!t", Timeout: "3s", RatePerMinute: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, "!t", opts.Prefix)
	assert.Equal(t, 3*time.Second, opts.Timeout)
	assert.Equal(t, -1, opts.RatePerMinute)
	assert.Equal(t, []string{"u1"}, opts.Admins)

	_, err = mapRouterOptions(&config.Config{Commands: config.CommandsConfig{Timeout: "x"}})
	assert.Error(t, err)
}

func TestMapObservabilityDefaults(t *testing.T) {
	oc, err := mapObservability(&config.Config{Observability: config.ObservabilityConfig{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultObservAddr, oc.Addr)
	assert.Equal(t, 5*time.Second, oc.ReadTimeout)
	assert.Equal(t, 60*time.Second, oc.IdleTimeout)
}

func TestMapAudio(t *testing.T) {
	dir, timeout, err := mapAudio(&config.Config{Audio: config.AudioConfig{CueDir: "./cues"}})
	require.NoError(t, err)
	assert.Empty(t, dir, "disabled audio has no cue dir")
	assert.Equal(t, 5*time.Second, timeout)

	dir, _, err = mapAudio(&config.Config{Audio: config.AudioConfig{Enabled: true, CueDir: " ./cues ", ConnectTimeout: "2s"}})
	require.NoError(t, err)
	assert.Equal(t, "./cues", dir)
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := &config.Config{
		Discord:      config.DiscordConfig{Token: "x"},
		Housekeeping: config.HousekeepingConfig{Enabled: true, Timezone: "Mars/Olympus"},
	}
	assert.Error(t, ValidateConfig(cfg))

	cfg.Housekeeping.Timezone = "UTC"
	assert.NoError(t, ValidateConfig(cfg))
}

func TestRestartRequired(t *testing.T) {
	base := &config.Config{Discord: config.DiscordConfig{Token: "a"}}
	same := &config.Config{Discord: config.DiscordConfig{Token: "a", AdminUserIDs: []string{"u"}}}
	assert.False(t, restartRequired(base, same))

	token := &config.Config{Discord: config.DiscordConfig{Token: "b"}}
	assert.True(t, restartRequired(base, token))

	store := &config.Config{Discord: base.Discord, Storage: &config.StorageConfig{Driver: "file", Path: "x.json"}}
	assert.True(t, restartRequired(base, store))

	audio := &config.Config{Discord: base.Discord, Audio: config.AudioConfig{Enabled: true, CueDir: "cues"}}
	assert.True(t, restartRequired(base, audio))
	assert.False(t, restartRequired(audio, base), "turning audio off applies live")
}

func TestDrainLatest(t *testing.T) {
	ch := make(chan *config.Config, 4)
	a, b, c := &config.Config{}, &config.Config{}, &config.Config{}
	ch <- b
	ch <- nil
	ch <- c
	assert.Same(t, c, drainLatest(ch, a))
	assert.Same(t, a, drainLatest(ch, a))
}

func TestDescribeMarksDefaultsAndHidesSecrets(t *testing.T) {
	cfg := &config.Config{
		Discord:  config.DiscordConfig{Token: "secret-token"},
		Timers:   config.TimersConfig{MaxPerGuild: 3, DefaultDuration: "25m"},
		Commands: config.CommandsConfig{RatePerMinute: -1},
		Storage:  &config.StorageConfig{Driver: "redis", Redis: &config.RedisConfig{Addr: "127.0.0.1:6379", Password: "pw"}},
	}
	got := map[string]Setting{}
	for _, s := range Describe(cfg) {
		got[s.Section+"."+s.Key] = s
	}

	assert.Equal(t, "(set)", got["discord.token"].Value)
	assert.Equal(t, Setting{Section: "timers", Key: "max_per_guild", Value: "3"}, got["timers.max_per_guild"])
	assert.Equal(t, "25m", got["timers.default_duration"].Value)
	assert.False(t, got["timers.default_duration"].Default)
	assert.Equal(t, "24h", got["timers.max_duration"].Value)
	assert.True(t, got["timers.max_duration"].Default)
	assert.Equal(t, "off", got["commands.rate_per_minute"].Value)
	assert.Equal(t, "!timer", got["commands.prefix"].Value)
	assert.Equal(t, "(set)", got["storage.redis.password"].Value)
	assert.NotContains(t, got, "storage.path")

	for _, s := range got {
		assert.NotContains(t, s.Value, "secret-token")
		assert.NotEqual(t, "pw", s.Value)
	}
}

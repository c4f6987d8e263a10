package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/clock"
	"timerbot/internal/router"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/transport"
	"timerbot/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }
func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string) error {
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, channelID, text string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChannelID: channelID, MessageID: "m"}, nil
}

func (f *fakeAdapter) Respond(_ context.Context, _ *transport.Interaction, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeAudit struct {
	entries []storage.AuditEntry
	limit   int
	err     error
}

func (a *fakeAudit) RecentAudit(_ context.Context, _ string, limit int) ([]storage.AuditEntry, error) {
	a.limit = limit
	if a.err != nil {
		return nil, a.err
	}
	return a.entries[:min(limit, len(a.entries))], nil
}

// liveNotify records status pushes made through the registry.
type liveNotify struct {
	mu    sync.Mutex
	sends []string
	edits int
}

func (n *liveNotify) Send(_ context.Context, channel, _ string) (timer.MessageRef, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, channel)
	return timer.MessageRef{Channel: channel, ID: "live-" + channel}, nil
}

func (n *liveNotify) Edit(context.Context, timer.MessageRef, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.edits++
	return nil
}

func (n *liveNotify) pushes() (sends []string, edits int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sends...), n.edits
}

type harness struct {
	clk    *clock.Fake
	reg    *timer.Registry
	mod    *Module
	ad     *fakeAdapter
	notify *liveNotify
}

func newHarness(t *testing.T, limits timer.Limits, audit AuditReader) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	defaults := timer.NewDefaultDurationStore(timer.DefaultFallback, nil, logx.Nop())
	notify := &liveNotify{}
	reg := timer.New(limits, timer.Deps{Clock: clk, Defaults: defaults, Notify: notify}, logx.Nop(), nil)
	t.Cleanup(reg.Close)
	return &harness{clk: clk, reg: reg, mod: New(reg, audit, logx.Nop()), ad: &fakeAdapter{}, notify: notify}
}

func (h *harness) req(channel string, args ...string) *router.Request {
	return &router.Request{
		GuildID:   "g1",
		ChannelID: channel,
		UserID:    "u1",
		Args:      args,
		Admin:     true,
		Adapter:   h.ad,
		Logger:    logx.Nop(),
	}
}

func userMsg(t *testing.T, err error) string {
	t.Helper()
	ue, ok := router.AsUserError(err)
	require.True(t, ok, "expected a user error, got %v", err)
	return ue.Msg
}

func TestStartWithDurationAndLabel(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	require.NoError(t, h.mod.start(context.Background(), h.req("c1", "90s", "tea", "break")))
	assert.Equal(t, "▶️ Timer **tea break** started for 90s, ends at 10:01:30.", h.ad.last())

	s, err := h.reg.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, s.Duration)
	assert.Equal(t, "tea break", s.Label)
}

func TestStartUsesGuildDefault(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	require.NoError(t, h.mod.start(context.Background(), h.req("c1", "standup")))
	assert.Contains(t, h.ad.last(), "**standup** started for 5m")

	require.NoError(t, h.reg.SetDefault(context.Background(), "g1", 10*time.Minute))
	require.NoError(t, h.mod.start(context.Background(), h.req("c2")))
	assert.Equal(t, "▶️ Timer started for 10m, ends at 10:10:00.", h.ad.last())
}

func TestStartReplacesAndSaysSo(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	require.NoError(t, h.mod.start(context.Background(), h.req("c1", "5m", "first")))
	h.clk.Advance(30 * time.Second)
	require.NoError(t, h.mod.start(context.Background(), h.req("c1", "1m")))
	assert.Contains(t, h.ad.last(), "🔁 Replaced **first** (4:30 left).")
	assert.Equal(t, 1, h.reg.Count())
}

func TestStartRejectsBadDurations(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)

	err := h.mod.start(context.Background(), h.req("c1", "5x"))
	assert.ErrorIs(t, err, timer.ErrInvalidDurationFormat)
	assert.Contains(t, userMsg(t, err), "allowed range is 1s to 24h")

	err = h.mod.start(context.Background(), h.req("c1", "25h"))
	assert.ErrorIs(t, err, timer.ErrDurationOutOfRange)
	assert.Equal(t, "25h is out of range, allowed range is 1s to 24h", userMsg(t, err))
	assert.Equal(t, 0, h.reg.Count())
}

func TestTimersNeedAServer(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	req := h.req("dm")
	req.GuildID = ""

	err := h.mod.start(context.Background(), req)
	assert.ErrorIs(t, err, timer.ErrNoTenant)
	assert.Equal(t, "timers only work in servers", userMsg(t, err))
}

func TestStartNamesTheCapHit(t *testing.T) {
	limits := timer.DefaultLimits()
	limits.MaxPerTenant = 1
	limits.MaxTotal = 2
	h := newHarness(t, limits, nil)
	ctx := context.Background()

	require.NoError(t, h.mod.start(ctx, h.req("c1", "5m")))
	err := h.mod.start(ctx, h.req("c2", "5m"))
	assert.Contains(t, userMsg(t, err), "this server already has the maximum of 1 running timers")

	other := h.req("c3", "5m")
	other.GuildID = "g2"
	require.NoError(t, h.mod.start(ctx, other))
	other = h.req("c4", "5m")
	other.GuildID = "g3"
	err = h.mod.start(ctx, other)
	assert.Contains(t, userMsg(t, err), "global limit of 2 running timers")
}

func TestPauseToggleAndResume(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	ctx := context.Background()
	require.NoError(t, h.mod.start(ctx, h.req("c1", "5m")))
	h.clk.Advance(time.Minute)

	require.NoError(t, h.mod.pause(ctx, h.req("c1")))
	assert.Equal(t, "⏸️ Paused the timer with 4:00 left.", h.ad.last())

	h.clk.Advance(time.Hour)
	require.NoError(t, h.mod.pause(ctx, h.req("c1")))
	assert.Equal(t, "▶️ Resumed the timer, 4:00 left, ends at 11:05:00.", h.ad.last())

	require.NoError(t, h.mod.resume(ctx, h.req("c1")))
	assert.Contains(t, h.ad.last(), "▶️ Resumed")
}

func TestStopAndNotFound(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	ctx := context.Background()

	err := h.mod.stop(ctx, h.req("c1"))
	assert.Equal(t, "there is no timer in this channel", userMsg(t, err))

	require.NoError(t, h.mod.start(ctx, h.req("c1", "2m", "eggs")))
	h.clk.Advance(15 * time.Second)
	require.NoError(t, h.mod.stop(ctx, h.req("c1")))
	assert.Equal(t, "⏹️ Stopped **eggs** with 1:45 left.", h.ad.last())
	assert.Equal(t, 0, h.reg.Count())
}

func TestDefaultCommand(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	ctx := context.Background()

	require.NoError(t, h.mod.setDefault(ctx, h.req("c1")))
	assert.Equal(t, "Default duration for this server is 5m (allowed 1s to 24h).", h.ad.last())

	nonAdmin := h.req("c1", "10m")
	nonAdmin.Admin = false
	err := h.mod.setDefault(ctx, nonAdmin)
	assert.Contains(t, userMsg(t, err), "only bot admins")

	err = h.mod.setDefault(ctx, h.req("c1", "48h"))
	assert.Contains(t, userMsg(t, err), "allowed range is 1s to 24h")

	require.NoError(t, h.mod.setDefault(ctx, h.req("c1", "10m")))
	assert.Equal(t, 10*time.Minute, h.reg.Defaults().Get("g1"))
	assert.Contains(t, h.ad.last(), "now 10m")
}

func TestStatusAndList(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	ctx := context.Background()

	require.NoError(t, h.mod.list(ctx, h.req("c1")))
	assert.Equal(t, "No timers running in this server.", h.ad.last())

	require.NoError(t, h.mod.start(ctx, h.req("c2", "10m", "b")))
	require.NoError(t, h.mod.start(ctx, h.req("c1", "5m", "a")))
	_, err := h.reg.Pause("c2")
	require.NoError(t, err)

	require.NoError(t, h.mod.status(ctx, h.req("c1")))
	assert.Equal(t, "⏳ **a** 5:00 remaining of 5m, ends at 10:05:00", h.ad.last())
	sends, _ := h.notify.pushes()
	assert.Equal(t, []string{"c1"}, sends, "status brings up the live message")

	require.NoError(t, h.mod.status(ctx, h.req("c2")))
	sends, edits := h.notify.pushes()
	assert.Equal(t, []string{"c1"}, sends, "paused timers are not pushed")
	assert.Zero(t, edits)

	require.NoError(t, h.mod.list(ctx, h.req("c1")))
	assert.Equal(t, "📋 **Timers** (2/10)\n"+
		"• <#c1> 5:00 left of 5m - a\n"+
		"• <#c2> 10:00 left of 10m - b (paused)", h.ad.last())
}

func TestHistory(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, timer.DefaultLimits(), nil)
	err := h.mod.history(ctx, h.req("c1"))
	assert.Contains(t, userMsg(t, err), "not enabled")

	audit := &fakeAudit{entries: []storage.AuditEntry{
		{At: t0.Add(2 * time.Minute), Event: "timer.expired", ChannelID: "c1", Label: "tea", DurationMS: 120000},
		{At: t0, Event: "timer.started", ChannelID: "c1", Label: "tea", DurationMS: 120000},
	}}
	h = newHarness(t, timer.DefaultLimits(), audit)

	require.NoError(t, h.mod.history(ctx, h.req("c1")))
	assert.Equal(t, defaultHistory, audit.limit)
	assert.Equal(t, "🗒️ **Recent activity**\n"+
		"• `03-01 10:02` expired <#c1> tea (2m)\n"+
		"• `03-01 10:00` started <#c1> tea (2m)", h.ad.last())

	require.NoError(t, h.mod.history(ctx, h.req("c1", "100")))
	assert.Equal(t, maxHistory, audit.limit)

	err = h.mod.history(ctx, h.req("c1", "zero"))
	assert.Contains(t, userMsg(t, err), "positive number")

	audit.err = errors.New("disk gone")
	err = h.mod.history(ctx, h.req("c1"))
	assert.Error(t, err)
	assert.False(t, router.IsUserError(err))
}

func TestCommandsRegisterWithRouter(t *testing.T) {
	h := newHarness(t, timer.DefaultLimits(), nil)
	routes := map[string]bool{}
	for _, c := range h.mod.Commands() {
		require.NotNil(t, c.Handle, c.Route)
		routes[c.Route] = true
	}
	for _, want := range []string{"start", "stop", "pause", "resume", "default", "status", "list", "history"} {
		assert.True(t, routes[want], want)
	}
}

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/transport"
	"timerbot/pkg/logx"
)

type sent struct {
	channel   string
	text      string
	ephemeral bool
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(_ context.Context, channelID, text string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{channel: channelID, text: text})
	return transport.MessageRef{ChannelID: channelID, MessageID: "m"}, nil
}

func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string) error { return nil }

func (f *fakeAdapter) Respond(_ context.Context, it *transport.Interaction, text string, ephemeral bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{channel: it.ChannelID, text: text, ephemeral: ephemeral})
	return nil
}

func (f *fakeAdapter) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func msg(content string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: "1", GuildID: "g1", ChannelID: "c1", AuthorID: "u1", Content: content,
	}}
}

func newManager(t *testing.T, opts Options, cmds ...Command) (*Manager, *fakeAdapter) {
	t.Helper()
	ad := &fakeAdapter{}
	m := New(opts, ad, logx.Nop())
	m.SetRegistry(cmds)
	return m, ad
}

func noop(context.Context, *Request) error { return nil }

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"start", "5m", "tea break", "--quiet"}, tokenize(`start 5m "tea break" --quiet`))
	assert.Equal(t, []string{"it's", "x"}, tokenize(`it\'s x`))
	assert.Equal(t, []string{"a", ""}, tokenize(`a ""`))
	assert.Nil(t, tokenize("   "))
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"5m", "--label=tea", "-n", "3", "--quiet", "-xy", "-1", "--", "--raw"})
	assert.Equal(t, []string{"5m", "-1", "--raw"}, pos)
	assert.Equal(t, map[string]string{"label": "tea", "n": "3"}, flags)
	assert.Equal(t, map[string]bool{"quiet": true, "x": true, "y": true}, bools)
}

func TestResolveMessage(t *testing.T) {
	m, _ := newManager(t, Options{}, Command{Route: "start", Aliases: []string{"go"}, Handle: noop})

	req, cmd, ok := m.resolve(context.Background(), msg(`!timer start 5m "tea break"`))
	require.True(t, ok)
	assert.Equal(t, "start", cmd.Route)
	assert.Equal(t, []string{"5m", "tea break"}, req.Args)
	assert.Equal(t, "g1", req.GuildID)
	assert.Equal(t, "c1", req.ChannelID)
	assert.NotEmpty(t, req.ReqID)
	assert.True(t, req.Admin, "no admins configured")

	_, cmd, ok = m.resolve(context.Background(), msg("!TIMER GO 1m"))
	require.True(t, ok)
	assert.Equal(t, "start", cmd.Route)
}

func TestResolveMessageIgnoresOtherText(t *testing.T) {
	m, ad := newManager(t, Options{}, Command{Route: "start", Handle: noop})

	for _, text := range []string{"hello", "!timers start", "timer start"} {
		_, _, ok := m.resolve(context.Background(), msg(text))
		assert.False(t, ok, text)
	}
	bot := msg("!timer start")
	bot.Message.FromBot = true
	_, _, ok := m.resolve(context.Background(), bot)
	assert.False(t, ok)
	assert.Empty(t, ad.messages())
}

func TestResolveUnknownCommandReplies(t *testing.T) {
	m, ad := newManager(t, Options{}, Command{Route: "start", Handle: noop})
	_, _, ok := m.resolve(context.Background(), msg("!timer launch"))
	assert.False(t, ok)
	got := ad.messages()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].text, `unknown command "launch"`)
}

func TestResolveBarePrefixIsHelp(t *testing.T) {
	m, _ := newManager(t, Options{}, Command{Route: "start", Handle: noop})
	_, cmd, ok := m.resolve(context.Background(), msg("!timer"))
	require.True(t, ok)
	assert.Equal(t, "help", cmd.Route)
}

func TestResolveInteraction(t *testing.T) {
	m, _ := newManager(t, Options{}, Command{Route: "start", Options: []string{"duration", "label"}, Handle: noop})
	up := transport.Update{Kind: transport.UpdateInteraction, Interaction: &transport.Interaction{
		ID: "i", GuildID: "g1", ChannelID: "c1", UserID: "u1",
		Name: "timer", Sub: "start",
		Options: map[string]string{"label": "tea break", "duration": "5m"},
	}}
	req, cmd, ok := m.resolve(context.Background(), up)
	require.True(t, ok)
	assert.Equal(t, "start", cmd.Route)
	assert.Equal(t, []string{"5m", "tea break"}, req.Args)
	assert.Same(t, up.Interaction, req.Interaction)

	up.Interaction.Name = "other"
	_, _, ok = m.resolve(context.Background(), up)
	assert.False(t, ok)
}

func TestAdminAccess(t *testing.T) {
	called := false
	m, ad := newManager(t, Options{Admins: []string{"boss"}}, Command{
		Route:  "default",
		Access: AccessAdmin,
		Handle: func(context.Context, *Request) error { called = true; return nil },
	})
	m.Route(context.Background(), msg("!timer default 10m"))
	assert.False(t, called)
	got := ad.messages()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].text, "admins")

	m.Apply(Options{})
	req, _, ok := m.resolve(context.Background(), msg("!timer default 10m"))
	require.True(t, ok)
	assert.True(t, req.Admin, "empty admin list admits everyone")
}

func TestRateLimit(t *testing.T) {
	m, ad := newManager(t, Options{RatePerMinute: 1}, Command{Route: "status", Handle: noop})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Route(context.Background(), msg("!timer status"))
	assert.Len(t, m.jobs, 1)
	assert.Empty(t, ad.messages())

	m.Route(context.Background(), msg("!timer status"))
	assert.Len(t, m.jobs, 1)
	got := ad.messages()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].text, "slow down")

	now = now.Add(time.Minute)
	m.Route(context.Background(), msg("!timer status"))
	assert.Len(t, m.jobs, 2)
}

func TestQueueFullRepliesBusy(t *testing.T) {
	m, ad := newManager(t, Options{QueueSize: 1, RatePerMinute: -1}, Command{Route: "status", Handle: noop})
	m.Route(context.Background(), msg("!timer status"))
	m.Route(context.Background(), msg("!timer status"))
	got := ad.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "busy, try again", got[0].text)
}

func TestRouteForwardsRemovals(t *testing.T) {
	m, ad := newManager(t, Options{}, Command{Route: "status", Handle: noop})
	var got []transport.Gone
	m.OnGone(func(g transport.Gone) { got = append(got, g) })

	ctx := context.Background()
	m.Route(ctx, transport.Update{Kind: transport.UpdateChannelGone, Gone: &transport.Gone{GuildID: "g1", ChannelID: "c1"}})
	m.Route(ctx, transport.Update{Kind: transport.UpdateGuildGone, Gone: &transport.Gone{GuildID: "g2"}})
	m.Route(ctx, transport.Update{Kind: transport.UpdateGuildGone})

	assert.Equal(t, []transport.Gone{{GuildID: "g1", ChannelID: "c1"}, {GuildID: "g2"}}, got)
	assert.Empty(t, ad.messages())
	assert.Empty(t, m.jobs)
}

func TestRunExecutesHandlersAndRepliesErrors(t *testing.T) {
	cause := errors.New("boom")
	m, ad := newManager(t, Options{RatePerMinute: -1},
		Command{Route: "bad", Handle: func(context.Context, *Request) error {
			return Userf(cause, "duration must be between 1s and 24h")
		}},
		Command{Route: "oops", Handle: func(context.Context, *Request) error { return cause }},
		Command{Route: "panic", Handle: func(context.Context, *Request) error { panic("kaboom") }},
		Command{Route: "echo", Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "echo "+req.Args[0])
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, updates) }()

	updates <- msg("!timer bad")
	updates <- msg("!timer oops")
	updates <- msg("!timer panic")
	updates <- msg("!timer echo hi")

	require.Eventually(t, func() bool { return len(ad.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	var texts []string
	for _, s := range ad.messages() {
		texts = append(texts, s.text)
	}
	assert.ElementsMatch(t, []string{
		"❌ duration must be between 1s and 24h",
		"❌ something went wrong, try again later",
		"echo hi",
	}, texts)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestHelpText(t *testing.T) {
	m, _ := newManager(t, Options{},
		Command{Route: "start", Aliases: []string{"go"}, Description: "start a timer", Usage: "start [duration] [label]", Handle: noop},
		Command{Route: "default", Access: AccessAdmin, Description: "set the guild default", Handle: noop},
	)
	top := m.helpText("!timer", nil)
	assert.Contains(t, top, "`!timer start` - start a timer")
	assert.Contains(t, top, "`!timer help`")

	one := m.helpText("!timer", []string{"GO"})
	assert.Contains(t, one, "**start**")
	assert.Contains(t, one, "Usage: `!timer start [duration] [label]`")

	assert.Contains(t, m.helpText("!timer", []string{"default"}), "Admins only.")
	assert.Contains(t, m.helpText("!timer", []string{"nope"}), "command not found")
}

func TestUserError(t *testing.T) {
	cause := errors.New("root")
	err := Userf(cause, "bad %s", "input")
	assert.Equal(t, "bad input", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsUserError(err))
	assert.False(t, IsUserError(cause))
}

// Package discord adapts a discordgo session to transport.Adapter and
// transport.VoicePlayer.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"timerbot/internal/transport"
	"timerbot/pkg/logx"
)

type Config struct {
	Token string
	// CueDir holds "<cue>.dca" files. Empty disables voice.
	CueDir         string
	ConnectTimeout time.Duration
}

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

type Adapter struct {
	cfg     Config
	log     logx.Logger
	session *discordgo.Session

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	removers  []func()

	// dropped counts updates lost because the consumer lagged; logged in
	// batches.
	dropped atomic.Uint64

	voice *voicePlayer
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = intents
	s.StateEnabled = true

	a := &Adapter{cfg: cfg, log: log, session: s}
	if strings.TrimSpace(cfg.CueDir) != "" {
		a.voice = newVoicePlayer(s, cfg.CueDir, cfg.ConnectTimeout, log.With(logx.String("comp", "voice")))
	}
	return a, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}

	push := func(up transport.Update) {
		select {
		case out <- up:
		default:
			a.dropped.Add(1)
		}
	}
	a.removers = append(a.removers,
		a.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.log.Info("discord ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if up, ok := messageUpdate(m); ok {
				push(up)
			}
		}),
		a.session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			if up, ok := interactionUpdate(i); ok {
				push(up)
			}
		}),
		a.session.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelDelete) {
			if up, ok := channelGoneUpdate(c); ok {
				push(up)
			}
		}),
		a.session.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildDelete) {
			if up, ok := guildGoneUpdate(g); ok {
				push(up)
			}
		}),
	)

	if err := a.session.Open(); err != nil {
		a.removeHandlersLocked()
		return fmt.Errorf("discord open: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.running = true
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-rctx.Done():
				a.flushDropped(cap(out))
				return
			case <-t.C:
				a.flushDropped(cap(out))
			}
		}
	}()
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) flushDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) removeHandlersLocked() {
	for _, rm := range a.removers {
		rm()
	}
	a.removers = nil
}

// Stop closes voice connections and the gateway. Waiting is bounded by
// ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.runCancel
	a.runCancel = nil
	a.removeHandlersLocked()
	a.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.voice != nil {
		a.voice.closeAll()
	}

	done := make(chan error, 1)
	go func() {
		err := a.session.Close()
		a.runWG.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		a.log.Info("gateway closed")
		return err
	case <-ctx.Done():
		a.log.Warn("discord stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (transport.MessageRef, error) {
	m, err := a.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	return transport.MessageRef{ChannelID: channelID, MessageID: m.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string) error {
	_, err := a.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, text, discordgo.WithContext(ctx))
	return mapError(err)
}

func (a *Adapter) Respond(ctx context.Context, it *transport.Interaction, text string, ephemeral bool) error {
	raw, ok := it.Raw.(*discordgo.Interaction)
	if !ok || raw == nil {
		return errors.New("discord: interaction payload missing")
	}
	data := &discordgo.InteractionResponseData{Content: text}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := a.session.InteractionRespond(raw, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(ctx))
	return mapError(err)
}

// PlayCue implements transport.VoicePlayer.
func (a *Adapter) PlayCue(ctx context.Context, guildID, channelID, cue string) error {
	if a.voice == nil {
		return transport.ErrVoiceUnavailable
	}
	return a.voice.play(ctx, guildID, channelID, cue)
}

func messageUpdate(m *discordgo.MessageCreate) (transport.Update, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return transport.Update{}, false
	}
	// DMs have no guild and no timers.
	if m.GuildID == "" {
		return transport.Update{}, false
	}
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:         m.ID,
			GuildID:    m.GuildID,
			ChannelID:  m.ChannelID,
			AuthorID:   m.Author.ID,
			AuthorName: m.Author.Username,
			Content:    m.Content,
			FromBot:    m.Author.Bot,
		},
	}, true
}

// interactionUpdate flattens an application command with at most one
// level of subcommand.
func interactionUpdate(i *discordgo.InteractionCreate) (transport.Update, bool) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand || i.GuildID == "" {
		return transport.Update{}, false
	}
	data := i.ApplicationCommandData()
	it := &transport.Interaction{
		ID:        i.ID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Name:      data.Name,
		Options:   map[string]string{},
		Raw:       i.Interaction,
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		it.UserID = i.Member.User.ID
	case i.User != nil:
		it.UserID = i.User.ID
	}

	opts := data.Options
	if len(opts) == 1 && (opts[0].Type == discordgo.ApplicationCommandOptionSubCommand ||
		opts[0].Type == discordgo.ApplicationCommandOptionSubCommandGroup) {
		it.Sub = opts[0].Name
		opts = opts[0].Options
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		it.Options[o.Name] = fmt.Sprint(o.Value)
	}
	return transport.Update{Kind: transport.UpdateInteraction, Interaction: it}, true
}

func channelGoneUpdate(c *discordgo.ChannelDelete) (transport.Update, bool) {
	if c == nil || c.Channel == nil || c.ID == "" {
		return transport.Update{}, false
	}
	return transport.Update{
		Kind: transport.UpdateChannelGone,
		Gone: &transport.Gone{GuildID: c.GuildID, ChannelID: c.ID},
	}, true
}

// guildGoneUpdate ignores outages: an unavailable guild comes back with its
// channels intact.
func guildGoneUpdate(g *discordgo.GuildDelete) (transport.Update, bool) {
	if g == nil || g.Guild == nil || g.ID == "" || g.Unavailable {
		return transport.Update{}, false
	}
	return transport.Update{
		Kind: transport.UpdateGuildGone,
		Gone: &transport.Gone{GuildID: g.ID},
	}, true
}

// mapError turns "unknown message/channel" REST failures into
// transport.ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
				return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
			}
		}
		if rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
		}
	}
	return err
}

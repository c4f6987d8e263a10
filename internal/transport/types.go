package transport

import (
	"context"
	"errors"
)

// ErrNotFound reports that a message or channel targeted by Edit/Send no
// longer exists on the platform.
var ErrNotFound = errors.New("transport: target not found")

// ErrVoiceUnavailable reports that a voice connection could not be
// established (or playback could not run).
var ErrVoiceUnavailable = errors.New("transport: voice unavailable")

// ErrNotVoiceChannel reports a cue request for a channel without voice.
var ErrNotVoiceChannel = errors.New("transport: not a voice channel")

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateInteraction UpdateKind = "interaction"
	// UpdateChannelGone and UpdateGuildGone report a deleted channel or a
	// guild the bot no longer belongs to. They carry Gone.
	UpdateChannelGone UpdateKind = "channel_gone"
	UpdateGuildGone   UpdateKind = "guild_gone"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Interaction *Interaction
	Gone        *Gone
}

// Gone identifies a channel or guild that disappeared. ChannelID is empty
// for UpdateGuildGone.
type Gone struct {
	GuildID   string
	ChannelID string
}

type Message struct {
	ID         string
	GuildID    string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Content    string
	FromBot    bool
}

// Interaction is a flattened application command invocation:
// "/timer start duration:5m" arrives as Name="timer", Sub="start",
// Options={"duration":"5m"}.
type Interaction struct {
	ID        string
	GuildID   string
	ChannelID string
	UserID    string
	Name      string
	Sub       string
	Options   map[string]string

	// Raw is the adapter-specific payload needed to respond
	// (Discord: *discordgo.Interaction).
	Raw any
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, channelID, text string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string) error
	Respond(ctx context.Context, it *Interaction, text string, ephemeral bool) error
}

// VoicePlayer is implemented by adapters that can play a short audio cue in
// a voice channel.
type VoicePlayer interface {
	PlayCue(ctx context.Context, guildID, channelID, cue string) error
}

package discord

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/transport"
)

func TestMessageUpdate(t *testing.T) {
	up, ok := messageUpdate(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "!timer start 5m",
		Author:    &discordgo.User{ID: "u1", Username: "ann"},
	}})
	require.True(t, ok)
	assert.Equal(t, transport.UpdateMessage, up.Kind)
	assert.Equal(t, "g1", up.Message.GuildID)
	assert.Equal(t, "ann", up.Message.AuthorName)
	assert.False(t, up.Message.FromBot)

	_, ok = messageUpdate(&discordgo.MessageCreate{Message: &discordgo.Message{ChannelID: "dm", Author: &discordgo.User{ID: "u1"}}})
	assert.False(t, ok, "direct messages are ignored")
}

func TestInteractionUpdateFlattensSubcommand(t *testing.T) {
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "i1",
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "c1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "timer",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name: "start",
				Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "duration", Type: discordgo.ApplicationCommandOptionString, Value: "5m"},
					{Name: "label", Type: discordgo.ApplicationCommandOptionString, Value: "tea"},
				},
			}},
		},
	}}

	up, ok := interactionUpdate(i)
	require.True(t, ok)
	it := up.Interaction
	assert.Equal(t, "timer", it.Name)
	assert.Equal(t, "start", it.Sub)
	assert.Equal(t, "u1", it.UserID)
	assert.Equal(t, map[string]string{"duration": "5m", "label": "tea"}, it.Options)
	assert.Same(t, i.Interaction, it.Raw)
}

func TestGoneUpdates(t *testing.T) {
	up, ok := channelGoneUpdate(&discordgo.ChannelDelete{Channel: &discordgo.Channel{ID: "c1", GuildID: "g1"}})
	require.True(t, ok)
	assert.Equal(t, transport.UpdateChannelGone, up.Kind)
	assert.Equal(t, transport.Gone{GuildID: "g1", ChannelID: "c1"}, *up.Gone)

	up, ok = guildGoneUpdate(&discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1"}})
	require.True(t, ok)
	assert.Equal(t, transport.UpdateGuildGone, up.Kind)
	assert.Equal(t, "g1", up.Gone.GuildID)
	assert.Empty(t, up.Gone.ChannelID)

	_, ok = guildGoneUpdate(&discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1", Unavailable: true}})
	assert.False(t, ok, "outages keep timers")

	_, ok = channelGoneUpdate(&discordgo.ChannelDelete{})
	assert.False(t, ok)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))

	gone := &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage}}
	assert.ErrorIs(t, mapError(gone), transport.ErrNotFound)

	notFound := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	assert.ErrorIs(t, mapError(notFound), transport.ErrNotFound)

	other := errors.New("rate limited")
	assert.Same(t, other, mapError(other))
}

func TestReadDCA(t *testing.T) {
	var buf bytes.Buffer
	for _, frame := range [][]byte{{1, 2, 3}, {4, 5}} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, int16(len(frame))))
		buf.Write(frame)
	}
	frames, err := readDCA(&buf)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5}}, frames)

	_, err = readDCA(bytes.NewReader([]byte{5, 0, 1}))
	assert.Error(t, err, "truncated frame")
}

package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"timerbot/internal/timer"
	"timerbot/internal/transport"
)

// notifySink sends timer texts through the chat adapter.
type notifySink struct {
	ad transport.Adapter
}

func (s notifySink) Send(ctx context.Context, channel, content string) (timer.MessageRef, error) {
	ref, err := s.ad.SendText(ctx, channel, content)
	if err != nil {
		return timer.MessageRef{}, sinkErr(err)
	}
	return timer.MessageRef{Channel: ref.ChannelID, ID: ref.MessageID}, nil
}

func (s notifySink) Edit(ctx context.Context, ref timer.MessageRef, content string) error {
	return sinkErr(s.ad.EditText(ctx, transport.MessageRef{ChannelID: ref.Channel, MessageID: ref.ID}, content))
}

func sinkErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrNotFound):
		return fmt.Errorf("%w: %w", timer.ErrStaleTarget, err)
	default:
		return fmt.Errorf("%w: %w", timer.ErrSinkUnavailable, err)
	}
}

// audioSink plays cues in the timer's channel when it is a voice channel.
// Text channels are silently skipped.
type audioSink struct {
	player  transport.VoicePlayer
	enabled *atomic.Bool
}

func (s audioSink) Play(ctx context.Context, tenant, channel string, cue timer.Cue) error {
	if s.player == nil || (s.enabled != nil && !s.enabled.Load()) {
		return nil
	}
	err := s.player.PlayCue(ctx, tenant, channel, string(cue))
	switch {
	case err == nil, errors.Is(err, transport.ErrNotVoiceChannel):
		return nil
	default:
		return fmt.Errorf("%w: %w", timer.ErrSinkUnavailable, err)
	}
}

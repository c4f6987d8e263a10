package timer

import (
	"context"
	"fmt"
	"strings"
)

// MessageRef identifies a message previously sent through a
// NotificationSink.
type MessageRef struct {
	Channel string
	ID      string
}

// NotificationSink delivers text to a channel. Edit returns an error
// wrapping ErrStaleTarget when the message no longer exists.
type NotificationSink interface {
	Send(ctx context.Context, channel, content string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, content string) error
}

// Cue names an audio cue.
type Cue string

const (
	CueWarning Cue = "warning"
	CueExpired Cue = "expired"
)

// AudioSink plays a cue for a channel. Best-effort: failures are logged
// and never retried.
type AudioSink interface {
	Play(ctx context.Context, tenant, channel string, cue Cue) error
}

// Formatter renders the texts the registry pushes on its own.
type Formatter interface {
	Status(s Snapshot) string
	Expired(s Snapshot) string
}

// TextFormatter is the default plain-text Formatter.
type TextFormatter struct{}

func (TextFormatter) Status(s Snapshot) string {
	var b strings.Builder
	b.WriteString("⏳ ")
	if s.Label != "" {
		b.WriteString("**")
		b.WriteString(s.Label)
		b.WriteString("** ")
	}
	b.WriteString(FormatClock(s.Remaining))
	b.WriteString(" remaining of ")
	b.WriteString(FormatDuration(s.Duration))
	if s.State == Paused {
		b.WriteString(" (paused)")
	}
	return b.String()
}

func (TextFormatter) Expired(s Snapshot) string {
	if s.Label != "" {
		return fmt.Sprintf("⏰ **%s** is up! (%s)", s.Label, FormatDuration(s.Duration))
	}
	return fmt.Sprintf("⏰ Time is up! (%s)", FormatDuration(s.Duration))
}

type nopNotify struct{}

func (nopNotify) Send(context.Context, string, string) (MessageRef, error) {
	return MessageRef{}, nil
}
func (nopNotify) Edit(context.Context, MessageRef, string) error { return nil }

type nopAudio struct{}

func (nopAudio) Play(context.Context, string, string, Cue) error { return nil }

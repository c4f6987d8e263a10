package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"timerbot/internal/transport"
	"timerbot/pkg/logx"
)

const defaultConnectTimeout = 5 * time.Second

// voicePlayer joins a voice channel, streams a pre-encoded cue and leaves.
// Playback is serialized per guild since a bot has one voice connection
// per guild.
type voicePlayer struct {
	s       *discordgo.Session
	dir     string
	timeout time.Duration
	log     logx.Logger

	mu     sync.Mutex
	cues   map[string][][]byte
	guilds map[string]*sync.Mutex
}

func newVoicePlayer(s *discordgo.Session, dir string, timeout time.Duration, log logx.Logger) *voicePlayer {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &voicePlayer{
		s:       s,
		dir:     dir,
		timeout: timeout,
		log:     log,
		cues:    map[string][][]byte{},
		guilds:  map[string]*sync.Mutex{},
	}
}

func (p *voicePlayer) play(ctx context.Context, guildID, channelID, cue string) error {
	ch, err := p.s.State.Channel(channelID)
	if err != nil {
		if ch, err = p.s.Channel(channelID, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrVoiceUnavailable, mapError(err))
		}
	}
	if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
		return transport.ErrNotVoiceChannel
	}
	frames, err := p.load(cue)
	if err != nil {
		return err
	}

	lock := p.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	vc, err := p.connect(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	defer func() {
		if err := vc.Disconnect(); err != nil {
			p.log.Debug("voice disconnect failed", logx.String("guild", guildID), logx.Err(err))
		}
	}()

	_ = vc.Speaking(true)
	defer func() { _ = vc.Speaking(false) }()
	for _, f := range frames {
		select {
		case vc.OpusSend <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// connect races the join against the connect timeout. A connection that
// completes after the timeout is torn down.
func (p *voicePlayer) connect(ctx context.Context, guildID, channelID string) (*discordgo.VoiceConnection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	res := make(chan result, 1)
	go func() {
		vc, err := p.s.ChannelVoiceJoin(guildID, channelID, false, true)
		res <- result{vc: vc, err: err}
	}()

	t := time.NewTimer(p.timeout)
	defer t.Stop()
	select {
	case r := <-res:
		if r.err != nil {
			if r.vc != nil {
				_ = r.vc.Disconnect()
			}
			return nil, fmt.Errorf("%w: %v", transport.ErrVoiceUnavailable, r.err)
		}
		return r.vc, nil
	case <-t.C:
	case <-ctx.Done():
	}

	go func() {
		if r := <-res; r.vc != nil {
			_ = r.vc.Disconnect()
		}
	}()
	return nil, fmt.Errorf("%w: connect timed out after %s", transport.ErrVoiceUnavailable, p.timeout)
}

func (p *voicePlayer) guildLock(guildID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.guilds[guildID]
	if l == nil {
		l = &sync.Mutex{}
		p.guilds[guildID] = l
	}
	return l
}

func (p *voicePlayer) load(cue string) ([][]byte, error) {
	p.mu.Lock()
	frames, ok := p.cues[cue]
	p.mu.Unlock()
	if ok {
		return frames, nil
	}

	f, err := os.Open(filepath.Join(p.dir, filepath.Base(cue)+".dca"))
	if err != nil {
		return nil, fmt.Errorf("%w: cue %q: %v", transport.ErrVoiceUnavailable, cue, err)
	}
	defer f.Close()
	frames, err = readDCA(f)
	if err != nil {
		return nil, fmt.Errorf("cue %q: %w", cue, err)
	}

	p.mu.Lock()
	p.cues[cue] = frames
	p.mu.Unlock()
	return frames, nil
}

func (p *voicePlayer) closeAll() {
	p.s.RLock()
	vcs := make([]*discordgo.VoiceConnection, 0, len(p.s.VoiceConnections))
	for _, vc := range p.s.VoiceConnections {
		vcs = append(vcs, vc)
	}
	p.s.RUnlock()
	for _, vc := range vcs {
		_ = vc.Disconnect()
	}
}

// readDCA reads opus frames each prefixed by a little-endian int16 length.
func readDCA(r io.Reader) ([][]byte, error) {
	var frames [][]byte
	for {
		var n int16
		err := binary.Read(r, binary.LittleEndian, &n)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dca frame header: %w", err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("dca frame length %d", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("dca frame body: %w", err)
		}
		frames = append(frames, buf)
	}
}

package device

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/lukasbauer/insightchat/internal/audio"
)

// Speaker plays agent audio and capture cues. oto allows one context per
// process, so a single Speaker is shared by all playback.
type Speaker struct {
	ctx    *oto.Context
	format audio.Format
	logger *log.Logger

	mu     sync.Mutex
	stream *streamPlayer
}

// NewSpeaker opens the default output device in format f.
func NewSpeaker(f audio.Format, logger *log.Logger) (*Speaker, error) {
	if logger == nil {
		logger = log.Default()
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, format: f, logger: logger}, nil
}

// Format returns the playback format.
func (s *Speaker) Format() audio.Format { return s.format }

// PlayCue plays a capture cue without waiting for it to finish.
func (s *Speaker) PlayCue(c audio.Cue) {
	pcm := audio.CueSound(c, s.format)
	if len(pcm) == 0 {
		return
	}
	p := s.ctx.NewPlayer(bytes.NewReader(pcm))
	p.Play()
	go func() {
		for p.IsPlaying() {
			time.Sleep(20 * time.Millisecond)
		}
		_ = p.Close()
	}()
}

// Stream returns the continuous sink used for agent speech. It is created on
// first use and reused until Close.
func (s *Speaker) Stream() audio.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || s.stream.isClosed() {
		s.stream = newStreamPlayer(s.ctx)
	}
	return s.stream
}

// Write queues agent speech on the current stream, so a Speaker can serve as
// the voice player across sessions.
func (s *Speaker) Write(pcm []byte) {
	s.Stream().Write(pcm)
}

// Close stops any agent playback. A later Write starts a new stream.
func (s *Speaker) Close() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// streamPlayer feeds an oto player from a growing buffer.
type streamPlayer struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newStreamPlayer(ctx *oto.Context) *streamPlayer {
	p := &streamPlayer{otoCtx: ctx}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *streamPlayer) Write(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.buf = append(p.buf, pcm...)
	if !p.playing {
		p.playing = true
		p.player = p.otoCtx.NewPlayer(p)
		p.player.Play()
	}
	p.cond.Signal()
}

// Read implements io.Reader for the oto player.
func (p *streamPlayer) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed && len(p.buf) == 0 {
		for i := range out {
			out[i] = 0
		}
		return len(out), nil
	}
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *streamPlayer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *streamPlayer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.buf = nil
	p.cond.Broadcast()
	player := p.player
	p.mu.Unlock()

	if player != nil {
		player.Pause()
		_ = player.Close()
	}
}

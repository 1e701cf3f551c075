// Package device binds the audio interfaces to the host sound system: malgo for
// capture and oto for playback.
package device

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/lukasbauer/insightchat/internal/audio"
)

const chunkBuffer = 64

// Microphone opens capture streams on the default input device. The voice
// session manager is its only caller.
type Microphone struct {
	logger *log.Logger
}

// NewMicrophone creates a microphone opener.
func NewMicrophone(logger *log.Logger) *Microphone {
	if logger == nil {
		logger = log.Default()
	}
	return &Microphone{logger: logger}
}

// Open starts capturing in format f.
func (m *Microphone) Open(ctx context.Context, f audio.Format) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	src := &micSource{
		format: f,
		chunks: make(chan []byte, chunkBuffer),
		mctx:   mctx,
		logger: m.logger,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { src.push(in) },
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	src.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return src, nil
}

type micSource struct {
	format audio.Format
	chunks chan []byte
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	logger *log.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

func (s *micSource) Format() audio.Format   { return s.format }
func (s *micSource) Chunks() <-chan []byte { return s.chunks }

// push runs on the device thread; it must not block.
func (s *micSource) push(in []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	buf := make([]byte, len(in))
	copy(buf, in)
	select {
	case s.chunks <- buf:
	default:
		s.dropped++
		if s.dropped%100 == 1 {
			s.logger.Printf("microphone: consumer is behind, dropped %d chunks", s.dropped)
		}
	}
}

func (s *micSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.dev.Stop()
	s.dev.Uninit()
	err := s.mctx.Uninit()
	s.mctx.Free()
	close(s.chunks)
	return err
}

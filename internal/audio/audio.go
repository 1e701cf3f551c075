// Package audio holds the PCM plumbing shared by speech capture and the voice
// transport: formats, capture sources, frame slicing, resampling and cue tones.
// All PCM is interleaved signed 16-bit little-endian.
package audio

import (
	"context"
	"time"
)

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameBytes returns the byte size of a frame of duration d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// Source is a running capture stream.
type Source interface {
	Format() Format
	// Chunks delivers captured PCM. It is closed when the source stops.
	Chunks() <-chan []byte
	Close() error
}

// Opener opens capture sources, typically a microphone.
type Opener interface {
	Open(ctx context.Context, f Format) (Source, error)
}

// Sink consumes PCM for playback.
type Sink interface {
	Write(pcm []byte)
	Close()
}

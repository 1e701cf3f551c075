package audio

import (
	"encoding/binary"
	"math"
)

// BytesToSamples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// SamplesToBytes encodes int16 samples as little-endian PCM.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Resample converts interleaved samples between sample rates using linear
// interpolation per channel.
func Resample(in []int16, channels, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 || channels <= 0 {
		return in
	}
	frames := len(in) / channels
	ratio := float64(toRate) / float64(fromRate)
	outFrames := int(float64(frames) * ratio)
	out := make([]int16, outFrames*channels)

	for i := 0; i < outFrames; i++ {
		src := float64(i) / ratio
		idx := int(src)
		frac := src - float64(idx)
		a, b := idx, idx+1
		if a >= frames {
			a = frames - 1
		}
		if b >= frames {
			b = frames - 1
		}
		for ch := 0; ch < channels; ch++ {
			s1 := float64(in[a*channels+ch])
			s2 := float64(in[b*channels+ch])
			out[i*channels+ch] = int16(math.Round(s1*(1-frac) + s2*frac))
		}
	}
	return out
}

// ToMono averages interleaved channels into one.
func ToMono(in []int16, channels int) []int16 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(in[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// MonoToStereo duplicates each sample into two channels.
func MonoToStereo(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, v := range in {
		out[i*2] = v
		out[i*2+1] = v
	}
	return out
}

// Convert reshapes samples from one format to another.
func Convert(in []int16, from, to Format) []int16 {
	s := in
	if from.Channels != to.Channels {
		s = ToMono(s, from.Channels)
		if to.Channels == 2 {
			s = MonoToStereo(s)
		}
	}
	return Resample(s, to.Channels, from.SampleRate, to.SampleRate)
}

// Framer slices a byte stream into fixed-size frames.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer creates a framer emitting frames of size bytes.
func NewFramer(size int) *Framer {
	return &Framer{size: size}
}

// Push appends data and returns every complete frame.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		f.buf = f.buf[f.size:]
		frames = append(frames, frame)
	}
	return frames
}

// Flush returns the remainder padded with silence, or nil when empty.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	return frame
}

// Pending returns the number of buffered bytes.
func (f *Framer) Pending() int {
	return len(f.buf)
}

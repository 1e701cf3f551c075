// Package codec converts between PCM and the Opus/RTP payloads carried by the
// voice transport.
package codec

import (
	"fmt"
	"time"

	"github.com/lukasbauer/insightchat/internal/audio"
	"gopkg.in/hraban/opus.v2"
)

// Transport format of the realtime audio track.
var Wire = audio.Format{SampleRate: 48000, Channels: 2}

// FrameDuration is the Opus frame length sent on the track.
const FrameDuration = 20 * time.Millisecond

// maxFrameSamples is 120ms at 48kHz, the largest Opus frame.
const maxFrameSamples = 5760

// Encoder turns PCM captured in any format into Opus frames in the wire format.
type Encoder struct {
	enc    *opus.Encoder
	input  audio.Format
	framer *audio.Framer
}

// NewEncoder creates an encoder for PCM captured in input format.
func NewEncoder(input audio.Format) (*Encoder, error) {
	enc, err := opus.NewEncoder(Wire.SampleRate, Wire.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(64000); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	return &Encoder{
		enc:    enc,
		input:  input,
		framer: audio.NewFramer(Wire.FrameBytes(FrameDuration)),
	}, nil
}

// Encode consumes a PCM chunk and returns the Opus frames completed by it.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	wire := audio.Convert(audio.BytesToSamples(pcm), e.input, Wire)
	var out [][]byte
	for _, frame := range e.framer.Push(audio.SamplesToBytes(wire)) {
		data, err := e.encodeFrame(frame)
		if err != nil {
			return out, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Flush encodes any buffered remainder padded with silence.
func (e *Encoder) Flush() ([]byte, error) {
	frame := e.framer.Flush()
	if frame == nil {
		return nil, nil
	}
	return e.encodeFrame(frame)
}

func (e *Encoder) encodeFrame(frame []byte) ([]byte, error) {
	data := make([]byte, 1024)
	n, err := e.enc.Encode(audio.BytesToSamples(frame), data)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return data[:n], nil
}

// Decoder turns inbound Opus payloads into PCM in an output format.
type Decoder struct {
	dec    *opus.Decoder
	output audio.Format
}

// NewDecoder creates a decoder producing PCM in output format.
func NewDecoder(output audio.Format) (*Decoder, error) {
	dec, err := opus.NewDecoder(Wire.SampleRate, Wire.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{dec: dec, output: output}, nil
}

// Decode decodes one Opus payload.
func (d *Decoder) Decode(payload []byte) ([]byte, error) {
	pcm := make([]int16, maxFrameSamples*Wire.Channels)
	n, err := d.dec.Decode(payload, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return audio.SamplesToBytes(audio.Convert(pcm[:n*Wire.Channels], Wire, d.output)), nil
}

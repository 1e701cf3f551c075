package codec

import (
	"sync"

	"github.com/pion/rtp"
)

// OpusPayloadType is the dynamic payload type negotiated for Opus.
const OpusPayloadType = 111

// Packetizer wraps Opus frames in RTP packets with running sequence numbers
// and timestamps.
type Packetizer struct {
	mu        sync.Mutex
	ssrc      uint32
	seq       uint16
	timestamp uint32
	step      uint32
}

// NewPacketizer creates a packetizer for 20ms frames at the wire clock rate.
func NewPacketizer(ssrc uint32) *Packetizer {
	return &Packetizer{
		ssrc: ssrc,
		step: uint32(Wire.SampleRate) * uint32(FrameDuration.Milliseconds()) / 1000,
	}
}

// Packet returns the next RTP packet carrying payload.
func (p *Packetizer) Packet(payload []byte) *rtp.Packet {
	p.mu.Lock()
	seq, ts := p.seq, p.timestamp
	p.seq++
	p.timestamp += p.step
	p.mu.Unlock()

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    OpusPayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// Payload extracts the Opus payload from a raw RTP packet.
func Payload(raw []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

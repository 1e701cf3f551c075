// Package rtc is the realtime voice transport: WebSocket signaling, a WebRTC
// peer connection carrying an Opus track each way, and a data channel for
// agent messages.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/insightchat/internal/audio"
	"github.com/lukasbauer/insightchat/internal/audio/codec"
	"github.com/lukasbauer/insightchat/internal/voice"
	"github.com/pion/webrtc/v4"
)

const (
	messageBuffer = 64
	audioBuffer   = 128
)

// SignalMessage is a signaling message exchanged with the media service.
type SignalMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Token     string `json:"token,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Config configures the transport.
type Config struct {
	ICEServers []string
	// Output is the format agent audio is decoded to.
	Output audio.Format
	Logger *log.Logger
}

// Transport implements voice.Transport with pion/webrtc.
type Transport struct {
	cfg    Config
	logger *log.Logger
}

// New creates a transport.
func New(cfg Config) *Transport {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.Output.SampleRate == 0 {
		cfg.Output = audio.Format{SampleRate: 48000, Channels: 2}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Connect joins the room and returns once the peer connection is established.
func (t *Transport) Connect(ctx context.Context, p voice.ConnectParams) (voice.Conn, error) {
	clientID := p.Identity
	if clientID == "" {
		clientID = "client"
	}
	clientID += "-" + uuid.NewString()[:8]

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.Token)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, p.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   uint32(codec.Wire.SampleRate),
			Channels:    uint16(codec.Wire.Channels),
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio-"+clientID,
		"stream-"+clientID,
	)
	if err != nil {
		pc.Close()
		ws.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		ws.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	c := newConn(clientID, ws, pc, t.logger, t.cfg.Output)
	c.track = track

	// Drain RTCP for the sender.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		_ = c.signal(SignalMessage{Type: "candidate", Candidate: cand.ToJSON().Candidate})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Printf("rtc: [%s] remote track %s", clientID, remote.ID())
		go c.readTrack(remote)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			c.deliver(msg.Data)
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Printf("rtc: [%s] connection state: %s", clientID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.joinOnce.Do(func() { close(c.joined) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.fail(fmt.Errorf("peer connection %s", state))
		}
	})

	go c.handleMessages()

	if err := c.signal(SignalMessage{Type: "join", Room: p.Room, ClientID: clientID, Token: p.Token}); err != nil {
		c.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	select {
	case <-c.joined:
		t.logger.Printf("rtc: [%s] joined room %s", clientID, p.Room)
		return c, nil
	case err := <-c.failed:
		c.Close()
		return nil, err
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   uint32(codec.Wire.SampleRate),
			Channels:    uint16(codec.Wire.Channels),
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: codec.OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.cfg.ICEServers}},
	})
}

type conn struct {
	id        string
	ws        *websocket.Conn
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticRTP
	logger    *log.Logger
	output    audio.Format
	packetize *codec.Packetizer

	msgs   chan []byte
	audio  chan []byte
	done   chan struct{}
	joined chan struct{}
	failed chan error
	// stopping is closed before the message channels so a blocked deliver
	// lets go of mu.
	stopping chan struct{}

	writeMu   sync.Mutex
	mu        sync.Mutex
	closed    bool
	joinOnce  sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, pc *webrtc.PeerConnection, logger *log.Logger, output audio.Format) *conn {
	return &conn{
		id:        id,
		ws:        ws,
		pc:        pc,
		logger:    logger,
		output:    output,
		msgs:      make(chan []byte, messageBuffer),
		audio:     make(chan []byte, audioBuffer),
		done:      make(chan struct{}),
		stopping:  make(chan struct{}),
		joined:    make(chan struct{}),
		failed:    make(chan error, 1),
		packetize: codec.NewPacketizer(uuid.New().ID()),
	}
}

func (c *conn) Messages() <-chan []byte { return c.msgs }
func (c *conn) Audio() <-chan []byte    { return c.audio }

// Publish encodes src to Opus and writes it to the local track until src ends.
func (c *conn) Publish(src audio.Source) error {
	enc, err := codec.NewEncoder(src.Format())
	if err != nil {
		return err
	}
	go func() {
		for chunk := range src.Chunks() {
			frames, err := enc.Encode(chunk)
			if err != nil {
				c.logger.Printf("rtc: [%s] encode: %v", c.id, err)
			}
			for _, f := range frames {
				if err := c.track.WriteRTP(c.packetize.Packet(f)); err != nil {
					if !errors.Is(err, io.ErrClosedPipe) {
						c.logger.Printf("rtc: [%s] write rtp: %v", c.id, err)
					}
					return
				}
			}
		}
	}()
	return nil
}

func (c *conn) readTrack(remote *webrtc.TrackRemote) {
	dec, err := codec.NewDecoder(c.output)
	if err != nil {
		c.logger.Printf("rtc: [%s] decoder: %v", c.id, err)
		return
	}
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		payload, err := codec.Payload(buf[:n])
		if err != nil || len(payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(payload)
		if err != nil {
			continue
		}
		c.mu.Lock()
		if !c.closed {
			select {
			case c.audio <- pcm:
			default:
			}
		}
		c.mu.Unlock()
	}
}

func (c *conn) handleMessages() {
	for {
		var msg SignalMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Printf("rtc: [%s] signaling read error: %v", c.id, err)
				c.fail(fmt.Errorf("signaling closed: %w", err))
			}
			return
		}

		switch msg.Type {
		case "offer":
			c.handleOffer(msg)
		case "answer":
			if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
				c.logger.Printf("rtc: [%s] set remote description: %v", c.id, err)
			}
		case "candidate":
			if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate}); err != nil {
				c.logger.Printf("rtc: [%s] add ICE candidate: %v", c.id, err)
			}
		case "data":
			c.deliver([]byte(msg.Data))
		case "error":
			c.fail(fmt.Errorf("join rejected: %s", msg.Error))
		}
	}
}

func (c *conn) handleOffer(msg SignalMessage) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		c.logger.Printf("rtc: [%s] set remote description: %v", c.id, err)
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.logger.Printf("rtc: [%s] create answer: %v", c.id, err)
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.logger.Printf("rtc: [%s] set local description: %v", c.id, err)
		return
	}
	_ = c.signal(SignalMessage{Type: "answer", SDP: answer.SDP})
}

func (c *conn) signal(msg SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// deliver hands an agent message to the manager, waiting for room in the
// buffer. Messages are only lost when the connection shuts down.
func (c *conn) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	b := append([]byte(nil), data...)
	select {
	case c.msgs <- b:
	case <-c.stopping:
		c.logger.Printf("rtc: [%s] connection closed, dropping message", c.id)
	}
}

// fail reports a connect failure or, once joined, ends the message stream so
// the manager sees the connection drop.
func (c *conn) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
	select {
	case <-c.joined:
		c.shutdown()
	default:
	}
}

func (c *conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stopping) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.msgs)
	close(c.audio)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.shutdown()
		if cerr := c.pc.Close(); cerr != nil {
			err = cerr
		}
		_ = c.ws.Close()
	})
	return err
}

// Package voice manages the realtime voice session: backend bootstrap, the
// transport connection, the published microphone track and inbound agent
// messages. The manager exclusively owns the microphone stream and the transport;
// other consumers such as speech recognition listen through its Tap.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lukasbauer/insightchat/internal/audio"
	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/failure"
)

const (
	eventBuffer     = 64
	teardownTimeout = 5 * time.Second
)

// ErrStartCanceled is returned by Start when Stop was called while connecting.
var ErrStartCanceled = errors.New("voice session start canceled")

// State is the session connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateEnding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the active voice session.
type Session struct {
	ID             string
	TranscriptID   string
	DisplayName    string
	RoomName       string
	URL            string
	Token          string
	TokenExpiresAt time.Time
	State          State
}

// StartRequest configures a new session.
type StartRequest struct {
	DisplayName  string
	TranscriptID string
}

// EventKind discriminates manager events.
type EventKind int

const (
	EventState EventKind = iota + 1
	EventMessage
)

// Event is emitted on the manager's event channel. State events carry the new
// state (and Err when entering StateError); message events carry an inbound
// data-channel message.
type Event struct {
	Kind      EventKind
	State     State
	SessionID string
	Err       error
	Message   Message
}

// Backend is the session bootstrap surface of the analytics backend.
type Backend interface {
	CreateVoiceSession(ctx context.Context, req backend.VoiceSessionRequest) (*backend.VoiceSessionInfo, error)
	IssueVoiceToken(ctx context.Context, sessionID string) (string, error)
	EndVoiceSession(ctx context.Context, sessionID string) error
}

// ConnectParams identify the room to join.
type ConnectParams struct {
	URL      string
	Room     string
	Token    string
	Identity string
}

// Transport opens realtime connections.
type Transport interface {
	Connect(ctx context.Context, p ConnectParams) (Conn, error)
}

// Conn is an open realtime connection.
type Conn interface {
	// Publish starts sending local audio read from src.
	Publish(src audio.Source) error
	// Messages delivers inbound data messages. It is closed when the
	// connection drops or is closed.
	Messages() <-chan []byte
	// Audio delivers decoded agent audio.
	Audio() <-chan []byte
	Close() error
}

// Config configures a Manager.
type Config struct {
	Backend    Backend
	Transport  Transport
	Microphone audio.Opener
	// Format is the capture format handed to the transport.
	Format audio.Format
	// Player receives agent audio while connected. Optional.
	Player audio.Sink
	Logger *log.Logger
}

// Manager is the voice session state machine.
type Manager struct {
	cfg    Config
	logger *log.Logger
	events chan Event

	// emitMu orders state events against forwarded messages; mu guards state.
	emitMu sync.Mutex
	mu     sync.Mutex

	state       State
	session     *Session
	conn        Conn
	mic         audio.Source
	tap         *audio.Tap
	gen         uint64
	stopPending bool
}

// NewManager creates an idle manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Format{SampleRate: 48000, Channels: 1}
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBuffer),
		tap:    audio.NewTap(),
	}
}

// Tap returns the opener through which other components hear the session
// microphone. Listeners receive audio while a session holds the microphone
// and are closed when the session returns to Idle.
func (m *Manager) Tap() *audio.Tap {
	return m.tap
}

// Events returns the manager's single event channel. It is never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	s := *m.session
	s.State = m.state
	return s, true
}

// ConnectedSession returns the session id when the session is connected.
func (m *Manager) ConnectedSession() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.session == nil {
		return "", false
	}
	return m.session.ID, true
}

// Start creates a session, issues a token, opens the microphone, connects the
// transport and publishes audio. Starting a connected session returns it
// unchanged. Any failure leaves the manager Idle with nothing open.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	m.emitMu.Lock()
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		s := *m.session
		s.State = m.state
		m.mu.Unlock()
		m.emitMu.Unlock()
		return &s, nil
	case StateIdle:
	default:
		st := m.state
		m.mu.Unlock()
		m.emitMu.Unlock()
		return nil, failure.New(failure.KindSessionBootstrapFailed, "start voice session", fmt.Errorf("session is %s", st))
	}
	m.state = StateConnecting
	m.stopPending = false
	m.session = &Session{DisplayName: req.DisplayName, TranscriptID: req.TranscriptID}
	m.mu.Unlock()
	m.send(Event{Kind: EventState, State: StateConnecting})
	m.emitMu.Unlock()

	info, err := m.cfg.Backend.CreateVoiceSession(ctx, backend.VoiceSessionRequest{
		DisplayName:  req.DisplayName,
		TranscriptID: req.TranscriptID,
	})
	if err != nil {
		return nil, m.fail("", nil, nil, asBootstrap("create voice session", err))
	}
	sessionID := info.SessionID

	token, err := m.cfg.Backend.IssueVoiceToken(ctx, sessionID)
	if err != nil {
		return nil, m.fail(sessionID, nil, nil, asBootstrap("issue voice token", err))
	}
	expires := tokenExpiry(token)
	if expires.IsZero() {
		m.logger.Printf("voice: token for session %s has no readable expiry", sessionID)
	}

	m.mu.Lock()
	m.session.ID = sessionID
	m.session.RoomName = info.RoomName
	m.session.URL = info.URL
	m.session.Token = token
	m.session.TokenExpiresAt = expires
	m.mu.Unlock()

	if m.cfg.Microphone == nil {
		return nil, m.fail(sessionID, nil, nil,
			failure.New(failure.KindTransportUnavailable, "open microphone", failure.ErrUnsupportedCapability))
	}
	device, err := m.cfg.Microphone.Open(ctx, m.cfg.Format)
	if err != nil {
		return nil, m.fail(sessionID, nil, nil,
			failure.New(failure.KindTransportUnavailable, "open microphone", fmt.Errorf("%w: %v", failure.ErrUnsupportedCapability, err)))
	}
	mic := m.tap.Attach(device)

	conn, err := m.cfg.Transport.Connect(ctx, ConnectParams{
		URL:      info.URL,
		Room:     info.RoomName,
		Token:    token,
		Identity: req.DisplayName,
	})
	if err != nil {
		return nil, m.fail(sessionID, mic, nil, failure.New(failure.KindSessionBootstrapFailed, "connect voice transport", err))
	}
	if err := conn.Publish(mic); err != nil {
		return nil, m.fail(sessionID, mic, conn, failure.New(failure.KindSessionBootstrapFailed, "publish audio", err))
	}

	m.emitMu.Lock()
	m.mu.Lock()
	if m.stopPending {
		m.mu.Unlock()
		m.emitMu.Unlock()
		m.logger.Printf("voice: session %s stopped while connecting", sessionID)
		m.teardown(sessionID, mic, conn, nil)
		return nil, ErrStartCanceled
	}
	m.state = StateConnected
	m.conn = conn
	m.mic = mic
	m.gen++
	gen := m.gen
	s := *m.session
	s.State = StateConnected
	m.mu.Unlock()
	m.send(Event{Kind: EventState, State: StateConnected, SessionID: sessionID})
	m.emitMu.Unlock()

	m.logger.Printf("voice: session %s connected to room %s", sessionID, info.RoomName)
	go m.readLoop(gen, conn)
	return &s, nil
}

// Stop ends the session: release the microphone, disconnect the transport and
// end the backend session. Backend teardown failures are logged and swallowed.
// Stopping while connecting cancels the start.
func (m *Manager) Stop(ctx context.Context) error {
	m.emitMu.Lock()
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		m.stopPending = true
		m.mu.Unlock()
		m.emitMu.Unlock()
		return nil
	case StateConnected:
	default:
		m.mu.Unlock()
		m.emitMu.Unlock()
		return nil
	}
	m.state = StateEnding
	m.gen++
	sessionID := m.session.ID
	mic, conn := m.mic, m.conn
	m.mic, m.conn = nil, nil
	m.mu.Unlock()
	m.send(Event{Kind: EventState, State: StateEnding, SessionID: sessionID})
	m.emitMu.Unlock()

	m.release(ctx, sessionID, mic, conn)
	m.setIdle(sessionID)
	m.logger.Printf("voice: session %s ended", sessionID)
	return nil
}

// fail moves Connecting to Error, cleans up and returns to Idle.
func (m *Manager) fail(sessionID string, mic audio.Source, conn Conn, err error) error {
	m.logger.Printf("voice: %v", err)
	failure.Report(err, map[string]string{"component": "voice"})
	m.teardown(sessionID, mic, conn, err)
	return err
}

// teardown releases partial resources, passing through Error when err is set.
func (m *Manager) teardown(sessionID string, mic audio.Source, conn Conn, err error) {
	if err != nil {
		m.emitMu.Lock()
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()
		m.send(Event{Kind: EventState, State: StateError, SessionID: sessionID, Err: err})
		m.emitMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	m.release(ctx, sessionID, mic, conn)
	m.setIdle(sessionID)
}

func (m *Manager) release(ctx context.Context, sessionID string, mic audio.Source, conn Conn) {
	if mic != nil {
		if err := mic.Close(); err != nil {
			m.logger.Printf("voice: release microphone: %v", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Printf("voice: disconnect transport: %v", err)
		}
	}
	if m.cfg.Player != nil {
		m.cfg.Player.Close()
	}
	if sessionID != "" {
		if err := m.cfg.Backend.EndVoiceSession(ctx, sessionID); err != nil {
			m.logger.Printf("voice: end session %s: %v", sessionID, err)
		}
	}
}

func (m *Manager) setIdle(sessionID string) {
	m.emitMu.Lock()
	m.mu.Lock()
	m.state = StateIdle
	m.session = nil
	m.stopPending = false
	m.mu.Unlock()
	m.tap.End()
	m.send(Event{Kind: EventState, State: StateIdle, SessionID: sessionID})
	m.emitMu.Unlock()
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	msgs, audioCh := conn.Messages(), conn.Audio()
	for msgs != nil || audioCh != nil {
		select {
		case data, ok := <-msgs:
			if !ok {
				msgs = nil
				m.connectionLost(gen)
				continue
			}
			msg, err := ParseMessage(data)
			if err != nil {
				m.logger.Printf("voice: %v", err)
				continue
			}
			m.emitMu.Lock()
			if m.current(gen) {
				m.send(Event{Kind: EventMessage, Message: msg})
			}
			m.emitMu.Unlock()

		case pcm, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			if m.cfg.Player != nil && m.current(gen) {
				m.cfg.Player.Write(pcm)
			}
		}
	}
}

// current reports whether gen is the live connection.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.state == StateConnected
}

func (m *Manager) connectionLost(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	sessionID := m.session.ID
	mic, conn := m.mic, m.conn
	m.mic, m.conn = nil, nil
	m.mu.Unlock()

	err := failure.New(failure.KindNetwork, "voice transport", errors.New("connection lost"))
	m.logger.Printf("voice: session %s: %v", sessionID, err)
	m.teardown(sessionID, mic, conn, err)
}

func (m *Manager) send(ev Event) {
	m.events <- ev
}

func asBootstrap(op string, err error) error {
	if failure.Is(err, failure.KindUnauthorized) {
		return err
	}
	return failure.New(failure.KindSessionBootstrapFailed, op, err)
}

// tokenExpiry reads the exp claim without verifying the signature; the
// transport service verifies it.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

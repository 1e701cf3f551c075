package voice

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/insightchat/internal/audio"
	"github.com/lukasbauer/insightchat/internal/backend/backendtest"
	"github.com/lukasbauer/insightchat/internal/failure"
)

type fakeSource struct {
	chunks chan []byte
	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) Format() audio.Format   { return audio.Format{SampleRate: 48000, Channels: 1} }
func (s *fakeSource) Chunks() <-chan []byte { return s.chunks }
func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
	return nil
}
func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMic struct {
	mu     sync.Mutex
	opened []*fakeSource
	err    error
}

func (m *fakeMic) Open(context.Context, audio.Format) (audio.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	src := &fakeSource{chunks: make(chan []byte, 4)}
	m.opened = append(m.opened, src)
	return src, nil
}

func (m *fakeMic) last() *fakeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.opened) == 0 {
		return nil
	}
	return m.opened[len(m.opened)-1]
}

type fakeConn struct {
	msgs      chan []byte
	audio     chan []byte
	published audio.Source
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		audio:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Publish(src audio.Source) error { c.published = src; return nil }
func (c *fakeConn) Messages() <-chan []byte        { return c.msgs }
func (c *fakeConn) Audio() <-chan []byte           { return c.audio }
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the remote side going away.
func (c *fakeConn) drop() { close(c.msgs) }

type fakeTransport struct {
	mu     sync.Mutex
	conns  []*fakeConn
	params []ConnectParams
	err    error
}

func (t *fakeTransport) Connect(_ context.Context, p ConnectParams) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = append(t.params, p)
	if t.err != nil {
		return nil, t.err
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.params)
}

type fakeSink struct {
	mu     sync.Mutex
	writes int
}

func (s *fakeSink) Write([]byte) { s.mu.Lock(); s.writes++; s.mu.Unlock() }
func (s *fakeSink) Close()       {}
func (s *fakeSink) count() int   { s.mu.Lock(); defer s.mu.Unlock(); return s.writes }

type harness struct {
	srv       *backendtest.Server
	transport *fakeTransport
	mic       *fakeMic
	sink      *fakeSink
	m         *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := backendtest.NewServer(t)
	h := &harness{
		srv:       srv,
		transport: &fakeTransport{},
		mic:       &fakeMic{},
		sink:      &fakeSink{},
	}
	h.m = NewManager(Config{
		Backend:    srv.Client(),
		Transport:  h.transport,
		Microphone: h.mic,
		Player:     h.sink,
		Logger:     log.New(io.Discard, "", 0),
	})
	return h
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for voice event")
		return Event{}
	}
}

func expectStates(t *testing.T, m *Manager, want ...State) []Event {
	t.Helper()
	var got []Event
	for _, s := range want {
		ev := nextEvent(t, m)
		if ev.Kind != EventState || ev.State != s {
			t.Fatalf("event = %+v, want state %s", ev, s)
		}
		got = append(got, ev)
	}
	return got
}

func TestStartConnects(t *testing.T) {
	h := newHarness(t)

	sess, err := h.m.Start(context.Background(), StartRequest{DisplayName: "Ana", TranscriptID: "t1"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	expectStates(t, h.m, StateConnecting, StateConnected)

	if sess.ID == "" || sess.State != StateConnected {
		t.Errorf("session = %+v", sess)
	}
	if sess.TranscriptID != "t1" || sess.DisplayName != "Ana" {
		t.Errorf("session request fields not kept: %+v", sess)
	}
	if d := time.Until(sess.TokenExpiresAt); d < 9*time.Minute || d > 11*time.Minute {
		t.Errorf("TokenExpiresAt in %v, want ~10m", d)
	}
	id, ok := h.m.ConnectedSession()
	if !ok || id != sess.ID {
		t.Errorf("ConnectedSession() = %q, %v", id, ok)
	}
	if cur, ok := h.m.Session(); !ok || cur.ID != sess.ID || cur.State != StateConnected {
		t.Errorf("Session() = %+v, %v", cur, ok)
	}
	if h.srv.Calls(backendtest.RouteCreateSession) != 1 || h.srv.Calls(backendtest.RouteIssueToken) != 1 {
		t.Error("expected one create and one token call")
	}
	p := h.transport.params[0]
	if p.Room != "room-"+sess.ID || p.Token != sess.Token || p.URL != h.srv.SignalURL {
		t.Errorf("connect params = %+v", p)
	}
	published := h.transport.conns[0].published
	if published == nil {
		t.Fatal("microphone was not published on the transport")
	}
	h.mic.last().chunks <- []byte{1, 2}
	select {
	case got := <-published.Chunks():
		if len(got) != 2 {
			t.Errorf("published chunk = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Error("microphone audio did not reach the transport")
	}

	again, err := h.m.Start(context.Background(), StartRequest{})
	if err != nil || again.ID != sess.ID {
		t.Errorf("second Start() = %+v, %v; want same session", again, err)
	}
}

func TestStartTokenFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail(backendtest.RouteIssueToken, http.StatusInternalServerError, "")

	_, err := h.m.Start(context.Background(), StartRequest{})
	if !failure.Is(err, failure.KindSessionBootstrapFailed) {
		t.Fatalf("Start() error = %v, want SessionBootstrapFailed", err)
	}
	evs := expectStates(t, h.m, StateConnecting, StateError, StateIdle)
	if evs[1].Err == nil || failure.UserMessage(evs[1].Err) == "" {
		t.Error("error state carries no user message")
	}
	if h.m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", h.m.State())
	}
	if h.transport.connects() != 0 {
		t.Error("transport connected despite token failure")
	}
	if h.srv.ActiveSessions() != 0 {
		t.Error("backend session left open after token failure")
	}
}

func TestStartMicrophoneDenied(t *testing.T) {
	h := newHarness(t)
	h.mic.err = errors.New("permission denied")

	_, err := h.m.Start(context.Background(), StartRequest{})
	if !failure.Is(err, failure.KindTransportUnavailable) || !errors.Is(err, failure.ErrUnsupportedCapability) {
		t.Fatalf("Start() error = %v, want TransportUnavailable", err)
	}
	expectStates(t, h.m, StateConnecting, StateError, StateIdle)
	if h.transport.connects() != 0 {
		t.Error("transport connected without a microphone")
	}
}

func TestStartTransportFailureReleasesMicrophone(t *testing.T) {
	h := newHarness(t)
	h.transport.err = errors.New("ice failed")

	_, err := h.m.Start(context.Background(), StartRequest{})
	if !failure.Is(err, failure.KindSessionBootstrapFailed) {
		t.Fatalf("Start() error = %v, want SessionBootstrapFailed", err)
	}
	expectStates(t, h.m, StateConnecting, StateError, StateIdle)
	if !h.mic.last().isClosed() {
		t.Error("microphone left open after transport failure")
	}
	if len(h.srv.EndedSessions()) != 1 {
		t.Errorf("ended sessions = %v, want one", h.srv.EndedSessions())
	}
}

func TestStopTearsDownAndSwallowsBackendFailure(t *testing.T) {
	h := newHarness(t)
	sess, err := h.m.Start(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	expectStates(t, h.m, StateConnecting, StateConnected)

	h.srv.Fail(backendtest.RouteEndSession, http.StatusBadGateway, "")
	if err := h.m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v, want nil", err)
	}
	expectStates(t, h.m, StateEnding, StateIdle)

	if _, ok := h.m.Session(); ok {
		t.Error("Session() ok after Stop")
	}
	if _, ok := h.m.ConnectedSession(); ok {
		t.Error("ConnectedSession() ok after Stop")
	}
	conn := h.transport.conns[0]
	select {
	case <-conn.closed:
	default:
		t.Error("transport not closed")
	}
	if !h.mic.last().isClosed() {
		t.Error("microphone not released")
	}
	if got := h.srv.EndedSessions(); len(got) != 1 || got[0] != sess.ID {
		t.Errorf("ended sessions = %v", got)
	}

	if err := h.m.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on idle = %v", err)
	}
}

func TestInboundMessagesOnlyWhileConnected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	expectStates(t, h.m, StateConnecting, StateConnected)
	conn := h.transport.conns[0]

	conn.msgs <- []byte(`{"type":"interim_transcript","text":"show me"}`)
	conn.msgs <- []byte(`not json`)
	conn.msgs <- []byte(`{"type":"voice_response","text":"Sales were $4M","transcriptId":"t9"}`)
	conn.audio <- []byte{0, 0, 0, 0}

	ev := nextEvent(t, h.m)
	if ev.Kind != EventMessage || ev.Message.Type != TypeInterimTranscript || ev.Message.Body() != "show me" {
		t.Fatalf("event = %+v", ev)
	}
	ev = nextEvent(t, h.m)
	if ev.Message.Type != TypeVoiceResponse || ev.Message.TranscriptID != "t9" {
		t.Fatalf("event = %+v", ev)
	}

	deadline := time.Now().Add(time.Second)
	for h.sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.sink.count() == 0 {
		t.Error("agent audio was not played while connected")
	}

	if err := h.m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectStates(t, h.m, StateEnding, StateIdle)

	conn.msgs <- []byte(`{"type":"voice_response","text":"late"}`)
	select {
	case ev := <-h.m.Events():
		t.Fatalf("event after stop: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionLostReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	expectStates(t, h.m, StateConnecting, StateConnected)

	h.transport.conns[0].drop()
	evs := expectStates(t, h.m, StateError, StateIdle)
	if !failure.Is(evs[0].Err, failure.KindNetwork) {
		t.Errorf("error = %v, want network kind", evs[0].Err)
	}
	if h.srv.ActiveSessions() != 0 {
		t.Error("backend session not ended after connection loss")
	}
}

func TestStopWhileConnectingCancelsStart(t *testing.T) {
	h := newHarness(t)
	release := h.srv.Hold(backendtest.RouteIssueToken)

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Start(context.Background(), StartRequest{})
		done <- err
	}()
	expectStates(t, h.m, StateConnecting)

	if err := h.m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	release()

	if err := <-done; !errors.Is(err, ErrStartCanceled) {
		t.Fatalf("Start() error = %v, want ErrStartCanceled", err)
	}
	expectStates(t, h.m, StateIdle)
	if h.srv.ActiveSessions() != 0 {
		t.Error("backend session not ended after canceled start")
	}
	if !h.mic.last().isClosed() {
		t.Error("microphone not released after canceled start")
	}
}

func TestTokenExpiry(t *testing.T) {
	if !tokenExpiry("not-a-jwt").IsZero() {
		t.Error("garbage token should have no expiry")
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		body    string
		wantErr bool
	}{
		{name: "text", data: `{"type":"voice_transcript","text":" hi "}`, body: "hi"},
		{name: "transcript field", data: `{"type":"voice_transcript","transcript":"hello"}`, body: "hello"},
		{name: "response field", data: `{"type":"voice_response","response":"answer"}`, body: "answer"},
		{name: "no type", data: `{"text":"x"}`, wantErr: true},
		{name: "invalid", data: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && m.Body() != tt.body {
				t.Errorf("Body() = %q, want %q", m.Body(), tt.body)
			}
		})
	}

	m, _ := ParseMessage([]byte(`{"type":"error","error":"agent crashed"}`))
	if m.ErrorText() != "agent crashed" {
		t.Errorf("ErrorText() = %q", m.ErrorText())
	}
}

func TestTapListensToSessionMicrophone(t *testing.T) {
	h := newHarness(t)
	listener, err := h.m.Tap().Open(context.Background(), audio.Format{SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.m.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	expectStates(t, h.m, StateConnecting, StateConnected)
	if opened := len(h.mic.opened); opened != 1 {
		t.Fatalf("microphone opened %d times, want 1", opened)
	}

	h.mic.last().chunks <- []byte{1, 2, 3, 4}
	select {
	case got := <-listener.Chunks():
		if len(got) != 4 {
			t.Errorf("listener chunk = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener heard nothing")
	}

	if err := h.m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectStates(t, h.m, StateEnding, StateIdle)
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-listener.Chunks():
		case <-deadline:
			t.Fatal("listener not closed when the session ended")
		}
	}
}

func TestTapListenerClosedWhenStartFails(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail(backendtest.RouteIssueToken, http.StatusInternalServerError, "")
	listener, _ := h.m.Tap().Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})

	if _, err := h.m.Start(context.Background(), StartRequest{}); err == nil {
		t.Fatal("Start() succeeded")
	}
	expectStates(t, h.m, StateConnecting, StateError, StateIdle)
	if _, ok := <-listener.Chunks(); ok {
		t.Error("listener received audio without a session")
	}
	if h.m.Tap().Listeners() != 0 {
		t.Error("listener still registered")
	}
}

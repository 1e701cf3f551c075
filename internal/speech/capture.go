// Package speech turns microphone audio into recognized utterances. A Capture
// owns one recognizer stream at a time and reports everything it observes on a
// single ordered event channel.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lukasbauer/insightchat/internal/audio"
	"github.com/lukasbauer/insightchat/internal/failure"
)

const (
	defaultFlushTimeout = 2 * time.Second
	eventBuffer         = 64
)

// EventKind discriminates capture events.
type EventKind int

const (
	EventInterim EventKind = iota + 1 // best effort, may repeat or grow
	EventFinal                        // exactly one per utterance
	EventFailed                       // recognizer or device error, listening stopped
	EventEnded                        // listening stopped without error
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventFailed:
		return "failed"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is emitted on the capture's event channel.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// CuePlayer plays the audible start/end cues.
type CuePlayer interface {
	PlayCue(c audio.Cue)
}

// Config configures a Capture. A nil Dial or Microphone means the host has no
// speech capability.
type Config struct {
	Dial       Dialer
	Microphone audio.Opener
	Format     audio.Format
	Cues       CuePlayer
	// Continuous keeps listening after an utterance; otherwise capture ends
	// after the first final.
	Continuous   bool
	FlushTimeout time.Duration
	Logger       *log.Logger
}

// Capture is the speech capture component.
type Capture struct {
	cfg    Config
	logger *log.Logger
	events chan Event
	closed chan struct{}

	mu        sync.Mutex
	active    *session
	closeOnce sync.Once
}

type session struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// New creates a Capture.
func New(cfg Config) *Capture {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Capture{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Events returns the capture's single event channel. It is never closed.
func (c *Capture) Events() <-chan Event {
	return c.events
}

// Listening reports whether a recognizer stream is open.
func (c *Capture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && !c.active.stopping()
}

// Start begins listening. It is a no-op while already listening. Missing
// hardware yields a TransportUnavailable error wrapping
// failure.ErrUnsupportedCapability; callers must not retry automatically.
func (c *Capture) Start(ctx context.Context) error {
	const op = "start speech capture"
	if c.cfg.Dial == nil || c.cfg.Microphone == nil {
		return failure.New(failure.KindTransportUnavailable, op, failure.ErrUnsupportedCapability)
	}

	sess, err := c.reserve(ctx)
	if err != nil || sess == nil {
		return err
	}

	src, err := c.cfg.Microphone.Open(ctx, c.cfg.Format)
	if err != nil {
		c.release(sess)
		return failure.New(failure.KindTransportUnavailable, op, fmt.Errorf("%w: %v", failure.ErrUnsupportedCapability, err))
	}
	client, err := c.cfg.Dial(ctx)
	if err != nil {
		_ = src.Close()
		c.release(sess)
		return failure.New(failure.KindTransportUnavailable, op, fmt.Errorf("connect recognizer: %w", err))
	}

	c.cue(audio.CueStart)

	pumpCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	micDone := make(chan struct{})
	go c.pump(pumpCtx, src, client, micDone)
	go c.run(sess, src, client, micDone)
	return nil
}

// reserve claims the active slot. It waits for a session that is already
// stopping and returns nil when one is still listening.
func (c *Capture) reserve(ctx context.Context) (*session, error) {
	for {
		c.mu.Lock()
		prev := c.active
		if prev == nil {
			sess := &session{stop: make(chan struct{}), done: make(chan struct{})}
			c.active = sess
			c.mu.Unlock()
			return sess, nil
		}
		c.mu.Unlock()

		if !prev.stopping() {
			return nil, nil
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Capture) release(sess *session) {
	c.mu.Lock()
	if c.active == sess {
		c.active = nil
	}
	c.mu.Unlock()
	select {
	case <-sess.done:
	default:
		close(sess.done)
	}
}

// Stop requests the end of listening. The final event for any pending speech
// still arrives asynchronously.
func (c *Capture) Stop() {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess != nil {
		sess.requestStop()
	}
}

// Close stops listening and waits up to the flush timeout for the stream to end.
func (c *Capture) Close() {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess != nil {
		sess.requestStop()
		select {
		case <-sess.done:
		case <-time.After(c.cfg.FlushTimeout + time.Second):
		}
	}
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Capture) pump(ctx context.Context, src audio.Source, client Client, micDone chan<- struct{}) {
	defer close(micDone)
	for chunk := range src.Chunks() {
		if err := client.StreamAudio(ctx, chunk); err != nil {
			if !errors.Is(err, errClientClosed) {
				c.logger.Printf("speech: stream audio: %v", err)
			}
			return
		}
	}
}

func (c *Capture) run(sess *session, src audio.Source, client Client, micDone <-chan struct{}) {
	var (
		segments  []string
		partial   string
		finishing bool
		flush     <-chan time.Time
	)
	results := client.Results()
	errs := client.Errors()
	stop := sess.stop

	current := func() string {
		parts := append([]string(nil), segments...)
		if partial != "" {
			parts = append(parts, partial)
		}
		return strings.Join(parts, " ")
	}
	emitFinal := func() bool {
		text := strings.TrimSpace(current())
		segments, partial = nil, ""
		if text == "" {
			return false
		}
		c.emit(Event{Kind: EventFinal, Text: text})
		return true
	}
	finish := func() {
		if finishing {
			return
		}
		finishing = true
		_ = src.Close()
		if err := client.Finish(); err != nil {
			c.logger.Printf("speech: finish stream: %v", err)
		}
		flush = time.After(c.cfg.FlushTimeout)
	}
	end := func(err error) {
		if sess.cancel != nil {
			sess.cancel()
		}
		_ = src.Close()
		_ = client.Close()
		c.release(sess)
		if err != nil {
			c.logger.Printf("speech: recognition failed: %v", err)
			c.emit(Event{Kind: EventFailed, Err: err})
			return
		}
		c.cue(audio.CueEnd)
		c.emit(Event{Kind: EventEnded})
	}

	for {
		select {
		case <-stop:
			stop = nil
			finish()

		case <-micDone:
			micDone = nil
			finish()

		case r, ok := <-results:
			if !ok {
				emitFinal()
				end(nil)
				return
			}
			if r.IsFinal {
				if t := strings.TrimSpace(r.Text); t != "" {
					segments = append(segments, t)
				}
				partial = ""
			} else if r.Text != "" {
				partial = strings.TrimSpace(r.Text)
			}
			if r.SpeechFinal || r.UtteranceEnd {
				if emitFinal() && !c.cfg.Continuous {
					finish()
				}
				continue
			}
			if text := current(); text != "" {
				c.emitInterim(text)
			}

		case err := <-errs:
			if finishing {
				emitFinal()
				end(nil)
				return
			}
			end(failure.New(failure.KindTransportUnavailable, "speech recognition", err))
			return

		case <-flush:
			emitFinal()
			end(nil)
			return
		}
	}
}

func (c *Capture) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// emitInterim drops the event when the consumer is behind.
func (c *Capture) emitInterim(text string) {
	select {
	case c.events <- Event{Kind: EventInterim, Text: text}:
	default:
	}
}

func (c *Capture) cue(cue audio.Cue) {
	if c.cfg.Cues != nil {
		c.cfg.Cues.PlayCue(cue)
	}
}

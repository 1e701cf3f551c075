package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	deepgramWSURL = "wss://api.deepgram.com/v1/listen"
	// Deepgram closes streams that receive nothing for about ten seconds.
	keepAliveInterval = 5 * time.Second
)

var errClientClosed = errors.New("client is closed")

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey         string
	Endpoint       string // defaults to the public streaming endpoint
	Language       string
	Model          string
	SampleRate     int
	Channels       int
	Punctuate      bool
	InterimResults bool
	Endpointing    int // ms of silence before speech_final, 0 for default
	UtteranceEndMs int // ms after last word before UtteranceEnd, 0 for off
	Logger         *log.Logger
}

type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// DeepgramClient is a Client over Deepgram's streaming API.
type DeepgramClient struct {
	conn      *websocket.Conn
	logger    *log.Logger
	results   chan Result
	errors    chan error
	done      chan struct{}
	finishing chan struct{}
	closeOnce sync.Once
	finOnce   sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// DeepgramDialer returns a Dialer that opens linear16 streams with cfg.
func DeepgramDialer(cfg DeepgramConfig) Dialer {
	return func(ctx context.Context) (Client, error) {
		return NewDeepgramClient(ctx, cfg)
	}
}

// NewDeepgramClient connects a streaming recognizer.
func NewDeepgramClient(ctx context.Context, cfg DeepgramConfig) (*DeepgramClient, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = deepgramWSURL
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.Endpointing))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint+"?"+q.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &DeepgramClient{
		conn:      conn,
		logger:    logger,
		results:   make(chan Result, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
		finishing: make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.keepAlive()
	return c, nil
}

// StreamAudio sends audio data to Deepgram.
func (c *DeepgramClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return errClientClosed
	case <-c.finishing:
		return errClientClosed
	default:
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (c *DeepgramClient) Results() <-chan Result { return c.results }

func (c *DeepgramClient) Errors() <-chan error { return c.errors }

// Finish sends CloseStream. Deepgram answers with the remaining results and
// then closes the socket, which ends Results.
func (c *DeepgramClient) Finish() error {
	var err error
	c.finOnce.Do(func() {
		close(c.finishing)
		c.mu.Lock()
		err = c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
		c.mu.Unlock()
	})
	return err
}

// Close closes the Deepgram connection.
func (c *DeepgramClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.Finish()
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// keepAlive holds the stream open while no audio flows, as happens before the
// voice session has opened the microphone.
func (c *DeepgramClient) keepAlive() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.finishing:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "KeepAlive"}`))
			c.mu.Unlock()
			if err != nil {
				c.logger.Printf("deepgram: keepalive: %v", err)
				return
			}
		}
	}
}

func (c *DeepgramClient) readLoop() {
	defer c.wg.Done()
	defer close(c.results)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case <-c.finishing:
				return
			default:
			}
			select {
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.logger.Printf("deepgram: failed to parse response: %v", err)
			continue
		}

		var result Result
		switch resp.Type {
		case "Results":
			if len(resp.Channel.Alternatives) > 0 {
				alt := resp.Channel.Alternatives[0]
				result.Text = alt.Transcript
				result.Confidence = alt.Confidence
			}
			result.IsFinal = resp.IsFinal
			result.SpeechFinal = resp.SpeechFinal
			if result.Text == "" && !result.IsFinal && !result.SpeechFinal {
				continue
			}
		case "UtteranceEnd":
			result.UtteranceEnd = true
		default:
			continue
		}

		select {
		case <-c.done:
			return
		case c.results <- result:
		}
	}
}

package speech

import "context"

// Result is one recognition update from a streaming recognizer.
type Result struct {
	Text         string
	Confidence   float64
	IsFinal      bool // the segment text will not change
	SpeechFinal  bool // the speaker paused; the utterance is complete
	UtteranceEnd bool // silence timeout reported without new text
}

// Client is a streaming speech-to-text connection.
type Client interface {
	// StreamAudio sends PCM in the format the client was opened with.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results is closed when the stream ends.
	Results() <-chan Result

	Errors() <-chan error

	// Finish asks the provider to flush pending results and end the stream.
	Finish() error

	Close() error
}

// Dialer opens a recognizer stream.
type Dialer func(ctx context.Context) (Client, error)

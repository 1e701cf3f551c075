package audio

import (
	"context"
	"sync"
	"testing"
	"time"
)

type chanSource struct {
	format Format
	chunks chan []byte
	once   sync.Once
	closed chan struct{}
}

func newChanSource(f Format) *chanSource {
	return &chanSource{format: f, chunks: make(chan []byte, 4), closed: make(chan struct{})}
}

func (s *chanSource) Format() Format         { return s.format }
func (s *chanSource) Chunks() <-chan []byte { return s.chunks }
func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio")
		return nil
	}
}

func expectClosed(t *testing.T, ch <-chan []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestTapSharesSourceWithListeners(t *testing.T) {
	tap := NewTap()
	listener, err := tap.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}

	mic := newChanSource(Format{SampleRate: 48000, Channels: 1})
	owned := tap.Attach(mic)
	if owned.Format() != mic.Format() {
		t.Errorf("owner format = %+v", owned.Format())
	}

	chunk := make([]byte, 960) // 10ms at 48kHz mono
	mic.chunks <- chunk

	if got := receive(t, owned.Chunks()); len(got) != 960 {
		t.Errorf("owner chunk = %d bytes, want 960", len(got))
	}
	if got := receive(t, listener.Chunks()); len(got) != 320 {
		t.Errorf("listener chunk = %d bytes, want 320 after resampling", len(got))
	}
}

func TestTapEndClosesListeners(t *testing.T) {
	tap := NewTap()
	a, _ := tap.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	b, _ := tap.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if n := tap.Listeners(); n != 1 {
		t.Fatalf("Listeners() = %d, want 1", n)
	}

	tap.End()
	expectClosed(t, a.Chunks())
	expectClosed(t, b.Chunks())
	if n := tap.Listeners(); n != 0 {
		t.Errorf("Listeners() = %d after End", n)
	}
}

func TestTapOwnerCloseReleasesSource(t *testing.T) {
	tap := NewTap()
	mic := newChanSource(Format{SampleRate: 48000, Channels: 1})
	owned := tap.Attach(mic)

	if err := owned.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-mic.closed:
	default:
		t.Error("underlying source not closed")
	}
	expectClosed(t, owned.Chunks())
	// Closing twice is harmless.
	if err := owned.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestTapOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewTap().Open(ctx, Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("Open() with canceled context succeeded")
	}
}

package audio

import (
	"context"
	"sync"
)

const tapBuffer = 64

// Tap shares a single capture source with listeners. The owner attaches the
// source it opened and keeps reading the returned Source; listeners opened
// through Open receive the same audio in their own format until End.
// A listener opened before a source is attached waits for one.
type Tap struct {
	mu        sync.Mutex
	listeners map[*tapListener]struct{}
}

// NewTap creates a tap with no source attached.
func NewTap() *Tap {
	return &Tap{listeners: make(map[*tapListener]struct{})}
}

// Open registers a listener. It implements Opener.
func (t *Tap) Open(ctx context.Context, f Format) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &tapListener{tap: t, format: f, chunks: make(chan []byte, tapBuffer)}
	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()
	return l, nil
}

// Attach starts fanning src out to the listeners. The returned Source is the
// owner's view of src; closing it closes src.
func (t *Tap) Attach(src Source) Source {
	s := &tappedSource{
		src:  src,
		tap:  t,
		out:  make(chan []byte, tapBuffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// End closes every listener.
func (t *Tap) End() {
	t.mu.Lock()
	ls := t.listeners
	t.listeners = make(map[*tapListener]struct{})
	t.mu.Unlock()
	for l := range ls {
		l.finish()
	}
}

// Listeners returns the number of open listeners.
func (t *Tap) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *Tap) broadcast(from Format, chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for l := range t.listeners {
		l.deliver(from, chunk)
	}
}

func (t *Tap) remove(l *tapListener) {
	t.mu.Lock()
	delete(t.listeners, l)
	t.mu.Unlock()
}

type tapListener struct {
	tap    *Tap
	format Format

	mu     sync.Mutex
	chunks chan []byte
	closed bool
}

func (l *tapListener) Format() Format         { return l.format }
func (l *tapListener) Chunks() <-chan []byte { return l.chunks }

func (l *tapListener) Close() error {
	l.tap.remove(l)
	l.finish()
	return nil
}

func (l *tapListener) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.chunks)
	}
}

// deliver drops the chunk when the listener is not keeping up.
func (l *tapListener) deliver(from Format, chunk []byte) {
	pcm := chunk
	if from != l.format {
		pcm = SamplesToBytes(Convert(BytesToSamples(chunk), from, l.format))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.chunks <- pcm:
	default:
	}
}

type tappedSource struct {
	src  Source
	tap  *Tap
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *tappedSource) Format() Format         { return s.src.Format() }
func (s *tappedSource) Chunks() <-chan []byte { return s.out }

func (s *tappedSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.src.Close()
	})
	return err
}

func (s *tappedSource) run() {
	defer close(s.out)
	in := s.src.Chunks()
	format := s.src.Format()
	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			s.tap.broadcast(format, chunk)
			// The owner may not read until its transport is up.
			select {
			case s.out <- chunk:
			default:
			}
		}
	}
}

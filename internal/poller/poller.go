// Package poller discovers asynchronously produced result bundles for the
// active transcript and reports each fresh bundle exactly once.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/lukasbauer/insightchat/internal/backend"
)

const (
	DefaultInterval = 2 * time.Second
	readyBuffer     = 16

	// Markers are remembered for this many recently used transcripts, and
	// up to maxMarkersPerTranscript each. The backend only reports the
	// latest bundle, so older markers never come back.
	maxTrackedTranscripts   = 32
	maxMarkersPerTranscript = 64
)

// Ready reports a consumed bundle.
type Ready struct {
	TranscriptID string
	Marker       string
	Bundle       backend.Bundle
}

// Backend is the result-discovery surface of the analytics backend.
type Backend interface {
	PendingResults(ctx context.Context, transcriptID string) (*backend.Bundle, error)
}

// Config configures a Poller.
type Config struct {
	Backend  Backend
	Interval time.Duration
	// Timeout bounds a single poll request. Defaults to the interval.
	Timeout time.Duration
	Logger  *log.Logger
	// OnPoll is called after each request with its outcome. Optional.
	OnPoll func(err error)
}

// Poller is the result poller.
type Poller struct {
	cfg    Config
	logger *log.Logger
	ready  chan Ready
	kick   chan struct{}

	mu     sync.Mutex
	active string
	seen   map[string]*markerSet
	recent []string // transcripts in seen, least recently used first
}

type markerSet struct {
	markers map[string]struct{}
	order   []string
}

// New creates a Poller.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan Ready, readyBuffer),
		kick:   make(chan struct{}, 1),
		seen:   make(map[string]*markerSet),
	}
}

// Ready returns the poller's single event channel.
func (p *Poller) Ready() <-chan Ready {
	return p.ready
}

// SetActive sets the transcript results are accepted for. Empty pauses polling.
func (p *Poller) SetActive(transcriptID string) {
	p.mu.Lock()
	p.active = transcriptID
	if transcriptID != "" {
		p.touch(transcriptID)
	}
	p.mu.Unlock()
}

// Active returns the active transcript id.
func (p *Poller) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Trigger requests an immediate poll.
func (p *Poller) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls every interval until ctx is done. Poll errors are logged and
// polling continues.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
		}

		r, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Printf("poller: %v", err)
			continue
		}
		if r == nil {
			continue
		}
		select {
		case p.ready <- *r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Poll performs one tick. It returns the consumed bundle, or nil when nothing
// new and relevant is pending.
func (p *Poller) Poll(ctx context.Context) (*Ready, error) {
	requested := p.Active()
	if requested == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	b, err := p.cfg.Backend.PendingResults(ctx, requested)
	if p.cfg.OnPoll != nil {
		p.cfg.OnPoll(err)
	}
	if err != nil {
		return nil, err
	}
	if !b.HasContent() {
		return nil, nil
	}

	owner := b.TranscriptID
	if owner == "" {
		owner = requested
	}
	marker := Marker(owner, b)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.markSeen(owner, marker) {
		return nil, nil
	}
	if owner != p.active {
		p.logger.Printf("poller: discarding bundle %s for transcript %s (active %q)", marker, owner, p.active)
		return nil, nil
	}
	return &Ready{TranscriptID: owner, Marker: marker, Bundle: *b}, nil
}

// markSeen records marker for transcriptID and reports whether it is new.
// Called with mu held.
func (p *Poller) markSeen(transcriptID, marker string) bool {
	set := p.seen[transcriptID]
	if set == nil {
		set = &markerSet{markers: make(map[string]struct{})}
		p.seen[transcriptID] = set
	}
	p.touch(transcriptID)
	if _, ok := set.markers[marker]; ok {
		return false
	}
	set.markers[marker] = struct{}{}
	set.order = append(set.order, marker)
	if len(set.order) > maxMarkersPerTranscript {
		delete(set.markers, set.order[0])
		set.order = set.order[1:]
	}
	return true
}

// touch moves transcriptID to the back of recent and forgets the least
// recently used transcripts over the limit, never the active one.
// Called with mu held.
func (p *Poller) touch(transcriptID string) {
	for i, id := range p.recent {
		if id == transcriptID {
			p.recent = append(p.recent[:i], p.recent[i+1:]...)
			break
		}
	}
	p.recent = append(p.recent, transcriptID)
	for i := 0; len(p.recent) > maxTrackedTranscripts && i < len(p.recent); {
		id := p.recent[i]
		if id == p.active {
			i++
			continue
		}
		delete(p.seen, id)
		p.recent = append(p.recent[:i], p.recent[i+1:]...)
	}
}

// Marker returns the freshness marker of a bundle: its id, else its sequence,
// else a hash of its content.
func Marker(transcriptID string, b *backend.Bundle) string {
	switch {
	case b.ID != "":
		return "id:" + b.ID
	case b.Sequence != 0:
		return "seq:" + transcriptID + ":" + strconv.FormatInt(b.Sequence, 10)
	}
	h := sha256.New()
	h.Write([]byte(transcriptID))
	h.Write([]byte{0})
	h.Write([]byte(b.Description))
	h.Write([]byte{0})
	graphs, _ := json.Marshal(b.Graphs)
	h.Write(graphs)
	h.Write([]byte{0})
	h.Write([]byte(b.SQL))
	return "hash:" + hex.EncodeToString(h.Sum(nil))[:32]
}

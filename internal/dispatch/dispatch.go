// Package dispatch submits questions to the backend on one of two routes: the
// connected voice session or the direct request/response endpoint. The route is
// chosen once per submission; the outcome is reported on the Results channel.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/failure"
)

const (
	defaultTimeout = 60 * time.Second
	resultBuffer   = 32
)

// RouteKind tags a Route.
type RouteKind int

const (
	RouteDirect RouteKind = iota
	RouteVoice
)

// Route is the transport a question is sent on. SessionID is set only for
// voice routes.
type Route struct {
	Kind      RouteKind
	SessionID string
}

// Direct is the request/response route.
func Direct() Route { return Route{Kind: RouteDirect} }

// Voice is the route through a connected voice session.
func Voice(sessionID string) Route { return Route{Kind: RouteVoice, SessionID: sessionID} }

func (r Route) String() string {
	if r.Kind == RouteVoice {
		return "voice(" + r.SessionID + ")"
	}
	return "direct"
}

// Request is one question to submit.
type Request struct {
	AskID        string
	Question     string
	TranscriptID string
	// Epoch is echoed in the Result so the caller can detect that its view
	// changed while the request was in flight.
	Epoch uint64
}

// Result reports how a submission ended.
type Result struct {
	AskID string
	Epoch uint64
	// Route is the route the question was finally delivered on.
	Route    Route
	FellBack bool
	// TranscriptID is returned by the direct route; the caller adopts it when
	// it had none.
	TranscriptID string
	// ClearTranscript is set when the backend reports the transcript is gone.
	ClearTranscript bool
	Err             error
}

// Backend is the submission surface of the analytics backend.
type Backend interface {
	SubmitQuestion(ctx context.Context, req backend.QueryRequest) (*backend.QueryResponse, error)
	VoiceQuery(ctx context.Context, sessionID string, q backend.VoiceQuery) error
}

// Sessions reports the connected voice session.
type Sessions interface {
	ConnectedSession() (string, bool)
}

// Config configures a Dispatcher.
type Config struct {
	Backend  Backend
	Sessions Sessions
	Timeout  time.Duration
	Logger   *log.Logger
}

// Dispatcher is the query dispatcher.
type Dispatcher struct {
	backend  Backend
	sessions Sessions
	timeout  time.Duration
	logger   *log.Logger
	results  chan Result
	done     chan struct{}
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		backend:  cfg.Backend,
		sessions: cfg.Sessions,
		timeout:  timeout,
		logger:   logger,
		results:  make(chan Result, resultBuffer),
		done:     make(chan struct{}),
	}
}

// Results returns the dispatcher's single result channel.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Close stops delivering results.
func (d *Dispatcher) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// SelectRoute picks the route for a new submission.
func (d *Dispatcher) SelectRoute() Route {
	if d.sessions != nil {
		if id, ok := d.sessions.ConnectedSession(); ok {
			return Voice(id)
		}
	}
	return Direct()
}

// Submit selects a route once and sends the question in the background. The
// outcome arrives on Results.
func (d *Dispatcher) Submit(req Request) Route {
	route := d.SelectRoute()
	go func() {
		res := d.Send(context.Background(), req, route)
		select {
		case d.results <- res:
		case <-d.done:
		}
	}()
	return route
}

// Send delivers req on route and blocks until the backend answers. A failed
// voice-route query is retried once on the direct route, correlated by the
// transcript id only.
func (d *Dispatcher) Send(ctx context.Context, req Request, route Route) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res := Result{AskID: req.AskID, Epoch: req.Epoch, Route: route}

	if route.Kind == RouteVoice {
		q := backend.VoiceQuery{Question: req.Question}
		if req.TranscriptID != "" {
			q.Context = map[string]any{"transcriptId": req.TranscriptID}
		}
		err := d.backend.VoiceQuery(ctx, route.SessionID, q)
		if err == nil {
			return res
		}
		d.logger.Printf("dispatch: voice query on session %s failed, retrying direct: %v", route.SessionID, err)
		res.Route = Direct()
		res.FellBack = true
	}

	resp, err := d.backend.SubmitQuestion(ctx, backend.QueryRequest{
		Question:     req.Question,
		TranscriptID: req.TranscriptID,
	})
	if err != nil {
		res.Err = failure.Wrap(failure.KindNetwork, "submit question", err)
		res.ClearTranscript = failure.Is(res.Err, failure.KindStaleTranscript)
		if !res.ClearTranscript {
			d.logger.Printf("dispatch: submit question: %v", res.Err)
			failure.Report(res.Err, map[string]string{"component": "dispatch"})
		}
		return res
	}
	res.TranscriptID = resp.TranscriptID
	return res
}

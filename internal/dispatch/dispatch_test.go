package dispatch

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/backend/backendtest"
	"github.com/lukasbauer/insightchat/internal/failure"
)

type fakeSessions struct {
	mu sync.Mutex
	id string
}

func (f *fakeSessions) ConnectedSession() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.id != ""
}

func (f *fakeSessions) set(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

func newDispatcher(t *testing.T, srv *backendtest.Server, sessions Sessions) *Dispatcher {
	t.Helper()
	d := New(Config{
		Backend:  srv.Client(),
		Sessions: sessions,
		Timeout:  5 * time.Second,
		Logger:   log.New(io.Discard, "", 0),
	})
	t.Cleanup(d.Close)
	return d
}

func nextResult(t *testing.T, d *Dispatcher) Result {
	t.Helper()
	select {
	case r := <-d.Results():
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
		return Result{}
	}
}

func TestSendDirect(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*backendtest.Server)
		transcript string
		wantKind   failure.Kind
		wantClear  bool
		wantAdopt  bool
	}{
		{
			name:      "new transcript",
			wantAdopt: true,
		},
		{
			name:       "existing transcript",
			setup:      func(s *backendtest.Server) { s.AddTranscript(backend.TranscriptDetail{Transcript: backend.Transcript{ID: "t7"}}) },
			transcript: "t7",
			wantAdopt:  true,
		},
		{
			name:       "stale transcript",
			transcript: "gone",
			wantKind:   failure.KindStaleTranscript,
			wantClear:  true,
		},
		{
			name:      "server error",
			setup:     func(s *backendtest.Server) { s.FailWithMessage(backendtest.RouteQuery, http.StatusInternalServerError, "query engine overloaded") },
			wantKind:  failure.KindServerError,
			wantClear: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := backendtest.NewServer(t)
			if tt.setup != nil {
				tt.setup(srv)
			}
			d := newDispatcher(t, srv, nil)

			res := d.Send(context.Background(), Request{AskID: "a1", Question: "What were sales in Q1?", TranscriptID: tt.transcript, Epoch: 3}, Direct())

			if res.AskID != "a1" || res.Epoch != 3 {
				t.Errorf("correlation fields = %q/%d", res.AskID, res.Epoch)
			}
			if got := failure.KindOf(res.Err); got != tt.wantKind {
				t.Fatalf("error kind = %q (%v), want %q", got, res.Err, tt.wantKind)
			}
			if res.ClearTranscript != tt.wantClear {
				t.Errorf("ClearTranscript = %v, want %v", res.ClearTranscript, tt.wantClear)
			}
			if tt.wantAdopt && res.TranscriptID == "" {
				t.Error("no transcript id returned")
			}
			if tt.transcript != "" && tt.wantAdopt && res.TranscriptID != tt.transcript {
				t.Errorf("TranscriptID = %q, want %q", res.TranscriptID, tt.transcript)
			}
			if tt.wantKind == failure.KindServerError && failure.UserMessage(res.Err) != "query engine overloaded" {
				t.Errorf("UserMessage = %q, want server text", failure.UserMessage(res.Err))
			}
		})
	}
}

func TestSubmitSelectsVoiceRouteWhenConnected(t *testing.T) {
	srv := backendtest.NewServer(t)
	info, err := srv.Client().CreateVoiceSession(context.Background(), backend.VoiceSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	sessions := &fakeSessions{id: info.SessionID}
	d := newDispatcher(t, srv, sessions)

	route := d.Submit(Request{AskID: "a1", Question: "top customers", TranscriptID: "t1"})
	if route.Kind != RouteVoice || route.SessionID != info.SessionID {
		t.Fatalf("route = %v, want voice(%s)", route, info.SessionID)
	}
	res := nextResult(t, d)
	if res.Err != nil || res.FellBack {
		t.Fatalf("result = %+v", res)
	}
	if res.TranscriptID != "" {
		t.Errorf("voice route returned transcript id %q", res.TranscriptID)
	}

	qs := srv.VoiceQueries()
	if len(qs) != 1 || qs[0].SessionID != info.SessionID || qs[0].Query.Context["transcriptId"] != "t1" {
		t.Errorf("voice queries = %+v", qs)
	}
	if len(srv.Queries()) != 0 {
		t.Error("direct route used while voice session connected")
	}
}

func TestSubmitDirectWithoutSession(t *testing.T) {
	srv := backendtest.NewServer(t)
	d := newDispatcher(t, srv, &fakeSessions{})

	if route := d.Submit(Request{Question: "hello"}); route != Direct() {
		t.Fatalf("route = %v, want direct", route)
	}
	res := nextResult(t, d)
	if res.Err != nil || res.TranscriptID == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestVoiceFailureFallsBackByTranscriptID(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.AddTranscript(backend.TranscriptDetail{Transcript: backend.Transcript{ID: "t1"}})
	d := newDispatcher(t, srv, &fakeSessions{id: "vs-unknown"})

	route := d.Submit(Request{Question: "revenue by region", TranscriptID: "t1"})
	if route.Kind != RouteVoice {
		t.Fatalf("route = %v, want voice", route)
	}
	res := nextResult(t, d)
	if res.Err != nil {
		t.Fatalf("result error: %v", res.Err)
	}
	if !res.FellBack || res.Route != Direct() {
		t.Errorf("result = %+v, want fallback on direct", res)
	}

	qs := srv.Queries()
	if len(qs) != 1 || qs[0].TranscriptID != "t1" {
		t.Fatalf("direct queries = %+v, want one for t1", qs)
	}
	if res.TranscriptID != "t1" {
		t.Errorf("TranscriptID = %q, want t1", res.TranscriptID)
	}
}

func TestVoiceFallbackNeverUsesSessionID(t *testing.T) {
	srv := backendtest.NewServer(t)
	d := newDispatcher(t, srv, &fakeSessions{id: "vs42"})

	res := d.Send(context.Background(), Request{Question: "q"}, Voice("vs42"))
	if res.Err != nil {
		t.Fatalf("result error: %v", res.Err)
	}
	qs := srv.Queries()
	if len(qs) != 1 || qs[0].TranscriptID != "" {
		t.Fatalf("direct queries = %+v, want one without transcript id", qs)
	}
	if res.TranscriptID == "vs42" || res.TranscriptID == "" {
		t.Errorf("TranscriptID = %q, want a server-assigned transcript", res.TranscriptID)
	}
}

func TestRouteChosenOncePerSubmit(t *testing.T) {
	srv := backendtest.NewServer(t)
	info, err := srv.Client().CreateVoiceSession(context.Background(), backend.VoiceSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	sessions := &fakeSessions{id: info.SessionID}
	d := newDispatcher(t, srv, sessions)

	release := srv.Hold(backendtest.RouteVoiceQuery)
	route := d.Submit(Request{Question: "q"})
	sessions.set("")
	release()

	res := nextResult(t, d)
	if route.Kind != RouteVoice || res.Route.Kind != RouteVoice {
		t.Errorf("route = %v, result route = %v; want voice for both", route, res.Route)
	}
	if len(srv.VoiceQueries()) != 1 {
		t.Error("question not delivered on the selected voice route")
	}
}

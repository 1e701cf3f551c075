package poller

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/backend/backendtest"
)

func newPoller(srv *backendtest.Server, interval time.Duration) *Poller {
	return New(Config{
		Backend:  srv.Client(),
		Interval: interval,
		Timeout:  2 * time.Second,
		Logger:   log.New(io.Discard, "", 0),
	})
}

func mustPoll(t *testing.T, p *Poller) *Ready {
	t.Helper()
	r, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	return r
}

func TestPollConsumesBundleOnce(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.SetPending("t1", backend.Bundle{TranscriptID: "t1", Description: "Sales were $4M"})
	p := newPoller(srv, time.Second)
	p.SetActive("t1")

	r := mustPoll(t, p)
	if r == nil || r.Bundle.Description != "Sales were $4M" || r.TranscriptID != "t1" {
		t.Fatalf("Poll() = %+v", r)
	}
	for i := 0; i < 3; i++ {
		if r := mustPoll(t, p); r != nil {
			t.Fatalf("bundle surfaced again on tick %d: %+v", i, r)
		}
	}
}

func TestPollFreshnessMarkers(t *testing.T) {
	chart := backend.GraphItem{Title: "Revenue", Type: "bar", Figure: json.RawMessage(`{"data":[1,2]}`)}

	tests := []struct {
		name   string
		first  backend.Bundle
		second backend.Bundle
		want   int
	}{
		{
			name:   "same id different content",
			first:  backend.Bundle{ID: "b1", Description: "a"},
			second: backend.Bundle{ID: "b1", Description: "b"},
			want:   1,
		},
		{
			name:   "new id",
			first:  backend.Bundle{ID: "b1", Description: "a"},
			second: backend.Bundle{ID: "b2", Description: "a"},
			want:   2,
		},
		{
			name:   "same sequence",
			first:  backend.Bundle{Sequence: 4, Description: "a"},
			second: backend.Bundle{Sequence: 4, Description: "changed"},
			want:   1,
		},
		{
			name:   "increasing sequence",
			first:  backend.Bundle{Sequence: 4, Description: "a"},
			second: backend.Bundle{Sequence: 5, Description: "a"},
			want:   2,
		},
		{
			name:   "identical content without markers",
			first:  backend.Bundle{Description: "a", Graphs: []backend.GraphItem{chart}},
			second: backend.Bundle{Description: "a", Graphs: []backend.GraphItem{chart}},
			want:   1,
		},
		{
			name:   "graph only bundle",
			first:  backend.Bundle{Graphs: []backend.GraphItem{chart}},
			second: backend.Bundle{Description: "follow-up"},
			want:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := backendtest.NewServer(t)
			p := newPoller(srv, time.Second)
			p.SetActive("t1")

			got := 0
			for _, b := range []backend.Bundle{tt.first, tt.second} {
				srv.SetPending("t1", b)
				if mustPoll(t, p) != nil {
					got++
				}
			}
			if got != tt.want {
				t.Errorf("consumed %d bundles, want %d", got, tt.want)
			}
		})
	}
}

func TestPollSkipsEmptyContentUntilItArrives(t *testing.T) {
	srv := backendtest.NewServer(t)
	p := newPoller(srv, time.Second)
	p.SetActive("t1")

	srv.SetPending("t1", backend.Bundle{ID: "b1", Graphs: []backend.GraphItem{{Title: "empty", Figure: json.RawMessage(`{}`)}}})
	if r := mustPoll(t, p); r != nil {
		t.Fatalf("empty bundle consumed: %+v", r)
	}

	srv.SetPending("t1", backend.Bundle{ID: "b1", Description: "done"})
	if r := mustPoll(t, p); r == nil || r.Bundle.Description != "done" {
		t.Fatalf("Poll() = %+v, want the completed bundle", r)
	}
}

func TestPollDiscardsForeignTranscript(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.SetPending("t1", backend.Bundle{TranscriptID: "t2", Description: "belongs elsewhere"})
	p := newPoller(srv, time.Second)
	p.SetActive("t1")

	if r := mustPoll(t, p); r != nil {
		t.Fatalf("foreign bundle surfaced: %+v", r)
	}
}

func TestPollWithoutActiveTranscriptDoesNothing(t *testing.T) {
	srv := backendtest.NewServer(t)
	p := newPoller(srv, time.Second)

	if r := mustPoll(t, p); r != nil {
		t.Fatalf("Poll() = %+v", r)
	}
	if srv.Calls(backendtest.RoutePending) != 0 {
		t.Error("polled without an active transcript")
	}
}

func TestPollDropsResultAfterSwitch(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.SetPending("t1", backend.Bundle{Description: "late answer"})
	p := newPoller(srv, time.Second)
	p.SetActive("t1")

	release := srv.Hold(backendtest.RoutePending)
	done := make(chan *Ready, 1)
	go func() {
		r, _ := p.Poll(context.Background())
		done <- r
	}()

	deadline := time.Now().Add(time.Second)
	for srv.Calls(backendtest.RoutePending) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.SetActive("")
	release()

	if r := <-done; r != nil {
		t.Fatalf("result for switched-away transcript surfaced: %+v", r)
	}
}

func TestRunEmitsReadyAndSurvivesErrors(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.Fail(backendtest.RoutePending, http.StatusServiceUnavailable, "")

	var failedPolls atomic.Int32
	p := New(Config{
		Backend:  srv.Client(),
		Interval: 20 * time.Millisecond,
		Timeout:  time.Second,
		Logger:   log.New(io.Discard, "", 0),
		OnPoll: func(err error) {
			if err != nil {
				failedPolls.Add(1)
			}
		},
	})
	p.SetActive("t1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Calls(backendtest.RoutePending) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	srv.Clear(backendtest.RoutePending)
	srv.SetPending("t1", backend.Bundle{ID: "b9", Description: "recovered"})

	select {
	case r := <-p.Ready():
		if r.Marker != "id:b9" {
			t.Errorf("Marker = %q", r.Marker)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ready event after errors cleared")
	}

	select {
	case r := <-p.Ready():
		t.Fatalf("second ready event for the same bundle: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	if failedPolls.Load() < 3 {
		t.Errorf("OnPoll saw %d failures, want at least 3", failedPolls.Load())
	}

	cancel()
	if err := <-errc; err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestTriggerPollsImmediately(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.SetPending("t1", backend.Bundle{Description: "fast"})
	p := newPoller(srv, time.Hour)
	p.SetActive("t1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Trigger()
	select {
	case r := <-p.Ready():
		if r.Bundle.Description != "fast" {
			t.Errorf("Description = %q", r.Bundle.Description)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not poll")
	}
}

func TestPollRemembersBundleAcrossSwitches(t *testing.T) {
	srv := backendtest.NewServer(t)
	srv.SetPending("t1", backend.Bundle{ID: "b1", TranscriptID: "t1", Description: "done"})
	p := newPoller(srv, time.Second)

	p.SetActive("t1")
	if r := mustPoll(t, p); r == nil {
		t.Fatal("bundle not reported")
	}
	p.SetActive("t2")
	mustPoll(t, p)
	p.SetActive("t1")
	if r := mustPoll(t, p); r != nil {
		t.Fatalf("bundle reported again after switching back: %+v", r)
	}
}

func TestSeenMarkersStayBounded(t *testing.T) {
	p := New(Config{Logger: log.New(io.Discard, "", 0)})

	for i := 0; i < maxTrackedTranscripts*3; i++ {
		id := "t" + strconv.Itoa(i)
		p.SetActive(id)
		p.mu.Lock()
		p.markSeen(id, "id:b"+id)
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.seen) > maxTrackedTranscripts || len(p.recent) > maxTrackedTranscripts {
		t.Errorf("tracking %d transcripts (%d recent), limit %d", len(p.seen), len(p.recent), maxTrackedTranscripts)
	}
	if p.markSeen(p.active, "id:b"+p.active) {
		t.Error("active transcript lost its markers")
	}
	if !p.markSeen("t0", "id:bt0") {
		t.Error("least recently used transcript kept its markers")
	}
}

func TestSeenMarkersPerTranscriptBounded(t *testing.T) {
	p := New(Config{Logger: log.New(io.Discard, "", 0)})
	p.SetActive("t1")

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < maxMarkersPerTranscript+10; i++ {
		p.markSeen("t1", "seq:t1:"+strconv.Itoa(i))
	}
	if n := len(p.seen["t1"].markers); n != maxMarkersPerTranscript {
		t.Errorf("kept %d markers, want %d", n, maxMarkersPerTranscript)
	}
	latest := "seq:t1:" + strconv.Itoa(maxMarkersPerTranscript+9)
	if p.markSeen("t1", latest) {
		t.Error("latest marker forgotten")
	}
}

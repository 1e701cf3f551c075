package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/conversation"
	"github.com/lukasbauer/insightchat/internal/failure"
	"github.com/lukasbauer/insightchat/internal/metrics"
)

type fakeConversation struct {
	snap conversation.Snapshot
	err  error

	asked     []string
	stopAfter *bool
	selected  string
	renamed   string
	deleted   string
	pinned    string
	index     int
	list      []backend.Transcript
	listErr   error
	panicOn   string
}

func (f *fakeConversation) Snapshot() conversation.Snapshot {
	if f.panicOn == "snapshot" {
		panic("boom")
	}
	return f.snap
}

func (f *fakeConversation) Ask(_ context.Context, q string) (string, error) {
	f.asked = append(f.asked, q)
	if f.err != nil {
		return "", f.err
	}
	return "m1", nil
}

func (f *fakeConversation) StartVoice(context.Context) error { return f.err }

func (f *fakeConversation) StopVoice(_ context.Context, after bool) error {
	f.stopAfter = &after
	return f.err
}

func (f *fakeConversation) NewChat(context.Context) error { return f.err }

func (f *fakeConversation) ListTranscripts(context.Context) ([]backend.Transcript, error) {
	return f.list, f.listErr
}

func (f *fakeConversation) SelectTranscript(_ context.Context, id string) error {
	f.selected = id
	return f.err
}

func (f *fakeConversation) RenameTranscript(_ context.Context, id, title string) (*backend.Transcript, error) {
	f.renamed = title
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Transcript{ID: id, Title: title}, nil
}

func (f *fakeConversation) DeleteTranscript(_ context.Context, id string) error {
	f.deleted = id
	return f.err
}

func (f *fakeConversation) PinGraph(_ context.Context, msgID string, index int) (string, error) {
	f.pinned, f.index = msgID, index
	if f.err != nil {
		return "", f.err
	}
	return "g1", nil
}

func (f *fakeConversation) UnpinGraph(_ context.Context, msgID string, index int) error {
	f.pinned, f.index = msgID, index
	return f.err
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestRouter(conv Conversation, m *metrics.Metrics) http.Handler {
	return NewRouter(conv, m, log.New(io.Discard, "", 0))
}

func TestHealthz(t *testing.T) {
	rec := serve(t, newTestRouter(&fakeConversation{}, nil), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("GET /healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"accepted", `{"question":"top customers"}`, nil, http.StatusAccepted, `"messageId":"m1"`},
		{"invalid json", `{`, nil, http.StatusBadRequest, "invalid request body"},
		{"empty question", `{"question":" "}`, conversation.ErrEmptyQuestion, http.StatusBadRequest, "question is empty"},
		{"stopped", `{"question":"q"}`, conversation.ErrStopped, http.StatusServiceUnavailable, "conversation stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &fakeConversation{err: tt.err}
			rec := serve(t, newTestRouter(conv, nil), http.MethodPost, "/api/ask", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestGetConversation(t *testing.T) {
	conv := &fakeConversation{snap: conversation.Snapshot{
		TranscriptID: "t1",
		Awaiting:     true,
		Voice:        "connected",
		Messages:     []conversation.Message{{ID: "m1", Role: backend.RoleUser, Text: "hi"}},
	}}
	rec := serve(t, newTestRouter(conv, nil), http.MethodGet, "/api/conversation", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got conversation.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.TranscriptID != "t1" || !got.Awaiting || got.Voice != "connected" || len(got.Messages) != 1 {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestVoiceStartAndStop(t *testing.T) {
	conv := &fakeConversation{}
	h := newTestRouter(conv, nil)

	if rec := serve(t, h, http.MethodPost, "/api/voice/start", ""); rec.Code != http.StatusOK {
		t.Errorf("start = %d", rec.Code)
	}

	if rec := serve(t, h, http.MethodPost, "/api/voice/stop", ""); rec.Code != http.StatusOK {
		t.Errorf("stop = %d", rec.Code)
	}
	if conv.stopAfter == nil || *conv.stopAfter {
		t.Errorf("empty body stop: afterUtterance = %v, want false", conv.stopAfter)
	}

	serve(t, h, http.MethodPost, "/api/voice/stop", `{"afterUtterance":true}`)
	if !*conv.stopAfter {
		t.Error("afterUtterance not passed through")
	}
}

func TestVoiceStartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no speech device", failure.New(failure.KindTransportUnavailable, "start", failure.ErrUnsupportedCapability), http.StatusServiceUnavailable},
		{"bootstrap failed", failure.New(failure.KindSessionBootstrapFailed, "issue token", errors.New("500")), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, newTestRouter(&fakeConversation{err: tt.err}, nil), http.MethodPost, "/api/voice/start", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"] != failure.UserMessage(tt.err) {
				t.Errorf("error = %q, want %q", body["error"], failure.UserMessage(tt.err))
			}
		})
	}
}

func TestTranscriptRoutes(t *testing.T) {
	conv := &fakeConversation{}
	h := newTestRouter(conv, nil)

	if rec := serve(t, h, http.MethodPost, "/api/transcripts/t7/select", ""); rec.Code != http.StatusOK || conv.selected != "t7" {
		t.Errorf("select = %d, selected %q", rec.Code, conv.selected)
	}

	rec := serve(t, h, http.MethodPatch, "/api/transcripts/t7", `{"title":"Q1"}`)
	if rec.Code != http.StatusOK || conv.renamed != "Q1" || !strings.Contains(rec.Body.String(), `"title":"Q1"`) {
		t.Errorf("rename = %d %q", rec.Code, rec.Body.String())
	}

	if rec := serve(t, h, http.MethodDelete, "/api/transcripts/t7", ""); rec.Code != http.StatusNoContent || conv.deleted != "t7" {
		t.Errorf("delete = %d, deleted %q", rec.Code, conv.deleted)
	}

	if rec := serve(t, h, http.MethodPost, "/api/chat/new", ""); rec.Code != http.StatusOK {
		t.Errorf("new chat = %d", rec.Code)
	}
}

func TestSelectStaleTranscript(t *testing.T) {
	err := failure.New(failure.KindStaleTranscript, "get transcript", nil)
	rec := serve(t, newTestRouter(&fakeConversation{err: err}, nil), http.MethodPost, "/api/transcripts/gone/select", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListTranscripts(t *testing.T) {
	tests := []struct {
		name       string
		list       []backend.Transcript
		err        error
		wantStatus int
		wantCached bool
		wantLen    int
	}{
		{"from backend", []backend.Transcript{{ID: "t1"}, {ID: "t2"}}, nil, http.StatusOK, false, 2},
		{"empty", nil, nil, http.StatusOK, false, 0},
		{"cached fallback", []backend.Transcript{{ID: "t1"}}, failure.New(failure.KindNetwork, "list", nil), http.StatusOK, true, 1},
		{"no cache", nil, failure.New(failure.KindNetwork, "list", nil), http.StatusBadGateway, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &fakeConversation{list: tt.list, listErr: tt.err}
			rec := serve(t, newTestRouter(conv, nil), http.MethodGet, "/api/transcripts", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got transcriptList
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Cached != tt.wantCached || len(got.Transcripts) != tt.wantLen || got.Transcripts == nil {
				t.Errorf("list = %+v", got)
			}
		})
	}
}

func TestPinRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		err        error
		wantStatus int
	}{
		{"pin", http.MethodPost, "/api/messages/m2/graphs/1/pin", nil, http.StatusOK},
		{"unpin", http.MethodDelete, "/api/messages/m2/graphs/1/pin", nil, http.StatusNoContent},
		{"bad index", http.MethodPost, "/api/messages/m2/graphs/x/pin", nil, http.StatusBadRequest},
		{"negative index", http.MethodPost, "/api/messages/m2/graphs/-1/pin", nil, http.StatusBadRequest},
		{"already pinned", http.MethodPost, "/api/messages/m2/graphs/1/pin", conversation.ErrNotPinnable, http.StatusConflict},
		{"not pinned", http.MethodDelete, "/api/messages/m2/graphs/1/pin", conversation.ErrNotPinned, http.StatusConflict},
		{"no such graph", http.MethodPost, "/api/messages/m2/graphs/9/pin", conversation.ErrGraphNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &fakeConversation{err: tt.err}
			rec := serve(t, newTestRouter(conv, nil), tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus < 400 && (conv.pinned != "m2" || conv.index != 1) {
				t.Errorf("pinned %q/%d", conv.pinned, conv.index)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{failure.New(failure.KindBadRequest, "", nil), http.StatusBadRequest},
		{failure.New(failure.KindUnauthorized, "", nil), http.StatusUnauthorized},
		{failure.New(failure.KindServerError, "", nil), http.StatusBadGateway},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRequestMetrics(t *testing.T) {
	m := metrics.New("insightchat")
	h := newTestRouter(&fakeConversation{}, m)

	serve(t, h, http.MethodPost, "/api/ask", `{"question":"q"}`)
	serve(t, h, http.MethodPost, "/api/transcripts/t1/select", "")

	rec := serve(t, h, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	for _, want := range []string{
		`insightchat_http_requests_total{method="POST",route="/api/ask",status="202"} 1`,
		`route="/api/transcripts/{id}/select"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestRecoveryAndCORS(t *testing.T) {
	h := newTestRouter(&fakeConversation{panicOn: "snapshot"}, nil)

	rec := serve(t, h, http.MethodGet, "/api/conversation", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d, want 500", rec.Code)
	}

	rec = serve(t, h, http.MethodOptions, "/api/ask", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/conversation"
	"github.com/lukasbauer/insightchat/internal/failure"
	"github.com/lukasbauer/insightchat/internal/metrics"
)

// Conversation is the orchestrator surface exposed over HTTP.
type Conversation interface {
	Snapshot() conversation.Snapshot
	Ask(ctx context.Context, question string) (string, error)
	StartVoice(ctx context.Context) error
	StopVoice(ctx context.Context, endAfterUtterance bool) error
	NewChat(ctx context.Context) error
	ListTranscripts(ctx context.Context) ([]backend.Transcript, error)
	SelectTranscript(ctx context.Context, id string) error
	RenameTranscript(ctx context.Context, id, title string) (*backend.Transcript, error)
	DeleteTranscript(ctx context.Context, id string) error
	PinGraph(ctx context.Context, messageID string, index int) (string, error)
	UnpinGraph(ctx context.Context, messageID string, index int) error
}

type Router struct {
	conv    Conversation
	metrics *metrics.Metrics
	logger  *log.Logger
	mux     *http.ServeMux
}

// NewRouter builds the local UI API. m may be nil.
func NewRouter(conv Conversation, m *metrics.Metrics, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	r := &Router{
		conv:    conv,
		metrics: m,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check and metrics
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", r.metrics.Handler())

	// Conversation
	r.handle("GET /api/conversation", r.handleGetConversation)
	r.handle("POST /api/ask", r.handleAsk)
	r.handle("POST /api/voice/start", r.handleVoiceStart)
	r.handle("POST /api/voice/stop", r.handleVoiceStop)
	r.handle("POST /api/chat/new", r.handleNewChat)

	// Transcript history
	r.handle("GET /api/transcripts", r.handleListTranscripts)
	r.handle("POST /api/transcripts/{id}/select", r.handleSelectTranscript)
	r.handle("PATCH /api/transcripts/{id}", r.handleRenameTranscript)
	r.handle("DELETE /api/transcripts/{id}", r.handleDeleteTranscript)

	// Dashboard pins
	r.handle("POST /api/messages/{id}/graphs/{index}/pin", r.handlePinGraph)
	r.handle("DELETE /api/messages/{id}/graphs/{index}/pin", r.handleUnpinGraph)
}

// handle registers h under pattern and records its request metrics.
func (r *Router) handle(pattern string, h http.HandlerFunc) {
	_, route, _ := strings.Cut(pattern, " ")
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := metrics.NewResponseWriter(w)
		h(rw, req)
		r.metrics.RecordRequest(req.Method, route, strconv.Itoa(rw.StatusCode), time.Since(start))
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and writes its user-facing message.
func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.logger.Printf("httpapi: %s %s: %v", req.Method, req.URL.Path, err)
		captureError(req, err, "local api request failed")
	}
	msg := failure.UserMessage(err)
	var fe *failure.Error
	if !errors.As(err, &fe) {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyQuestion), errors.Is(err, conversation.ErrEmptyTitle):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrGraphNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrNotPinnable), errors.Is(err, conversation.ErrNotPinned):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrStopped), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	switch failure.KindOf(err) {
	case failure.KindBadRequest:
		return http.StatusBadRequest
	case failure.KindUnauthorized:
		return http.StatusUnauthorized
	case failure.KindNotFound, failure.KindStaleTranscript:
		return http.StatusNotFound
	case failure.KindTransportUnavailable:
		return http.StatusServiceUnavailable
	case failure.KindSessionBootstrapFailed, failure.KindServerError, failure.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

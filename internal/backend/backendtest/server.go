// Package backendtest provides an in-memory analytics backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lukasbauer/insightchat/internal/backend"
)

// Route names used for failure injection and holds.
const (
	RouteQuery            = "query"
	RoutePending          = "pending"
	RouteListTranscripts  = "list_transcripts"
	RouteGetTranscript    = "get_transcript"
	RoutePatchTranscript  = "patch_transcript"
	RouteDeleteTranscript = "delete_transcript"
	RouteCreateSession    = "create_session"
	RouteIssueToken       = "issue_token"
	RouteEndSession       = "end_session"
	RouteVoiceQuery       = "voice_query"
	RouteIngestTurn       = "ingest_turn"
	RoutePinGraph         = "pin_graph"
	RouteUnpinGraph       = "unpin_graph"
)

// TokenSecret signs the voice tokens handed out by the fake.
const TokenSecret = "backendtest-secret"

type injected struct {
	status int
	reason string
	msg    string
}

// VoiceQueryRecord is a recorded voice-route question.
type VoiceQueryRecord struct {
	SessionID string
	Query     backend.VoiceQuery
}

// Server is a scripted fake backend.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	nextID      int
	transcripts map[string]*backend.TranscriptDetail
	pending     map[string]*backend.Bundle
	sessions    map[string]*backend.VoiceSessionInfo
	pins        map[string]backend.GraphItem
	queries     []backend.QueryRequest
	voice       []VoiceQueryRecord
	turns       []backend.VoiceTurn
	ended       []string
	calls       map[string]int
	failures    map[string]injected
	holds       map[string]chan struct{}

	// SignalURL is returned as the session transport URL.
	SignalURL string
	// TokenTTL is the validity window of issued voice tokens.
	TokenTTL time.Duration
}

// NewServer starts a fake backend that is closed with the test.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		transcripts: make(map[string]*backend.TranscriptDetail),
		pending:     make(map[string]*backend.Bundle),
		sessions:    make(map[string]*backend.VoiceSessionInfo),
		pins:        make(map[string]backend.GraphItem),
		calls:       make(map[string]int),
		failures:    make(map[string]injected),
		holds:       make(map[string]chan struct{}),
		SignalURL:   "ws://signal.invalid/rtc",
		TokenTTL:    10 * time.Minute,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/query", s.wrap(RouteQuery, s.handleQuery))
	mux.HandleFunc("GET /api/chat/pending-results", s.wrap(RoutePending, s.handlePending))
	mux.HandleFunc("GET /api/transcripts", s.wrap(RouteListTranscripts, s.handleList))
	mux.HandleFunc("GET /api/transcripts/{id}", s.wrap(RouteGetTranscript, s.handleGet))
	mux.HandleFunc("PATCH /api/transcripts/{id}", s.wrap(RoutePatchTranscript, s.handlePatch))
	mux.HandleFunc("DELETE /api/transcripts/{id}", s.wrap(RouteDeleteTranscript, s.handleDelete))
	mux.HandleFunc("POST /api/voice/sessions", s.wrap(RouteCreateSession, s.handleCreateSession))
	mux.HandleFunc("POST /api/voice/sessions/{id}/token", s.wrap(RouteIssueToken, s.handleIssueToken))
	mux.HandleFunc("DELETE /api/voice/sessions/{id}", s.wrap(RouteEndSession, s.handleEndSession))
	mux.HandleFunc("POST /api/voice/sessions/{id}/query", s.wrap(RouteVoiceQuery, s.handleVoiceQuery))
	mux.HandleFunc("POST /api/voice/sessions/{id}/transcripts", s.wrap(RouteIngestTurn, s.handleIngest))
	mux.HandleFunc("POST /api/dashboard/graphs", s.wrap(RoutePinGraph, s.handlePin))
	mux.HandleFunc("DELETE /api/dashboard/graphs/{id}", s.wrap(RouteUnpinGraph, s.handleUnpin))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Client returns a backend client pointed at the fake.
func (s *Server) Client() *backend.Client {
	return backend.New(backend.Config{BaseURL: s.URL, Token: "test-token", Timeout: 5 * time.Second})
}

// Fail makes route respond with status (and optional structured reason) until Clear.
func (s *Server) Fail(route string, status int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = injected{status: status, reason: reason, msg: http.StatusText(status)}
}

// FailWithMessage is Fail with a custom error message.
func (s *Server) FailWithMessage(route string, status int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = injected{status: status, msg: msg}
}

// Clear removes an injected failure.
func (s *Server) Clear(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
}

// Hold blocks requests on route until the returned release func is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[route] == ch {
				delete(s.holds, route)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many requests route has received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// SetPending sets the latest pending bundle for a transcript.
func (s *Server) SetPending(transcriptID string, b backend.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[transcriptID] = &b
}

// ClearPending removes the pending bundle for a transcript.
func (s *Server) ClearPending(transcriptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, transcriptID)
}

// AddTranscript seeds a stored transcript.
func (s *Server) AddTranscript(d backend.TranscriptDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.transcripts[d.ID] = &cp
}

// HasTranscript reports whether id is stored.
func (s *Server) HasTranscript(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transcripts[id]
	return ok
}

// Transcript returns a copy of a stored transcript.
func (s *Server) Transcript(id string) (backend.TranscriptDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.transcripts[id]
	if !ok {
		return backend.TranscriptDetail{}, false
	}
	return *d, true
}

// Queries returns the recorded direct-route questions.
func (s *Server) Queries() []backend.QueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.QueryRequest(nil), s.queries...)
}

// VoiceQueries returns the recorded voice-route questions.
func (s *Server) VoiceQueries() []VoiceQueryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VoiceQueryRecord(nil), s.voice...)
}

// Turns returns the ingested voice turns.
func (s *Server) Turns() []backend.VoiceTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.VoiceTurn(nil), s.turns...)
}

// EndedSessions returns ids passed to end voice session.
func (s *Server) EndedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

// ActiveSessions returns the number of sessions not yet ended.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Pins returns the pinned graphs by id.
func (s *Server) Pins() map[string]backend.GraphItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]backend.GraphItem, len(s.pins))
	for k, v := range s.pins {
		out[k] = v
	}
	return out
}

func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		hold := s.holds[route]
		f, failing := s.failures[route]
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if failing {
			writeJSON(w, f.status, map[string]string{"error": f.msg, "reason": f.reason})
			return
		}
		h(w, r)
	}
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req backend.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, req)

	id := req.TranscriptID
	if id == "" {
		id = s.newID("t")
		s.transcripts[id] = &backend.TranscriptDetail{Transcript: backend.Transcript{ID: id}}
	}
	d, ok := s.transcripts[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found", "reason": "transcript_not_found"})
		return
	}
	d.Messages = append(d.Messages, backend.Message{Role: backend.RoleUser, Text: req.Question})
	writeJSON(w, http.StatusOK, backend.QueryResponse{TranscriptID: id, Status: "processing"})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tid := r.URL.Query().Get("transcriptId")
	s.mu.Lock()
	b, ok := s.pending[tid]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	list := make([]backend.Transcript, 0, len(s.transcripts))
	for _, d := range s.transcripts {
		list = append(list, d.Transcript)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	d, ok := s.transcripts[r.PathValue("id")]
	var cp backend.TranscriptDetail
	if ok {
		cp = *d
		cp.Messages = append([]backend.Message(nil), d.Messages...)
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found", "reason": "transcript_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.transcripts[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
		return
	}
	d.Title = body.Title
	writeJSON(w, http.StatusOK, d.Transcript)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.transcripts[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
		return
	}
	delete(s.transcripts, id)
	delete(s.pending, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req backend.VoiceSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("vs")
	token, err := s.mintToken(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	info := &backend.VoiceSessionInfo{
		SessionID: id,
		RoomName:  "room-" + id,
		URL:       s.SignalURL,
		Token:     token,
	}
	s.sessions[id] = info
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.sessions[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	token, err := s.mintToken(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	s.ended = append(s.ended, id)
	if _, ok := s.sessions[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	delete(s.sessions, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVoiceQuery(w http.ResponseWriter, r *http.Request) {
	var q backend.VoiceQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.sessions[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	s.voice = append(s.voice, VoiceQueryRecord{SessionID: id, Query: q})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var turn backend.VoiceTurn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req backend.PinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("g")
	g := req.Graph
	g.GraphID = id
	s.pins[id] = g
	writeJSON(w, http.StatusCreated, map[string]string{"graphId": id})
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.pins[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "graph not found"})
		return
	}
	delete(s.pins, id)
	w.WriteHeader(http.StatusNoContent)
}

// mintToken must be called with s.mu held.
func (s *Server) mintToken(sessionID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(TokenSecret))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package backend

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Role of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is a server-persisted conversation thread.
type Transcript struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// TranscriptDetail is a transcript with its stored messages.
type TranscriptDetail struct {
	Transcript
	Messages []Message `json:"messages"`
}

// Message is a stored transcript message.
type Message struct {
	Role   Role        `json:"role"`
	Text   string      `json:"text,omitempty"`
	Graphs []GraphItem `json:"graphs,omitempty"`
}

// GraphItem is a generated chart. GraphID is only set once the graph has been
// pinned to a dashboard.
type GraphItem struct {
	Title   string          `json:"title"`
	Type    string          `json:"type"`
	HTML    string          `json:"html,omitempty"`
	Figure  json.RawMessage `json:"figure,omitempty"`
	GraphID string          `json:"graphId,omitempty"`
}

// HasRenderableContent reports whether the graph carries markup or a figure payload.
func (g GraphItem) HasRenderableContent() bool {
	if strings.TrimSpace(g.HTML) != "" {
		return true
	}
	fig := bytes.TrimSpace(g.Figure)
	if len(fig) == 0 {
		return false
	}
	switch string(fig) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// Pinnable reports whether a pin affordance should be offered.
func (g GraphItem) Pinnable() bool {
	return g.GraphID == "" && g.HasRenderableContent()
}

// Bundle is an asynchronously produced answer package. ID and Sequence are
// optional freshness markers.
type Bundle struct {
	ID           string            `json:"id,omitempty"`
	Sequence     int64             `json:"sequence,omitempty"`
	TranscriptID string            `json:"transcriptId,omitempty"`
	Description  string            `json:"description,omitempty"`
	Graphs       []GraphItem       `json:"graphs,omitempty"`
	SQL          string            `json:"sql,omitempty"`
	Tables       []json.RawMessage `json:"tables,omitempty"`
}

// HasContent reports whether the bundle has a description or a renderable graph.
func (b *Bundle) HasContent() bool {
	if b == nil {
		return false
	}
	if strings.TrimSpace(b.Description) != "" {
		return true
	}
	for _, g := range b.Graphs {
		if g.HasRenderableContent() {
			return true
		}
	}
	return false
}

// QueryRequest is the direct-route question payload.
type QueryRequest struct {
	Question     string `json:"question"`
	TranscriptID string `json:"transcriptId,omitempty"`
}

// QueryResponse acknowledges a direct-route question.
type QueryResponse struct {
	TranscriptID string `json:"transcriptId"`
	Status       string `json:"status,omitempty"`
	Message      string `json:"message,omitempty"`
}

// VoiceSessionRequest creates a realtime voice session.
type VoiceSessionRequest struct {
	DisplayName  string `json:"displayName,omitempty"`
	TranscriptID string `json:"transcriptId,omitempty"`
}

// VoiceSessionInfo is returned by session creation.
type VoiceSessionInfo struct {
	SessionID string `json:"sessionId"`
	RoomName  string `json:"roomName"`
	URL       string `json:"url"`
	Token     string `json:"token"`
}

// VoiceQuery asks a question through a connected voice session.
type VoiceQuery struct {
	Question string         `json:"question"`
	Context  map[string]any `json:"context,omitempty"`
}

// VoiceTurn is a voice transcript turn persisted by the backend.
type VoiceTurn struct {
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PinRequest pins a graph to the user's dashboard.
type PinRequest struct {
	TranscriptID string    `json:"transcriptId,omitempty"`
	Graph        GraphItem `json:"graph"`
}

type pinResponse struct {
	GraphID string `json:"graphId"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type listResponse struct {
	Transcripts []Transcript `json:"transcripts"`
}

// errorPayload covers the error shapes the backend produces.
type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Reason  string `json:"reason"`
	Code    string `json:"code"`
}

func (p errorPayload) text() string {
	for _, s := range []string{p.Message, p.Error, p.Detail} {
		if strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func (p errorPayload) reason() string {
	if p.Reason != "" {
		return p.Reason
	}
	return p.Code
}

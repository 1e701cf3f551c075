// Package conversation holds the ordered chat transcript and the orchestrator
// that sequences user commands and component events into it.
package conversation

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/voice"
)

// Message is one chat transcript entry.
type Message struct {
	ID        string              `json:"id"`
	Role      backend.Role        `json:"role"`
	Text      string              `json:"text,omitempty"`
	Graphs    []backend.GraphItem `json:"graphs,omitempty"`
	IsError   bool                `json:"isError,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Snapshot is an immutable copy of the conversation for presentation.
type Snapshot struct {
	TranscriptID   string      `json:"transcriptId,omitempty"`
	Messages       []Message   `json:"messages"`
	Awaiting       bool        `json:"awaiting"`
	Loading        bool        `json:"loading"`
	Listening      bool        `json:"listening"`
	Interim        string      `json:"interim,omitempty"`
	VoiceState     voice.State `json:"-"`
	Voice          string      `json:"voice"`
	VoiceSessionID string      `json:"voiceSessionId,omitempty"`
	AgentSpeaking  bool        `json:"agentSpeaking"`
	Caption        string      `json:"caption,omitempty"`
	Notice         string      `json:"notice,omitempty"`
}

// State is the single source of truth for the current view. Only the
// orchestrator loop touches it.
type State struct {
	transcriptID string
	messages     []Message
	// epoch changes whenever the view is switched away from; results tagged
	// with an older epoch no longer apply.
	epoch    uint64
	awaiting bool
	loading  bool

	listening      bool
	interim        string
	voiceState     voice.State
	voiceSessionID string
	agentSpeaking  bool
	caption        string
	notice         string

	now func() time.Time
}

// NewState returns an empty state.
func NewState() *State {
	return &State{now: time.Now}
}

func (s *State) append(role backend.Role, text string, graphs []backend.GraphItem, isError bool) Message {
	m := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Graphs:    append([]backend.GraphItem(nil), graphs...),
		IsError:   isError,
		CreatedAt: s.now(),
	}
	s.messages = append(s.messages, m)
	return m
}

// AppendUser appends a user message.
func (s *State) AppendUser(text string) Message {
	return s.append(backend.RoleUser, text, nil, false)
}

// AppendAssistant appends an assistant message.
func (s *State) AppendAssistant(text string, graphs []backend.GraphItem) Message {
	return s.append(backend.RoleAssistant, text, graphs, false)
}

// AppendError appends an assistant error message.
func (s *State) AppendError(text string) Message {
	return s.append(backend.RoleAssistant, text, nil, true)
}

// Switch clears the view and makes transcriptID active.
func (s *State) Switch(transcriptID string) {
	s.transcriptID = transcriptID
	s.messages = nil
	s.awaiting = false
	s.loading = false
	s.interim = ""
	s.epoch++
}

// Prepend inserts stored history ahead of messages accepted since the switch.
func (s *State) Prepend(history []backend.Message) {
	if len(history) == 0 {
		return
	}
	loaded := make([]Message, 0, len(history)+len(s.messages))
	for _, h := range history {
		loaded = append(loaded, Message{
			ID:        uuid.NewString(),
			Role:      h.Role,
			Text:      h.Text,
			Graphs:    append([]backend.GraphItem(nil), h.Graphs...),
			CreatedAt: s.now(),
		})
	}
	s.messages = append(loaded, s.messages...)
}

// LastUserText returns the text of the most recent user message.
func (s *State) LastUserText() string {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == backend.RoleUser {
			return s.messages[i].Text
		}
	}
	return ""
}

// SetGraphID sets (or clears) the persisted id of a graph.
func (s *State) SetGraphID(messageID string, index int, graphID string) bool {
	for i := range s.messages {
		if s.messages[i].ID != messageID {
			continue
		}
		if index < 0 || index >= len(s.messages[i].Graphs) {
			return false
		}
		s.messages[i].Graphs[index].GraphID = graphID
		return true
	}
	return false
}

// Graph returns a graph of a message.
func (s *State) Graph(messageID string, index int) (backend.GraphItem, bool) {
	for _, m := range s.messages {
		if m.ID == messageID && index >= 0 && index < len(m.Graphs) {
			return m.Graphs[index], true
		}
	}
	return backend.GraphItem{}, false
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	msgs := make([]Message, len(s.messages))
	for i, m := range s.messages {
		m.Graphs = append([]backend.GraphItem(nil), m.Graphs...)
		msgs[i] = m
	}
	return Snapshot{
		TranscriptID:   s.transcriptID,
		Messages:       msgs,
		Awaiting:       s.awaiting,
		Loading:        s.loading,
		Listening:      s.listening,
		Interim:        s.interim,
		VoiceState:     s.voiceState,
		Voice:          s.voiceState.String(),
		VoiceSessionID: s.voiceSessionID,
		AgentSpeaking:  s.agentSpeaking,
		Caption:        s.caption,
		Notice:         s.notice,
	}
}

var (
	spaceRun  = regexp.MustCompile(`\s+`)
	edgePunct = regexp.MustCompile(`^[\p{P}\s]+|[\p{P}\s]+$`)
)

// normalizeUtterance folds case, whitespace and edge punctuation so spoken
// echoes compare equal to the typed or recognized text.
func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = spaceRun.ReplaceAllString(s, " ")
	return edgePunct.ReplaceAllString(s, "")
}

// sameUtterance reports whether a and b are the same utterance.
func sameUtterance(a, b string) bool {
	na, nb := normalizeUtterance(a), normalizeUtterance(b)
	return na != "" && na == nb
}

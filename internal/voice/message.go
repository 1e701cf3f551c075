package voice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lukasbauer/insightchat/internal/backend"
)

// Inbound data-channel message types.
const (
	TypeVoiceTranscript   = "voice_transcript"
	TypeVoiceResponse     = "voice_response"
	TypeInterimTranscript = "interim_transcript"
	TypeAgentAudioReady   = "agent_audio_ready"
	TypeAgentAudioEnd     = "agent_audio_end"
	TypeTTSResponse       = "tts_response"
	TypeError             = "error"
)

// Message is one inbound data-channel payload. The manager forwards it without
// interpreting it; Raw keeps the original bytes.
type Message struct {
	Type         string              `json:"type"`
	Text         string              `json:"text,omitempty"`
	Transcript   string              `json:"transcript,omitempty"`
	Response     string              `json:"response,omitempty"`
	Message      string              `json:"message,omitempty"`
	Error        string              `json:"error,omitempty"`
	TranscriptID string              `json:"transcriptId,omitempty"`
	Graphs       []backend.GraphItem `json:"graphs,omitempty"`
	Raw          json.RawMessage     `json:"-"`
}

// ParseMessage decodes a data-channel payload. A payload without a type is an error.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode voice message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode voice message: missing type")
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

// Body returns the spoken or written text carried by the message.
func (m Message) Body() string {
	for _, s := range []string{m.Text, m.Transcript, m.Response, m.Message} {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}

// ErrorText returns the error description of an error message.
func (m Message) ErrorText() string {
	if t := strings.TrimSpace(m.Error); t != "" {
		return t
	}
	return m.Body()
}

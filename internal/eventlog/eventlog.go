package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of conversation event
type EventType string

const (
	EventQuestionAsked      EventType = "question_asked"
	EventQuestionFailed     EventType = "question_failed"
	EventRouteFallback      EventType = "route_fallback"
	EventResultReady        EventType = "result_ready"
	EventTranscriptAdopted  EventType = "transcript_adopted"
	EventTranscriptSelected EventType = "transcript_selected"
	EventTranscriptStale    EventType = "transcript_stale"
	EventTranscriptDeleted  EventType = "transcript_deleted"
	EventVoiceStarted       EventType = "voice_started"
	EventVoiceEnded         EventType = "voice_ended"
	EventVoiceError         EventType = "voice_error"
	EventVoiceTranscript    EventType = "voice_transcript"
	EventVoiceResponse      EventType = "voice_response"
	EventUtteranceFinal     EventType = "utterance_final"
	EventSpeechFailed       EventType = "speech_failed"
	EventGraphPinned        EventType = "graph_pinned"
	EventGraphUnpinned      EventType = "graph_unpinned"
)

// Schema creates the event table. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_events (
	id BIGSERIAL PRIMARY KEY,
	subject_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversation_events_subject_idx ON conversation_events (subject_id, created_at);
`

// Event is a stored event row.
type Event struct {
	SubjectID string
	Type      EventType
	Data      map[string]any
	CreatedAt time.Time
}

// Logger provides async event logging to the database. The subject is the
// transcript id when known, otherwise the voice session or run id.
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// EnsureSchema creates the event table if it does not exist.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.Exec(ctx, Schema)
	return err
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, subjectID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || subjectID == "" {
		return nil // Silently skip if no DB or subject
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO conversation_events (subject_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, subjectID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(subjectID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || subjectID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, subjectID, eventType, data)
	}()
}

// Recent returns the latest events for a subject, newest first.
func (l *Logger) Recent(ctx context.Context, subjectID string, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx, `
		SELECT subject_id, event_type, event_data, created_at
		FROM conversation_events
		WHERE subject_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			rawData []byte
		)
		if err := rows.Scan(&e.SubjectID, &typ, &rawData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if len(rawData) > 0 {
			_ = json.Unmarshal(rawData, &e.Data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

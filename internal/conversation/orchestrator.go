package conversation

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/dispatch"
	"github.com/lukasbauer/insightchat/internal/eventlog"
	"github.com/lukasbauer/insightchat/internal/failure"
	"github.com/lukasbauer/insightchat/internal/metrics"
	"github.com/lukasbauer/insightchat/internal/poller"
	"github.com/lukasbauer/insightchat/internal/speech"
	"github.com/lukasbauer/insightchat/internal/voice"
)

const (
	ingestTimeout  = 10 * time.Second
	stopTimeout    = 10 * time.Second
	agentErrorText = "The voice assistant ran into a problem."
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrEmptyTitle    = errors.New("title is empty")
	ErrStopped       = errors.New("conversation stopped")
	ErrGraphNotFound = errors.New("graph not found")
	ErrNotPinnable   = errors.New("graph cannot be pinned")
	ErrNotPinned     = errors.New("graph is not pinned")
)

// Backend is the transcript and dashboard surface of the analytics backend.
type Backend interface {
	ListTranscripts(ctx context.Context) ([]backend.Transcript, error)
	GetTranscript(ctx context.Context, id string) (*backend.TranscriptDetail, error)
	RenameTranscript(ctx context.Context, id, title string) (*backend.Transcript, error)
	DeleteTranscript(ctx context.Context, id string) error
	PinGraph(ctx context.Context, req backend.PinRequest) (string, error)
	UnpinGraph(ctx context.Context, graphID string) error
	IngestVoiceTurn(ctx context.Context, sessionID string, turn backend.VoiceTurn) error
}

// Dispatcher submits questions.
type Dispatcher interface {
	Submit(req dispatch.Request) dispatch.Route
	Results() <-chan dispatch.Result
}

// Poller discovers asynchronously produced results.
type Poller interface {
	SetActive(transcriptID string)
	Trigger()
	Ready() <-chan poller.Ready
}

// Voice is the voice session manager.
type Voice interface {
	Start(ctx context.Context, req voice.StartRequest) (*voice.Session, error)
	Stop(ctx context.Context) error
	Events() <-chan voice.Event
}

// Speech is the local speech capture.
type Speech interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan speech.Event
}

// History caches the transcript list locally.
type History interface {
	SaveTranscripts(list []backend.Transcript) error
	Transcripts() ([]backend.Transcript, error)
	Upsert(t backend.Transcript) error
	Forget(id string) error
	SetLastActive(id string) error
	LastActive() (string, error)
}

// EventLog records conversation events.
type EventLog interface {
	LogAsync(subjectID string, eventType eventlog.EventType, data map[string]any)
}

// Notifier announces results and voice failures out of band.
type Notifier interface {
	NotifyResultReady(ctx context.Context, transcriptID, question, description string, graphs int)
	NotifyVoiceFailure(ctx context.Context, sessionID, reason string)
}

// Config configures an Orchestrator. Voice, Speech, History, EventLog,
// Notifier and Metrics are optional.
type Config struct {
	Backend     Backend
	Dispatcher  Dispatcher
	Poller      Poller
	Voice       Voice
	Speech      Speech
	History     History
	EventLog    EventLog
	Notifier    Notifier
	Metrics     *metrics.Metrics
	DisplayName string
	Logger      *log.Logger
}

// Orchestrator owns the conversation state. All state changes happen on the
// goroutine running Run; public methods enqueue commands onto it.
type Orchestrator struct {
	cfg    Config
	logger *log.Logger
	runID  string

	cmds chan func()
	done chan struct{}

	snapMu  sync.RWMutex
	snap    Snapshot
	updates chan struct{}

	// Loop-owned.
	state             *State
	queued            []Message
	endAfterUtterance bool
	// voiceAskEpoch is one past the view epoch of the latest voice question;
	// zero means none was asked.
	voiceAskEpoch uint64
	// echoes are voice-route questions whose voice_transcript echo is pending.
	echoes []string
}

// New creates an Orchestrator. Call Run to start processing.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		runID:   "run-" + uuid.NewString(),
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		updates: make(chan struct{}, 1),
		state:   NewState(),
	}
	o.snap = o.state.Snapshot()
	return o
}

// Snapshot returns the latest published state. Callers must not modify it.
func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

// Updates signals (coalesced) that a new snapshot is available.
func (o *Orchestrator) Updates() <-chan struct{} {
	return o.updates
}

// Run processes commands and component events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	var (
		speechEvents <-chan speech.Event
		voiceEvents  <-chan voice.Event
	)
	if o.cfg.Speech != nil {
		speechEvents = o.cfg.Speech.Events()
	}
	if o.cfg.Voice != nil {
		voiceEvents = o.cfg.Voice.Events()
	}
	results := o.cfg.Dispatcher.Results()
	ready := o.cfg.Poller.Ready()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-o.cmds:
			cmd()
			continue
		case ev, ok := <-speechEvents:
			if !ok {
				speechEvents = nil
				continue
			}
			o.handleSpeech(ev)
		case ev := <-voiceEvents:
			o.handleVoice(ev)
		case res := <-results:
			o.handleResult(res)
		case r := <-ready:
			o.handleReady(r)
		}
		o.publish()
	}
}

// do runs fn on the loop and publishes the resulting snapshot before returning.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		fn()
		o.publish()
		close(finished)
	}
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrStopped
	}
}

func (o *Orchestrator) publish() {
	snap := o.state.Snapshot()
	o.snapMu.Lock()
	o.snap = snap
	o.snapMu.Unlock()
	o.cfg.Metrics.SetAwaiting(snap.Awaiting)
	select {
	case o.updates <- struct{}{}:
	default:
	}
}

// Ask appends the question and submits it. It returns the user message id.
func (o *Orchestrator) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	var id string
	err := o.do(ctx, func() {
		m := o.accept(question)
		o.submit(m)
		id = m.ID
	})
	return id, err
}

// accept appends a user message and marks an answer as outstanding.
func (o *Orchestrator) accept(question string) Message {
	m := o.state.AppendUser(question)
	o.state.awaiting = true
	o.state.notice = ""
	return m
}

func (o *Orchestrator) submit(m Message) {
	route := o.cfg.Dispatcher.Submit(dispatch.Request{
		AskID:        m.ID,
		Question:     m.Text,
		TranscriptID: o.state.transcriptID,
		Epoch:        o.state.epoch,
	})
	if route.Kind == dispatch.RouteVoice {
		o.markVoiceAsk()
		o.expectEcho(m.Text)
	}
	o.cfg.Metrics.RecordQuestion(routeLabel(route))
	o.logEvent(eventlog.EventQuestionAsked, map[string]any{"askId": m.ID, "question": m.Text, "route": route.String()})
}

// StartVoice starts listening and, if no voice session exists, creates one.
// Utterances recognized while the session connects are sent once it is up.
func (o *Orchestrator) StartVoice(ctx context.Context) error {
	if o.cfg.Voice == nil {
		err := failure.New(failure.KindTransportUnavailable, "start voice", failure.ErrUnsupportedCapability)
		_ = o.do(ctx, func() { o.showFailure(err) })
		return err
	}

	var req voice.StartRequest
	if err := o.do(ctx, func() {
		o.state.notice = ""
		o.state.awaiting = true
		if s := o.state.voiceState; s == voice.StateIdle || s == voice.StateError {
			o.state.voiceState = voice.StateConnecting
		}
		req = voice.StartRequest{DisplayName: o.cfg.DisplayName, TranscriptID: o.state.transcriptID}
	}); err != nil {
		return err
	}

	if o.cfg.Speech != nil {
		if err := o.cfg.Speech.Start(ctx); err != nil {
			_ = o.do(ctx, func() {
				if o.state.voiceState == voice.StateConnecting && o.state.voiceSessionID == "" {
					o.state.voiceState = voice.StateIdle
				}
				o.showFailure(err)
			})
			return err
		}
		_ = o.do(ctx, func() { o.state.listening = true })
	}

	if _, err := o.cfg.Voice.Start(ctx, req); err != nil {
		if errors.Is(err, voice.ErrStartCanceled) {
			return nil
		}
		o.cfg.Metrics.RecordVoiceSession("failed")
		return err
	}
	return nil
}

// StopVoice stops listening and ends the voice session. With
// endAfterUtterance set and capture active, both stop after the next final
// utterance instead.
func (o *Orchestrator) StopVoice(ctx context.Context, endAfterUtterance bool) error {
	deferred := false
	if err := o.do(ctx, func() {
		if endAfterUtterance && o.state.listening {
			o.endAfterUtterance = true
			deferred = true
			return
		}
		o.endAfterUtterance = false
	}); err != nil {
		return err
	}
	if deferred {
		return nil
	}
	return o.stopVoice(ctx)
}

func (o *Orchestrator) stopVoice(ctx context.Context) error {
	if o.cfg.Speech != nil {
		o.cfg.Speech.Stop()
	}
	if o.cfg.Voice != nil {
		return o.cfg.Voice.Stop(ctx)
	}
	return nil
}

// NewChat clears local state. Nothing is deleted on the server.
func (o *Orchestrator) NewChat(ctx context.Context) error {
	return o.do(ctx, func() { o.switchTo("") })
}

// SelectTranscript switches to a stored transcript. The view is cleared
// immediately; stored messages are prepended once loaded.
func (o *Orchestrator) SelectTranscript(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return o.NewChat(ctx)
	}

	var epoch uint64
	if err := o.do(ctx, func() {
		o.switchTo(id)
		o.state.loading = true
		epoch = o.state.epoch
		o.logEvent(eventlog.EventTranscriptSelected, nil)
	}); err != nil {
		return err
	}

	detail, err := o.cfg.Backend.GetTranscript(ctx, id)
	if err != nil {
		err = failure.Wrap(failure.KindNetwork, "load transcript", err)
		_ = o.do(ctx, func() {
			if o.state.epoch != epoch {
				return
			}
			o.state.loading = false
			o.showFailure(err)
			if failure.Is(err, failure.KindStaleTranscript) || failure.Is(err, failure.KindNotFound) {
				o.clearTranscript()
			}
		})
		return err
	}

	return o.do(ctx, func() {
		if o.state.epoch != epoch {
			return
		}
		o.state.loading = false
		o.state.Prepend(detail.Messages)
		o.remember(detail.Transcript)
	})
}

// Restore reopens the last active transcript recorded in history.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.cfg.History == nil {
		return nil
	}
	id, err := o.cfg.History.LastActive()
	if err != nil || id == "" {
		return err
	}
	return o.SelectTranscript(ctx, id)
}

// DeleteTranscript deletes a transcript on the server. Deleting the active
// transcript clears the view.
func (o *Orchestrator) DeleteTranscript(ctx context.Context, id string) error {
	if err := o.do(ctx, func() {
		if o.state.transcriptID == id {
			o.switchTo("")
		}
	}); err != nil {
		return err
	}
	if err := o.cfg.Backend.DeleteTranscript(ctx, id); err != nil {
		return err
	}
	if o.cfg.History != nil {
		if err := o.cfg.History.Forget(id); err != nil {
			o.logger.Printf("conversation: forget transcript %s: %v", id, err)
		}
	}
	o.logEventFor(id, eventlog.EventTranscriptDeleted, nil)
	return nil
}

// RenameTranscript sets a transcript title.
func (o *Orchestrator) RenameTranscript(ctx context.Context, id, title string) (*backend.Transcript, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	t, err := o.cfg.Backend.RenameTranscript(ctx, id, title)
	if err != nil {
		return nil, err
	}
	if o.cfg.History != nil {
		if err := o.cfg.History.Upsert(*t); err != nil {
			o.logger.Printf("conversation: cache transcript %s: %v", id, err)
		}
	}
	return t, nil
}

// ListTranscripts lists stored transcripts and refreshes the local cache. When
// the backend fails, the cached list is returned along with the error.
func (o *Orchestrator) ListTranscripts(ctx context.Context) ([]backend.Transcript, error) {
	list, err := o.cfg.Backend.ListTranscripts(ctx)
	if err != nil {
		cached, cerr := o.CachedTranscripts()
		if cerr == nil && len(cached) > 0 {
			o.logger.Printf("conversation: list transcripts failed, serving cache: %v", err)
			return cached, err
		}
		return nil, err
	}
	if o.cfg.History != nil {
		if err := o.cfg.History.SaveTranscripts(list); err != nil {
			o.logger.Printf("conversation: cache transcripts: %v", err)
		}
	}
	return list, nil
}

// CachedTranscripts returns the locally cached transcript list.
func (o *Orchestrator) CachedTranscripts() ([]backend.Transcript, error) {
	if o.cfg.History == nil {
		return nil, nil
	}
	return o.cfg.History.Transcripts()
}

// PinGraph pins a graph of a message to the dashboard.
func (o *Orchestrator) PinGraph(ctx context.Context, messageID string, index int) (string, error) {
	var (
		g     backend.GraphItem
		found bool
		tid   string
	)
	if err := o.do(ctx, func() {
		g, found = o.state.Graph(messageID, index)
		tid = o.state.transcriptID
	}); err != nil {
		return "", err
	}
	if !found {
		return "", ErrGraphNotFound
	}
	if !g.Pinnable() {
		return "", ErrNotPinnable
	}

	graphID, err := o.cfg.Backend.PinGraph(ctx, backend.PinRequest{TranscriptID: tid, Graph: g})
	if err != nil {
		return "", err
	}
	err = o.do(ctx, func() {
		o.state.SetGraphID(messageID, index, graphID)
		o.logEvent(eventlog.EventGraphPinned, map[string]any{"graphId": graphID})
	})
	return graphID, err
}

// UnpinGraph removes a pinned graph from the dashboard.
func (o *Orchestrator) UnpinGraph(ctx context.Context, messageID string, index int) error {
	var (
		g     backend.GraphItem
		found bool
	)
	if err := o.do(ctx, func() { g, found = o.state.Graph(messageID, index) }); err != nil {
		return err
	}
	if !found {
		return ErrGraphNotFound
	}
	if g.GraphID == "" {
		return ErrNotPinned
	}
	if err := o.cfg.Backend.UnpinGraph(ctx, g.GraphID); err != nil {
		return err
	}
	return o.do(ctx, func() {
		o.state.SetGraphID(messageID, index, "")
		o.logEvent(eventlog.EventGraphUnpinned, map[string]any{"graphId": g.GraphID})
	})
}

// switchTo clears the view and points the poller at id.
func (o *Orchestrator) switchTo(id string) {
	o.state.Switch(id)
	o.queued = nil
	o.echoes = nil
	o.cfg.Poller.SetActive(id)
	if o.cfg.History != nil {
		if err := o.cfg.History.SetLastActive(id); err != nil {
			o.logger.Printf("conversation: record active transcript: %v", err)
		}
	}
}

// adopt makes a server-assigned transcript id active without clearing messages.
func (o *Orchestrator) adopt(id string) {
	o.state.transcriptID = id
	o.cfg.Poller.SetActive(id)
	o.remember(backend.Transcript{ID: id})
	if o.cfg.History != nil {
		if err := o.cfg.History.SetLastActive(id); err != nil {
			o.logger.Printf("conversation: record active transcript: %v", err)
		}
	}
	o.logEvent(eventlog.EventTranscriptAdopted, nil)
}

// clearTranscript drops the active transcript id but keeps the messages.
func (o *Orchestrator) clearTranscript() {
	stale := o.state.transcriptID
	if stale == "" {
		return
	}
	o.state.transcriptID = ""
	o.cfg.Poller.SetActive("")
	if o.cfg.History != nil {
		if err := o.cfg.History.Forget(stale); err != nil {
			o.logger.Printf("conversation: forget transcript %s: %v", stale, err)
		}
	}
	o.logEventFor(stale, eventlog.EventTranscriptStale, nil)
}

func (o *Orchestrator) remember(t backend.Transcript) {
	if o.cfg.History == nil || t.ID == "" {
		return
	}
	if err := o.cfg.History.Upsert(t); err != nil {
		o.logger.Printf("conversation: cache transcript %s: %v", t.ID, err)
	}
}

func (o *Orchestrator) handleResult(res dispatch.Result) {
	if res.FellBack {
		o.cfg.Metrics.RecordFallback()
		o.logEvent(eventlog.EventRouteFallback, map[string]any{"askId": res.AskID})
	}
	if res.Epoch != o.state.epoch {
		o.logger.Printf("conversation: dropping result of ask %s from a previous view", res.AskID)
		return
	}
	if res.Err != nil {
		o.state.awaiting = false
		o.cfg.Metrics.RecordFailure(string(failure.KindOf(res.Err)))
		o.logEvent(eventlog.EventQuestionFailed, map[string]any{
			"askId": res.AskID,
			"kind":  string(failure.KindOf(res.Err)),
			"error": res.Err.Error(),
		})
		if res.ClearTranscript {
			o.clearTranscript()
		}
		o.state.AppendError(failure.UserMessage(res.Err))
		return
	}
	if o.state.transcriptID == "" && res.TranscriptID != "" {
		o.adopt(res.TranscriptID)
	}
	o.cfg.Poller.Trigger()
}

func (o *Orchestrator) handleReady(r poller.Ready) {
	if r.TranscriptID != o.state.transcriptID {
		o.logger.Printf("conversation: dropping result %s for inactive transcript %s", r.Marker, r.TranscriptID)
		return
	}
	graphs := renderable(r.Bundle.Graphs)
	question := o.state.LastUserText()
	o.state.AppendAssistant(r.Bundle.Description, graphs)
	o.state.awaiting = false
	o.cfg.Metrics.RecordResult("poller")
	o.logEvent(eventlog.EventResultReady, map[string]any{"marker": r.Marker, "graphs": len(graphs)})
	if o.cfg.Notifier != nil {
		o.cfg.Notifier.NotifyResultReady(context.Background(), r.TranscriptID, question, r.Bundle.Description, len(graphs))
	}
}

func (o *Orchestrator) handleSpeech(ev speech.Event) {
	switch ev.Kind {
	case speech.EventInterim:
		o.state.listening = true
		o.state.interim = ev.Text
	case speech.EventFinal:
		o.state.interim = ""
		o.cfg.Metrics.RecordUtterance()
		o.logEvent(eventlog.EventUtteranceFinal, map[string]any{"text": ev.Text})
		o.utterance(ev.Text)
		if o.endAfterUtterance {
			o.endAfterUtterance = false
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := o.stopVoice(ctx); err != nil {
					o.logger.Printf("conversation: stop voice after utterance: %v", err)
				}
			}()
		}
	case speech.EventFailed:
		o.state.listening = false
		o.state.interim = ""
		o.endAfterUtterance = false
		o.showFailure(ev.Err)
		o.logEvent(eventlog.EventSpeechFailed, map[string]any{"error": errorText(ev.Err)})
	case speech.EventEnded:
		o.state.listening = false
		o.state.interim = ""
	}
}

// utterance accepts a recognized utterance. While the voice session is
// connecting the question is held until it connects or fails.
func (o *Orchestrator) utterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m := o.accept(text)
	if o.state.voiceState == voice.StateConnecting {
		o.queued = append(o.queued, m)
		return
	}
	o.submit(m)
}

func (o *Orchestrator) flushQueued() {
	queued := o.queued
	o.queued = nil
	for _, m := range queued {
		o.state.awaiting = true
		o.submit(m)
	}
}

func (o *Orchestrator) handleVoice(ev voice.Event) {
	if ev.Kind == voice.EventMessage {
		o.handleVoiceMessage(ev.Message)
		return
	}

	prev := o.state.voiceState
	o.state.voiceState = ev.State
	switch ev.State {
	case voice.StateConnected:
		o.state.voiceSessionID = ev.SessionID
		o.cfg.Metrics.SetVoiceConnected(true)
		o.cfg.Metrics.RecordVoiceSession("connected")
		o.logEvent(eventlog.EventVoiceStarted, map[string]any{"sessionId": ev.SessionID})
		o.flushQueued()
	case voice.StateError:
		o.showFailure(ev.Err)
		o.logEvent(eventlog.EventVoiceError, map[string]any{"sessionId": ev.SessionID, "error": errorText(ev.Err)})
		if o.cfg.Notifier != nil {
			o.cfg.Notifier.NotifyVoiceFailure(context.Background(), ev.SessionID, failure.UserMessage(ev.Err))
		}
		o.flushQueued()
	case voice.StateIdle:
		if prev == voice.StateConnected || prev == voice.StateEnding {
			o.logEvent(eventlog.EventVoiceEnded, map[string]any{"sessionId": ev.SessionID})
		}
		o.state.voiceSessionID = ""
		o.state.agentSpeaking = false
		o.cfg.Metrics.SetVoiceConnected(false)
		o.flushQueued()
	}
}

func (o *Orchestrator) handleVoiceMessage(m voice.Message) {
	switch m.Type {
	case voice.TypeVoiceTranscript, voice.TypeVoiceResponse, voice.TypeError:
		if !o.voiceMessageApplies(m) {
			o.logger.Printf("conversation: dropping %s for transcript %s", m.Type, m.TranscriptID)
			return
		}
	}

	switch m.Type {
	case voice.TypeVoiceTranscript:
		text := m.Body()
		if text == "" {
			return
		}
		o.ingest(backend.RoleUser, text)
		if o.consumeEcho(text) {
			return
		}
		o.state.AppendUser(text)
		o.state.awaiting = true
		o.markVoiceAsk()
		o.logEvent(eventlog.EventVoiceTranscript, map[string]any{"text": text})

	case voice.TypeVoiceResponse:
		text := m.Body()
		graphs := renderable(m.Graphs)
		if text == "" && len(graphs) == 0 {
			return
		}
		if m.TranscriptID != "" && o.state.transcriptID == "" {
			o.adopt(m.TranscriptID)
		}
		o.state.AppendAssistant(text, graphs)
		o.state.awaiting = false
		o.cfg.Metrics.RecordResult("voice")
		o.logEvent(eventlog.EventVoiceResponse, map[string]any{"graphs": len(graphs)})
		if text != "" {
			o.ingest(backend.RoleAssistant, text)
		}

	case voice.TypeInterimTranscript:
		o.state.interim = m.Body()

	case voice.TypeAgentAudioReady:
		o.state.agentSpeaking = true

	case voice.TypeAgentAudioEnd:
		o.state.agentSpeaking = false

	case voice.TypeTTSResponse:
		o.state.caption = m.Body()

	case voice.TypeError:
		text := m.ErrorText()
		if text == "" {
			text = agentErrorText
		}
		o.state.AppendError(text)
		o.state.awaiting = false
		o.cfg.Metrics.RecordFailure("voice_agent")

	default:
		o.logger.Printf("conversation: ignoring voice message type %q", m.Type)
	}
}

// voiceMessageApplies reports whether a session message belongs to the view.
// Messages tagged with another transcript are late results for a view the
// user left. With no active transcript a tagged message is only taken when a
// voice question was asked in this view, since it answers that question.
func (o *Orchestrator) voiceMessageApplies(m voice.Message) bool {
	switch {
	case m.TranscriptID == "" || m.TranscriptID == o.state.transcriptID:
		return true
	case o.state.transcriptID == "":
		return o.voiceAskEpoch == o.state.epoch+1
	default:
		return false
	}
}

func (o *Orchestrator) markVoiceAsk() {
	o.voiceAskEpoch = o.state.epoch + 1
}

const maxPendingEchoes = 16

func (o *Orchestrator) expectEcho(text string) {
	o.echoes = append(o.echoes, text)
	if len(o.echoes) > maxPendingEchoes {
		o.echoes = o.echoes[len(o.echoes)-maxPendingEchoes:]
	}
}

// consumeEcho reports whether text echoes a pending voice question, removing
// the first match.
func (o *Orchestrator) consumeEcho(text string) bool {
	for i, e := range o.echoes {
		if sameUtterance(text, e) {
			o.echoes = append(o.echoes[:i], o.echoes[i+1:]...)
			return true
		}
	}
	return false
}

// ingest persists a voice turn in the background.
func (o *Orchestrator) ingest(role backend.Role, text string) {
	sessionID := o.state.voiceSessionID
	if sessionID == "" {
		return
	}
	turn := backend.VoiceTurn{Role: role, Text: text, Timestamp: time.Now().UTC()}
	if tid := o.state.transcriptID; tid != "" {
		turn.Metadata = map[string]any{"transcriptId": tid}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := o.cfg.Backend.IngestVoiceTurn(ctx, sessionID, turn); err != nil {
			o.logger.Printf("conversation: ingest voice turn for session %s: %v", sessionID, err)
		}
	}()
}

// showFailure surfaces err as the single notice line.
func (o *Orchestrator) showFailure(err error) {
	o.state.notice = failure.UserMessage(err)
	o.state.awaiting = false
	o.cfg.Metrics.RecordFailure(string(failure.KindOf(err)))
}

func (o *Orchestrator) logEvent(t eventlog.EventType, data map[string]any) {
	subject := o.state.transcriptID
	if subject == "" {
		subject = o.state.voiceSessionID
	}
	if subject == "" {
		subject = o.runID
	}
	o.logEventFor(subject, t, data)
}

func (o *Orchestrator) logEventFor(subject string, t eventlog.EventType, data map[string]any) {
	if o.cfg.EventLog != nil {
		o.cfg.EventLog.LogAsync(subject, t, data)
	}
}

func renderable(graphs []backend.GraphItem) []backend.GraphItem {
	var out []backend.GraphItem
	for _, g := range graphs {
		if g.HasRenderableContent() {
			out = append(out, g)
		}
	}
	return out
}

func routeLabel(r dispatch.Route) string {
	if r.Kind == dispatch.RouteVoice {
		return "voice"
	}
	return "direct"
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

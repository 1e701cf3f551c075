package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/insightchat/internal/audio"
	"github.com/lukasbauer/insightchat/internal/audio/device"
	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/conversation"
	"github.com/lukasbauer/insightchat/internal/dispatch"
	"github.com/lukasbauer/insightchat/internal/eventlog"
	"github.com/lukasbauer/insightchat/internal/history"
	"github.com/lukasbauer/insightchat/internal/httpapi"
	"github.com/lukasbauer/insightchat/internal/metrics"
	"github.com/lukasbauer/insightchat/internal/notifications"
	"github.com/lukasbauer/insightchat/internal/poller"
	"github.com/lukasbauer/insightchat/internal/speech"
	"github.com/lukasbauer/insightchat/internal/voice"
	"github.com/lukasbauer/insightchat/internal/voice/rtc"
)

var (
	captureFormat  = audio.Format{SampleRate: 48000, Channels: 1}
	playbackFormat = audio.Format{SampleRate: 48000, Channels: 2}
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	eventLog   *eventlog.Logger
	history    *history.Store
	metrics    *metrics.Metrics
	speaker    *device.Speaker
	capture    *speech.Capture
	voice      *voice.Manager
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	conv       *conversation.Orchestrator
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.BackendURL == "" {
		return nil, errors.New("BACKEND_URL is required")
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.New("insightchat")}

	// The event log is optional; without a database events are dropped.
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			logger.Printf("app: event log disabled: %v", err)
		} else {
			a.db = db
		}
	}
	a.eventLog = eventlog.New(a.db)
	if a.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.eventLog.EnsureSchema(ctx)
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure event schema: %w", err)
		}
	}

	hs, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Printf("app: history cache disabled: %v", err)
	}
	a.history = hs

	// Shared HTTP client with connection pooling for the backend.
	httpClient := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10, // the backend is a single host
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	client := backend.New(backend.Config{
		BaseURL:    cfg.BackendURL,
		Token:      cfg.BackendToken,
		HTTPClient: httpClient,
	})

	// Playback is best effort: without an output device there are no cues
	// and agent audio is dropped.
	speaker, err := device.NewSpeaker(playbackFormat, logger)
	if err != nil {
		logger.Printf("app: audio output disabled: %v", err)
	}
	a.speaker = speaker
	mic := device.NewMicrophone(logger)

	voiceCfg := voice.Config{
		Backend: client,
		Transport: rtc.New(rtc.Config{
			ICEServers: cfg.ICEServers,
			Output:     playbackFormat,
			Logger:     logger,
		}),
		Microphone: mic,
		Format:     captureFormat,
		Logger:     logger,
	}
	if speaker != nil {
		voiceCfg.Player = speaker
	}
	a.voice = voice.NewManager(voiceCfg)

	a.dispatcher = dispatch.New(dispatch.Config{
		Backend:  client,
		Sessions: a.voice,
		Timeout:  cfg.RequestTimeout,
		Logger:   logger,
	})
	a.poller = poller.New(poller.Config{
		Backend:  client,
		Interval: cfg.PollInterval,
		Logger:   logger,
		OnPoll:   a.metrics.RecordPoll,
	})

	convCfg := conversation.Config{
		Backend:     client,
		Dispatcher:  a.dispatcher,
		Poller:      a.poller,
		Voice:       a.voice,
		EventLog:    a.eventLog,
		Notifier:    notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		Metrics:     a.metrics,
		DisplayName: cfg.VoiceDisplayName,
		Logger:      logger,
	}
	if a.history != nil {
		convCfg.History = a.history
	}
	if cfg.DeepgramAPIKey != "" {
		// Recognition hears the session microphone; it never opens its own.
		a.capture = a.newCapture(a.voice.Tap())
		convCfg.Speech = a.capture
	} else {
		logger.Printf("app: DEEPGRAM_API_KEY not set, voice sessions start without local transcription")
	}
	a.conv = conversation.New(convCfg)

	return a, nil
}

func openDB(url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (a *App) newCapture(mic audio.Opener) *speech.Capture {
	format := audio.Format{SampleRate: a.cfg.AudioSampleRate, Channels: 1}
	cfg := speech.Config{
		Dial: speech.DeepgramDialer(speech.DeepgramConfig{
			APIKey:         a.cfg.DeepgramAPIKey,
			Language:       a.cfg.STTLanguage,
			Model:          a.cfg.STTModel,
			SampleRate:     format.SampleRate,
			Channels:       format.Channels,
			Punctuate:      true,
			InterimResults: true,
			Endpointing:    a.cfg.STTEndpointingMs,
			UtteranceEndMs: a.cfg.STTUtteranceEndMs,
			Logger:         a.logger,
		}),
		Microphone: mic,
		Format:     format,
		Continuous: true,
		Logger:     a.logger,
	}
	if a.cfg.CuesEnabled && a.speaker != nil {
		cfg.Cues = a.speaker
	}
	return speech.New(cfg)
}

// Conversation returns the orchestrator driven by the CLI and the local API.
func (a *App) Conversation() *conversation.Orchestrator {
	return a.conv
}

// Run starts the poller and the orchestrator loop and reopens the last
// active transcript. It blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("app: poller stopped: %v", err)
		}
	}()
	go func() {
		if err := a.conv.Restore(ctx); err != nil {
			a.logger.Printf("app: restore last transcript: %v", err)
		}
	}()
	return a.conv.Run(ctx)
}

// Router returns the local UI API.
func (a *App) Router() http.Handler {
	return httpapi.NewRouter(a.conv, a.metrics, a.logger)
}

// Close ends any voice session and releases devices and storage.
func (a *App) Close() error {
	if a.voice != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.voice.Stop(ctx); err != nil {
			a.logger.Printf("app: end voice session: %v", err)
		}
		cancel()
	}
	if a.capture != nil {
		a.capture.Close()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.speaker != nil {
		a.speaker.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return a.history.Close()
}

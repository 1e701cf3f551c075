package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Analytics backend
	BackendURL     string
	BackendToken   string
	RequestTimeout time.Duration
	PollInterval   time.Duration

	// Local UI API, empty disables it
	HTTPAddr string

	// Voice
	VoiceDisplayName string
	ICEServers       []string
	AudioSampleRate  int
	CuesEnabled      bool

	// Speech recognition
	DeepgramAPIKey    string
	STTLanguage       string
	STTModel          string
	STTEndpointingMs  int
	STTUtteranceEndMs int

	// Persistence and reporting
	DatabaseURL       string
	HistoryPath       string
	DiscordWebhookURL string
	SentryDSN         string
	Environment       string
}

func LoadConfigFromEnv() Config {
	return Config{
		BackendURL:     getenv("BACKEND_URL", "http://localhost:8000"),
		BackendToken:   os.Getenv("BACKEND_TOKEN"), // issued outside this client
		RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 30*time.Second),
		PollInterval:   getenvDuration("POLL_INTERVAL", 2*time.Second),

		HTTPAddr: getenv("HTTP_ADDR", ""),

		VoiceDisplayName: getenv("VOICE_DISPLAY_NAME", defaultDisplayName()),
		ICEServers:       parseList(os.Getenv("ICE_SERVERS")),
		AudioSampleRate:  getenvIntClamped("AUDIO_SAMPLE_RATE", 16000, 8000, 48000),
		CuesEnabled:      getenvBool("CUES_ENABLED", true),

		DeepgramAPIKey:    getenv("DEEPGRAM_API_KEY", ""),
		STTLanguage:       getenv("STT_LANGUAGE", "en-US"),
		STTModel:          getenv("STT_MODEL", "nova-2"),
		STTEndpointingMs:  getenvIntClamped("STT_ENDPOINTING_MS", 800, 10, 5000),
		STTUtteranceEndMs: getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 1000, 5000),

		DatabaseURL:       getenv("DATABASE_URL", ""),
		HistoryPath:       getenv("HISTORY_PATH", defaultHistoryPath()),
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		SentryDSN:         getenv("SENTRY_DSN", ""),
		Environment:       getenv("ENVIRONMENT", "development"),
	}
}

func defaultDisplayName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "guest"
}

func defaultHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "insightchat", "history.bolt")
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an int, falling back to def when unset or invalid.
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(k, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvBool(k string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return b
}

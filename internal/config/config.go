package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// ChannelNamespace is the leading segment of every session channel path.
	ChannelNamespace string

	// ChannelProvider selects the pub/sub fabric: "events" for the managed
	// events API, "memory" for the in-process hub used in development.
	ChannelProvider string
	EventsEndpoint  string
	EventsAPIKey    string

	// ModelProvider selects the speech-to-speech backend: "bedrock" or "mock".
	ModelProvider string
	AWSRegion     string
	ModelID       string
	VoiceID       string

	DatabaseURL string

	SessionInactivityTimeout time.Duration
	HardSessionCap           time.Duration
	ResumeAfterMin           time.Duration
	ResumeAfterMax           time.Duration
	ReadyInterval            time.Duration
	ReadyTimeout             time.Duration
	SubscribeSettleDelay     time.Duration

	// KeepAliveOnReadyTimeout leaves a session running after the ready
	// heartbeat gives up instead of ending it.
	KeepAliveOnReadyTimeout bool

	AudioLowWatermark  int
	AudioHighWatermark int
	MaxSkipWait        int
	ReplayBufferLimit  int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "sonicbridge"),
		ChannelNamespace: envOrDefault("CHANNEL_NAMESPACE", "nova-sonic-voice"),
		ChannelProvider:  envOrDefault("CHANNEL_PROVIDER", "events"),
		EventsEndpoint:   stringsTrimSpace("EVENTS_ENDPOINT"),
		EventsAPIKey:     stringsTrimSpace("EVENTS_API_KEY"),
		ModelProvider:    envOrDefault("MODEL_PROVIDER", "bedrock"),
		AWSRegion:        envOrDefault("AWS_REGION", "us-east-1"),
		ModelID:          envOrDefault("MODEL_ID", "amazon.nova-sonic-v1:0"),
		VoiceID:          envOrDefault("MODEL_VOICE_ID", "tiffany"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 15 * time.Minute,
		HardSessionCap:           10 * time.Minute,
		ResumeAfterMin:           2 * time.Minute,
		ResumeAfterMax:           7*time.Minute + 30*time.Second,
		ReadyInterval:            time.Second,
		ReadyTimeout:             time.Minute,
		SubscribeSettleDelay:     time.Second,

		AudioLowWatermark:  10,
		AudioHighWatermark: 20,
		MaxSkipWait:        3,
		ReplayBufferLimit:  256,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HardSessionCap, err = durationFromEnv("SESSION_HARD_CAP", cfg.HardSessionCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ResumeAfterMin, err = durationFromEnv("SESSION_RESUME_AFTER_MIN", cfg.ResumeAfterMin)
	if err != nil {
		return Config{}, err
	}
	cfg.ResumeAfterMax, err = durationFromEnv("SESSION_RESUME_AFTER_MAX", cfg.ResumeAfterMax)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadyInterval, err = durationFromEnv("SESSION_READY_INTERVAL", cfg.ReadyInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadyTimeout, err = durationFromEnv("SESSION_READY_TIMEOUT", cfg.ReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SubscribeSettleDelay, err = durationFromEnv("SESSION_SUBSCRIBE_SETTLE_DELAY", cfg.SubscribeSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepAliveOnReadyTimeout, err = boolFromEnv("SESSION_KEEP_ALIVE_ON_READY_TIMEOUT", false)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioLowWatermark, err = intFromEnv("AUDIO_LOW_WATERMARK", cfg.AudioLowWatermark)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioHighWatermark, err = intFromEnv("AUDIO_HIGH_WATERMARK", cfg.AudioHighWatermark)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSkipWait, err = intFromEnv("AUDIO_MAX_SKIP_WAIT", cfg.MaxSkipWait)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplayBufferLimit, err = intFromEnv("AUDIO_REPLAY_BUFFER_LIMIT", cfg.ReplayBufferLimit)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.ChannelProvider)) {
	case "events", "memory":
	default:
		return Config{}, fmt.Errorf("CHANNEL_PROVIDER must be \"events\" or \"memory\"")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ModelProvider)) {
	case "bedrock", "mock":
	default:
		return Config{}, fmt.Errorf("MODEL_PROVIDER must be \"bedrock\" or \"mock\"")
	}
	if strings.EqualFold(cfg.ChannelProvider, "events") && cfg.EventsEndpoint == "" {
		return Config{}, fmt.Errorf("EVENTS_ENDPOINT is required when CHANNEL_PROVIDER=events")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.HardSessionCap <= 0 {
		return Config{}, fmt.Errorf("SESSION_HARD_CAP must be positive")
	}
	if cfg.ResumeAfterMin <= 0 || cfg.ResumeAfterMax <= cfg.ResumeAfterMin {
		return Config{}, fmt.Errorf("SESSION_RESUME_AFTER_MAX must be greater than SESSION_RESUME_AFTER_MIN")
	}
	if cfg.AudioLowWatermark <= 0 || cfg.AudioHighWatermark < cfg.AudioLowWatermark {
		return Config{}, fmt.Errorf("AUDIO_HIGH_WATERMARK must be at least AUDIO_LOW_WATERMARK")
	}
	if cfg.MaxSkipWait <= 0 {
		return Config{}, fmt.Errorf("AUDIO_MAX_SKIP_WAIT must be positive")
	}
	if cfg.ReplayBufferLimit <= 0 {
		return Config{}, fmt.Errorf("AUDIO_REPLAY_BUFFER_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return b, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

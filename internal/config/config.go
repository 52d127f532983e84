package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the avatar turn gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Reply channel: persistent websocket to the chat backend.
	ReplyChannelURL string

	// Interruption signal: fire-and-forget GET issued on barge-in.
	InterruptionURL string

	// Transcription service (Whisper-compatible HTTP endpoint).
	TranscriptionURL     string
	TranscriptionAPIKey  string
	TranscriptionLang    string
	TranscriptionTimeout time.Duration

	// Speech activity monitor tuning.
	VADSampleRate         int
	VADFrameSize          int
	VADPositiveThreshold  float64
	VADNegativeThreshold  float64
	VADMinSpeechFrames    int
	VADRedemptionFrames   int
	VADPreSpeechPadFrames int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "visage"),
		AllowAnyOrigin:   false,

		ReplyChannelURL: trimmedEnv("REPLY_CHANNEL_URL"),
		InterruptionURL: trimmedEnv("INTERRUPTION_URL"),

		TranscriptionURL:    envOrDefault("TRANSCRIPTION_URL", "https://api.openai.com/v1/audio/transcriptions"),
		TranscriptionAPIKey: trimmedEnv("TRANSCRIPTION_API_KEY"),
		TranscriptionLang:   trimmedEnv("TRANSCRIPTION_LANGUAGE"),
		// The remote service has no SLA; fail soft after a conservative wait.
		TranscriptionTimeout: 15 * time.Second,

		VADSampleRate:         16000,
		VADFrameSize:          512,
		VADPositiveThreshold:  0.5,
		VADNegativeThreshold:  0.35,
		VADMinSpeechFrames:    3,
		VADRedemptionFrames:   8,
		VADPreSpeechPadFrames: 1,

		DatabaseURL: trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
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
	cfg.TranscriptionTimeout, err = durationFromEnv("TRANSCRIPTION_TIMEOUT", cfg.TranscriptionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.VADSampleRate, err = intFromEnv("VAD_SAMPLE_RATE", cfg.VADSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.VADFrameSize, err = intFromEnv("VAD_FRAME_SIZE", cfg.VADFrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPositiveThreshold, err = floatFromEnv("VAD_POSITIVE_THRESHOLD", cfg.VADPositiveThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADNegativeThreshold, err = floatFromEnv("VAD_NEGATIVE_THRESHOLD", cfg.VADNegativeThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeechFrames, err = intFromEnv("VAD_MIN_SPEECH_FRAMES", cfg.VADMinSpeechFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.VADRedemptionFrames, err = intFromEnv("VAD_REDEMPTION_FRAMES", cfg.VADRedemptionFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPreSpeechPadFrames, err = intFromEnv("VAD_PRE_SPEECH_PAD_FRAMES", cfg.VADPreSpeechPadFrames)
	if err != nil {
		return Config{}, err
	}

	if cfg.ReplyChannelURL == "" {
		return Config{}, fmt.Errorf("REPLY_CHANNEL_URL is required")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TranscriptionTimeout <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIPTION_TIMEOUT must be positive")
	}
	if cfg.VADSampleRate <= 0 {
		return Config{}, fmt.Errorf("VAD_SAMPLE_RATE must be positive")
	}
	if cfg.VADFrameSize <= 0 {
		return Config{}, fmt.Errorf("VAD_FRAME_SIZE must be positive")
	}
	if cfg.VADPositiveThreshold <= 0 || cfg.VADPositiveThreshold > 1 {
		return Config{}, fmt.Errorf("VAD_POSITIVE_THRESHOLD must be in (0, 1]")
	}
	if cfg.VADNegativeThreshold < 0 || cfg.VADNegativeThreshold >= cfg.VADPositiveThreshold {
		return Config{}, fmt.Errorf("VAD_NEGATIVE_THRESHOLD must be in [0, positive threshold)")
	}
	if cfg.VADMinSpeechFrames <= 0 {
		return Config{}, fmt.Errorf("VAD_MIN_SPEECH_FRAMES must be positive")
	}
	if cfg.VADRedemptionFrames <= 0 {
		return Config{}, fmt.Errorf("VAD_REDEMPTION_FRAMES must be positive")
	}
	if cfg.VADPreSpeechPadFrames < 0 {
		return Config{}, fmt.Errorf("VAD_PRE_SPEECH_PAD_FRAMES must be >= 0")
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REPLY_CHANNEL_URL", "wss://chat.example.com/ws")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.TranscriptionTimeout != 15*time.Second {
		t.Fatalf("TranscriptionTimeout = %s, want 15s", cfg.TranscriptionTimeout)
	}
	if cfg.VADMinSpeechFrames != 3 {
		t.Fatalf("VADMinSpeechFrames = %d, want 3", cfg.VADMinSpeechFrames)
	}
	if cfg.VADNegativeThreshold >= cfg.VADPositiveThreshold {
		t.Fatalf("negative threshold %v should be below positive %v",
			cfg.VADNegativeThreshold, cfg.VADPositiveThreshold)
	}
}

func TestLoadRequiresReplyChannelURL(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing REPLY_CHANNEL_URL error")
	}
}

func TestLoadRejectsInvertedVADThresholds(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REPLY_CHANNEL_URL", "wss://chat.example.com/ws")
	t.Setenv("VAD_POSITIVE_THRESHOLD", "0.3")
	t.Setenv("VAD_NEGATIVE_THRESHOLD", "0.6")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want threshold ordering error")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REPLY_CHANNEL_URL", "wss://chat.example.com/ws")
	t.Setenv("INTERRUPTION_URL", "https://chat.example.com/interrupt")
	t.Setenv("TRANSCRIPTION_TIMEOUT", "7s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InterruptionURL != "https://chat.example.com/interrupt" {
		t.Fatalf("InterruptionURL = %q, want explicit value", cfg.InterruptionURL)
	}
	if cfg.TranscriptionTimeout != 7*time.Second {
		t.Fatalf("TranscriptionTimeout = %s, want 7s", cfg.TranscriptionTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"REPLY_CHANNEL_URL",
		"INTERRUPTION_URL",
		"TRANSCRIPTION_URL",
		"TRANSCRIPTION_API_KEY",
		"TRANSCRIPTION_LANGUAGE",
		"TRANSCRIPTION_TIMEOUT",
		"VAD_SAMPLE_RATE",
		"VAD_FRAME_SIZE",
		"VAD_POSITIVE_THRESHOLD",
		"VAD_NEGATIVE_THRESHOLD",
		"VAD_MIN_SPEECH_FRAMES",
		"VAD_REDEMPTION_FRAMES",
		"VAD_PRE_SPEECH_PAD_FRAMES",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

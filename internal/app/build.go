package app

import (
	"context"
	"fmt"

	"github.com/antoniostano/visage/internal/config"
	"github.com/antoniostano/visage/internal/httpapi"
	"github.com/antoniostano/visage/internal/observability"
	"github.com/antoniostano/visage/internal/session"
	"github.com/antoniostano/visage/internal/transcribe"
	"github.com/antoniostano/visage/internal/transcript"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Gateway  *Gateway
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	gateway := NewGateway(cfg, sessions, store, metrics)
	transcriber := transcribe.New(transcribe.Config{
		URL:     cfg.TranscriptionURL,
		APIKey:  cfg.TranscriptionAPIKey,
		Timeout: cfg.TranscriptionTimeout,
	})

	api := httpapi.New(cfg, sessions, gateway, transcriber, store, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Gateway:  gateway,
		Metrics:  metrics,
		Cleanup:  store.Close,
	}, nil
}

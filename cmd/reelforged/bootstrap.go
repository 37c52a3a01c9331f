package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"reelforge/internal/analysis"
	"reelforge/internal/assembly"
	"reelforge/internal/config"
	"reelforge/internal/daemon"
	"reelforge/internal/generation"
	"reelforge/internal/identity"
	"reelforge/internal/metrics"
	"reelforge/internal/negotiation"
	"reelforge/internal/projects"
	"reelforge/internal/providers"
	"reelforge/internal/services/llm"
	"reelforge/internal/storage"
	"reelforge/internal/voice"
	"reelforge/internal/workflow"
)

// bootstrap assembles the daemon dependency graph from configuration.
func bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	store, err := projects.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	tokens, err := identity.NewManager(cfg.Identity)
	if err != nil {
		store.Close()
		return nil, err
	}

	model := llm.NewClient(llm.Config{
		APIKeys:        cfg.LLM.APIKeys,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})

	var synthesizer voice.Synthesizer
	if cfg.Voice.Enabled && strings.TrimSpace(cfg.Voice.APIKey) != "" {
		synthesizer = voice.NewClient(cfg.Voice)
	}

	m := metrics.New()
	registry := buildProviderRegistry(cfg)

	manager := workflow.NewManager(cfg, store, blobs, m, logger)
	manager.ConfigureStages(workflow.StageSet{
		Analysis:   analysis.NewStage(cfg, store, blobs, model, logger),
		Generation: generation.NewStage(cfg, store, blobs, registry, m, logger),
		Assembly:   assembly.NewStage(cfg, store, blobs, synthesizer, logger),
	})

	return daemon.New(cfg, daemon.Services{
		Store:       store,
		Blobs:       blobs,
		Workflow:    manager,
		Identity:    tokens,
		Negotiation: negotiation.NewService(store, model, logger),
		Metrics:     m,
	}, logger)
}

// buildBlobStore selects object storage when an endpoint is configured and
// falls back to a filesystem store under the work directory otherwise.
func buildBlobStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if strings.TrimSpace(cfg.Storage.Endpoint) != "" {
		return storage.NewObjectStore(ctx, cfg.Storage)
	}
	return storage.NewLocalStore(cfg.Paths.WorkDir, []byte(cfg.Identity.SigningKey))
}

func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	var clients []providers.Client
	if cfg.Providers.Runway.Enabled {
		clients = append(clients, providers.NewRunway(cfg.Providers.Runway.BaseURL, cfg.Providers.Runway.APIKey))
	}
	if cfg.Providers.Veo.Enabled {
		clients = append(clients, providers.NewVeo(cfg.Providers.Veo.BaseURL, cfg.Providers.Veo.APIKey))
	}
	if cfg.Providers.Wan.Enabled {
		clients = append(clients, providers.NewWan(cfg.Providers.Wan.BaseURL, cfg.Providers.Wan.APIKey))
	}
	return providers.NewRegistry(clients...)
}

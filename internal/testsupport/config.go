// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"reelforge/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Providers are disabled by default; tests opt in to the backends they fake.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.LockFile = filepath.Join(base, "reelforged.lock")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Identity.SigningKey = "test-signing-key"
	cfg.LLM.APIKeys = []string{"test-key"}
	cfg.Providers.Runway = config.Provider{Enabled: false}
	cfg.Providers.Veo = config.Provider{Enabled: false}
	cfg.Providers.Wan = config.Provider{Enabled: false}
	cfg.Voice.Enabled = false
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.GenerationPoll = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithProvider enables one generation backend with a test API key.
func WithProvider(name string) ConfigOption {
	return func(cfg *config.Config) {
		p := config.Provider{Enabled: true, APIKey: "test"}
		switch name {
		case "runway":
			cfg.Providers.Runway = p
		case "veo":
			cfg.Providers.Veo = p
		case "wan":
			cfg.Providers.Wan = p
		}
	}
}

// WithRetentionDays overrides the deliverable retention window.
func WithRetentionDays(days int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.RetentionDays = days
	}
}

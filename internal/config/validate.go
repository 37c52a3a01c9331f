package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateVoice(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if strings.TrimSpace(c.Identity.SigningKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/reelforge/config.toml"
		}
		return fmt.Errorf("identity.signing_key is required. Edit %s (create with 'reelforge config init')", defaultPath)
	}
	if c.Identity.TokenTTL <= 0 {
		return errors.New("identity.token_ttl_hours must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.Storage.Endpoint) == "" {
		return nil // local filesystem store
	}
	if strings.TrimSpace(c.Storage.AccessKey) == "" || strings.TrimSpace(c.Storage.SecretKey) == "" {
		return errors.New("storage.access_key and storage.secret_key must be set when storage.endpoint is configured")
	}
	if strings.TrimSpace(c.Storage.Bucket) == "" {
		return errors.New("storage.bucket must be set")
	}
	if c.Storage.SignedTTL <= 0 {
		return errors.New("storage.signed_url_ttl_seconds must be positive")
	}
	return nil
}

func (c *Config) validateProviders() error {
	enabled := 0
	for name, p := range map[string]Provider{
		"providers.runway": c.Providers.Runway,
		"providers.veo":    c.Providers.Veo,
		"providers.wan":    c.Providers.Wan,
	} {
		if !p.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("%s.base_url must be set when enabled", name)
		}
	}
	if enabled == 0 {
		return errors.New("at least one generation provider must be enabled")
	}
	return nil
}

func (c *Config) validateVoice() error {
	if !c.Voice.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Voice.BaseURL) == "" {
		return errors.New("voice.base_url must be set when voice.enabled is true")
	}
	if c.Voice.TimeoutSeconds <= 0 {
		return errors.New("voice.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	for name, value := range map[string]int{
		"workflow.queue_poll_interval":      c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval":     c.Workflow.ErrorRetryInterval,
		"workflow.generation_poll_interval": c.Workflow.GenerationPoll,
		"workflow.stage_workers":            c.Workflow.StageWorkers,
		"workflow.clip_concurrency":         c.Workflow.ClipConcurrency,
		"workflow.retry_ceiling":            c.Workflow.RetryCeiling,
		"workflow.assembly_retries":         c.Workflow.AssemblyRetries,
		"workflow.retention_days":           c.Workflow.RetentionDays,
		"workflow.sweep_interval":           c.Workflow.SweepInterval,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

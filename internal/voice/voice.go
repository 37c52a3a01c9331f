// Package voice synthesizes narration audio for plans that request it.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/services"
)

const defaultTimeout = 60 * time.Second

// Synthesizer converts a voice script into spoken audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, script string) ([]byte, error)
}

// Client calls an ElevenLabs-compatible text-to-speech API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	voiceID    string
}

// NewClient constructs a speech client from configuration.
func NewClient(cfg config.Voice) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		voiceID:    strings.TrimSpace(cfg.VoiceID),
	}
}

type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings map[string]any `json:"voice_settings,omitempty"`
}

// Synthesize implements Synthesizer. The response body is the raw MP3 stream.
func (c *Client) Synthesize(ctx context.Context, script string) ([]byte, error) {
	if strings.TrimSpace(script) == "" {
		return nil, services.Wrap(services.ErrInvalidInput, "", "synthesize voice", "empty script", nil)
	}
	payload, err := json.Marshal(synthesisRequest{
		Text:    script,
		ModelID: "eleven_multilingual_v2",
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, c.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrRetryableExternal, "", "synthesize voice", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrRetryableExternal, "", "synthesize voice", "read audio", err)
	}
	if resp.StatusCode != http.StatusOK {
		marker := services.ErrInvalidInput
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			marker = services.ErrRetryableExternal
		}
		return nil, services.Wrap(marker, "", "synthesize voice",
			fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	if len(body) == 0 {
		return nil, services.Wrap(services.ErrRetryableExternal, "", "synthesize voice", "empty audio response", nil)
	}
	return body, nil
}

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reelforge/internal/services"
)

const defaultRequestTimeout = 30 * time.Second

// httpJSON is the shared transport used by all backend clients. Non-2xx
// responses map onto the service error taxonomy so callers can decide
// between retry and failover without knowing the backend.
type httpJSON struct {
	client  *http.Client
	baseURL string
	apiKey  string
	headers map[string]string
}

func newHTTPJSON(baseURL, apiKey string, headers map[string]string) *httpJSON {
	return &httpJSON{
		client:  &http.Client{Timeout: defaultRequestTimeout},
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		headers: headers,
	}
}

func (h *httpJSON) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrRetryableExternal, "", "provider request", "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.ErrRetryableExternal, "", "provider response", "read body", err)
	}

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return services.Wrap(services.ErrRetryableExternal, "", "provider request",
			fmt.Sprintf("status %d: %s", resp.StatusCode, summarize(payload)), nil)
	default:
		return services.Wrap(services.ErrInvalidInput, "", "provider request",
			fmt.Sprintf("status %d: %s", resp.StatusCode, summarize(payload)), nil)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func summarize(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > 300 {
		return text[:300] + "..."
	}
	return text
}

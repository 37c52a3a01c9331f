package providers

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Veo calls the Veo long-running operation API (veo-3.0, veo-2.0).
type Veo struct {
	http *httpJSON
}

// NewVeo constructs a Veo client.
func NewVeo(baseURL, apiKey string) *Veo {
	return &Veo{http: newHTTPJSON(baseURL, apiKey, nil)}
}

// Name implements Client.
func (v *Veo) Name() string { return "veo" }

type veoSubmitRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoInstance struct {
	Prompt string `json:"prompt"`
}

type veoParameters struct {
	DurationSeconds int    `json:"durationSeconds"`
	AspectRatio     string `json:"aspectRatio"`
}

type veoOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response *struct {
		Videos []struct {
			URI string `json:"uri"`
		} `json:"videos"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Submit implements Client. The operation name returned by the API is the
// poll handle.
func (v *Veo) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := veoSubmitRequest{
		Instances: []veoInstance{{Prompt: req.Prompt}},
		Parameters: veoParameters{
			DurationSeconds: int(math.Ceil(req.Seconds)),
			AspectRatio:     req.AspectRatio,
		},
	}
	var op veoOperation
	path := fmt.Sprintf("/v1/models/%s:predictLongRunning", req.Model)
	if err := v.http.do(ctx, "POST", path, body, &op); err != nil {
		return "", fmt.Errorf("veo submit: %w", err)
	}
	if op.Name == "" {
		return "", fmt.Errorf("veo submit: response carried no operation name")
	}
	return op.Name, nil
}

// Poll implements Client.
func (v *Veo) Poll(ctx context.Context, handle string) (PollResult, error) {
	var op veoOperation
	if err := v.http.do(ctx, "GET", "/v1/"+strings.TrimPrefix(handle, "/"), nil, &op); err != nil {
		return PollResult{}, fmt.Errorf("veo poll: %w", err)
	}
	if !op.Done {
		return PollResult{Status: JobRunning}, nil
	}
	if op.Error != nil {
		return PollResult{Status: JobFailed, Detail: op.Error.Message}, nil
	}
	if op.Response == nil || len(op.Response.Videos) == 0 {
		return PollResult{Status: JobFailed, Detail: "operation done with no video"}, nil
	}
	return PollResult{Status: JobSucceeded, OutputURL: op.Response.Videos[0].URI}, nil
}

// Cancel implements Client. Veo operations have no cancel surface.
func (v *Veo) Cancel(ctx context.Context, handle string) error {
	return nil
}

package providers

import (
	"context"
	"fmt"
	"strings"
)

const runwayAPIVersion = "2024-11-06"

// Runway calls the Runway task API (gen4_turbo, gen3a_turbo).
type Runway struct {
	http *httpJSON
}

// NewRunway constructs a Runway client.
func NewRunway(baseURL, apiKey string) *Runway {
	return &Runway{
		http: newHTTPJSON(baseURL, apiKey, map[string]string{
			"X-Runway-Version": runwayAPIVersion,
		}),
	}
}

// Name implements Client.
func (r *Runway) Name() string { return "runway" }

type runwaySubmitRequest struct {
	Model       string `json:"model"`
	PromptText  string `json:"promptText"`
	PromptImage string `json:"promptImage,omitempty"`
	Duration    int    `json:"duration"`
	Ratio       string `json:"ratio"`
}

type runwayTask struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Output  []string `json:"output"`
	Failure string   `json:"failure"`
}

// Submit implements Client. Runway only accepts whole-second durations of 5
// or 10; anything else is rounded up to the nearest supported value.
func (r *Runway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	duration := 5
	if req.Seconds > 5 {
		duration = 10
	}
	body := runwaySubmitRequest{
		Model:       req.Model,
		PromptText:  req.Prompt,
		PromptImage: req.RefImageURL,
		Duration:    duration,
		Ratio:       runwayRatio(req.AspectRatio),
	}
	var task runwayTask
	endpoint := "/v1/text_to_video"
	if req.RefImageURL != "" {
		endpoint = "/v1/image_to_video"
	}
	if err := r.http.do(ctx, "POST", endpoint, body, &task); err != nil {
		return "", fmt.Errorf("runway submit: %w", err)
	}
	if task.ID == "" {
		return "", fmt.Errorf("runway submit: response carried no task id")
	}
	return task.ID, nil
}

// Poll implements Client.
func (r *Runway) Poll(ctx context.Context, handle string) (PollResult, error) {
	var task runwayTask
	if err := r.http.do(ctx, "GET", "/v1/tasks/"+handle, nil, &task); err != nil {
		return PollResult{}, fmt.Errorf("runway poll: %w", err)
	}
	switch strings.ToUpper(task.Status) {
	case "PENDING", "THROTTLED":
		return PollResult{Status: JobPending}, nil
	case "RUNNING":
		return PollResult{Status: JobRunning}, nil
	case "SUCCEEDED":
		if len(task.Output) == 0 {
			return PollResult{Status: JobFailed, Detail: "succeeded with no output"}, nil
		}
		return PollResult{Status: JobSucceeded, OutputURL: task.Output[0]}, nil
	case "FAILED", "CANCELLED":
		return PollResult{Status: JobFailed, Detail: task.Failure}, nil
	default:
		return PollResult{}, fmt.Errorf("runway poll: unknown status %q", task.Status)
	}
}

// Cancel implements Client.
func (r *Runway) Cancel(ctx context.Context, handle string) error {
	if err := r.http.do(ctx, "DELETE", "/v1/tasks/"+handle, nil, nil); err != nil {
		return fmt.Errorf("runway cancel: %w", err)
	}
	return nil
}

func runwayRatio(aspect string) string {
	switch aspect {
	case "9:16":
		return "720:1280"
	case "16:9":
		return "1280:720"
	default:
		return "720:1280"
	}
}

package providers

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Wan calls the Wan asynchronous task API (wan2.2-t2v-plus, wan2.2-i2v-plus).
type Wan struct {
	http *httpJSON
}

// NewWan constructs a Wan client.
func NewWan(baseURL, apiKey string) *Wan {
	return &Wan{
		http: newHTTPJSON(baseURL, apiKey, map[string]string{
			"X-DashScope-Async": "enable",
		}),
	}
}

// Name implements Client.
func (w *Wan) Name() string { return "wan" }

type wanSubmitRequest struct {
	Model string `json:"model"`
	Input struct {
		Prompt string `json:"prompt"`
		ImgURL string `json:"img_url,omitempty"`
	} `json:"input"`
	Parameters struct {
		Duration int    `json:"duration"`
		Size     string `json:"size"`
	} `json:"parameters"`
}

type wanTaskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		VideoURL   string `json:"video_url"`
		Message    string `json:"message"`
	} `json:"output"`
}

// Submit implements Client.
func (w *Wan) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var body wanSubmitRequest
	body.Model = req.Model
	body.Input.Prompt = req.Prompt
	body.Input.ImgURL = req.RefImageURL
	body.Parameters.Duration = int(math.Ceil(req.Seconds))
	body.Parameters.Size = wanSize(req.AspectRatio)

	var resp wanTaskResponse
	if err := w.http.do(ctx, "POST", "/api/v1/services/aigc/video-generation/video-synthesis", body, &resp); err != nil {
		return "", fmt.Errorf("wan submit: %w", err)
	}
	if resp.Output.TaskID == "" {
		return "", fmt.Errorf("wan submit: response carried no task id")
	}
	return resp.Output.TaskID, nil
}

// Poll implements Client.
func (w *Wan) Poll(ctx context.Context, handle string) (PollResult, error) {
	var resp wanTaskResponse
	if err := w.http.do(ctx, "GET", "/api/v1/tasks/"+handle, nil, &resp); err != nil {
		return PollResult{}, fmt.Errorf("wan poll: %w", err)
	}
	switch strings.ToUpper(resp.Output.TaskStatus) {
	case "PENDING":
		return PollResult{Status: JobPending}, nil
	case "RUNNING":
		return PollResult{Status: JobRunning}, nil
	case "SUCCEEDED":
		if resp.Output.VideoURL == "" {
			return PollResult{Status: JobFailed, Detail: "succeeded with no video url"}, nil
		}
		return PollResult{Status: JobSucceeded, OutputURL: resp.Output.VideoURL}, nil
	case "FAILED", "CANCELED", "UNKNOWN":
		return PollResult{Status: JobFailed, Detail: resp.Output.Message}, nil
	default:
		return PollResult{}, fmt.Errorf("wan poll: unknown status %q", resp.Output.TaskStatus)
	}
}

// Cancel implements Client.
func (w *Wan) Cancel(ctx context.Context, handle string) error {
	if err := w.http.do(ctx, "POST", "/api/v1/tasks/"+handle+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("wan cancel: %w", err)
	}
	return nil
}

func wanSize(aspect string) string {
	switch aspect {
	case "9:16":
		return "720*1280"
	case "16:9":
		return "1280*720"
	default:
		return "720*1280"
	}
}

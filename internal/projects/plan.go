package projects

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultAspectRatio is the output format every plan targets.
const DefaultAspectRatio = "9:16"

// MaxPlanSeconds is the deliverable duration ceiling. Assembly trims any
// overage and logs it; plans themselves must already respect the cap.
const MaxPlanSeconds = 60.0

// PlanClip describes one segment of a generation plan.
type PlanClip struct {
	Index       int     `json:"index"`
	Description string  `json:"description"`
	Seconds     float64 `json:"seconds"`
	Transition  string  `json:"transition,omitempty"`
	UseRefImage bool    `json:"use_ref_image,omitempty"`
}

// Plan is a complete, versioned generation plan. Every mutation replaces the
// whole plan under a fresh revision; partial field merges do not exist.
type Plan struct {
	Revision    string     `json:"revision"`
	Summary     string     `json:"summary"`
	Style       string     `json:"style"`
	AspectRatio string     `json:"aspect_ratio"`
	Clips       []PlanClip `json:"clips"`
	VoiceScript string     `json:"voice_script,omitempty"`
	UseVoice    bool       `json:"use_voice,omitempty"`
}

// TotalSeconds returns the summed planned duration of all clips.
func (p Plan) TotalSeconds() float64 {
	var total float64
	for _, clip := range p.Clips {
		total += clip.Seconds
	}
	return total
}

// NeedsReferenceImage reports whether any clip is anchored to the uploaded
// reference image.
func (p Plan) NeedsReferenceImage() bool {
	for _, clip := range p.Clips {
		if clip.UseRefImage {
			return true
		}
	}
	return false
}

// Validate checks structural soundness of a plan before it is persisted.
func (p Plan) Validate() error {
	if len(p.Clips) == 0 {
		return fmt.Errorf("plan has no clips")
	}
	for i, clip := range p.Clips {
		if clip.Index != i {
			return fmt.Errorf("clip %d carries index %d", i, clip.Index)
		}
		if strings.TrimSpace(clip.Description) == "" {
			return fmt.Errorf("clip %d has no description", i)
		}
		if clip.Seconds <= 0 {
			return fmt.Errorf("clip %d has non-positive duration %.2f", i, clip.Seconds)
		}
	}
	if total := p.TotalSeconds(); total > MaxPlanSeconds {
		return fmt.Errorf("plan duration %.2fs exceeds %.0fs ceiling", total, MaxPlanSeconds)
	}
	if p.AspectRatio != "" && p.AspectRatio != DefaultAspectRatio {
		return fmt.Errorf("unsupported aspect ratio %q", p.AspectRatio)
	}
	return nil
}

// MarshalPlan encodes a plan for storage.
func MarshalPlan(plan Plan) (string, error) {
	payload, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return string(payload), nil
}

// UnmarshalPlan decodes a stored plan payload.
func UnmarshalPlan(payload string) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}

package generation

import (
	"fmt"
	"math"

	"reelforge/internal/projects"
	"reelforge/internal/selector"
)

// Unit is one dispatchable slice of the approved plan. Plan clips longer than
// the selected model's ceiling are split into consecutive units; the unit
// list is derived deterministically from the plan, so a restarted daemon
// recomputes the same units its predecessor persisted tasks for.
type Unit struct {
	Index       int
	PlanClip    int
	Seconds     float64
	Prompt      string
	UseRefImage bool
}

// SplitUnits slices plan clips to fit the backend's per-clip ceiling. A clip
// of 24 seconds on a 10-second model becomes three units of 8 seconds: the
// overage is spread evenly rather than leaving a short tail.
func SplitUnits(plan projects.Plan, provider, model string) ([]Unit, error) {
	maxSeconds := selector.MaxClipSecondsFor(provider, model)
	if maxSeconds <= 0 {
		return nil, fmt.Errorf("unknown backend %s/%s", provider, model)
	}

	var units []Unit
	for _, clip := range plan.Clips {
		parts := int(math.Ceil(clip.Seconds / maxSeconds))
		if parts < 1 {
			parts = 1
		}
		perPart := clip.Seconds / float64(parts)
		for part := 0; part < parts; part++ {
			prompt := clip.Description
			if parts > 1 {
				prompt = fmt.Sprintf("%s (part %d of %d, continuous motion)", clip.Description, part+1, parts)
			}
			units = append(units, Unit{
				Index:       len(units),
				PlanClip:    clip.Index,
				Seconds:     perPart,
				Prompt:      prompt,
				UseRefImage: clip.UseRefImage,
			})
		}
	}
	return units, nil
}

// TotalSeconds sums the planned duration across units.
func TotalSeconds(units []Unit) float64 {
	var total float64
	for _, unit := range units {
		total += unit.Seconds
	}
	return total
}

// WeightedProgress computes percent complete as the floor of the
// succeeded-duration share. Two of three equal clips report 66, not 67.
func WeightedProgress(tasks []*projects.GenerationTask) int {
	var total, done float64
	for _, task := range tasks {
		total += task.PlannedSeconds
		if task.State == projects.TaskSucceeded {
			done += task.PlannedSeconds
		}
	}
	if total <= 0 {
		return 0
	}
	return int(math.Floor(done / total * 100))
}

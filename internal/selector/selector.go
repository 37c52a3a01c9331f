// Package selector chooses a generation backend for a project. Selection is a
// pure table lookup over declared capabilities: the same requirements always
// yield the same backend and the same ranked alternatives.
package selector

import "fmt"

// Backend names one provider/model pair the generation stage can dispatch to.
type Backend struct {
	Provider string
	Model    string
	// MaxClipSeconds is the longest single clip the model accepts. Plans
	// whose clips exceed it are split before dispatch.
	MaxClipSeconds float64
	// SupportsImageRef marks image-conditioned models.
	SupportsImageRef bool
	// QualityRank orders backends within a capability class; lower is better.
	QualityRank int
}

// capabilities is the fixed backend table, in preference order. Order is the
// tie-break: requirements satisfied by several backends pick the earliest row.
var capabilities = []Backend{
	{Provider: "runway", Model: "gen4_turbo", MaxClipSeconds: 10, SupportsImageRef: true, QualityRank: 1},
	{Provider: "runway", Model: "gen3a_turbo", MaxClipSeconds: 10, SupportsImageRef: true, QualityRank: 2},
	{Provider: "veo", Model: "veo-3.0-generate", MaxClipSeconds: 8, SupportsImageRef: false, QualityRank: 1},
	{Provider: "veo", Model: "veo-2.0-generate", MaxClipSeconds: 8, SupportsImageRef: false, QualityRank: 2},
	{Provider: "wan", Model: "wan2.2-i2v-plus", MaxClipSeconds: 60, SupportsImageRef: true, QualityRank: 3},
	{Provider: "wan", Model: "wan2.2-t2v-plus", MaxClipSeconds: 60, SupportsImageRef: false, QualityRank: 3},
}

// Requirements captures what the approved plan demands of a backend.
type Requirements struct {
	// LongestClipSeconds is the duration of the longest planned clip.
	LongestClipSeconds float64
	// NeedsImageRef is set when any clip anchors to the reference image.
	NeedsImageRef bool
	// NeedsVoice records whether the plan requests narration. Voice is
	// synthesized separately and muxed at assembly, so it never constrains
	// the video backend; the field is carried for completeness of the
	// requirements record.
	NeedsVoice bool
	// Complexity grades the plan's visual difficulty in [0,1]. Plans above
	// complexityThreshold rank the lowest quality class behind every better
	// candidate.
	Complexity float64
	// Enabled restricts selection to configured providers. Nil means all.
	Enabled map[string]bool
}

const (
	complexityThreshold = 0.7
	// lowestQualityRank is the quality class demoted for high-complexity
	// plans.
	lowestQualityRank = 3
)

// Selection is a chosen backend plus the ordered failover alternatives.
type Selection struct {
	Primary      Backend
	Alternatives []Backend
}

// ErrNoBackend reports that no configured backend satisfies the requirements.
type ErrNoBackend struct {
	Requirements Requirements
}

func (e *ErrNoBackend) Error() string {
	return fmt.Sprintf(
		"no backend satisfies requirements (longest clip %.1fs, image ref %v)",
		e.Requirements.LongestClipSeconds, e.Requirements.NeedsImageRef,
	)
}

// Backends returns the full capability table in preference order.
func Backends() []Backend {
	cp := make([]Backend, len(capabilities))
	copy(cp, capabilities)
	return cp
}

// MaxClipSecondsFor returns the clip ceiling for a provider/model pair, or 0
// when the pair is unknown.
func MaxClipSecondsFor(provider, model string) float64 {
	for _, backend := range capabilities {
		if backend.Provider == provider && backend.Model == model {
			return backend.MaxClipSeconds
		}
	}
	return 0
}

// Select returns the preferred backend for the requirements plus every other
// satisfying backend as ranked alternatives. Clips longer than a backend's
// ceiling do not disqualify it outright since the generation stage splits
// clips; a backend qualifies as long as splitting can honor the plan, which
// every backend with a positive ceiling can. The ceiling instead orders
// candidates: fewer splits ranks higher within the same quality class.
func Select(req Requirements) (Selection, error) {
	var satisfying []Backend
	for _, backend := range capabilities {
		if req.Enabled != nil && !req.Enabled[backend.Provider] {
			continue
		}
		if req.NeedsImageRef && !backend.SupportsImageRef {
			continue
		}
		satisfying = append(satisfying, backend)
	}
	if len(satisfying) == 0 {
		return Selection{}, &ErrNoBackend{Requirements: req}
	}

	// High complexity demotes the lowest quality class rather than dropping
	// it: those backends rank behind every better candidate but stay on the
	// failover list, so exhausting the preferred class still leaves a route
	// to a deliverable.
	if req.Complexity > complexityThreshold {
		var preferred, demoted []Backend
		for _, backend := range satisfying {
			if backend.QualityRank < lowestQualityRank {
				preferred = append(preferred, backend)
			} else {
				demoted = append(demoted, backend)
			}
		}
		if len(preferred) > 0 {
			ordered := append(rank(preferred, req), rank(demoted, req)...)
			return Selection{Primary: ordered[0], Alternatives: ordered[1:]}, nil
		}
	}

	ordered := rank(satisfying, req)
	return Selection{Primary: ordered[0], Alternatives: ordered[1:]}, nil
}

// rank orders candidates: backends that fit the longest clip without
// splitting first, then by quality rank, then by table position. The sort is
// a stable insertion over the already table-ordered slice, so equal keys keep
// table order and the result is fully deterministic.
func rank(candidates []Backend, req Requirements) []Backend {
	ordered := make([]Backend, 0, len(candidates))
	ordered = append(ordered, candidates...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && less(ordered[j], ordered[j-1], req); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

func less(a, b Backend, req Requirements) bool {
	aFits := a.MaxClipSeconds >= req.LongestClipSeconds
	bFits := b.MaxClipSeconds >= req.LongestClipSeconds
	if aFits != bFits {
		return aFits
	}
	return a.QualityRank < b.QualityRank
}

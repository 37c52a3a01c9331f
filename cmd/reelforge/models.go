package main

// Wire shapes returned by the daemon API.

type projectView struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	ErrorDetail string    `json:"error_detail"`
	Context     string    `json:"context"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	CreatedAt   string    `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
	CompletedAt string    `json:"completed_at"`
	ExpiresAt   string    `json:"expires_at"`
	Plan        *planView `json:"plan"`
}

type planView struct {
	Revision    string     `json:"revision"`
	Summary     string     `json:"summary"`
	Style       string     `json:"style"`
	AspectRatio string     `json:"aspect_ratio"`
	Clips       []clipView `json:"clips"`
	VoiceScript string     `json:"voice_script"`
	UseVoice    bool       `json:"use_voice"`
}

type clipView struct {
	Index       int     `json:"index"`
	Description string  `json:"description"`
	Seconds     float64 `json:"seconds"`
	Transition  string  `json:"transition"`
	UseRefImage bool    `json:"use_ref_image"`
}

type projectListView struct {
	Projects []projectView `json:"projects"`
}

type outcomeView struct {
	Reply        string    `json:"reply"`
	PlanChanged  bool      `json:"plan_changed"`
	PlanRevision string    `json:"plan_revision"`
	Plan         *planView `json:"plan"`
}

type stageHealthView struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail"`
}

type daemonStatusView struct {
	Running      bool              `json:"running"`
	PID          int               `json:"pid"`
	DatabasePath string            `json:"database_path"`
	LockFilePath string            `json:"lock_file_path"`
	Stages       []stageHealthView `json:"stages"`
}

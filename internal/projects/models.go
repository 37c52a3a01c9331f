package projects

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a project.
type Status string

const (
	StatusUploaded    Status = "uploaded"
	StatusAnalyzing   Status = "analyzing"
	StatusAnalyzed    Status = "analyzed"
	StatusNegotiating Status = "negotiating"
	StatusGenerating  Status = "generating"
	StatusAssembling  Status = "assembling"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusExpired     Status = "expired"
)

// CancelledDetail is the error detail recorded for a user-initiated cancel so
// UIs can render it differently from true failures.
const CancelledDetail = "cancelled"

var allStatuses = []Status{
	StatusUploaded,
	StatusAnalyzing,
	StatusAnalyzed,
	StatusNegotiating,
	StatusGenerating,
	StatusAssembling,
	StatusCompleted,
	StatusError,
	StatusExpired,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusAnalyzing:  {},
	StatusGenerating: {},
	StatusAssembling: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether no further automatic transitions exist.
func (s Status) IsTerminal() bool {
	return s == StatusError || s == StatusExpired
}

// Project is the durable record of one upload-to-delivery workflow instance.
type Project struct {
	ID               string
	OwnerID          string
	Filename         string
	SampleLocator    string
	RefImageLocator  string
	RefAudioLocator  string
	UserContext      string
	Status           Status
	Progress         int
	ErrorDetail      string
	PlanRevision     string
	AnalysisJSON     string
	Deliverable      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
	LastHeartbeat    *time.Time
	CancelRequested  bool
	SelectedProvider string
	SelectedModel    string
}

// IsProcessing reports whether the project currently owns an in-flight stage.
func (p Project) IsProcessing() bool {
	return IsProcessingStatus(p.Status)
}

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one conversation entry in a negotiation session. Append-only.
type Turn struct {
	ProjectID string
	SessionID string
	Seq       int64
	Role      TurnRole
	Text      string
	CreatedAt time.Time
}

// TaskState represents the lifecycle of one clip generation task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// IsTerminal reports whether the task has reached a final state.
func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// GenerationTask tracks one dispatched clip unit. The external job handle is
// persisted so a restarted daemon can resume polling instead of re-submitting.
type GenerationTask struct {
	ID             int64
	ProjectID      string
	ClipIndex      int
	Provider       string
	Model          string
	JobHandle      string
	State          TaskState
	OutputLocator  string
	Attempts       int
	FailedOver     bool
	LastError      string
	PlannedSeconds float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HealthSummary describes aggregated project counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Waiting    int
	Processing int
	Completed  int
	Errored    int
	Expired    int
}

// Package negotiation implements the conversational plan-editing loop between
// upload analysis and generation approval.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"reelforge/internal/logging"
	"reelforge/internal/projects"
	"reelforge/internal/services"
	"reelforge/internal/services/llm"
)

const componentName = "negotiation"

// Completion is the interface the service needs from the language model.
type Completion interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Service serializes plan negotiation per project. All plan changes go
// through wholesale replacement of the current revision; a chat turn that
// merely answers a question leaves the plan untouched.
type Service struct {
	store  *projects.Store
	llm    Completion
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService constructs the negotiation service.
func NewService(store *projects.Store, completion Completion, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		llm:    completion,
		logger: logging.NewComponentLogger(logger, componentName),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectID] = lock
	}
	return lock
}

// Outcome reports what one negotiation turn did.
type Outcome struct {
	Reply        string
	PlanChanged  bool
	PlanRevision string
	Plan         projects.Plan
}

const chatSystemPrompt = `You are refining a short-form video generation plan
with the user. The current plan is provided as JSON. For every user message
respond with a single JSON object:
{"reply": "...", "plan_changed": false, "plan": null}
If the user asks a question or makes small talk, answer it in "reply" and keep
"plan_changed" false. If the user requests a change, set "plan_changed" true
and return the COMPLETE updated plan in "plan" using the same shape as the
current plan. Always return the whole plan, never a fragment. Clip durations
must sum to 60 seconds or less and the aspect ratio stays 9:16.`

// Chat processes one conversational turn. The user turn and the assistant
// turn are both recorded, including when the model call fails; the transcript
// is the audit trail of the negotiation.
func (s *Service) Chat(ctx context.Context, projectID, ownerID, sessionID, message string) (Outcome, error) {
	if strings.TrimSpace(message) == "" {
		return Outcome{}, services.Wrap(services.ErrInvalidInput, componentName, "chat", "empty message", nil)
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.enterNegotiation(ctx, projectID, ownerID)
	if err != nil {
		return Outcome{}, err
	}

	outcome, turnErr := s.runTurn(ctx, project, sessionID, message)
	assistantText := outcome.Reply
	if turnErr != nil {
		assistantText = "The request could not be processed. The plan is unchanged."
	}
	if err := s.store.AppendTurns(ctx, projectID, sessionID,
		projects.Turn{Role: projects.TurnRoleUser, Text: message},
		projects.Turn{Role: projects.TurnRoleAssistant, Text: assistantText},
	); err != nil {
		if turnErr != nil {
			return Outcome{}, turnErr
		}
		return Outcome{}, err
	}
	return outcome, turnErr
}

const regenerateSystemPrompt = `You are a short-form video director. Using the
stored analysis of the user's sample, produce a fresh generation plan for a
vertical (9:16) video of at most 60 seconds. Respond with a single JSON object
shaped exactly like the current plan. Clip durations must sum to 60 seconds
or less.`

// Regenerate re-synthesizes the plan from the stored analysis; the sample is
// never re-processed. The replacement is wholesale and always gets a new
// revision id, even when the regenerated content happens to coincide with the
// old plan.
func (s *Service) Regenerate(ctx context.Context, projectID, ownerID, sessionID, instruction string) (Outcome, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.enterNegotiation(ctx, projectID, ownerID)
	if err != nil {
		return Outcome{}, err
	}

	message := "Regenerate the plan from scratch."
	if trimmed := strings.TrimSpace(instruction); trimmed != "" {
		message += " " + trimmed
	}

	outcome, turnErr := s.regenerate(ctx, project, message)
	assistantText := outcome.Reply
	if turnErr != nil {
		assistantText = "The plan could not be regenerated and is unchanged."
	}
	if err := s.store.AppendTurns(ctx, projectID, sessionID,
		projects.Turn{Role: projects.TurnRoleUser, Text: message},
		projects.Turn{Role: projects.TurnRoleAssistant, Text: assistantText},
	); err != nil {
		if turnErr != nil {
			return Outcome{}, turnErr
		}
		return Outcome{}, err
	}
	return outcome, turnErr
}

func (s *Service) regenerate(ctx context.Context, project *projects.Project, message string) (Outcome, error) {
	logger := logging.WithContext(ctx, s.logger)

	currentPlan, err := s.store.CurrentPlan(ctx, project.ID)
	if err != nil {
		return Outcome{}, err
	}
	planJSON, err := projects.MarshalPlan(currentPlan)
	if err != nil {
		return Outcome{}, err
	}

	var system strings.Builder
	system.WriteString(regenerateSystemPrompt)
	if strings.TrimSpace(project.AnalysisJSON) != "" {
		system.WriteString("\n\nStored analysis:\n" + project.AnalysisJSON)
	}
	system.WriteString("\n\nCurrent plan (for shape only):\n" + planJSON)

	content, err := s.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: message},
	})
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "regenerate completion", "", err)
	}

	var newPlan projects.Plan
	if err := llm.DecodeJSON(content, &newPlan); err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "decode regenerated plan", "", err)
	}
	normalizePlan(&newPlan)
	if err := newPlan.Validate(); err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "validate regenerated plan", "", err)
	}

	revision, err := s.replaceWithRetry(ctx, project.ID, newPlan, currentPlan.Revision)
	if err != nil {
		return Outcome{}, err
	}
	newPlan.Revision = revision

	logger.Info("plan regenerated",
		logging.String("plan_revision", revision),
		logging.Int("clips", len(newPlan.Clips)),
	)
	return Outcome{
		Reply:        "The plan was regenerated.",
		PlanChanged:  true,
		PlanRevision: revision,
		Plan:         newPlan,
	}, nil
}

// Approve locks in the current plan and moves the project to generating.
func (s *Service) Approve(ctx context.Context, projectID, ownerID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.store.GetOwned(ctx, projectID, ownerID)
	if err != nil {
		return err
	}
	if _, err := s.store.CurrentPlan(ctx, projectID); err != nil {
		if errors.Is(err, projects.ErrNoPlan) {
			return services.Wrap(services.ErrInvalidInput, componentName, "approve", "no plan to approve", nil)
		}
		return err
	}
	return s.store.Transition(ctx, projectID, project.Status, projects.StatusGenerating)
}

// enterNegotiation verifies ownership and moves the project into the
// negotiating state. Negotiating is re-entrant, so repeated turns are legal.
func (s *Service) enterNegotiation(ctx context.Context, projectID, ownerID string) (*projects.Project, error) {
	project, err := s.store.GetOwned(ctx, projectID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Transition(ctx, projectID, project.Status, projects.StatusNegotiating); err != nil {
		return nil, err
	}
	project.Status = projects.StatusNegotiating
	return project, nil
}

type turnResponse struct {
	Reply       string          `json:"reply"`
	PlanChanged bool            `json:"plan_changed"`
	Plan        json.RawMessage `json:"plan"`
}

func (s *Service) runTurn(ctx context.Context, project *projects.Project, sessionID, message string) (Outcome, error) {
	logger := logging.WithContext(ctx, s.logger)

	currentPlan, err := s.store.CurrentPlan(ctx, project.ID)
	if err != nil {
		return Outcome{}, err
	}
	planJSON, err := projects.MarshalPlan(currentPlan)
	if err != nil {
		return Outcome{}, err
	}

	messages := []llm.Message{
		{Role: "system", Content: chatSystemPrompt + "\n\nCurrent plan:\n" + planJSON},
	}
	transcript, err := s.store.Turns(ctx, project.ID, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	for _, turn := range transcript {
		messages = append(messages, llm.Message{Role: string(turn.Role), Content: turn.Text})
	}
	messages = append(messages, llm.Message{Role: "user", Content: message})

	content, err := s.llm.Complete(ctx, messages)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "chat completion", "", err)
	}
	var response turnResponse
	if err := llm.DecodeJSON(content, &response); err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "decode turn", "", err)
	}

	outcome := Outcome{
		Reply:        strings.TrimSpace(response.Reply),
		PlanRevision: currentPlan.Revision,
		Plan:         currentPlan,
	}
	if !response.PlanChanged || len(response.Plan) == 0 || string(response.Plan) == "null" {
		logger.Debug("turn answered without plan change",
			logging.String("session_id", sessionID),
		)
		return outcome, nil
	}

	var newPlan projects.Plan
	if err := json.Unmarshal(response.Plan, &newPlan); err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "decode updated plan", "", err)
	}
	normalizePlan(&newPlan)
	if err := newPlan.Validate(); err != nil {
		return Outcome{}, services.Wrap(services.ErrRetryableExternal, componentName, "validate updated plan", "", err)
	}

	revision, err := s.replaceWithRetry(ctx, project.ID, newPlan, currentPlan.Revision)
	if err != nil {
		return Outcome{}, err
	}
	newPlan.Revision = revision

	logger.Info("plan replaced",
		logging.String("session_id", sessionID),
		logging.String("plan_revision", revision),
		logging.Int("clips", len(newPlan.Clips)),
	)
	outcome.PlanChanged = true
	outcome.PlanRevision = revision
	outcome.Plan = newPlan
	return outcome, nil
}

// replaceWithRetry retries exactly once on a revision race by re-reading the
// moved revision and applying the replacement on top of it.
func (s *Service) replaceWithRetry(ctx context.Context, projectID string, plan projects.Plan, expectedRevision string) (string, error) {
	revision, err := s.store.ReplacePlan(ctx, projectID, plan, expectedRevision)
	if err == nil {
		return revision, nil
	}
	if !errors.Is(err, projects.ErrPlanConflict) {
		return "", err
	}
	current, readErr := s.store.GetByID(ctx, projectID)
	if readErr != nil {
		return "", readErr
	}
	revision, err = s.store.ReplacePlan(ctx, projectID, plan, current.PlanRevision)
	if err != nil {
		if errors.Is(err, projects.ErrPlanConflict) {
			return "", services.Wrap(services.ErrConflict, componentName, "replace plan",
				fmt.Sprintf("revision %s moved twice", expectedRevision), nil)
		}
		return "", err
	}
	return revision, nil
}

func normalizePlan(plan *projects.Plan) {
	if plan.AspectRatio == "" {
		plan.AspectRatio = projects.DefaultAspectRatio
	}
	for i := range plan.Clips {
		plan.Clips[i].Index = i
	}
}

package projects

import "fmt"

// InvalidTransitionError reports a rejected status change. Callers surface it
// to API clients as a structured conflict rather than a generic failure.
type InvalidTransitionError struct {
	ProjectID string
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("project %s: transition %s -> %s not allowed", e.ProjectID, e.From, e.To)
}

// allowedTransitions is the complete edge set of the project state machine.
// Negotiating is re-entrant: further chat turns while already negotiating are
// legal. Error is reachable from every non-terminal state and is handled in
// CanTransition rather than listed per state.
var allowedTransitions = map[Status][]Status{
	StatusUploaded:    {StatusAnalyzing},
	StatusAnalyzing:   {StatusAnalyzed},
	StatusAnalyzed:    {StatusNegotiating, StatusGenerating},
	StatusNegotiating: {StatusNegotiating, StatusGenerating},
	StatusGenerating:  {StatusAssembling},
	StatusAssembling:  {StatusCompleted},
	StatusCompleted:   {StatusExpired},
	StatusError:       {},
	StatusExpired:     {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return !from.IsTerminal() && from != StatusCompleted && from != StatusExpired
	}
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

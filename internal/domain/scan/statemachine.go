package scan

import "fmt"

// statusTransitions defines the valid lifecycle transitions for a scan.
// cancelled is reachable from every non-terminal state; reported and
// cancelled are terminal. Same-state transitions are absent on purpose:
// the audit trail must show genuine progress.
var statusTransitions = map[string][]string{
	StatusOrdered:    {StatusValidated, StatusCancelled},
	StatusValidated:  {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusInPrep, StatusCancelled},
	StatusInPrep:     {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusReported, StatusCancelled},
	StatusReported:   {},
	StatusCancelled:  {},
}

// InvalidTransitionError reports an attempt to move a scan along an edge
// the lifecycle does not allow. Allowed lists the valid next statuses from
// the current one.
type InvalidTransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// ValidateTransition checks whether from→to is a legal lifecycle edge.
// It returns an *InvalidTransitionError when it is not.
func ValidateTransition(from, to string) error {
	allowed, ok := statusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: allowed}
}

// AllowedTransitions returns the valid next statuses from the given one.
func AllowedTransitions(from string) []string {
	return statusTransitions[from]
}

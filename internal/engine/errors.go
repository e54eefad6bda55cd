package engine

import (
	"errors"
	"fmt"
	"strings"

	"foreman/internal/domain"
)

var (
	// ErrUnexpectedAction is returned when a FailureEvaluator yields an
	// action the dispatcher does not handle.
	ErrUnexpectedAction = errors.New("unexpected failure action")
	// ErrInvalidGuardPayload marks a guard rejection without rationale or
	// remediation actions.
	ErrInvalidGuardPayload = errors.New("invalid guard review payload")
	ErrNoEpic              = errors.New("epic id required")
)

// GovernanceViolation is terminal for one issue. The run goes on for the
// others.
type GovernanceViolation struct {
	IssueID string
	Reason  string
	Err     error
}

func (e *GovernanceViolation) Error() string {
	return fmt.Sprintf("governance violation on %s: %s", e.IssueID, e.Reason)
}

func (e *GovernanceViolation) Unwrap() error { return e.Err }

// RetryableFailure aborts one turn; the issue was reset and will be picked up
// again.
type RetryableFailure struct {
	IssueID string
	Attempt int
	Err     error
}

func (e *RetryableFailure) Error() string {
	return fmt.Sprintf("turn for %s failed (attempt %d): %v", e.IssueID, e.Attempt, e.Err)
}

func (e *RetryableFailure) Unwrap() error { return e.Err }

// CatastrophicFailure cancels the whole session.
type CatastrophicFailure struct {
	IssueID string
	Retries int
	Err     error
}

func (e *CatastrophicFailure) Error() string {
	return fmt.Sprintf("catastrophic failure on %s after %d retries: %v", e.IssueID, e.Retries, e.Err)
}

func (e *CatastrophicFailure) Unwrap() error { return e.Err }

// BacklogEntry is one row of the diagnostic snapshot attached to
// ExecutionFailed.
type BacklogEntry struct {
	ID         string            `json:"id"`
	Status     domain.CardStatus `json:"status"`
	WaitReason string            `json:"wait_reason,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	RetryCount int               `json:"retry_count"`
}

// ExecutionFailed reports a stall or an exhausted iteration budget.
type ExecutionFailed struct {
	SessionID string
	Reason    string
	Backlog   []BacklogEntry
}

func (e *ExecutionFailed) Error() string {
	var open []string
	for _, b := range e.Backlog {
		if !b.Status.Terminal() {
			open = append(open, b.ID+"="+string(b.Status))
		}
	}
	if len(open) == 0 {
		return "execution failed: " + e.Reason
	}
	return fmt.Sprintf("execution failed: %s (open: %s)", e.Reason, strings.Join(open, ", "))
}

func snapshot(issues []domain.Card) []BacklogEntry {
	out := make([]BacklogEntry, 0, len(issues))
	for _, c := range issues {
		b := BacklogEntry{ID: c.ID, Status: c.Status, DependsOn: c.DependsOn, RetryCount: c.RetryCount}
		if c.WaitReason != nil {
			b.WaitReason = string(*c.WaitReason)
		}
		out = append(out, b)
	}
	return out
}

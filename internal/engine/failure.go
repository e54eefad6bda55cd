package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/sandbox"
	"foreman/internal/toolgate"
)

// FailureAction is what the dispatcher does with a failed turn.
type FailureAction int

const (
	ActionRetry FailureAction = iota + 1
	ActionGovernanceViolation
	ActionCatastrophic
)

func (a FailureAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionGovernanceViolation:
		return "governance_violation"
	case ActionCatastrophic:
		return "catastrophic"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// FailureEvaluator classifies a failed turn.
type FailureEvaluator interface {
	Evaluate(issue domain.Card, cause error) FailureAction
}

// DefaultFailureEvaluator treats policy breaches as governance violations and
// everything else as retryable until the issue's retry budget is spent.
// MaxRetries is the budget of issues without their own.
type DefaultFailureEvaluator struct {
	MaxRetries int
}

func (e DefaultFailureEvaluator) Evaluate(issue domain.Card, cause error) FailureAction {
	var (
		gv  *GovernanceViolation
		sv  *sandbox.SecurityViolation
		rej *toolgate.Rejection
	)
	if errors.As(cause, &gv) || errors.As(cause, &sv) || errors.As(cause, &rej) {
		return ActionGovernanceViolation
	}
	if issue.RetryCount >= issue.RetryBudget(e.MaxRetries) {
		return ActionCatastrophic
	}
	return ActionRetry
}

// FailureReport is the post-mortem written for every failed turn and for
// stalled runs.
type FailureReport struct {
	ID         string                   `json:"id"`
	SessionID  string                   `json:"session_id"`
	CardID     string                   `json:"card_id,omitempty"`
	Action     string                   `json:"action"`
	Violation  string                   `json:"violation"`
	RetryCount int                      `json:"retry_count"`
	MaxRetries int                      `json:"max_retries"`
	Backlog    []BacklogEntry           `json:"backlog,omitempty"`
	Transcript []domain.TranscriptEntry `json:"transcript_tail"`
	CreatedAt  string                   `json:"created_at"`
}

// FailureReporter writes reports under <root>/.foreman/failures/<session>/.
type FailureReporter struct {
	Root string
	Now  func() time.Time
}

func (r FailureReporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Dir returns the report directory for a session.
func (r FailureReporter) Dir(sessionID string) string {
	return filepath.Join(r.Root, db.WorkspaceDir, "failures", sessionID)
}

// Write stores rep and returns the file path.
func (r FailureReporter) Write(rep FailureReport) (string, error) {
	now := r.now()
	if rep.ID == "" {
		rep.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if rep.CreatedAt == "" {
		rep.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	dir := r.Dir(rep.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failure report dir: %w", err)
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, rep.ID+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write failure report: %w", err)
	}
	return path, nil
}

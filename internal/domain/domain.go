package domain

import "strings"

type CardType string

const (
	CardRock  CardType = "rock"
	CardEpic  CardType = "epic"
	CardIssue CardType = "issue"
)

func ParseCardType(s string) (CardType, bool) {
	switch CardType(strings.ToLower(strings.TrimSpace(s))) {
	case CardRock:
		return CardRock, true
	case CardEpic:
		return CardEpic, true
	case CardIssue:
		return CardIssue, true
	}
	return "", false
}

type CardStatus string

const (
	StatusReady                 CardStatus = "ready"
	StatusInProgress            CardStatus = "in_progress"
	StatusBlocked               CardStatus = "blocked"
	StatusWaitingForDeveloper   CardStatus = "waiting_for_developer"
	StatusReadyForTesting       CardStatus = "ready_for_testing"
	StatusCodeReview            CardStatus = "code_review"
	StatusAwaitingGuardReview   CardStatus = "awaiting_guard_review"
	StatusGuardApproved         CardStatus = "guard_approved"
	StatusGuardRejected         CardStatus = "guard_rejected"
	StatusGuardRequestedChanges CardStatus = "guard_requested_changes"
	StatusDone                  CardStatus = "done"
	StatusCanceled              CardStatus = "canceled"
	StatusArchived              CardStatus = "archived"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []CardStatus{
	StatusReady,
	StatusInProgress,
	StatusBlocked,
	StatusWaitingForDeveloper,
	StatusReadyForTesting,
	StatusCodeReview,
	StatusAwaitingGuardReview,
	StatusGuardApproved,
	StatusGuardRejected,
	StatusGuardRequestedChanges,
	StatusDone,
	StatusCanceled,
	StatusArchived,
}

func ParseStatus(s string) (CardStatus, bool) {
	want := CardStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == want {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further work is scheduled for a card in this status.
func (s CardStatus) Terminal() bool {
	return s == StatusDone || s == StatusCanceled || s == StatusArchived
}

// RequiresWaitReason reports whether entering s needs a wait reason.
func (s CardStatus) RequiresWaitReason() bool {
	return s == StatusBlocked || s == StatusWaitingForDeveloper
}

// Review reports whether s is a review-type status that triggers verification.
func (s CardStatus) Review() bool {
	switch s {
	case StatusReadyForTesting, StatusCodeReview, StatusAwaitingGuardReview:
		return true
	}
	return false
}

// Blocking reports whether an issue in s blocks its dependents.
func (s CardStatus) Blocking() bool {
	return s == StatusBlocked || s == StatusCanceled || s == StatusGuardRejected
}

type WaitReason string

const (
	WaitResource   WaitReason = "resource"
	WaitDependency WaitReason = "dependency"
	WaitReview     WaitReason = "review"
	WaitInput      WaitReason = "input"
	WaitSystem     WaitReason = "system"
)

func ParseWaitReason(s string) (WaitReason, bool) {
	switch WaitReason(strings.ToLower(strings.TrimSpace(s))) {
	case WaitResource:
		return WaitResource, true
	case WaitDependency:
		return WaitDependency, true
	case WaitReview:
		return WaitReview, true
	case WaitInput:
		return WaitInput, true
	case WaitSystem:
		return WaitSystem, true
	}
	return "", false
}

// RoleIntegrityGuard is the only role allowed to finalize an issue.
const RoleIntegrityGuard = "integrity_guard"

type Seat struct {
	Name  string   `json:"name" yaml:"name"`
	Roles []string `json:"roles" yaml:"roles"`
	Model string   `json:"model,omitempty" yaml:"model,omitempty"`
}

type Team struct {
	Seats []Seat `json:"seats" yaml:"seats"`
}

func (t *Team) Seat(name string) (Seat, bool) {
	if t == nil {
		return Seat{}, false
	}
	for _, s := range t.Seats {
		if s.Name == name {
			return s, true
		}
	}
	return Seat{}, false
}

// Card is a Rock, Epic or Issue.
type Card struct {
	ID                 string              `json:"id"`
	Type               CardType            `json:"type" enum:"rock,epic,issue"`
	ParentID           string              `json:"parent_id,omitempty"`
	Status             CardStatus          `json:"status"`
	Priority           float64             `json:"priority"`
	DependsOn          []string            `json:"depends_on,omitempty"`
	WaitReason         *WaitReason         `json:"wait_reason,omitempty"`
	RetryCount         int                 `json:"retry_count"`
	// MaxRetries overrides the run's retry budget for this card; nil inherits it.
	MaxRetries         *int                `json:"max_retries,omitempty"`
	Seat               string              `json:"seat,omitempty"`
	Assignee           string              `json:"assignee,omitempty"`
	Summary            string              `json:"summary"`
	Description        string              `json:"description,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	Verification       *IssueVerification  `json:"verification,omitempty"`
	VerificationResult *VerificationResult `json:"verification_result,omitempty"`
	GuardReview        *GuardReviewPayload `json:"guard_review,omitempty"`
	Team               *Team               `json:"team,omitempty"`
	CreatedAt          string              `json:"created_at" format:"date-time"`
	UpdatedAt          string              `json:"updated_at" format:"date-time"`
}

// RetryBudget is the number of retries the card gets: its own override, or
// runDefault.
func (c Card) RetryBudget(runDefault int) int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return runDefault
}

// Clone returns a copy that shares no mutable slices or maps with c.
func (c Card) Clone() Card {
	out := c
	if c.DependsOn != nil {
		out.DependsOn = append([]string(nil), c.DependsOn...)
	}
	if c.WaitReason != nil {
		wr := *c.WaitReason
		out.WaitReason = &wr
	}
	if c.MaxRetries != nil {
		n := *c.MaxRetries
		out.MaxRetries = &n
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Verification != nil {
		v := *c.Verification
		v.Scenarios = append([]Scenario(nil), c.Verification.Scenarios...)
		out.Verification = &v
	}
	if c.VerificationResult != nil {
		r := *c.VerificationResult
		r.Logs = append([]string(nil), c.VerificationResult.Logs...)
		r.Scenarios = append([]Scenario(nil), c.VerificationResult.Scenarios...)
		out.VerificationResult = &r
	}
	if c.GuardReview != nil {
		g := *c.GuardReview
		out.GuardReview = &g
	}
	if c.Team != nil {
		t := Team{Seats: append([]Seat(nil), c.Team.Seats...)}
		out.Team = &t
	}
	return out
}

// GuardReviewPayload is the decision record emitted by the guard seat.
type GuardReviewPayload struct {
	Rationale          string   `json:"rationale"`
	Violations         []string `json:"violations"`
	RemediationActions []string `json:"remediation_actions"`
}

// ValidRejection reports whether p can back a guard_rejected decision.
func (p GuardReviewPayload) ValidRejection() bool {
	if strings.TrimSpace(p.Rationale) == "" {
		return false
	}
	for _, a := range p.RemediationActions {
		if strings.TrimSpace(a) != "" {
			return true
		}
	}
	return false
}

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateResolved GateStatus = "resolved"
)

// PendingGateRequest records a decision that needs an operator.
type PendingGateRequest struct {
	RequestID   string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	IssueID     string         `json:"issue_id"`
	SeatName    string         `json:"seat_name"`
	GateMode    string         `json:"gate_mode"`
	RequestType string         `json:"request_type"`
	Reason      string         `json:"reason"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      GateStatus     `json:"status" enum:"pending,resolved"`
	Decision    string         `json:"decision,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	ResolvedAt  string         `json:"resolved_at,omitempty" format:"date-time"`
}

type ScenarioStatus string

const (
	ScenarioPending ScenarioStatus = "pending"
	ScenarioPass    ScenarioStatus = "pass"
	ScenarioFail    ScenarioStatus = "fail"
)

// HTTPCall describes how a scenario is replayed against a live preview.
type HTTPCall struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path"`
}

type Scenario struct {
	ID             string         `json:"id"`
	InputData      any            `json:"input_data"`
	ExpectedOutput any            `json:"expected_output"`
	ActualOutput   any            `json:"actual_output,omitempty"`
	Status         ScenarioStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	HTTP           *HTTPCall      `json:"http,omitempty"`
}

type IssueVerification struct {
	FixturePath string     `json:"fixture_path,omitempty"`
	Scenarios   []Scenario `json:"scenarios"`
}

type VerificationResult struct {
	Passed         int        `json:"passed"`
	Failed         int        `json:"failed"`
	TotalScenarios int        `json:"total_scenarios"`
	Logs           []string   `json:"logs"`
	Scenarios      []Scenario `json:"scenarios,omitempty"`
	FixtureDigest  string     `json:"fixture_digest,omitempty"`
}

// Merge folds a secondary result into r: counts are summed, logs and
// scenarios appended.
func (r *VerificationResult) Merge(other VerificationResult) {
	r.Passed += other.Passed
	r.Failed += other.Failed
	r.TotalScenarios += other.TotalScenarios
	r.Logs = append(r.Logs, other.Logs...)
	r.Scenarios = append(r.Scenarios, other.Scenarios...)
}

// AllPassed reports whether at least one scenario ran and none failed.
func (r VerificationResult) AllPassed() bool {
	return r.TotalScenarios > 0 && r.Failed == 0 && r.Passed == r.TotalScenarios
}

type TranscriptEntry struct {
	IssueID string `json:"issue_id,omitempty"`
	Seat    string `json:"seat,omitempty"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
	TS      string `json:"ts" format:"date-time"`
}

type Checkpoint struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	IssueID    string            `json:"issue_id"`
	Iteration  int               `json:"iteration"`
	Status     CardStatus        `json:"status"`
	Transcript []TranscriptEntry `json:"transcript"`
	Digest     string            `json:"digest"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type VerificationRun struct {
	ID        string             `json:"id"`
	IssueID   string             `json:"issue_id"`
	SessionID string             `json:"session_id,omitempty"`
	Result    VerificationResult `json:"result"`
	CreatedAt string             `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

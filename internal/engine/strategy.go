package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"foreman/internal/critpath"
	"foreman/internal/domain"
	"foreman/internal/statemachine"
	"foreman/internal/toolcall"
	"foreman/internal/toolgate"
	"foreman/internal/tools"
)

// Planner picks the issues to dispatch in one tick. target, when set,
// restricts the plan to that issue.
type Planner interface {
	Plan(issues []domain.Card, target string) []string
}

// Router names the seat responsible for an issue in its current status. An
// empty name means no seat is configured.
type Router interface {
	Route(issue domain.Card) string
}

type ModelChoice struct {
	Model     string
	MaxTokens int64
}

type ModelPolicy interface {
	Select(issue domain.Card, seat domain.Seat) ModelChoice
}

// PromptInput is everything a prompt builder may draw from.
type PromptInput struct {
	Issue      domain.Card
	Epic       domain.Card
	Seat       domain.Seat
	Choice     ModelChoice
	Memory     []string
	Transcript []domain.TranscriptEntry
}

type PromptBuilder interface {
	Build(in PromptInput) (system, user string)
}

type MemoryRetriever interface {
	Retrieve(ctx context.Context, issue domain.Card) ([]string, error)
}

// PostSuccess lists the actions that follow a successful turn.
type PostSuccess struct {
	FollowUp     domain.CardStatus
	FollowUpWait *domain.WaitReason
	Deploy       bool
}

type PostSuccessPolicy interface {
	Evaluate(issue domain.Card) PostSuccess
}

type ToolGate interface {
	Validate(tool string, args map[string]any, tc toolgate.TurnContext, roles []string) error
}

type ToolExecutor interface {
	Execute(ctx context.Context, call toolcall.Call, t tools.Turn) (string, error)
}

type Verifier interface {
	Verify(ctx context.Context, v domain.IssueVerification, workspaceRoot string) (domain.VerificationResult, error)
}

type LiveVerifier interface {
	Verify(ctx context.Context, baseURL string, scenarios []domain.Scenario) domain.VerificationResult
}

// Deployer provisions live preview environments per rock.
type Deployer interface {
	Deploy(ctx context.Context, rockID string) (string, error)
	Lookup(rockID string) (string, bool)
}

// activeStatuses are worked on by a seat without a new pick from the queue.
var activeStatuses = []domain.CardStatus{
	domain.StatusInProgress,
	domain.StatusReadyForTesting,
	domain.StatusCodeReview,
	domain.StatusAwaitingGuardReview,
	domain.StatusGuardApproved,
	domain.StatusGuardRequestedChanges,
}

// CriticalPathPlanner continues active issues first, in backlog order, then
// takes independent ready issues in critical-path order. An issue is never
// planned before all of its dependencies are done.
type CriticalPathPlanner struct{}

func (CriticalPathPlanner) Plan(issues []domain.Card, target string) []string {
	status := make(map[string]domain.CardStatus, len(issues))
	for _, c := range issues {
		status[c.ID] = c.Status
	}
	depsDone := func(c domain.Card) bool {
		for _, d := range c.DependsOn {
			if status[d] != domain.StatusDone {
				return false
			}
		}
		return true
	}
	var out []string
	eligible := map[string]bool{}
	for _, c := range issues {
		if !depsDone(c) {
			continue
		}
		if slices.Contains(activeStatuses, c.Status) {
			out = append(out, c.ID)
		}
		if c.Status == domain.StatusReady {
			eligible[c.ID] = true
		}
	}
	for _, id := range critpath.PriorityQueue(issues) {
		if eligible[id] {
			out = append(out, id)
		}
	}
	if target == "" {
		return out
	}
	if slices.Contains(out, target) {
		return []string{target}
	}
	return nil
}

// StatusRouter maps statuses to seats. An issue's own seat wins while it is
// ready or in progress.
type StatusRouter struct {
	Routing   map[domain.CardStatus]string
	GuardSeat string
}

func (r StatusRouter) Route(issue domain.Card) string {
	if issue.Seat != "" && (issue.Status == domain.StatusReady || issue.Status == domain.StatusInProgress) {
		return issue.Seat
	}
	if seat := r.Routing[issue.Status]; seat != "" {
		return seat
	}
	if issue.Status == domain.StatusGuardApproved || issue.Status == domain.StatusAwaitingGuardReview {
		return r.GuardSeat
	}
	return ""
}

// SeatModelPolicy uses the seat's model when set, else Default.
type SeatModelPolicy struct {
	Default   string
	MaxTokens int64
}

func (p SeatModelPolicy) Select(_ domain.Card, seat domain.Seat) ModelChoice {
	m := seat.Model
	if m == "" {
		m = p.Default
	}
	return ModelChoice{Model: m, MaxTokens: p.MaxTokens}
}

// TemplatePromptBuilder renders a plain-text prompt describing the seat, the
// tool wire format and the issue.
type TemplatePromptBuilder struct{}

func (TemplatePromptBuilder) Build(in PromptInput) (string, string) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are the %s seat (roles: %s) working on epic %s: %s.\n",
		in.Seat.Name, strings.Join(in.Seat.Roles, ", "), in.Epic.ID, in.Epic.Summary)
	sys.WriteString("Propose actions as JSON objects {\"tool\": \"<name>\", \"args\": {...}}, one per fenced block.\n")
	sys.WriteString("Tools: write_file, read_file, delete_file, list_files, update_issue_status, create_issue, reset_issue.\n")
	sys.WriteString("Destructive tools need \"confirm\": true. Blocking statuses need a wait_reason.\n")
	if slices.Contains(in.Seat.Roles, domain.RoleIntegrityGuard) {
		sys.WriteString("When you decide, include {\"rationale\": ..., \"violations\": [...], \"remediation_actions\": [...]}.\n")
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Issue %s [%s, priority %.1f]: %s\n", in.Issue.ID, in.Issue.Status, in.Issue.Priority, in.Issue.Summary)
	if in.Issue.Description != "" {
		user.WriteString(in.Issue.Description)
		user.WriteByte('\n')
	}
	next := statemachine.Allowed(in.Issue.Type, in.Issue.Status)
	if len(next) > 0 {
		names := make([]string, len(next))
		for i, s := range next {
			names[i] = string(s)
		}
		fmt.Fprintf(&user, "Allowed next statuses: %s\n", strings.Join(names, ", "))
	}
	if r := in.Issue.VerificationResult; r != nil {
		fmt.Fprintf(&user, "Last verification: %d/%d passed\n", r.Passed, r.TotalScenarios)
	}
	if len(in.Memory) > 0 {
		user.WriteString("Context:\n")
		for _, m := range in.Memory {
			user.WriteString("- ")
			user.WriteString(m)
			user.WriteByte('\n')
		}
	}
	if len(in.Transcript) > 0 {
		user.WriteString("Recent activity:\n")
		for _, e := range in.Transcript {
			fmt.Fprintf(&user, "[%s %s %s] %s\n", e.Kind, e.IssueID, e.Seat, e.Content)
		}
	}
	return sys.String(), user.String()
}

// DependencyMemory recalls the finished dependencies of an issue.
type DependencyMemory struct {
	Cards interface {
		GetCard(ctx context.Context, id string) (domain.Card, error)
	}
}

func (m DependencyMemory) Retrieve(ctx context.Context, issue domain.Card) ([]string, error) {
	var out []string
	for _, dep := range issue.DependsOn {
		c, err := m.Cards.GetCard(ctx, dep)
		if err != nil {
			return nil, err
		}
		line := fmt.Sprintf("dependency %s (%s): %s", c.ID, c.Status, c.Summary)
		if r := c.VerificationResult; r != nil {
			line += fmt.Sprintf("; verified %d/%d", r.Passed, r.TotalScenarios)
		}
		out = append(out, line)
	}
	return out, nil
}

// GuardPostSuccess finalizes guard decisions and deploys finished issues.
type GuardPostSuccess struct{}

func (GuardPostSuccess) Evaluate(issue domain.Card) PostSuccess {
	switch issue.Status {
	case domain.StatusGuardApproved:
		return PostSuccess{FollowUp: domain.StatusDone, Deploy: true}
	case domain.StatusGuardRejected:
		wr := domain.WaitReview
		return PostSuccess{FollowUp: domain.StatusBlocked, FollowUpWait: &wr}
	case domain.StatusDone:
		return PostSuccess{Deploy: true}
	}
	return PostSuccess{}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/model"
	"foreman/internal/repo"
	"foreman/internal/sandbox"
	"foreman/internal/statemachine"
	"foreman/internal/telemetry"
	"foreman/internal/toolcall"
	"foreman/internal/toolgate"
	"foreman/internal/tools"
)

// Gate modes and request types created by the engine.
const (
	GateModeApproval    = "approval"
	GateModeGuardReview = "guard_review"

	RequestInvalidGuardPayload = "invalid_guard_payload"
)

// guardDecisions are the statuses a guard seat finalizes an issue into.
var guardDecisions = []domain.CardStatus{
	domain.StatusDone,
	domain.StatusBlocked,
	domain.StatusGuardApproved,
	domain.StatusGuardRejected,
	domain.StatusGuardRequestedChanges,
}

// turn runs one issue on one seat. The returned error is already routed
// through the failure policy.
func (o *Orchestrator) turn(ctx context.Context, run *session, issueID string) (err error) {
	ctx, span := telemetry.Tracer("foreman/engine").Start(ctx, "foreman.turn", trace.WithAttributes(
		attribute.String("foreman.session", run.id),
		attribute.String("foreman.issue", issueID),
	))
	defer span.End()
	engineMetrics.inflight.Add(ctx, 1)
	defer engineMetrics.inflight.Add(context.WithoutCancel(ctx), -1)

	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("foreman.outcome", outcome))
		engineMetrics.turns.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	issue, err := o.Store.GetCard(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.Status.Terminal() {
		outcome = "skipped"
		return nil
	}

	if issue.Status.Review() && o.Verifier != nil && !run.verifiedIn(issue.ID, issue.Status) {
		if err := o.verify(ctx, run, &issue); err != nil {
			return o.fail(ctx, run, issue.ID, "", err)
		}
		run.markVerified(issue.ID, issue.Status)
	}

	seatName := o.router().Route(issue)
	seat, ok := run.team.Seat(seatName)
	if !ok {
		outcome = "missing_seat"
		return o.missingSeat(ctx, run, issue, seatName)
	}
	span.SetAttributes(attribute.String("foreman.seat", seat.Name))

	// An approval left over from an interrupted turn only needs finalizing.
	if issue.Status == domain.StatusGuardApproved {
		return o.afterSuccess(ctx, run, issue, seat)
	}

	choice := o.models().Select(issue, seat)
	var memory []string
	if o.Memory != nil {
		if memory, err = o.Memory.Retrieve(ctx, issue); err != nil {
			return o.fail(ctx, run, issue.ID, seat.Name, fmt.Errorf("retrieve memory: %w", err))
		}
	}
	system, user := o.prompts().Build(PromptInput{
		Issue:      issue,
		Epic:       run.epic,
		Seat:       seat,
		Choice:     choice,
		Memory:     memory,
		Transcript: run.transcript.Tail(o.TranscriptTail),
	})
	if o.Model == nil {
		return o.fail(ctx, run, issue.ID, seat.Name, errors.New("no model client configured"))
	}
	resp, err := o.Model.Complete(ctx, model.Request{
		Model:     choice.Model,
		System:    system,
		Messages:  []model.Message{{Role: model.RoleUser, Content: user}},
		MaxTokens: choice.MaxTokens,
		Seat:      seat.Name,
		IssueID:   issue.ID,
	})
	if err != nil {
		return o.fail(ctx, run, issue.ID, seat.Name, fmt.Errorf("model call: %w", err))
	}
	run.transcript.Append(issue.ID, seat.Name, KindModel, resp.Text)

	issue, gated, err := o.applyCalls(ctx, run, issue, seat, resp.Text)
	if err != nil {
		return o.fail(ctx, run, issue.ID, seat.Name, err)
	}
	if gated {
		outcome = "gated"
		return nil
	}
	return o.afterSuccess(ctx, run, issue, seat)
}

// verify runs the sandbox for an issue entering review, merges live preview
// results and records the outcome on the issue.
func (o *Orchestrator) verify(ctx context.Context, run *session, issue *domain.Card) error {
	if issue.Verification == nil {
		return nil
	}
	start := time.Now()
	res, err := o.Verifier.Verify(ctx, *issue.Verification, o.Root)
	engineMetrics.verification.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		var sv *sandbox.SecurityViolation
		if errors.As(err, &sv) {
			o.logger().Error("verification security violation",
				"session", run.id, "issue", issue.ID, "fixture", sv.FixturePath, "allowed_dir", sv.AllowedDir)
			return &GovernanceViolation{IssueID: issue.ID, Reason: err.Error(), Err: err}
		}
		return fmt.Errorf("verification: %w", err)
	}
	if o.Live != nil && o.Deployer != nil {
		rock, err := o.Store.RockOf(ctx, issue.ID)
		if err != nil {
			return err
		}
		if base, ok := o.Deployer.Lookup(rock); rock != "" && ok {
			res.Merge(o.Live.Verify(ctx, base, issue.Verification.Scenarios))
		}
	}
	if _, err := o.Store.RecordVerification(ctx, issue.ID, run.id, res); err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	issue.VerificationResult = &res
	verdict := "FAIL"
	if res.AllPassed() || res.TotalScenarios == 0 {
		verdict = "PASS"
	}
	run.transcript.Append(issue.ID, "", KindVerification, fmt.Sprintf("verification %s for %s: %d/%d passed, %d failed",
		verdict, issue.ID, res.Passed, res.TotalScenarios, res.Failed))
	return nil
}

func (o *Orchestrator) missingSeat(ctx context.Context, run *session, issue domain.Card, seatName string) error {
	wr := domain.WaitInput
	_, err := o.Store.SetStatus(ctx, issue.ID, repo.StatusChange{
		To:         domain.StatusBlocked,
		WaitReason: &wr,
		System:     true,
		SessionID:  run.id,
		ActorID:    schedulerActor,
		Mutate: func(c *domain.Card) {
			if c.Metadata == nil {
				c.Metadata = map[string]any{}
			}
			c.Metadata["routing"] = "missing_seat"
			c.Metadata["missing_seat"] = seatName
		},
	})
	if err != nil {
		return fmt.Errorf("mark missing seat on %s: %w", issue.ID, err)
	}
	run.transcript.Append(issue.ID, seatName, KindRouting, fmt.Sprintf("no seat %q in team for status %s", seatName, issue.Status))
	o.logger().Warn("missing seat", "session", run.id, "issue", issue.ID, "status", issue.Status, "seat", seatName)
	return nil
}

// applyCalls gates and executes the tool calls in text in order. The first
// failing call aborts the rest; earlier calls stay applied. gated reports that
// the turn stopped on a call waiting for operator approval.
func (o *Orchestrator) applyCalls(ctx context.Context, run *session, issue domain.Card, seat domain.Seat, text string) (_ domain.Card, gated bool, _ error) {
	calls := toolcall.Extract(text)
	t := tools.Turn{SessionID: run.id, EpicID: run.epic.ID, IssueID: issue.ID, Seat: seat.Name, Roles: seat.Roles}
	isGuard := slices.Contains(seat.Roles, domain.RoleIntegrityGuard)
	for i, call := range calls {
		tc := toolgate.TurnContext{WorkspaceRoot: o.Root, IssueID: issue.ID, CardType: issue.Type, CurrentStatus: issue.Status}
		if err := o.Gate.Validate(call.Tool, call.Args, tc, seat.Roles); err != nil {
			return issue, false, &GovernanceViolation{IssueID: issue.ID, Reason: err.Error(), Err: err}
		}
		if o.needsApproval(issue, call.Tool) {
			return issue, true, o.requestApproval(ctx, run, issue, seat, call)
		}

		var review *domain.GuardReviewPayload
		if call.Tool == toolgate.ToolUpdateIssueStatus {
			to, _ := domain.ParseStatus(fmt.Sprint(call.Args["status"]))
			if isGuard && slices.Contains(guardDecisions, to) {
				p, _ := toolcall.GuardReview(text)
				if to == domain.StatusGuardRejected && !p.ValidRejection() {
					return issue, false, o.invalidGuardPayload(ctx, run, issue, seat, p)
				}
				review = &p
			}
		}

		out, err := o.Tools.Execute(ctx, call, t)
		if err != nil {
			if errors.Is(err, statemachine.ErrPermissionDenied) {
				return issue, false, &GovernanceViolation{IssueID: issue.ID, Reason: err.Error(), Err: err}
			}
			return issue, false, fmt.Errorf("tool %s (call %d of %d): %w", call.Tool, i+1, len(calls), err)
		}
		run.transcript.Append(issue.ID, seat.Name, KindTool, call.Tool+": "+out)

		consumed := slices.Contains(o.ApprovalTools, call.Tool)
		if review != nil || consumed {
			issue, err = o.Store.UpdateCard(ctx, issue.ID, func(c *domain.Card) error {
				if review != nil {
					c.GuardReview = review
				}
				if consumed && c.Metadata != nil {
					c.Metadata["approved_tools"] = without(stringList(c.Metadata["approved_tools"]), call.Tool)
				}
				return nil
			})
		} else {
			issue, err = o.Store.GetCard(ctx, issue.ID)
		}
		if err != nil {
			return issue, false, err
		}
	}
	return issue, false, nil
}

func (o *Orchestrator) needsApproval(issue domain.Card, tool string) bool {
	if !slices.Contains(o.ApprovalTools, tool) {
		return false
	}
	return !slices.Contains(stringList(issue.Metadata["approved_tools"]), tool)
}

// requestApproval opens an approval gate for call and parks the issue until
// an operator resolves it.
func (o *Orchestrator) requestApproval(ctx context.Context, run *session, issue domain.Card, seat domain.Seat, call toolcall.Call) error {
	id, err := o.Store.CreateRequest(ctx, repo.GateRequestInput{
		SessionID:   run.id,
		IssueID:     issue.ID,
		SeatName:    seat.Name,
		GateMode:    GateModeApproval,
		RequestType: call.Tool,
		Reason:      fmt.Sprintf("%s requires operator approval", call.Tool),
		Payload:     map[string]any{"tool": call.Tool, "args": call.Args},
	})
	if err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	wr := domain.WaitReview
	_, err = o.Store.SetStatus(ctx, issue.ID, repo.StatusChange{
		To:         domain.StatusBlocked,
		WaitReason: &wr,
		System:     true,
		SessionID:  run.id,
		ActorID:    seat.Name,
		Mutate: func(c *domain.Card) {
			if c.Metadata == nil {
				c.Metadata = map[string]any{}
			}
			c.Metadata["gate_request"] = id
		},
	})
	if err != nil {
		return err
	}
	run.transcript.Append(issue.ID, seat.Name, KindPolicy, fmt.Sprintf("%s waits for approval (gate %s)", call.Tool, id))
	return nil
}

// invalidGuardPayload records a gate request for an unfounded rejection and
// returns the governance failure for the turn.
func (o *Orchestrator) invalidGuardPayload(ctx context.Context, run *session, issue domain.Card, seat domain.Seat, p domain.GuardReviewPayload) error {
	reason := "guard rejection requires a rationale and at least one remediation action"
	id, err := o.Store.CreateRequest(ctx, repo.GateRequestInput{
		SessionID:   run.id,
		IssueID:     issue.ID,
		SeatName:    seat.Name,
		GateMode:    GateModeGuardReview,
		RequestType: RequestInvalidGuardPayload,
		Reason:      reason,
		Payload: map[string]any{
			"rationale":           p.Rationale,
			"violations":          p.Violations,
			"remediation_actions": p.RemediationActions,
		},
	})
	if err != nil {
		return fmt.Errorf("create guard gate request: %w", err)
	}
	return &GovernanceViolation{
		IssueID: issue.ID,
		Reason:  fmt.Sprintf("%s (gate %s)", reason, id),
		Err:     ErrInvalidGuardPayload,
	}
}

// afterSuccess applies post-success actions and checkpoints the turn.
func (o *Orchestrator) afterSuccess(ctx context.Context, run *session, issue domain.Card, seat domain.Seat) error {
	ps := o.postSuccess().Evaluate(issue)
	if ps.FollowUp != "" && ps.FollowUp != issue.Status {
		from := issue.Status
		next, err := o.Store.SetStatus(ctx, issue.ID, repo.StatusChange{
			To:         ps.FollowUp,
			WaitReason: ps.FollowUpWait,
			Roles:      seat.Roles,
			SessionID:  run.id,
			ActorID:    seat.Name,
		})
		if err != nil {
			var te *statemachine.TransitionError
			if errors.As(err, &te) {
				err = &GovernanceViolation{IssueID: issue.ID, Reason: err.Error(), Err: err}
			}
			return o.fail(ctx, run, issue.ID, seat.Name, err)
		}
		issue = next
		run.transcript.Append(issue.ID, seat.Name, KindPolicy, fmt.Sprintf("follow-up %s -> %s", from, issue.Status))
	}
	if ps.Deploy && o.Deployer != nil {
		rock, err := o.Store.RockOf(ctx, issue.ID)
		if err == nil && rock != "" {
			if _, err := o.Deployer.Deploy(ctx, rock); err != nil && !errors.Is(err, ErrPreviewDisabled) {
				o.logger().Warn("preview deploy failed", "session", run.id, "issue", issue.ID, "rock", rock, "err", err)
			}
		}
	}

	tail := run.transcript.Tail(o.TranscriptTail)
	cp := domain.Checkpoint{
		ID:         ulid.Make().String(),
		SessionID:  run.id,
		IssueID:    issue.ID,
		Iteration:  run.currentIteration(),
		Status:     issue.Status,
		Transcript: tail,
		Digest:     digest(tail),
	}
	if err := o.Store.InsertCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint %s: %w", issue.ID, err)
	}
	return nil
}

// fail routes a failed turn through the failure policy. The report is
// written before the error is returned and before a catastrophic failure
// cancels the session.
func (o *Orchestrator) fail(ctx context.Context, run *session, issueID, seat string, cause error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	issue, err := o.Store.GetCard(ctx, issueID)
	if err != nil {
		return errors.Join(cause, err)
	}
	action := o.failures().Evaluate(issue, cause)
	run.transcript.Append(issue.ID, seat, KindFailure, fmt.Sprintf("%s: %v", action, cause))

	var out error
	switch action {
	case ActionGovernanceViolation:
		var gv *GovernanceViolation
		if !errors.As(cause, &gv) {
			gv = &GovernanceViolation{IssueID: issue.ID, Reason: cause.Error(), Err: cause}
		}
		out = gv
		err = o.park(ctx, run, issue.ID, action, cause)
	case ActionCatastrophic:
		out = &CatastrophicFailure{IssueID: issue.ID, Retries: issue.RetryCount, Err: cause}
		err = o.park(ctx, run, issue.ID, action, cause)
	case ActionRetry:
		out = &RetryableFailure{IssueID: issue.ID, Attempt: issue.RetryCount + 1, Err: cause}
		_, err = o.Store.SetStatus(ctx, issue.ID, repo.StatusChange{
			To:        domain.StatusReady,
			System:    true,
			SessionID: run.id,
			ActorID:   schedulerActor,
			Mutate:    func(c *domain.Card) { c.RetryCount++ },
		})
	default:
		out = fmt.Errorf("%w: %v for %s", ErrUnexpectedAction, action, issue.ID)
	}
	if err != nil {
		o.logger().Error("apply failure policy", "session", run.id, "issue", issue.ID, "action", action.String(), "err", err)
		out = errors.Join(out, err)
	}

	path, rerr := o.Reporter.Write(FailureReport{
		SessionID:  run.id,
		CardID:     issue.ID,
		Action:     action.String(),
		Violation:  cause.Error(),
		RetryCount: issue.RetryCount,
		MaxRetries: issue.RetryBudget(o.MaxRetries),
		Transcript: run.transcript.Tail(o.TranscriptTail),
	})
	if rerr != nil {
		o.logger().Error("write failure report", "session", run.id, "issue", issue.ID, "err", rerr)
	}
	o.event(ctx, events.TurnFailed, run.id, "card", issue.ID, events.EventPayload{
		"action": action.String(), "error": cause.Error(), "report": path,
	})
	o.logger().Warn("turn failed", "session", run.id, "issue", issue.ID, "seat", seat, "action", action.String(), "err", cause)

	if action == ActionCatastrophic {
		run.cancel(out)
	}
	return out
}

// park moves an issue to its failure status.
func (o *Orchestrator) park(ctx context.Context, run *session, issueID string, action FailureAction, cause error) error {
	wr := domain.WaitSystem
	_, err := o.Store.SetStatus(ctx, issueID, repo.StatusChange{
		To:         domain.StatusBlocked,
		WaitReason: &wr,
		System:     true,
		SessionID:  run.id,
		ActorID:    schedulerActor,
		Mutate: func(c *domain.Card) {
			if c.Metadata == nil {
				c.Metadata = map[string]any{}
			}
			c.Metadata["failure"] = action.String()
			c.Metadata["failure_reason"] = cause.Error()
		},
	})
	return err
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func without(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

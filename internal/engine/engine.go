// Package engine runs an epic's backlog: it plans ready work, dispatches
// governed turns under a concurrency bound and routes failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/model"
	"foreman/internal/repo"
	"foreman/internal/sandbox"
	"foreman/internal/toolgate"
	"foreman/internal/tools"
)

const schedulerActor = "scheduler"

// Store is the backlog and gate persistence the engine needs. repo.Repo
// implements it.
type Store interface {
	GetCard(ctx context.Context, id string) (domain.Card, error)
	CreateCard(ctx context.Context, c domain.Card, actorID string) (domain.Card, error)
	ListIssues(ctx context.Context, epicID string) ([]domain.Card, error)
	UpdateCard(ctx context.Context, id string, fn func(*domain.Card) error) (domain.Card, error)
	SetStatus(ctx context.Context, id string, ch repo.StatusChange) (domain.Card, error)
	RockOf(ctx context.Context, id string) (string, error)
	CreateRequest(ctx context.Context, in repo.GateRequestInput) (string, error)
	RecordVerification(ctx context.Context, issueID, sessionID string, res domain.VerificationResult) (domain.VerificationRun, error)
	InsertCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	AppendEvent(ctx context.Context, evtType, sessionID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

// Orchestrator is the epic execution loop. Zero-valued strategy fields fall
// back to the defaults in this package.
type Orchestrator struct {
	Store    Store
	Model    model.Client
	Gate     ToolGate
	Tools    ToolExecutor
	Verifier Verifier
	Live     LiveVerifier
	Deployer Deployer

	Planner     Planner
	Router      Router
	Models      ModelPolicy
	Prompts     PromptBuilder
	Memory      MemoryRetriever
	Failures    FailureEvaluator
	PostSuccess PostSuccessPolicy
	Reporter    FailureReporter
	Registry    *app.Registry

	Team          domain.Team
	GuardSeat     string
	ApprovalTools []string
	Root          string

	MaxIterations    int
	ConcurrencyLimit int
	TranscriptTail   int
	// MaxRetries is the retry budget of cards that carry no override.
	MaxRetries       int

	Logger *slog.Logger
	Now    func() time.Time
}

// New wires an orchestrator for a workspace from its config.
func New(root string, cfg *config.Config, store Store, client model.Client, registry *app.Registry, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	gate, err := toolgate.New(toolgate.Policy{
		ForbiddenExtensions: cfg.Policy.ForbiddenExtensions,
		ForbiddenPaths:      cfg.Policy.ForbiddenPaths,
		MinSummaryLength:    cfg.Policy.MinSummaryLength,
	})
	if err != nil {
		return nil, err
	}
	previewClient := &http.Client{Timeout: cfg.Preview.Timeout}
	return &Orchestrator{
		Store: store,
		Model: client,
		Gate:  gate,
		Tools: tools.New(root, store),
		Verifier: &sandbox.Sandbox{
			Timeout:           cfg.Sandbox.Timeout,
			CPUSeconds:        cfg.Sandbox.CPUSeconds,
			AddressSpaceBytes: cfg.SandboxAddressSpaceBytes(),
			IsolateNetwork:    cfg.Sandbox.IsolateNetwork,
			VerificationDir:   cfg.Sandbox.VerificationDir,
			Logger:            logger,
		},
		Live:             &sandbox.LiveVerifier{Client: previewClient},
		Deployer:         &PreviewDeployer{BaseURL: cfg.Preview.BaseURL, Client: previewClient, Logger: logger},
		Router:           StatusRouter{Routing: cfg.Routing, GuardSeat: cfg.GuardSeat},
		Models:           SeatModelPolicy{Default: cfg.Model.Default, MaxTokens: cfg.Model.MaxTokens},
		Memory:           DependencyMemory{Cards: store},
		Reporter:         FailureReporter{Root: root},
		Registry:         registry,
		Team:             cfg.Team,
		GuardSeat:        cfg.GuardSeat,
		ApprovalTools:    cfg.Policy.RequireApproval,
		Root:             root,
		MaxIterations:    cfg.Run.MaxIterations,
		ConcurrencyLimit: cfg.Run.ConcurrencyLimit,
		TranscriptTail:   cfg.Run.TranscriptTail,
		MaxRetries:       cfg.Run.MaxRetries,
		Logger:           logger,
	}, nil
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) planner() Planner {
	if o.Planner != nil {
		return o.Planner
	}
	return CriticalPathPlanner{}
}

func (o *Orchestrator) router() Router {
	if o.Router != nil {
		return o.Router
	}
	return StatusRouter{GuardSeat: o.GuardSeat}
}

func (o *Orchestrator) models() ModelPolicy {
	if o.Models != nil {
		return o.Models
	}
	return SeatModelPolicy{}
}

func (o *Orchestrator) prompts() PromptBuilder {
	if o.Prompts != nil {
		return o.Prompts
	}
	return TemplatePromptBuilder{}
}

func (o *Orchestrator) failures() FailureEvaluator {
	if o.Failures != nil {
		return o.Failures
	}
	return DefaultFailureEvaluator{MaxRetries: o.MaxRetries}
}

func (o *Orchestrator) postSuccess() PostSuccessPolicy {
	if o.PostSuccess != nil {
		return o.PostSuccess
	}
	return GuardPostSuccess{}
}

func (o *Orchestrator) registry() *app.Registry {
	if o.Registry == nil {
		o.Registry = app.NewRegistry()
	}
	return o.Registry
}

// RunOptions selects what a run executes. Zero limits use the orchestrator's.
type RunOptions struct {
	SessionID        string
	EpicID           string
	IssueID          string
	MaxIterations    int
	ConcurrencyLimit int
}

// Result summarizes a run, including failed runs.
type Result struct {
	SessionID  string   `json:"session_id"`
	Iterations int      `json:"iterations"`
	Turns      int      `json:"turns"`
	Failures   []string `json:"failures,omitempty"`
}

// session is the per-run state shared by concurrent turns.
type session struct {
	id         string
	epic       domain.Card
	team       domain.Team
	transcript *Transcript
	cancel     func(error)

	mu        sync.Mutex
	iteration int
	verified  map[string]domain.CardStatus
}

// verifiedIn reports whether the issue already has a recorded verification
// for its stay in st.
func (s *session) verifiedIn(issueID string, st domain.CardStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified[issueID] == st
}

func (s *session) markVerified(issueID string, st domain.CardStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[issueID] = st
}

func (s *session) currentIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Run executes the epic until its backlog (or the target issue) is terminal,
// the run stalls, the iteration budget runs out, or a catastrophic failure
// cancels the session.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (res Result, err error) {
	if opts.EpicID == "" {
		return res, ErrNoEpic
	}
	epic, err := o.Store.GetCard(ctx, opts.EpicID)
	if err != nil {
		return res, fmt.Errorf("load epic %s: %w", opts.EpicID, err)
	}
	if epic.Type != domain.CardEpic {
		return res, fmt.Errorf("%s is a %s, not an epic", epic.ID, epic.Type)
	}
	maxIter := firstPositive(opts.MaxIterations, o.MaxIterations, 50)
	limit := firstPositive(opts.ConcurrencyLimit, o.ConcurrencyLimit, 3)

	res.SessionID = opts.SessionID
	if res.SessionID == "" {
		res.SessionID = ulid.Make().String()
	}
	reg := o.registry()
	runCtx, err := reg.Start(ctx, res.SessionID, epic.ID)
	if err != nil {
		return res, err
	}
	engineMetricsOnce.Do(initEngineMetrics)

	run := &session{
		id:         res.SessionID,
		epic:       epic,
		team:       o.Team,
		transcript: NewTranscript(o.now),
		verified:   map[string]domain.CardStatus{},
		cancel:     func(cause error) { _ = reg.Cancel(res.SessionID, cause) },
	}
	if epic.Team != nil && len(epic.Team.Seats) > 0 {
		run.team = *epic.Team
	}
	log := o.logger().With("session", run.id, "epic", epic.ID)
	log.Info("run started", "max_iterations", maxIter, "concurrency", limit, "target", opts.IssueID)
	o.event(ctx, events.SessionStarted, run.id, "epic", epic.ID, events.EventPayload{"target": opts.IssueID})
	defer func() {
		reg.Finish(run.id, err)
		payload := events.EventPayload{"iterations": res.Iterations, "turns": res.Turns}
		if err != nil {
			payload["error"] = err.Error()
			log.Error("run failed", "err", err)
		} else {
			log.Info("run finished", "iterations", res.Iterations, "turns", res.Turns)
		}
		o.event(context.WithoutCancel(ctx), events.SessionFinished, run.id, "epic", epic.ID, payload)
	}()

	for res.Iterations < maxIter {
		if runCtx.Err() != nil {
			return res, context.Cause(runCtx)
		}
		issues, err := o.Store.ListIssues(runCtx, epic.ID)
		if err != nil {
			return res, err
		}
		candidates := o.planner().Plan(issues, opts.IssueID)
		if len(candidates) == 0 {
			changed, err := o.propagate(runCtx, run, issues)
			if err != nil {
				return res, err
			}
			if changed > 0 {
				continue
			}
			if complete(issues, opts.IssueID) {
				return res, nil
			}
			return res, o.stall(run, issues, "no executable candidates")
		}

		res.Iterations++
		run.mu.Lock()
		run.iteration = res.Iterations
		run.mu.Unlock()
		log.Debug("tick", "iteration", res.Iterations, "candidates", candidates)

		errs := o.dispatch(runCtx, run, candidates, limit)
		res.Turns += len(candidates)
		for _, e := range errs {
			var cf *CatastrophicFailure
			if errors.As(e, &cf) || errors.Is(e, ErrUnexpectedAction) {
				return res, e
			}
		}
		if runCtx.Err() != nil {
			return res, context.Cause(runCtx)
		}
		for _, e := range errs {
			res.Failures = append(res.Failures, e.Error())
		}
	}

	issues, err := o.Store.ListIssues(runCtx, epic.ID)
	if err != nil {
		return res, err
	}
	if complete(issues, opts.IssueID) {
		return res, nil
	}
	return res, o.stall(run, issues, fmt.Sprintf("max iterations (%d) exhausted", maxIter))
}

// dispatch runs one tick. Turns run concurrently up to limit; a failing turn
// never cancels its siblings.
func (o *Orchestrator) dispatch(ctx context.Context, run *session, ids []string, limit int) []error {
	sem := semaphore.NewWeighted(int64(limit))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, context.Cause(ctx))
			mu.Unlock()
			break
		}
		wg.Go(func() {
			defer sem.Release(1)
			if err := o.turn(ctx, run, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errs
}

// propagate blocks every ready issue that depends on a blocking issue. It
// returns the number of issues it changed; a second pass over the same
// backlog changes nothing.
func (o *Orchestrator) propagate(ctx context.Context, run *session, issues []domain.Card) (int, error) {
	status := make(map[string]domain.CardStatus, len(issues))
	for _, c := range issues {
		status[c.ID] = c.Status
	}
	changed := 0
	for _, c := range issues {
		if c.Status != domain.StatusReady {
			continue
		}
		var blockers []string
		for _, dep := range c.DependsOn {
			if status[dep].Blocking() {
				blockers = append(blockers, dep)
			}
		}
		if len(blockers) == 0 {
			continue
		}
		wr := domain.WaitDependency
		_, err := o.Store.SetStatus(ctx, c.ID, repo.StatusChange{
			To:         domain.StatusBlocked,
			WaitReason: &wr,
			SessionID:  run.id,
			ActorID:    schedulerActor,
			Mutate: func(card *domain.Card) {
				if card.Metadata == nil {
					card.Metadata = map[string]any{}
				}
				card.Metadata["blocked_by"] = blockers
			},
		})
		if err != nil {
			return changed, fmt.Errorf("propagate block to %s: %w", c.ID, err)
		}
		status[c.ID] = domain.StatusBlocked
		changed++
		run.transcript.Append(c.ID, "", KindPolicy, fmt.Sprintf("blocked by dependencies %v", blockers))
		o.logger().Info("dependency block propagated", "session", run.id, "issue", c.ID, "blocked_by", blockers)
	}
	return changed, nil
}

func complete(issues []domain.Card, target string) bool {
	for _, c := range issues {
		if target != "" && c.ID != target {
			continue
		}
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) stall(run *session, issues []domain.Card, reason string) error {
	ef := &ExecutionFailed{SessionID: run.id, Reason: reason, Backlog: snapshot(issues)}
	path, err := o.Reporter.Write(FailureReport{
		SessionID:  run.id,
		CardID:     run.epic.ID,
		Action:     "stall",
		Violation:  ef.Error(),
		Backlog:    ef.Backlog,
		Transcript: run.transcript.Tail(o.TranscriptTail),
	})
	if err != nil {
		o.logger().Error("write failure report", "session", run.id, "err", err)
	} else {
		o.logger().Warn("run stalled", "session", run.id, "reason", reason, "report", path)
	}
	return ef
}

func (o *Orchestrator) event(ctx context.Context, evtType, sessionID, kind, entityID string, payload events.EventPayload) {
	if err := o.Store.AppendEvent(ctx, evtType, sessionID, kind, entityID, schedulerActor, payload); err != nil {
		o.logger().Warn("append event", "type", evtType, "err", err)
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

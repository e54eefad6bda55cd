package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/logging"
	"foreman/internal/migrate"
	"foreman/internal/model"
	"foreman/internal/repo"
	"foreman/internal/sandbox"
)

type testEnv struct {
	Root string
	Repo repo.Repo
	Cfg  *config.Config
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.New(conn)
	_, err = r.CreateCard(ctx, domain.Card{ID: "ROCK", Type: domain.CardRock, Summary: "Payments"}, "tester")
	require.NoError(t, err)
	_, err = r.CreateCard(ctx, domain.Card{ID: "EPIC", Type: domain.CardEpic, ParentID: "ROCK", Summary: "Checkout API"}, "tester")
	require.NoError(t, err)
	return testEnv{Root: root, Repo: r, Cfg: config.Default(), Ctx: ctx}
}

func (e testEnv) issue(t *testing.T, id string, prio float64, deps ...string) {
	t.Helper()
	_, err := e.Repo.CreateCard(e.Ctx, domain.Card{
		ID: id, Type: domain.CardIssue, ParentID: "EPIC", Summary: "issue " + id, Priority: prio, DependsOn: deps,
	}, "tester")
	require.NoError(t, err)
}

func (e testEnv) force(t *testing.T, id string, to domain.CardStatus, wr *domain.WaitReason) {
	t.Helper()
	_, err := e.Repo.SetStatus(e.Ctx, id, repo.StatusChange{To: to, WaitReason: wr, Force: true})
	require.NoError(t, err)
}

func (e testEnv) get(t *testing.T, id string) domain.Card {
	t.Helper()
	c, err := e.Repo.GetCard(e.Ctx, id)
	require.NoError(t, err)
	return c
}

func (e testEnv) orchestrator(t *testing.T, client model.Client) *Orchestrator {
	t.Helper()
	o, err := New(e.Root, e.Cfg, e.Repo, client, app.NewRegistry(), logging.Discard())
	require.NoError(t, err)
	o.Verifier = nil
	return o
}

// countingClient records the highest number of concurrent model calls.
type countingClient struct {
	inner model.Client
	delay time.Duration
	cur   atomic.Int32
	max   atomic.Int32
}

func (c *countingClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	n := c.cur.Add(1)
	defer c.cur.Add(-1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(c.delay)
	return c.inner.Complete(ctx, req)
}

type verifierFunc func(ctx context.Context, v domain.IssueVerification, root string) (domain.VerificationResult, error)

func (f verifierFunc) Verify(ctx context.Context, v domain.IssueVerification, root string) (domain.VerificationResult, error) {
	return f(ctx, v, root)
}

type evaluatorFunc func(domain.Card, error) FailureAction

func (f evaluatorFunc) Evaluate(c domain.Card, err error) FailureAction { return f(c, err) }

const (
	devReply      = "Starting.\n{\"tool\": \"update_issue_status\", \"args\": {\"status\": \"in_progress\"}}\n{\"tool\": \"update_issue_status\", \"args\": {\"status\": \"code_review\"}}"
	reviewerReply = "```json\n{\"tool\": \"update_issue_status\", \"args\": {\"status\": \"awaiting_guard_review\"}}\n```"
	approveReply  = "{\"rationale\": \"scenarios pass\", \"violations\": [], \"remediation_actions\": []}\n{\"tool\": \"update_issue_status\", \"args\": {\"status\": \"guard_approved\"}}"
)

func pipelineReplies() map[string][]string {
	return map[string][]string{
		"developer": {devReply},
		"reviewer":  {reviewerReply},
		"guard":     {approveReply},
	}
}

func TestRunDependencyChainToDone(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	env.issue(t, "B", 1, "A")
	env.issue(t, "C", 1, "B")
	client := &countingClient{inner: model.NewScripted(pipelineReplies()), delay: 5 * time.Millisecond}
	o := env.orchestrator(t, client)

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC", ConcurrencyLimit: 3})
	require.NoError(t, err)
	assert.Equal(t, 9, res.Iterations)
	assert.Equal(t, int32(1), client.max.Load(), "a dependency chain never runs two turns at once")
	for _, id := range []string{"A", "B", "C"} {
		c := env.get(t, id)
		assert.Equal(t, domain.StatusDone, c.Status, id)
		require.NotNil(t, c.GuardReview, id)
		assert.Equal(t, "scenarios pass", c.GuardReview.Rationale)
	}

	cps, err := env.Repo.ListCheckpoints(env.Ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, cps, 9)
	assert.NotEmpty(t, cps[0].Digest)

	s, ok := o.Registry.Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, app.SessionSucceeded, s.State)
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"I1", "I2", "I3", "I4", "I5", "I6"} {
		env.issue(t, id, 1)
	}
	cancelReply := `{"tool": "update_issue_status", "args": {"status": "canceled"}}`
	client := &countingClient{inner: model.NewScripted(map[string][]string{"*": {cancelReply}}), delay: 40 * time.Millisecond}
	o := env.orchestrator(t, client)

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC", ConcurrencyLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 6, res.Turns)
	assert.Equal(t, int32(2), client.max.Load())
	for _, id := range []string{"I1", "I6"} {
		assert.Equal(t, domain.StatusCanceled, env.get(t, id).Status)
	}
}

func TestRetryThenCatastrophicFailure(t *testing.T) {
	env := newTestEnv(t)
	one := 1
	_, err := env.Repo.CreateCard(env.Ctx, domain.Card{ID: "A", Type: domain.CardIssue, ParentID: "EPIC", Summary: "flaky", MaxRetries: &one}, "")
	require.NoError(t, err)
	env.issue(t, "B", 1)
	calls := map[string]int{}
	var mu sync.Mutex
	client := model.ClientFunc(func(ctx context.Context, req model.Request) (model.Response, error) {
		mu.Lock()
		calls[req.IssueID]++
		mu.Unlock()
		if req.IssueID == "A" {
			return model.Response{}, errors.New("upstream exploded")
		}
		return model.Response{Text: "thinking"}, nil
	})
	o := env.orchestrator(t, client)

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var cf *CatastrophicFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "A", cf.IssueID)
	assert.Equal(t, 2, res.Iterations)
	mu.Lock()
	assert.Equal(t, 2, calls["A"])
	mu.Unlock()

	a := env.get(t, "A")
	assert.Equal(t, domain.StatusBlocked, a.Status)
	require.NotNil(t, a.WaitReason)
	assert.Equal(t, domain.WaitSystem, *a.WaitReason)
	assert.Equal(t, 1, a.RetryCount)
	assert.Equal(t, "catastrophic", a.Metadata["failure"])

	s, ok := o.Registry.Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, app.SessionFailed, s.State)

	reports, err := os.ReadDir(o.Reporter.Dir(res.SessionID))
	require.NoError(t, err)
	assert.Len(t, reports, 2, "one report for the retry, one for the catastrophic failure")
}

func TestRunRetryBudgetFromConfig(t *testing.T) {
	failing := model.ClientFunc(func(ctx context.Context, req model.Request) (model.Response, error) {
		return model.Response{}, errors.New("upstream exploded")
	})

	t.Run("run default", func(t *testing.T) {
		env := newTestEnv(t)
		env.Cfg.Run.MaxRetries = 1
		env.issue(t, "A", 1)
		o := env.orchestrator(t, failing)

		res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
		var cf *CatastrophicFailure
		require.ErrorAs(t, err, &cf)
		assert.Equal(t, 1, cf.Retries)
		assert.Equal(t, 2, res.Iterations)
		require.Len(t, res.Failures, 1)
		assert.Contains(t, res.Failures[0], "attempt 1")
		assert.Equal(t, 1, env.get(t, "A").RetryCount)
	})

	t.Run("zero budget on the card", func(t *testing.T) {
		env := newTestEnv(t)
		zero := 0
		_, err := env.Repo.CreateCard(env.Ctx, domain.Card{ID: "A", Type: domain.CardIssue, ParentID: "EPIC", Summary: "no second chances", MaxRetries: &zero}, "")
		require.NoError(t, err)
		o := env.orchestrator(t, failing)

		res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
		var cf *CatastrophicFailure
		require.ErrorAs(t, err, &cf)
		assert.Equal(t, 1, res.Iterations)
		assert.Empty(t, res.Failures)
		assert.Equal(t, 0, env.get(t, "A").RetryCount)
	})
}

func TestRetryResetsIssue(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	o := env.orchestrator(t, model.ClientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, errors.New("rate limited")
	}))
	o.Failures = evaluatorFunc(func(c domain.Card, err error) FailureAction {
		if c.RetryCount >= 2 {
			return ActionGovernanceViolation
		}
		return ActionRetry
	})
	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	require.Len(t, res.Failures, 3)
	assert.Contains(t, res.Failures[0], "attempt 1")
	assert.Contains(t, res.Failures[1], "attempt 2")
	assert.Contains(t, res.Failures[2], "governance violation")
	assert.Equal(t, 2, env.get(t, "A").RetryCount)
}

func TestUnexpectedFailureAction(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	o := env.orchestrator(t, model.ClientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, errors.New("boom")
	}))
	o.Failures = evaluatorFunc(func(domain.Card, error) FailureAction { return FailureAction(42) })
	_, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	assert.ErrorIs(t, err, ErrUnexpectedAction)
	assert.Equal(t, domain.StatusReady, env.get(t, "A").Status)
}

func TestGuardRejectionPayload(t *testing.T) {
	cases := []struct {
		name      string
		payload   string
		wantGate  bool
		wantState domain.CardStatus
	}{
		{"missing remediation", `{"rationale": "tests are fake", "violations": ["fake tests"], "remediation_actions": []}`, true, domain.StatusBlocked},
		{"missing rationale", `{"rationale": "", "violations": [], "remediation_actions": ["rewrite tests"]}`, true, domain.StatusBlocked},
		{"valid", `{"rationale": "tests are fake", "violations": ["fake tests"], "remediation_actions": ["rewrite tests"]}`, false, domain.StatusBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.issue(t, "A", 1)
			env.force(t, "A", domain.StatusAwaitingGuardReview, nil)
			reply := tc.payload + "\n" + `{"tool": "update_issue_status", "args": {"status": "guard_rejected"}}`
			o := env.orchestrator(t, model.NewScripted(map[string][]string{"guard": {reply}}))

			res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC", IssueID: "A"})
			var ef *ExecutionFailed
			require.ErrorAs(t, err, &ef)

			a := env.get(t, "A")
			assert.Equal(t, tc.wantState, a.Status)
			gates, err := env.Repo.ListRequests(env.Ctx, repo.GateFilter{IssueID: "A"})
			require.NoError(t, err)
			if tc.wantGate {
				require.Len(t, gates, 1)
				assert.Equal(t, RequestInvalidGuardPayload, gates[0].RequestType)
				assert.Equal(t, domain.GatePending, gates[0].Status)
				require.Len(t, res.Failures, 1)
				assert.Contains(t, res.Failures[0], "governance violation")
				assert.Nil(t, a.GuardReview)
			} else {
				assert.Empty(t, gates)
				assert.Empty(t, res.Failures)
				require.NotNil(t, a.GuardReview)
				assert.Equal(t, []string{"rewrite tests"}, a.GuardReview.RemediationActions)
				require.NotNil(t, a.WaitReason)
				assert.Equal(t, domain.WaitReview, *a.WaitReason)
			}
		})
	}
}

func TestGateRejectionIsGovernanceViolation(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	reply := `{"tool": "write_file", "args": {"path": "../../etc/passwd", "content": "x"}}`
	o := env.orchestrator(t, model.NewScripted(map[string][]string{"developer": {reply}}))

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "path escapes workspace")
	a := env.get(t, "A")
	assert.Equal(t, domain.StatusBlocked, a.Status)
	assert.Equal(t, "governance_violation", a.Metadata["failure"])
}

func TestForeignIssueCallParksIssue(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	reply := `{"tool": "update_issue_status", "args": {"status": "in_progress", "issue_id": "OTHER"}}`
	o := env.orchestrator(t, model.NewScripted(map[string][]string{"developer": {reply}}))

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "not the turn issue")

	a := env.get(t, "A")
	assert.Equal(t, domain.StatusBlocked, a.Status)
	require.NotNil(t, a.WaitReason)
	assert.Equal(t, domain.WaitSystem, *a.WaitReason)
	assert.Equal(t, "governance_violation", a.Metadata["failure"])
	assert.Equal(t, 0, a.RetryCount)
}

func TestDeveloperCannotFinalize(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	env.force(t, "A", domain.StatusCodeReview, nil)
	reply := `{"tool": "update_issue_status", "args": {"status": "done"}}`
	o := env.orchestrator(t, model.NewScripted(map[string][]string{"reviewer": {reply}}))

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	require.Error(t, err)
	require.NotEmpty(t, res.Failures)
	assert.Contains(t, res.Failures[0], "permission denied")
	assert.Equal(t, domain.StatusBlocked, env.get(t, "A").Status)
}

func TestPropagationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	env.issue(t, "B", 1, "A")
	env.issue(t, "C", 1, "B")
	env.issue(t, "D", 1)
	sys := domain.WaitSystem
	env.force(t, "A", domain.StatusBlocked, &sys)
	o := env.orchestrator(t, nil)
	run := &session{id: "s1", transcript: NewTranscript(nil), verified: map[string]domain.CardStatus{}}

	issues, err := env.Repo.ListIssues(env.Ctx, "EPIC")
	require.NoError(t, err)
	changed, err := o.propagate(env.Ctx, run, issues)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	b := env.get(t, "B")
	assert.Equal(t, domain.StatusBlocked, b.Status)
	require.NotNil(t, b.WaitReason)
	assert.Equal(t, domain.WaitDependency, *b.WaitReason)
	assert.Equal(t, []any{"A"}, b.Metadata["blocked_by"])
	assert.Equal(t, []any{"B"}, env.get(t, "C").Metadata["blocked_by"])
	assert.Equal(t, domain.StatusReady, env.get(t, "D").Status)

	issues, err = env.Repo.ListIssues(env.Ctx, "EPIC")
	require.NoError(t, err)
	changed, err = o.propagate(env.Ctx, run, issues)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestStallWritesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	env.issue(t, "B", 1)
	input := domain.WaitInput
	env.force(t, "A", domain.StatusInProgress, nil)
	env.force(t, "A", domain.StatusWaitingForDeveloper, &input)
	env.force(t, "B", domain.StatusCanceled, nil)
	o := env.orchestrator(t, model.NewScripted(nil))

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, "no executable candidates", ef.Reason)
	require.Len(t, ef.Backlog, 2)
	assert.Equal(t, "input", ef.Backlog[0].WaitReason)
	assert.Contains(t, err.Error(), "A=waiting_for_developer")

	reports, err := os.ReadDir(o.Reporter.Dir(res.SessionID))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestEmptyBacklogCompletes(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t, model.NewScripted(nil))
	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	require.NoError(t, err)
	assert.Zero(t, res.Iterations)

	_, err = o.Run(env.Ctx, RunOptions{EpicID: "ROCK"})
	assert.ErrorContains(t, err, "not an epic")
	_, err = o.Run(env.Ctx, RunOptions{})
	assert.ErrorIs(t, err, ErrNoEpic)
}

func TestMaxIterationsExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	o := env.orchestrator(t, model.NewScripted(map[string][]string{"*": {"nothing to do"}}))
	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC", MaxIterations: 3})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	assert.Contains(t, ef.Reason, "max iterations (3) exhausted")
	assert.Equal(t, 3, res.Iterations)
}

func TestMissingSeat(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.CreateCard(env.Ctx, domain.Card{ID: "A", Type: domain.CardIssue, ParentID: "EPIC", Summary: "needs a designer", Seat: "designer"}, "")
	require.NoError(t, err)
	client := model.NewScripted(nil)
	o := env.orchestrator(t, client)

	_, err = o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	a := env.get(t, "A")
	assert.Equal(t, domain.StatusBlocked, a.Status)
	assert.Equal(t, "missing_seat", a.Metadata["routing"])
	assert.Equal(t, "designer", a.Metadata["missing_seat"])
	assert.Empty(t, client.Calls())
}

func TestVerificationBeforeReview(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.CreateCard(env.Ctx, domain.Card{
		ID: "A", Type: domain.CardIssue, ParentID: "EPIC", Summary: "sum endpoint",
		Verification: &domain.IssueVerification{FixturePath: "sum.go", Scenarios: []domain.Scenario{
			{ID: "one", InputData: 1, ExpectedOutput: 1}, {ID: "two", InputData: 2, ExpectedOutput: 2},
		}},
	}, "")
	require.NoError(t, err)
	env.force(t, "A", domain.StatusCodeReview, nil)
	o := env.orchestrator(t, model.NewScripted(pipelineReplies()))
	var runs atomic.Int32
	o.Verifier = verifierFunc(func(_ context.Context, v domain.IssueVerification, root string) (domain.VerificationResult, error) {
		runs.Add(1)
		assert.Equal(t, env.Root, root)
		return domain.VerificationResult{Passed: len(v.Scenarios), TotalScenarios: len(v.Scenarios), Logs: []string{"ok"}}, nil
	})

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load(), "code_review and awaiting_guard_review each verify once")
	a := env.get(t, "A")
	assert.Equal(t, domain.StatusDone, a.Status)
	require.NotNil(t, a.VerificationResult)
	assert.Equal(t, 2, a.VerificationResult.Passed)

	history, err := env.Repo.ListVerificationRuns(env.Ctx, "A")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	cp, err := env.Repo.LatestCheckpoint(env.Ctx, res.SessionID)
	require.NoError(t, err)
	var found bool
	for _, e := range cp.Transcript {
		if e.Kind == KindVerification && strings.Contains(e.Content, "PASS") {
			found = true
		}
	}
	assert.True(t, found, "verification summary is visible in the transcript")
}

func TestVerifierErrorIsRetried(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.CreateCard(env.Ctx, domain.Card{
		ID: "A", Type: domain.CardIssue, ParentID: "EPIC", Summary: "sum endpoint",
		Verification: &domain.IssueVerification{FixturePath: "sum.go", Scenarios: []domain.Scenario{{ID: "one", InputData: 1, ExpectedOutput: 1}}},
	}, "")
	require.NoError(t, err)
	env.force(t, "A", domain.StatusCodeReview, nil)
	o := env.orchestrator(t, model.NewScripted(pipelineReplies()))
	var runs atomic.Int32
	o.Verifier = verifierFunc(func(_ context.Context, v domain.IssueVerification, _ string) (domain.VerificationResult, error) {
		if runs.Add(1) == 1 {
			return domain.VerificationResult{}, errors.New("sandbox unavailable")
		}
		return domain.VerificationResult{Passed: len(v.Scenarios), TotalScenarios: len(v.Scenarios)}, nil
	})

	_, err = o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), runs.Load(), "the failed code_review verification runs again")
	a := env.get(t, "A")
	assert.Equal(t, domain.StatusDone, a.Status)
	assert.Equal(t, 1, a.RetryCount)

	history, err := env.Repo.ListVerificationRuns(env.Ctx, "A")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestVerificationSecurityViolation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.CreateCard(env.Ctx, domain.Card{
		ID: "A", Type: domain.CardIssue, ParentID: "EPIC", Summary: "escape",
		Verification: &domain.IssueVerification{FixturePath: "../../evil.go", Scenarios: []domain.Scenario{{ID: "x"}}},
	}, "")
	require.NoError(t, err)
	env.force(t, "A", domain.StatusReadyForTesting, nil)
	client := model.NewScripted(nil)
	o := env.orchestrator(t, client)
	o.Verifier = verifierFunc(func(context.Context, domain.IssueVerification, string) (domain.VerificationResult, error) {
		return domain.VerificationResult{}, &sandbox.SecurityViolation{FixturePath: "../../evil.go", AllowedDir: "verification"}
	})

	res, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	require.Error(t, err)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "security violation")
	assert.Equal(t, "governance_violation", env.get(t, "A").Metadata["failure"])
	assert.Empty(t, client.Calls())
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	env.Cfg.Policy.RequireApproval = []string{"write_file"}
	reply := "{\"tool\": \"write_file\", \"args\": {\"path\": \"notes.md\", \"content\": \"hello\"}}\n{\"tool\": \"update_issue_status\", \"args\": {\"status\": \"canceled\"}}"
	o := env.orchestrator(t, model.NewScripted(map[string][]string{"developer": {reply}}))

	_, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	var ef *ExecutionFailed
	require.ErrorAs(t, err, &ef)
	a := env.get(t, "A")
	assert.Equal(t, domain.StatusBlocked, a.Status)
	gates, err := env.Repo.ListRequests(env.Ctx, repo.GateFilter{Status: domain.GatePending})
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, GateModeApproval, gates[0].GateMode)
	assert.Equal(t, "write_file", gates[0].RequestType)
	_, err = os.Stat(filepath.Join(env.Root, "notes.md"))
	assert.True(t, os.IsNotExist(err))

	g, err := ResolveGate(env.Ctx, env.Repo, gates[0].RequestID, repo.DecisionApproved, "fine", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.GateResolved, g.Status)
	assert.Equal(t, domain.StatusReady, env.get(t, "A").Status)

	_, err = o.Run(env.Ctx, RunOptions{EpicID: "EPIC"})
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(env.Root, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	a = env.get(t, "A")
	assert.Equal(t, domain.StatusCanceled, a.Status)
	assert.Empty(t, a.Metadata["approved_tools"])
}

func TestCancelStopsRunWithoutPenalty(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "A", 1)
	reg := app.NewRegistry()
	o := env.orchestrator(t, nil)
	o.Registry = reg
	stop := errors.New("operator stop")
	o.Model = model.ClientFunc(func(ctx context.Context, req model.Request) (model.Response, error) {
		_ = reg.Cancel("sess-1", stop)
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	})

	_, err := o.Run(env.Ctx, RunOptions{EpicID: "EPIC", SessionID: "sess-1"})
	assert.ErrorIs(t, err, stop)
	a := env.get(t, "A")
	assert.Equal(t, domain.StatusReady, a.Status)
	assert.Zero(t, a.RetryCount)
}

func TestPlanner(t *testing.T) {
	issues := []domain.Card{
		{ID: "A", Status: domain.StatusDone, Priority: 1},
		{ID: "B", Status: domain.StatusInProgress, Priority: 1, DependsOn: []string{"A"}},
		{ID: "C", Status: domain.StatusReady, Priority: 1, DependsOn: []string{"A"}},
		{ID: "D", Status: domain.StatusReady, Priority: 3.5},
		{ID: "E", Status: domain.StatusReady, Priority: 2, DependsOn: []string{"C"}},
		{ID: "F", Status: domain.StatusCodeReview, Priority: 2, DependsOn: []string{"E"}},
	}
	p := CriticalPathPlanner{}
	assert.Equal(t, []string{"B", "D", "C"}, p.Plan(issues, ""))
	assert.Equal(t, []string{"C"}, p.Plan(issues, "C"))
	assert.Nil(t, p.Plan(issues, "E"))
}

func TestStatusRouter(t *testing.T) {
	r := StatusRouter{Routing: config.Default().Routing, GuardSeat: "guard"}
	assert.Equal(t, "developer", r.Route(domain.Card{Status: domain.StatusReady}))
	assert.Equal(t, "designer", r.Route(domain.Card{Status: domain.StatusInProgress, Seat: "designer"}))
	assert.Equal(t, "reviewer", r.Route(domain.Card{Status: domain.StatusCodeReview, Seat: "designer"}))
	assert.Equal(t, "guard", r.Route(domain.Card{Status: domain.StatusGuardApproved}))
	assert.Equal(t, "", r.Route(domain.Card{Status: domain.StatusBlocked}))
}

func TestSeatModelPolicy(t *testing.T) {
	p := SeatModelPolicy{Default: "claude-sonnet-4-5", MaxTokens: 2048}
	assert.Equal(t, ModelChoice{Model: "claude-sonnet-4-5", MaxTokens: 2048}, p.Select(domain.Card{}, domain.Seat{Name: "developer"}))
	assert.Equal(t, ModelChoice{Model: "claude-opus-4-1", MaxTokens: 2048}, p.Select(domain.Card{}, domain.Seat{Name: "guard", Model: "claude-opus-4-1"}))
}

func TestDefaultFailureEvaluator(t *testing.T) {
	ev := DefaultFailureEvaluator{MaxRetries: 3}
	issue := domain.Card{RetryCount: 1}
	assert.Equal(t, ActionRetry, ev.Evaluate(issue, errors.New("timeout")))
	assert.Equal(t, ActionGovernanceViolation, ev.Evaluate(issue, &GovernanceViolation{IssueID: "A"}))
	assert.Equal(t, ActionGovernanceViolation, ev.Evaluate(issue, &sandbox.SecurityViolation{}))
	issue.RetryCount = 3
	assert.Equal(t, ActionCatastrophic, ev.Evaluate(issue, errors.New("timeout")))
	five := 5
	issue.MaxRetries = &five
	assert.Equal(t, ActionRetry, ev.Evaluate(issue, errors.New("timeout")))
	assert.Equal(t, "action(9)", FailureAction(9).String())
}

func TestPreviewDeployerProvisionsOncePerRock(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	d := &PreviewDeployer{BaseURL: srv.URL + "/{rock}/", Logger: logging.Discard()}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			u, err := d.Deploy(context.Background(), "ROCK")
			assert.NoError(t, err)
			assert.Equal(t, srv.URL+"/ROCK", u)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, d.deploys)
	u, ok := d.Lookup("ROCK")
	assert.True(t, ok)
	assert.Equal(t, srv.URL+"/ROCK", u)

	_, err := (&PreviewDeployer{}).Deploy(context.Background(), "ROCK")
	assert.ErrorIs(t, err, ErrPreviewDisabled)
}

func TestTranscriptTail(t *testing.T) {
	tr := NewTranscript(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	for i := range 5 {
		tr.Append("A", "dev", KindModel, strings.Repeat("x", i))
	}
	tail := tr.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "xxxx", tail[1].Content)
	assert.Len(t, tr.Tail(0), 5)
	assert.Equal(t, digest(tail), digest(tr.Tail(2)))
}

package sandbox_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/sandbox"
)

func TestMain(m *testing.M) {
	sandbox.MaybeRunChild()
	os.Exit(m.Run())
}

func writeFixture(t *testing.T, root, name, src string) string {
	t.Helper()
	dir := filepath.Join(root, "verification")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	return filepath.Join("verification", name)
}

const sumFixture = `package main

func verify(input interface{}) interface{} {
	m := input.(map[string]interface{})
	return m["a"].(float64) + m["b"].(float64)
}

func verify_negated(input interface{}) interface{} {
	m := input.(map[string]interface{})
	return -(m["a"].(float64) + m["b"].(float64))
}
`

func sumScenarios() []domain.Scenario {
	return []domain.Scenario{
		{ID: "basic", InputData: map[string]any{"a": 1, "b": 2}, ExpectedOutput: 3},
		{ID: "negated", InputData: map[string]any{"a": 1, "b": 2}, ExpectedOutput: -3},
		{ID: "wrong", InputData: map[string]any{"a": 2, "b": 2}, ExpectedOutput: 5},
	}
}

func TestVerifyRunsFixture(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "sum.go", sumFixture)
	sb := &sandbox.Sandbox{Timeout: 20 * time.Second}

	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: sumScenarios()}, root)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalScenarios)
	assert.Equal(t, 2, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.NotEmpty(t, res.FixtureDigest)
	require.Len(t, res.Scenarios, 3)
	assert.Equal(t, domain.ScenarioPass, res.Scenarios[0].Status)
	assert.Equal(t, domain.ScenarioPass, res.Scenarios[1].Status)
	assert.Equal(t, domain.ScenarioFail, res.Scenarios[2].Status)
	assert.Equal(t, float64(4), res.Scenarios[2].ActualOutput)
	assert.Contains(t, res.Scenarios[2].Error, "expected 5")
}

func TestVerifyNoFixture(t *testing.T) {
	sb := &sandbox.Sandbox{Command: []string{"/nonexistent/child"}}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{}, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, res.TotalScenarios)
	assert.False(t, res.AllPassed())
}

func TestVerifyRejectsFixtureOutsideVerificationDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "evil.go"), []byte(sumFixture), 0o644))
	sb := &sandbox.Sandbox{Command: []string{"/nonexistent/child"}}

	for _, p := range []string{"evil.go", "verification/../evil.go", "/etc/passwd"} {
		_, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: p, Scenarios: sumScenarios()}, root)
		var sv *sandbox.SecurityViolation
		require.ErrorAs(t, err, &sv, p)
		assert.Equal(t, p, sv.FixturePath)
	}
}

func TestVerifyRejectsSymlinkedFixture(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "real.go")
	require.NoError(t, os.WriteFile(outside, []byte(sumFixture), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "verification"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "verification", "link.go")))

	sb := &sandbox.Sandbox{Command: []string{"/nonexistent/child"}}
	_, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: "verification/link.go"}, root)
	var sv *sandbox.SecurityViolation
	assert.ErrorAs(t, err, &sv)
}

func TestVerifyMissingFixtureFailsAllWithoutSpawning(t *testing.T) {
	root := t.TempDir()
	sb := &sandbox.Sandbox{Command: []string{"/nonexistent/child"}}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: "verification/missing.go", Scenarios: sumScenarios()}, root)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Zero(t, res.Passed)
	require.NotEmpty(t, res.Logs)
	assert.Contains(t, res.Logs[0], "not found")
}

func TestVerifyLoadErrorFailsAll(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "broken.go", "package main\n\nfunc verify(input interface{}) interface{} {\n")
	sb := &sandbox.Sandbox{Timeout: 20 * time.Second}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: sumScenarios()}, root)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Contains(t, res.Logs[0], "load fixture")
}

func TestVerifyPanicIsScenarioFailure(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "panic.go", `package main

func verify(input interface{}) interface{} {
	if input == nil {
		panic("boom")
	}
	return input
}
`)
	sb := &sandbox.Sandbox{Timeout: 20 * time.Second}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: []domain.Scenario{
		{ID: "nil", ExpectedOutput: nil},
		{ID: "echo", InputData: "x", ExpectedOutput: "x"},
	}}, root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Scenarios[0].Error, "boom")
}

func TestVerifyNetworkDenied(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "net.go", `package main

import "net"

func verify(input interface{}) interface{} {
	_, err := net.Dial("tcp", "127.0.0.1:1")
	return err != nil
}
`)
	sb := &sandbox.Sandbox{Timeout: 20 * time.Second}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: []domain.Scenario{
		{ID: "dial", ExpectedOutput: true},
	}}, root)
	require.NoError(t, err)
	assert.True(t, res.AllPassed(), res.Logs)
}

func TestVerifyExecImportRejected(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "exec.go", `package main

import "os/exec"

func verify(input interface{}) interface{} {
	return exec.Command("true").Run() == nil
}
`)
	sb := &sandbox.Sandbox{Timeout: 20 * time.Second}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: []domain.Scenario{
		{ID: "exec", ExpectedOutput: true},
	}}, root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestVerifyTimeout(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "loop.go", `package main

func verify(input interface{}) interface{} {
	for {
	}
}
`)
	sb := &sandbox.Sandbox{Timeout: time.Second}
	start := time.Now()
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: sumScenarios()}, root)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 3, res.Failed)
	assert.Contains(t, res.Logs[0], "timed out")
}

func TestVerifyParentCancel(t *testing.T) {
	root := t.TempDir()
	path := writeFixture(t, root, "loop.go", "package main\n\nfunc verify(input interface{}) interface{} {\n\tfor {\n\t}\n}\n")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sb := &sandbox.Sandbox{Timeout: 30 * time.Second}
	_, err := sb.Verify(ctx, domain.IssueVerification{FixturePath: path, Scenarios: sumScenarios()}, root)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerifyChildCrash(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("no /bin/false")
	}
	root := t.TempDir()
	path := writeFixture(t, root, "sum.go", sumFixture)
	sb := &sandbox.Sandbox{Command: []string{"/bin/false"}}
	res, err := sb.Verify(context.Background(), domain.IssueVerification{FixturePath: path, Scenarios: sumScenarios()}, root)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Contains(t, res.Logs[0], "verification process failed")
}

func TestLiveVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	lv := &sandbox.LiveVerifier{Client: srv.Client()}
	res := lv.Verify(context.Background(), srv.URL, []domain.Scenario{
		{ID: "health", HTTP: &domain.HTTPCall{Method: "GET", Path: "/health"}, ExpectedOutput: map[string]any{"ok": true}},
		{ID: "missing", HTTP: &domain.HTTPCall{Method: "GET", Path: "missing"}, ExpectedOutput: "x"},
		{ID: "unit-only", ExpectedOutput: 1},
	})
	assert.Equal(t, 2, res.TotalScenarios)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Logs, 1)
	assert.Contains(t, res.Logs[0], "live:missing")
}

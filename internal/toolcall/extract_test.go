package toolcall_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/toolcall"
)

func TestExtractFencedThenBare(t *testing.T) {
	text := "I'll write the file first.\n" +
		`{"tool": "update_issue_status", "args": {"status": "code_review"}}` + "\n" +
		"```json\n{\"tool\": \"write_file\", \"args\": {\"path\": \"main.go\", \"content\": \"package main\"}}\n```\n" +
		"done."
	calls := toolcall.Extract(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "write_file", calls[0].Tool)
	assert.Equal(t, "main.go", calls[0].Args["path"])
	assert.Equal(t, "update_issue_status", calls[1].Tool)
	assert.Equal(t, "code_review", calls[1].Args["status"])
}

func TestExtractLenientFence(t *testing.T) {
	text := "```json\n{\n  // create the schema\n  \"tool\": \"create_issue\",\n  \"args\": {\"summary\": \"Add users table\",},\n}\n```"
	calls := toolcall.Extract(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "create_issue", calls[0].Tool)
	assert.Equal(t, "Add users table", calls[0].Args["summary"])
}

func TestExtractArrayAndMultipleObjectsInFence(t *testing.T) {
	text := "```\n[{\"tool\": \"a\"}, {\"tool\": \"b\"}]\n```\n```json\n{\"tool\": \"c\"}\n{\"tool\": \"d\"}\n```"
	calls := toolcall.Extract(text)
	var names []string
	for _, c := range calls {
		names = append(names, c.Tool)
		assert.NotNil(t, c.Args)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}

func TestExtractBracesInsideStrings(t *testing.T) {
	text := `prefix {"tool": "write_file", "args": {"path": "x.go", "content": "func f() { if x { \"}\" } }"}} suffix`
	calls := toolcall.Extract(text)
	require.Len(t, calls, 1)
	assert.True(t, strings.Contains(calls[0].Args["content"].(string), `"}"`))
}

func TestExtractSkipsMalformedAndNonCalls(t *testing.T) {
	text := `{"tool": "broken", "args": {` + "\n" + `{"note": "not a call"} {"tool": "ok"}`
	calls := toolcall.Extract(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "ok", calls[0].Tool)
	assert.Len(t, toolcall.Objects(text), 2)
}

func TestExtractManyStrayBraces(t *testing.T) {
	text := strings.Repeat("{ ", 200_000) + `{"tool": "read_file", "args": {"path": "a.go"}}` + strings.Repeat(" {", 200_000)
	calls := toolcall.Extract(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Tool)
	assert.Equal(t, "a.go", calls[0].Args["path"])
}

func TestExtractInsideUnparsableObject(t *testing.T) {
	text := `{"note": oops, "call": {"tool": "list_issues"}} {"tool": "get_issue"}`
	calls := toolcall.Extract(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "list_issues", calls[0].Tool)
	assert.Equal(t, "get_issue", calls[1].Tool)
}

func TestExtractNothing(t *testing.T) {
	assert.Empty(t, toolcall.Extract("no json here, just { a stray brace"))
}

func TestGuardReviewFromObject(t *testing.T) {
	text := "Review complete.\n```json\n{\"rationale\": \"tests missing\", \"violations\": [\"no coverage\"], \"remediation_actions\": [\"add tests\"]}\n```"
	p, found := toolcall.GuardReview(text)
	require.True(t, found)
	assert.Equal(t, "tests missing", p.Rationale)
	assert.Equal(t, []string{"no coverage"}, p.Violations)
	assert.Equal(t, []string{"add tests"}, p.RemediationActions)
	assert.True(t, p.ValidRejection())
}

func TestGuardReviewFromToolArgs(t *testing.T) {
	text := `{"tool": "update_issue_status", "args": {"status": "guard_rejected", "rationale": "unsafe", "remediation_actions": []}}`
	p, found := toolcall.GuardReview(text)
	require.True(t, found)
	assert.Equal(t, "unsafe", p.Rationale)
	assert.False(t, p.ValidRejection())
}

func TestGuardReviewFallback(t *testing.T) {
	text := strings.Repeat("x", 800)
	p, found := toolcall.GuardReview(text)
	assert.False(t, found)
	assert.Len(t, p.Rationale, 500)
	assert.Empty(t, p.Violations)
	assert.Empty(t, p.RemediationActions)
	assert.False(t, p.ValidRejection())
}

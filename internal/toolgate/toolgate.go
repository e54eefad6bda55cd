// Package toolgate decides whether a proposed tool call may run. It never
// executes the tool and has no side effects.
package toolgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"foreman/internal/domain"
	"foreman/internal/pathguard"
	"foreman/internal/statemachine"
)

var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrInvalidArgs       = errors.New("invalid arguments")
	ErrOutsideWorkspace  = errors.New("path escapes workspace")
	ErrForbiddenPath     = errors.New("forbidden path")
	ErrConfirmRequired   = errors.New("confirmation required")
	ErrMissingStatus     = errors.New("current status unknown")
	ErrTrivialSummary    = errors.New("summary too short")
	ErrWorkspaceNotFound = errors.New("workspace root not set")
	ErrForeignIssue      = errors.New("tool call targets another issue")
)

// Rejection is returned for every refused call. Reason is the operator-facing
// message; for status changes it is the state machine error text verbatim.
type Rejection struct {
	Tool   string
	Reason string
	Err    error
}

func (r *Rejection) Error() string { return r.Reason }
func (r *Rejection) Unwrap() error { return r.Err }

func reject(tool string, err error, format string, args ...any) *Rejection {
	return &Rejection{Tool: tool, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Policy is the organizational rule set applied to tool calls.
type Policy struct {
	ForbiddenExtensions []string
	ForbiddenPaths      []string
	MinSummaryLength    int
}

// TurnContext is what the gate knows about the turn proposing the call.
type TurnContext struct {
	WorkspaceRoot string
	IssueID       string
	CardType      domain.CardType
	CurrentStatus domain.CardStatus
}

type Gate struct {
	policy  Policy
	schemas map[string]*jsonschema.Schema
}

func New(p Policy) (*Gate, error) {
	if p.MinSummaryLength <= 0 {
		p.MinSummaryLength = 10
	}
	exts := make([]string, 0, len(p.ForbiddenExtensions))
	for _, ext := range p.ForbiddenExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	p.ForbiddenExtensions = exts
	for _, pat := range p.ForbiddenPaths {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid forbidden path pattern %q", pat)
		}
	}
	g := &Gate{policy: p, schemas: map[string]*jsonschema.Schema{}}
	for name, params := range defaultSchemas() {
		if err := g.Register(name, params); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Register adds or replaces the argument schema for a tool. Tools without a
// schema are rejected.
func (g *Gate) Register(name string, params map[string]any) error {
	s, err := compileSchema(name, params)
	if err != nil {
		return err
	}
	g.schemas[name] = s
	return nil
}

// Validate returns nil when the call is allowed, or a *Rejection.
func (g *Gate) Validate(tool string, args map[string]any, tc TurnContext, roles []string) error {
	schema, ok := g.schemas[tool]
	if !ok {
		return reject(tool, ErrUnknownTool, "tool %s is not allowed", tool)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(normalize(args)); err != nil {
		return reject(tool, fmt.Errorf("%w: %v", ErrInvalidArgs, err), "invalid arguments for %s: %v", tool, err)
	}
	switch tool {
	case ToolWriteFile, ToolReadFile:
		return g.checkPath(tool, stringArg(args, "path"), tc)
	case ToolDeleteFile:
		if err := requireConfirm(tool, args); err != nil {
			return err
		}
		return g.checkPath(tool, stringArg(args, "path"), tc)
	case ToolListFiles:
		p := stringArg(args, "path")
		if p == "" {
			p = "."
		}
		if _, err := resolveInside(tc.WorkspaceRoot, p); err != nil {
			return reject(tool, err, "%s: %v", tool, err)
		}
		return nil
	case ToolUpdateIssueStatus:
		if err := checkTarget(tool, args, tc); err != nil {
			return err
		}
		return checkStatus(tool, args, tc, roles)
	case ToolCreateIssue:
		summary := strings.TrimSpace(stringArg(args, "summary"))
		if n := len([]rune(summary)); n < g.policy.MinSummaryLength {
			return reject(tool, ErrTrivialSummary, "create_issue summary must be at least %d characters (got %d)", g.policy.MinSummaryLength, n)
		}
		return nil
	case ToolResetIssue:
		if err := checkTarget(tool, args, tc); err != nil {
			return err
		}
		return requireConfirm(tool, args)
	}
	return nil
}

// checkTarget keeps issue-scoped tools on the turn's own issue.
func checkTarget(tool string, args map[string]any, tc TurnContext) error {
	id := strings.TrimSpace(stringArg(args, "issue_id"))
	if id == "" || id == tc.IssueID {
		return nil
	}
	return ForeignIssue(tool, id, tc.IssueID)
}

// ForeignIssue is the rejection for a call aimed at an issue other than the
// turn's.
func ForeignIssue(tool, target, own string) *Rejection {
	return reject(tool, ErrForeignIssue, "%s: issue %s is not the turn issue %s", tool, target, own)
}

func requireConfirm(tool string, args map[string]any) error {
	if v, ok := args["confirm"].(bool); ok && v {
		return nil
	}
	return reject(tool, ErrConfirmRequired, "%s is destructive and requires confirm=true", tool)
}

func checkStatus(tool string, args map[string]any, tc TurnContext, roles []string) error {
	if tc.CurrentStatus == "" {
		return reject(tool, ErrMissingStatus, "update_issue_status requires the current status of the issue")
	}
	requested, _ := domain.ParseStatus(stringArg(args, "status"))
	var wr *domain.WaitReason
	if raw := stringArg(args, "wait_reason"); raw != "" {
		r := domain.WaitReason(strings.ToLower(strings.TrimSpace(raw)))
		wr = &r
	}
	ct := tc.CardType
	if ct == "" {
		ct = domain.CardIssue
	}
	if err := statemachine.Validate(ct, tc.CurrentStatus, requested, roles, wr); err != nil {
		return &Rejection{Tool: tool, Reason: err.Error(), Err: err}
	}
	return nil
}

func (g *Gate) checkPath(tool, p string, tc TurnContext) error {
	rel, err := resolveInside(tc.WorkspaceRoot, p)
	if err != nil {
		return reject(tool, err, "%s: %v", tool, err)
	}
	ext := strings.ToLower(filepath.Ext(rel))
	for _, forbidden := range g.policy.ForbiddenExtensions {
		if forbidden != "" && ext == forbidden {
			return reject(tool, ErrForbiddenPath, "%s: extension %s is forbidden by policy", tool, ext)
		}
	}
	slashed := filepath.ToSlash(rel)
	for _, pat := range g.policy.ForbiddenPaths {
		if ok, _ := doublestar.Match(pat, slashed); ok {
			return reject(tool, ErrForbiddenPath, "%s: path %s matches forbidden pattern %s", tool, slashed, pat)
		}
	}
	return nil
}

func resolveInside(root, p string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", ErrWorkspaceNotFound
	}
	_, rel, err := pathguard.Resolve(root, p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return rel, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// normalize round-trips args through JSON so the schema validator sees the
// decoded types it expects.
func normalize(args map[string]any) any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return args
	}
	return out
}

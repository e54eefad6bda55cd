// Package tools executes gated tool calls against the workspace and the
// backlog. Calls reach the executor only after the tool gate accepted them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"foreman/internal/domain"
	"foreman/internal/pathguard"
	"foreman/internal/repo"
	"foreman/internal/toolcall"
	"foreman/internal/toolgate"
)

const maxReadBytes = 64 << 10

var ErrTerminal = errors.New("issue is terminal")

// Cards is the part of the card repository the executor writes through.
type Cards interface {
	GetCard(ctx context.Context, id string) (domain.Card, error)
	CreateCard(ctx context.Context, c domain.Card, actorID string) (domain.Card, error)
	SetStatus(ctx context.Context, id string, ch repo.StatusChange) (domain.Card, error)
}

// Turn identifies the turn a call belongs to.
type Turn struct {
	SessionID string
	EpicID    string
	IssueID   string
	Seat      string
	Roles     []string
}

// Executor is the default tool implementation.
type Executor struct {
	Root  string
	Cards Cards
}

func New(root string, cards Cards) *Executor {
	return &Executor{Root: root, Cards: cards}
}

// Execute runs one call and returns a short result for the transcript.
func (e *Executor) Execute(ctx context.Context, call toolcall.Call, t Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch call.Tool {
	case toolgate.ToolWriteFile:
		return e.writeFile(call.Args)
	case toolgate.ToolReadFile:
		return e.readFile(call.Args)
	case toolgate.ToolDeleteFile:
		return e.deleteFile(call.Args)
	case toolgate.ToolListFiles:
		return e.listFiles(call.Args)
	case toolgate.ToolUpdateIssueStatus:
		return e.updateStatus(ctx, call.Args, t)
	case toolgate.ToolCreateIssue:
		return e.createIssue(ctx, call.Args, t)
	case toolgate.ToolResetIssue:
		return e.resetIssue(ctx, call.Args, t)
	}
	return "", fmt.Errorf("%w: %s", toolgate.ErrUnknownTool, call.Tool)
}

func (e *Executor) resolve(p string) (string, string, error) {
	abs, rel, err := pathguard.Resolve(e.Root, p)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", toolgate.ErrOutsideWorkspace, p)
	}
	return abs, filepath.ToSlash(rel), nil
}

func (e *Executor) writeFile(args map[string]any) (string, error) {
	abs, rel, err := e.resolve(str(args, "path"))
	if err != nil {
		return "", err
	}
	content := str(args, "content")
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

func (e *Executor) readFile(args map[string]any) (string, error) {
	abs, _, err := e.resolve(str(args, "path"))
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if len(b) > maxReadBytes {
		return string(b[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(b), nil
}

func (e *Executor) deleteFile(args map[string]any) (string, error) {
	abs, rel, err := e.resolve(str(args, "path"))
	if err != nil {
		return "", err
	}
	if abs == filepath.Clean(e.Root) {
		return "", fmt.Errorf("refusing to delete workspace root")
	}
	if err := os.Remove(abs); err != nil {
		return "", err
	}
	return "deleted " + rel, nil
}

func (e *Executor) listFiles(args map[string]any) (string, error) {
	p := str(args, "path")
	if p == "" {
		p = "."
	}
	abs, _, err := e.resolve(p)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.Type()&fs.ModeDir != 0 {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// targetIssue repeats the gate's target check; a call that reaches the
// executor ungated still gets a *toolgate.Rejection.
func (e *Executor) targetIssue(tool string, args map[string]any, t Turn) (string, error) {
	id := str(args, "issue_id")
	if id == "" || id == t.IssueID {
		return t.IssueID, nil
	}
	return "", toolgate.ForeignIssue(tool, id, t.IssueID)
}

func (e *Executor) updateStatus(ctx context.Context, args map[string]any, t Turn) (string, error) {
	id, err := e.targetIssue(toolgate.ToolUpdateIssueStatus, args, t)
	if err != nil {
		return "", err
	}
	to, ok := domain.ParseStatus(str(args, "status"))
	if !ok {
		return "", fmt.Errorf("unknown status %q", str(args, "status"))
	}
	ch := repo.StatusChange{To: to, Roles: t.Roles, SessionID: t.SessionID, ActorID: t.Seat}
	if raw := str(args, "wait_reason"); raw != "" {
		wr, ok := domain.ParseWaitReason(raw)
		if !ok {
			return "", fmt.Errorf("unknown wait reason %q", raw)
		}
		ch.WaitReason = &wr
	}
	c, err := e.Cards.SetStatus(ctx, id, ch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("issue %s is now %s", c.ID, c.Status), nil
}

func (e *Executor) createIssue(ctx context.Context, args map[string]any, t Turn) (string, error) {
	if t.EpicID == "" {
		return "", errors.New("create_issue needs an epic")
	}
	c := domain.Card{
		Type:        domain.CardIssue,
		ParentID:    t.EpicID,
		Summary:     strings.TrimSpace(str(args, "summary")),
		Description: str(args, "description"),
		Seat:        str(args, "seat"),
		Priority:    2,
		Metadata:    map[string]any{"created_by_issue": t.IssueID},
	}
	if p, ok := args["priority"].(float64); ok {
		c.Priority = p
	}
	if deps, ok := args["depends_on"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok {
				c.DependsOn = append(c.DependsOn, s)
			}
		}
	}
	created, err := e.Cards.CreateCard(ctx, c, t.Seat)
	if err != nil {
		return "", err
	}
	return "created issue " + created.ID, nil
}

// resetIssue returns an issue to ready and clears its verification and
// guard review. The retry count is kept: only an operator restores a budget.
func (e *Executor) resetIssue(ctx context.Context, args map[string]any, t Turn) (string, error) {
	id, err := e.targetIssue(toolgate.ToolResetIssue, args, t)
	if err != nil {
		return "", err
	}
	cur, err := e.Cards.GetCard(ctx, id)
	if err != nil {
		return "", err
	}
	if cur.Status.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrTerminal, id, cur.Status)
	}
	_, err = e.Cards.SetStatus(ctx, id, repo.StatusChange{
		To: domain.StatusReady, System: true, SessionID: t.SessionID, ActorID: t.Seat,
		Mutate: func(c *domain.Card) {
			c.VerificationResult = nil
			c.GuardReview = nil
		},
	})
	if err != nil {
		return "", err
	}
	return "reset issue " + id, nil
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

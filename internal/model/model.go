// Package model is the boundary to LLM providers.
package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int64
	// Seat and IssueID identify the turn; providers may ignore them.
	Seat    string
	IssueID string
}

type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Client sends one request and returns the model text.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Scripted replays canned replies keyed by issue id, then by seat, then the
// "*" key. Each key holds a queue; the last reply of a queue repeats.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   []Request
}

func NewScripted(replies map[string][]string) *Scripted {
	cp := make(map[string][]string, len(replies))
	for k, v := range replies {
		cp[k] = append([]string(nil), v...)
	}
	return &Scripted{replies: cp}
}

func (s *Scripted) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	for _, key := range []string{req.IssueID + "/" + req.Seat, req.IssueID, req.Seat, "*"} {
		q, ok := s.replies[key]
		if !ok || len(q) == 0 {
			continue
		}
		text := q[0]
		if len(q) > 1 {
			s.replies[key] = q[1:]
		}
		return Response{Text: text}, nil
	}
	return Response{}, fmt.Errorf("scripted model: no reply for issue %s seat %s", req.IssueID, req.Seat)
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// Transcript renders a request as plain text; used in failure reports.
func (r Request) Transcript() string {
	var b strings.Builder
	if r.System != "" {
		b.WriteString("system: ")
		b.WriteString(r.System)
		b.WriteByte('\n')
	}
	for _, m := range r.Messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

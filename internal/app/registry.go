package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrSessionExists   = errors.New("session already running")
	ErrSessionNotFound = errors.New("session not found")
	ErrShutdown        = errors.New("registry shut down")
)

type SessionState string

const (
	SessionRunning   SessionState = "running"
	SessionSucceeded SessionState = "succeeded"
	SessionFailed    SessionState = "failed"
	SessionCanceled  SessionState = "canceled"
)

// Session is a snapshot of one orchestrator run.
type Session struct {
	ID         string       `json:"id"`
	EpicID     string       `json:"epic_id"`
	State      SessionState `json:"state" enum:"running,succeeded,failed,canceled"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

type entry struct {
	session Session
	cancel  context.CancelCauseFunc
}

// Registry tracks the runs of this process. Create one at startup, hand it
// to the engine and the API server, and call Shutdown on exit.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*entry{}, now: time.Now}
}

// Start registers a running session and returns a context canceled by
// Cancel, Shutdown or the parent.
func (r *Registry) Start(parent context.Context, id, epicID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShutdown
	}
	if e, ok := r.sessions[id]; ok && e.session.State == SessionRunning {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	ctx, cancel := context.WithCancelCause(parent)
	r.sessions[id] = &entry{
		session: Session{ID: id, EpicID: epicID, State: SessionRunning, StartedAt: r.now().UTC()},
		cancel:  cancel,
	}
	return ctx, nil
}

// Cancel cancels a running session with cause. Canceling a finished session
// is a no-op.
func (r *Registry) Cancel(id string, cause error) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if cause == nil {
		cause = context.Canceled
	}
	e.cancel(cause)
	return nil
}

// Finish records the outcome of a session and releases its context.
func (r *Registry) Finish(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	now := r.now().UTC()
	e.session.FinishedAt = &now
	switch {
	case err == nil:
		e.session.State = SessionSucceeded
	case errors.Is(err, context.Canceled):
		e.session.State = SessionCanceled
		e.session.Error = err.Error()
	default:
		e.session.State = SessionFailed
		e.session.Error = err.Error()
	}
	e.cancel(context.Canceled)
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// List returns all sessions, newest first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Shutdown cancels every running session and refuses new ones.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, e := range r.sessions {
		if e.session.State == SessionRunning {
			e.cancel(ErrShutdown)
		}
	}
}

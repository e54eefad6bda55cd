package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
)

// Gate resolution decisions. Every decision moves the request to resolved.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionResolved = "resolved"
)

var ErrInvalidDecision = errors.New("invalid gate decision")

type GateRequestInput struct {
	SessionID   string
	IssueID     string
	SeatName    string
	GateMode    string
	RequestType string
	Reason      string
	Payload     map[string]any
}

type GateFilter struct {
	SessionID string
	IssueID   string
	Status    domain.GateStatus
	Limit     int
}

const gateColumns = `request_id,COALESCE(session_id,''),COALESCE(issue_id,''),COALESCE(seat_name,''),gate_mode,request_type,reason,
COALESCE(payload_json,''),status,COALESCE(decision,''),COALESCE(resolution,''),created_at,updated_at,COALESCE(resolved_at,'')`

func scanGate(s rowScanner) (domain.PendingGateRequest, error) {
	var (
		g       domain.PendingGateRequest
		payload string
		status  string
	)
	err := s.Scan(&g.RequestID, &g.SessionID, &g.IssueID, &g.SeatName, &g.GateMode, &g.RequestType, &g.Reason,
		&payload, &status, &g.Decision, &g.Resolution, &g.CreatedAt, &g.UpdatedAt, &g.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Status = domain.GateStatus(status)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &g.Payload); err != nil {
			return g, fmt.Errorf("gate request %s payload: %w", g.RequestID, err)
		}
	}
	return g, nil
}

// CreateRequest persists a pending gate request and returns its id.
func (r Repo) CreateRequest(ctx context.Context, in GateRequestInput) (string, error) {
	if strings.TrimSpace(in.GateMode) == "" || strings.TrimSpace(in.RequestType) == "" {
		return "", errors.New("gate_mode and request_type are required")
	}
	id := uuid.NewString()
	now := r.now()
	var payload any
	if len(in.Payload) > 0 {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return "", fmt.Errorf("marshal gate payload: %w", err)
		}
		payload = string(b)
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO gate_requests(request_id,session_id,issue_id,seat_name,gate_mode,request_type,reason,payload_json,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			id, nullable(in.SessionID), nullable(in.IssueID), nullable(in.SeatName), in.GateMode, in.RequestType, in.Reason, payload,
			string(domain.GatePending), now, now)
		if err != nil {
			return fmt.Errorf("insert gate request: %w", err)
		}
		return r.Events.Append(ctx, tx, events.GateRequested, in.SessionID, "gate", id, in.SeatName, events.EventPayload{
			"issue_id": in.IssueID, "gate_mode": in.GateMode, "request_type": in.RequestType, "reason": in.Reason,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ResolveRequest records an operator decision. Only status, decision,
// resolution and timestamps change.
func (r Repo) ResolveRequest(ctx context.Context, id, decision, resolution, actorID string) (domain.PendingGateRequest, error) {
	decision = strings.ToLower(strings.TrimSpace(decision))
	switch decision {
	case DecisionApproved, DecisionRejected, DecisionResolved:
	default:
		return domain.PendingGateRequest{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	unlock := r.lock("gate:" + id)
	defer unlock()

	var out domain.PendingGateRequest
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		g, err := scanGate(tx.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gate_requests WHERE request_id=?`, id))
		if err != nil {
			return err
		}
		if g.Status == domain.GateResolved {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
		}
		now := r.now()
		if _, err := tx.ExecContext(ctx, `UPDATE gate_requests SET status=?,decision=?,resolution=?,updated_at=?,resolved_at=? WHERE request_id=?`,
			string(domain.GateResolved), decision, nullable(resolution), now, now, id); err != nil {
			return err
		}
		g.Status, g.Decision, g.Resolution, g.UpdatedAt, g.ResolvedAt = domain.GateResolved, decision, resolution, now, now
		out = g
		return r.Events.Append(ctx, tx, events.GateResolved, g.SessionID, "gate", id, actorID, events.EventPayload{
			"issue_id": g.IssueID, "decision": decision, "resolution": resolution,
		})
	})
	return out, err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.PendingGateRequest, error) {
	return scanGate(r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gate_requests WHERE request_id=?`, id))
}

// ListRequests returns newest requests first.
func (r Repo) ListRequests(ctx context.Context, f GateFilter) ([]domain.PendingGateRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gate_requests WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY created_at DESC, request_id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingGateRequest
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"foreman/internal/domain"
)

func (r Repo) InsertCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.ID == "" || cp.SessionID == "" || cp.IssueID == "" {
		return errors.New("checkpoint id, session_id and issue_id are required")
	}
	transcript, err := json.Marshal(cp.Transcript)
	if err != nil {
		return err
	}
	if cp.CreatedAt == "" {
		cp.CreatedAt = r.now()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO checkpoints(id,session_id,issue_id,iteration,status,transcript_json,digest,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		cp.ID, cp.SessionID, cp.IssueID, cp.Iteration, string(cp.Status), string(transcript), cp.Digest, cp.CreatedAt)
	return err
}

// LatestCheckpoint returns the newest checkpoint of a session.
func (r Repo) LatestCheckpoint(ctx context.Context, sessionID string) (domain.Checkpoint, error) {
	cps, err := r.listCheckpoints(ctx, `WHERE session_id=? ORDER BY id DESC LIMIT 1`, sessionID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if len(cps) == 0 {
		return domain.Checkpoint{}, ErrNotFound
	}
	return cps[0], nil
}

func (r Repo) ListCheckpoints(ctx context.Context, sessionID string) ([]domain.Checkpoint, error) {
	return r.listCheckpoints(ctx, `WHERE session_id=? ORDER BY id ASC`, sessionID)
}

func (r Repo) listCheckpoints(ctx context.Context, tail string, args ...any) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,issue_id,iteration,status,transcript_json,digest,created_at FROM checkpoints `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var (
			cp         domain.Checkpoint
			status     string
			transcript sql.NullString
		)
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.IssueID, &cp.Iteration, &status, &transcript, &cp.Digest, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.Status = domain.CardStatus(status)
		if transcript.Valid && transcript.String != "" {
			if err := json.Unmarshal([]byte(transcript.String), &cp.Transcript); err != nil {
				return nil, fmt.Errorf("checkpoint %s: %w", cp.ID, err)
			}
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

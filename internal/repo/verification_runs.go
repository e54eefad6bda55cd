package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"foreman/internal/domain"
	"foreman/internal/events"
)

// RecordVerification stores a run in the history and replaces the issue's
// current result with it in the same transaction.
func (r Repo) RecordVerification(ctx context.Context, issueID, sessionID string, res domain.VerificationResult) (domain.VerificationRun, error) {
	unlock := r.lock(issueID)
	defer unlock()

	run := domain.VerificationRun{
		ID:        ulid.Make().String(),
		IssueID:   issueID,
		SessionID: sessionID,
		Result:    res,
		CreatedAt: r.now(),
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return domain.VerificationRun{}, err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO verification_runs(id,issue_id,session_id,passed,failed,total,result_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			run.ID, issueID, nullable(sessionID), res.Passed, res.Failed, res.TotalScenarios, string(payload), run.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert verification run: %w", err)
		}
		upd, err := tx.ExecContext(ctx, `UPDATE cards SET verification_result_json=?,updated_at=? WHERE id=?`, string(payload), run.CreatedAt, issueID)
		if err != nil {
			return err
		}
		if n, _ := upd.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.Events.Append(ctx, tx, events.VerificationRecorded, sessionID, "card", issueID, "sandbox", events.EventPayload{
			"run_id": run.ID, "passed": res.Passed, "failed": res.Failed, "total": res.TotalScenarios,
		})
	})
	if err != nil {
		return domain.VerificationRun{}, err
	}
	return run, nil
}

// ListVerificationRuns returns the history of an issue, oldest first.
func (r Repo) ListVerificationRuns(ctx context.Context, issueID string) ([]domain.VerificationRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,COALESCE(session_id,''),result_json,created_at FROM verification_runs WHERE issue_id=? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationRun
	for rows.Next() {
		var (
			run     domain.VerificationRun
			payload string
		)
		if err := rows.Scan(&run.ID, &run.IssueID, &run.SessionID, &payload, &run.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &run.Result); err != nil {
			return nil, fmt.Errorf("verification run %s: %w", run.ID, err)
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

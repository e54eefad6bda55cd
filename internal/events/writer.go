package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by foreman.
const (
	CardCreated          = "card.created"
	CardStatusChanged    = "card.status_changed"
	CardUpdated          = "card.updated"
	GateRequested        = "gate.requested"
	GateResolved         = "gate.resolved"
	VerificationRecorded = "verification.recorded"
	SessionStarted       = "session.started"
	SessionFinished      = "session.finished"
	TurnFailed           = "turn.failed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(sessionID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

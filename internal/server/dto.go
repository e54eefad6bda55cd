package server

import (
	"encoding/json"

	"foreman/internal/app"
	"foreman/internal/critpath"
	"foreman/internal/domain"
)

// Request payloads

type ResolveGateRequest struct {
	Decision   string `json:"decision" enum:"approved,rejected,resolved"`
	Resolution string `json:"resolution,omitempty"`
}

type StartSessionRequest struct {
	EpicID        string `json:"epic_id" minLength:"1"`
	IssueID       string `json:"issue_id,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" minimum:"0"`
	Concurrency   int    `json:"concurrency,omitempty" minimum:"0"`
}

// Responses

type GateList struct {
	Items []domain.PendingGateRequest `json:"items"`
}

type SessionList struct {
	Items []app.Session `json:"items"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	EpicID    string `json:"epic_id"`
}

type CardList struct {
	Items []domain.Card `json:"items"`
}

type QueueResponse struct {
	EpicID string           `json:"epic_id"`
	Items  []critpath.Entry `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
	Source  string   `json:"source"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type EventList struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage(`{}`)
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

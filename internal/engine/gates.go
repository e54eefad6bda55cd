package engine

import (
	"context"
	"fmt"

	"foreman/internal/domain"
	"foreman/internal/repo"
)

// GateStore is what ResolveGate needs; repo.Repo implements it.
type GateStore interface {
	ResolveRequest(ctx context.Context, id, decision, resolution, actorID string) (domain.PendingGateRequest, error)
	GetCard(ctx context.Context, id string) (domain.Card, error)
	SetStatus(ctx context.Context, id string, ch repo.StatusChange) (domain.Card, error)
}

// ResolveGate records an operator decision. An issue parked on the request
// returns to ready unless the decision is a rejection; an approved tool call
// may then run once on the issue's next turn.
func ResolveGate(ctx context.Context, store GateStore, id, decision, resolution, actorID string) (domain.PendingGateRequest, error) {
	g, err := store.ResolveRequest(ctx, id, decision, resolution, actorID)
	if err != nil {
		return g, err
	}
	if g.IssueID == "" {
		return g, nil
	}
	issue, err := store.GetCard(ctx, g.IssueID)
	if err != nil {
		return g, err
	}
	if issue.Status != domain.StatusBlocked || issue.Metadata["gate_request"] != id {
		return g, nil
	}
	if g.Decision == repo.DecisionRejected {
		_, err = store.SetStatus(ctx, issue.ID, repo.StatusChange{
			To:         domain.StatusBlocked,
			WaitReason: issue.WaitReason,
			ActorID:    actorID,
			Mutate: func(c *domain.Card) {
				delete(c.Metadata, "gate_request")
				c.Metadata["rejected_request"] = id
			},
		})
	} else {
		_, err = store.SetStatus(ctx, issue.ID, repo.StatusChange{
			To:      domain.StatusReady,
			ActorID: actorID,
			Mutate: func(c *domain.Card) {
				delete(c.Metadata, "gate_request")
				if g.GateMode == GateModeApproval && g.Decision == repo.DecisionApproved {
					c.Metadata["approved_tools"] = append(stringList(c.Metadata["approved_tools"]), g.RequestType)
				}
			},
		})
	}
	if err != nil {
		return g, fmt.Errorf("release issue %s: %w", issue.ID, err)
	}
	return g, nil
}

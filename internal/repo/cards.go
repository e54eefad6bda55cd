package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/statemachine"
)

const cardColumns = `id,type,COALESCE(parent_id,''),status,priority,COALESCE(wait_reason,''),retry_count,max_retries,
COALESCE(seat,''),COALESCE(assignee,''),summary,COALESCE(description,''),
COALESCE(metadata_json,''),COALESCE(verification_json,''),COALESCE(verification_result_json,''),
COALESCE(guard_review_json,''),COALESCE(team_json,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(s rowScanner) (domain.Card, error) {
	var (
		c                                             domain.Card
		ctype, status, wait                           string
		meta, verification, result, guardReview, team string
		maxRetries                                    sql.NullInt64
	)
	err := s.Scan(&c.ID, &ctype, &c.ParentID, &status, &c.Priority, &wait, &c.RetryCount, &maxRetries,
		&c.Seat, &c.Assignee, &c.Summary, &c.Description,
		&meta, &verification, &result, &guardReview, &team, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Type = domain.CardType(ctype)
	c.Status = domain.CardStatus(status)
	if maxRetries.Valid {
		n := int(maxRetries.Int64)
		c.MaxRetries = &n
	}
	if wait != "" {
		wr := domain.WaitReason(wait)
		c.WaitReason = &wr
	}
	decode := func(raw string, dst any) error {
		if raw == "" {
			return nil
		}
		return json.Unmarshal([]byte(raw), dst)
	}
	if err := decode(meta, &c.Metadata); err != nil {
		return c, fmt.Errorf("card %s metadata: %w", c.ID, err)
	}
	if verification != "" {
		c.Verification = &domain.IssueVerification{}
		if err := decode(verification, c.Verification); err != nil {
			return c, fmt.Errorf("card %s verification: %w", c.ID, err)
		}
	}
	if result != "" {
		c.VerificationResult = &domain.VerificationResult{}
		if err := decode(result, c.VerificationResult); err != nil {
			return c, fmt.Errorf("card %s verification result: %w", c.ID, err)
		}
	}
	if guardReview != "" {
		c.GuardReview = &domain.GuardReviewPayload{}
		if err := decode(guardReview, c.GuardReview); err != nil {
			return c, fmt.Errorf("card %s guard review: %w", c.ID, err)
		}
	}
	if team != "" {
		c.Team = &domain.Team{}
		if err := decode(team, c.Team); err != nil {
			return c, fmt.Errorf("card %s team: %w", c.ID, err)
		}
	}
	return c, nil
}

func encodeJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type cardPayload struct {
	wait, maxRetries, meta, verification, result, guardReview, team any
}

func encodeCard(c domain.Card) (cardPayload, error) {
	var (
		p   cardPayload
		err error
	)
	if c.WaitReason != nil {
		p.wait = string(*c.WaitReason)
	}
	if c.MaxRetries != nil {
		p.maxRetries = *c.MaxRetries
	}
	if p.meta, err = encodeJSON(c.Metadata, len(c.Metadata) == 0); err != nil {
		return p, err
	}
	if p.verification, err = encodeJSON(c.Verification, c.Verification == nil); err != nil {
		return p, err
	}
	if p.result, err = encodeJSON(c.VerificationResult, c.VerificationResult == nil); err != nil {
		return p, err
	}
	if p.guardReview, err = encodeJSON(c.GuardReview, c.GuardReview == nil); err != nil {
		return p, err
	}
	if p.team, err = encodeJSON(c.Team, c.Team == nil); err != nil {
		return p, err
	}
	return p, nil
}

// NewCardID returns a time-sortable id prefixed with the card type.
func NewCardID(t domain.CardType) string {
	return fmt.Sprintf("%s-%s", t, strings.ToLower(ulid.Make().String()))
}

// CreateCard inserts c. Issues must belong to an epic and may only depend on
// sibling issues of the same epic; epics may belong to a rock; rocks have no
// parent.
func (r Repo) CreateCard(ctx context.Context, c domain.Card, actorID string) (domain.Card, error) {
	if _, ok := domain.ParseCardType(string(c.Type)); !ok {
		return domain.Card{}, fmt.Errorf("%w: unknown type %q", ErrInvalidCard, c.Type)
	}
	if strings.TrimSpace(c.Summary) == "" {
		return domain.Card{}, fmt.Errorf("%w: summary required", ErrInvalidCard)
	}
	if c.ID == "" {
		c.ID = NewCardID(c.Type)
	}
	if c.Status == "" {
		c.Status = domain.StatusReady
	}
	if _, ok := domain.ParseStatus(string(c.Status)); !ok {
		return domain.Card{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCard, c.Status)
	}
	if c.Status.RequiresWaitReason() && c.WaitReason == nil {
		return domain.Card{}, fmt.Errorf("%w: status %s requires a wait reason", ErrInvalidCard, c.Status)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return domain.Card{}, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidCard)
	}
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.checkParent(ctx, tx, c); err != nil {
			return err
		}
		if err := r.checkDeps(ctx, tx, c); err != nil {
			return err
		}
		p, err := encodeCard(c)
		if err != nil {
			return err
		}
		var pos int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0)+1 FROM cards WHERE COALESCE(parent_id,'')=?`, c.ParentID).Scan(&pos); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO cards(id,type,parent_id,position,status,priority,wait_reason,retry_count,max_retries,seat,assignee,summary,description,
metadata_json,verification_json,verification_result_json,guard_review_json,team_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, string(c.Type), nullable(c.ParentID), pos, string(c.Status), c.Priority, p.wait, c.RetryCount, p.maxRetries,
			nullable(c.Seat), nullable(c.Assignee), c.Summary, nullable(c.Description),
			p.meta, p.verification, p.result, p.guardReview, p.team, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		if err := writeDeps(ctx, tx, c.ID, c.DependsOn); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.CardCreated, "", "card", c.ID, actorID, events.EventPayload{
			"type": c.Type, "parent_id": c.ParentID, "status": c.Status, "summary": c.Summary,
		})
	})
	if err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func (r Repo) checkParent(ctx context.Context, q querier, c domain.Card) error {
	var want domain.CardType
	switch c.Type {
	case domain.CardRock:
		if c.ParentID != "" {
			return fmt.Errorf("%w: rocks have no parent", ErrInvalidCard)
		}
		return nil
	case domain.CardEpic:
		if c.ParentID == "" {
			return nil
		}
		want = domain.CardRock
	case domain.CardIssue:
		if c.ParentID == "" {
			return fmt.Errorf("%w: issues must belong to an epic", ErrInvalidCard)
		}
		want = domain.CardEpic
	}
	var got string
	err := q.QueryRowContext(ctx, `SELECT type FROM cards WHERE id=?`, c.ParentID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: parent %s not found", ErrInvalidCard, c.ParentID)
	}
	if err != nil {
		return err
	}
	if domain.CardType(got) != want {
		return fmt.Errorf("%w: %s parent must be a %s, %s is a %s", ErrInvalidCard, c.Type, want, c.ParentID, got)
	}
	return nil
}

// checkDeps enforces that depends_on lists distinct sibling issues.
func (r Repo) checkDeps(ctx context.Context, q querier, c domain.Card) error {
	if len(c.DependsOn) == 0 {
		return nil
	}
	if c.Type != domain.CardIssue {
		return fmt.Errorf("%w: only issues have dependencies", ErrInvalidDeps)
	}
	seen := map[string]bool{}
	for _, dep := range c.DependsOn {
		if dep == c.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrInvalidDeps, c.ID)
		}
		if seen[dep] {
			return fmt.Errorf("%w: duplicate dependency %s", ErrInvalidDeps, dep)
		}
		seen[dep] = true
		var ctype, parent string
		err := q.QueryRowContext(ctx, `SELECT type,COALESCE(parent_id,'') FROM cards WHERE id=?`, dep).Scan(&ctype, &parent)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s not found", ErrInvalidDeps, dep)
		}
		if err != nil {
			return err
		}
		if domain.CardType(ctype) != domain.CardIssue || parent != c.ParentID {
			return fmt.Errorf("%w: %s is not a sibling issue of %s", ErrInvalidDeps, dep, c.ID)
		}
	}
	return nil
}

func writeDeps(ctx context.Context, tx *sql.Tx, id string, deps []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_deps WHERE card_id=?`, id); err != nil {
		return err
	}
	for i, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO card_deps(card_id,depends_on,position) VALUES (?,?,?)`, id, dep, i); err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", id, dep, err)
		}
	}
	return nil
}

func loadDeps(ctx context.Context, q querier, cards []domain.Card) error {
	if len(cards) == 0 {
		return nil
	}
	idx := make(map[string]int, len(cards))
	args := make([]any, 0, len(cards))
	for i, c := range cards {
		idx[c.ID] = i
		args = append(args, c.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cards)), ",")
	rows, err := q.QueryContext(ctx, `SELECT card_id,depends_on FROM card_deps WHERE card_id IN (`+placeholders+`) ORDER BY card_id, position`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return err
		}
		i := idx[id]
		cards[i].DependsOn = append(cards[i].DependsOn, dep)
	}
	return rows.Err()
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return getCard(ctx, r.DB, id)
}

func getCard(ctx context.Context, q querier, id string) (domain.Card, error) {
	c, err := scanCard(q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	cards := []domain.Card{c}
	if err := loadDeps(ctx, q, cards); err != nil {
		return c, err
	}
	return cards[0], nil
}

// CardFilter narrows ListCards. Zero values match everything.
type CardFilter struct {
	Type     domain.CardType
	ParentID string
	Status   domain.CardStatus
	Limit    int
}

// ListCards returns cards in declaration order.
func (r Repo) ListCards(ctx context.Context, f CardFilter) ([]domain.Card, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + cardColumns + ` FROM cards WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY COALESCE(parent_id,''), position, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadDeps(ctx, r.DB, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListIssues returns the issues of an epic in declaration order.
func (r Repo) ListIssues(ctx context.Context, epicID string) ([]domain.Card, error) {
	if _, err := r.GetCard(ctx, epicID); err != nil {
		return nil, err
	}
	return r.ListCards(ctx, CardFilter{Type: domain.CardIssue, ParentID: epicID})
}

// ListChildren returns the ids of the direct children of a card.
func (r Repo) ListChildren(ctx context.Context, id string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM cards WHERE parent_id=? ORDER BY position, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		res = append(res, child)
	}
	return res, rows.Err()
}

// RockOf walks up from an issue or epic to its rock. It returns "" when the
// chain has no rock.
func (r Repo) RockOf(ctx context.Context, id string) (string, error) {
	cur := id
	for range 3 {
		c, err := r.GetCard(ctx, cur)
		if err != nil {
			return "", err
		}
		if c.Type == domain.CardRock {
			return c.ID, nil
		}
		if c.ParentID == "" {
			return "", nil
		}
		cur = c.ParentID
	}
	return "", nil
}

// UpdateCard applies fn to the stored card and writes the result back as one
// serialized read-modify-write. Identity fields (id, type, parent,
// created_at) cannot be changed by fn.
func (r Repo) UpdateCard(ctx context.Context, id string, fn func(*domain.Card) error) (domain.Card, error) {
	return r.updateCard(ctx, id, "", "", fn)
}

func (r Repo) updateCard(ctx context.Context, id, sessionID, actorID string, fn func(*domain.Card) error) (domain.Card, error) {
	unlock := r.lock(id)
	defer unlock()

	var out domain.Card
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		before, err := getCard(ctx, tx, id)
		if err != nil {
			return err
		}
		c := before.Clone()
		if err := fn(&c); err != nil {
			return err
		}
		c.ID, c.Type, c.ParentID, c.CreatedAt = before.ID, before.Type, before.ParentID, before.CreatedAt
		c.UpdatedAt = r.now()
		if !slices.Equal(before.DependsOn, c.DependsOn) {
			if err := r.checkDeps(ctx, tx, c); err != nil {
				return err
			}
			if err := writeDeps(ctx, tx, c.ID, c.DependsOn); err != nil {
				return err
			}
		}
		p, err := encodeCard(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE cards SET status=?,priority=?,wait_reason=?,retry_count=?,max_retries=?,seat=?,assignee=?,summary=?,description=?,
metadata_json=?,verification_json=?,verification_result_json=?,guard_review_json=?,team_json=?,updated_at=? WHERE id=?`,
			string(c.Status), c.Priority, p.wait, c.RetryCount, p.maxRetries, nullable(c.Seat), nullable(c.Assignee), c.Summary, nullable(c.Description),
			p.meta, p.verification, p.result, p.guardReview, p.team, c.UpdatedAt, c.ID)
		if err != nil {
			return fmt.Errorf("update card: %w", err)
		}
		evt, payload := events.CardUpdated, events.EventPayload{}
		if before.Status != c.Status {
			evt = events.CardStatusChanged
			payload["from"], payload["to"] = before.Status, c.Status
			if c.WaitReason != nil {
				payload["wait_reason"] = *c.WaitReason
			}
		}
		if err := r.Events.Append(ctx, tx, evt, sessionID, "card", c.ID, actorID, payload); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// StatusChange is a request to move a card to another status.
type StatusChange struct {
	To         domain.CardStatus
	WaitReason *domain.WaitReason
	Roles      []string
	// System marks a scheduler change, checked against the system edges
	// (park as blocked, return to ready) instead of the agent graph.
	System bool
	// Force is the operator override: it skips the graph and role check.
	// The wait reason rule still applies.
	Force     bool
	SessionID string
	ActorID   string
	// Mutate, when set, applies further field changes in the same write.
	Mutate func(*domain.Card)
}

// SetStatus validates and applies a status change. Moving to the current
// status is not a transition and only applies Mutate and the wait reason.
func (r Repo) SetStatus(ctx context.Context, id string, ch StatusChange) (domain.Card, error) {
	return r.updateCard(ctx, id, ch.SessionID, ch.ActorID, func(c *domain.Card) error {
		if c.Status != ch.To {
			var err error
			switch {
			case ch.Force:
				if ch.To.RequiresWaitReason() && ch.WaitReason == nil {
					err = &statemachine.TransitionError{CardType: c.Type, From: c.Status, To: ch.To, Err: statemachine.ErrMissingWaitReason}
				}
			case ch.System:
				err = statemachine.ValidateSystem(c.Type, c.Status, ch.To, ch.WaitReason)
			default:
				err = statemachine.Validate(c.Type, c.Status, ch.To, ch.Roles, ch.WaitReason)
			}
			if err != nil {
				return err
			}
		}
		c.Status = ch.To
		if ch.To.RequiresWaitReason() {
			if ch.WaitReason != nil {
				wr := *ch.WaitReason
				c.WaitReason = &wr
			}
		} else {
			c.WaitReason = nil
		}
		if ch.Mutate != nil {
			ch.Mutate(c)
		}
		return nil
	})
}

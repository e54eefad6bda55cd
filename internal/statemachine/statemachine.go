// Package statemachine holds the legal status graph for every card type.
package statemachine

import (
	"errors"
	"fmt"
	"slices"

	"foreman/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingWaitReason = errors.New("wait reason required")
	ErrPermissionDenied  = errors.New("permission denied")
)

// TransitionError describes a rejected status change. It unwraps to one of
// the sentinel errors above.
type TransitionError struct {
	CardType domain.CardType
	From     domain.CardStatus
	To       domain.CardStatus
	Err      error
}

func (e *TransitionError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingWaitReason):
		return fmt.Sprintf("wait_reason is required when moving %s %s -> %s", e.CardType, e.From, e.To)
	case errors.Is(e.Err, ErrPermissionDenied):
		return fmt.Sprintf("permission denied: only %s may move %s to %s", domain.RoleIntegrityGuard, e.CardType, e.To)
	default:
		return fmt.Sprintf("invalid %s status transition %s -> %s", e.CardType, e.From, e.To)
	}
}

func (e *TransitionError) Unwrap() error { return e.Err }

type table map[domain.CardStatus][]domain.CardStatus

var rockTransitions = table{
	domain.StatusReady:      {domain.StatusInProgress},
	domain.StatusInProgress: {domain.StatusDone, domain.StatusCanceled},
}

var epicTransitions = table{
	domain.StatusReady:      {domain.StatusInProgress, domain.StatusCanceled},
	domain.StatusInProgress: {domain.StatusBlocked, domain.StatusDone, domain.StatusCanceled},
	domain.StatusBlocked:    {domain.StatusInProgress, domain.StatusCanceled},
	domain.StatusDone:       {domain.StatusArchived},
}

var issueTransitions = table{
	domain.StatusReady: {
		domain.StatusInProgress,
		domain.StatusBlocked,
		domain.StatusCanceled,
	},
	domain.StatusInProgress: {
		domain.StatusBlocked,
		domain.StatusWaitingForDeveloper,
		domain.StatusReadyForTesting,
		domain.StatusCodeReview,
		domain.StatusCanceled,
		domain.StatusReady,
	},
	domain.StatusWaitingForDeveloper: {
		domain.StatusInProgress,
		domain.StatusReady,
		domain.StatusBlocked,
		domain.StatusCanceled,
	},
	domain.StatusBlocked: {
		domain.StatusReady,
		domain.StatusInProgress,
		domain.StatusCanceled,
	},
	domain.StatusReadyForTesting: {
		domain.StatusCodeReview,
		domain.StatusInProgress,
		domain.StatusBlocked,
		domain.StatusReady,
	},
	domain.StatusCodeReview: {
		domain.StatusAwaitingGuardReview,
		domain.StatusDone,
		domain.StatusInProgress,
		domain.StatusBlocked,
		domain.StatusReady,
	},
	domain.StatusAwaitingGuardReview: {
		domain.StatusGuardApproved,
		domain.StatusGuardRejected,
		domain.StatusGuardRequestedChanges,
		domain.StatusBlocked,
		domain.StatusReady,
	},
	domain.StatusGuardApproved:         {domain.StatusDone},
	domain.StatusGuardRejected:         {domain.StatusBlocked},
	domain.StatusGuardRequestedChanges: {domain.StatusInProgress},
	domain.StatusDone:                  {domain.StatusArchived},
}

// issueSystemTransitions are the edges the scheduler takes on an issue's
// behalf: parking a failed, gated or unroutable issue as blocked, and
// returning a retried, reset or released issue to ready. Agents never take
// them, and terminal statuses have none.
var issueSystemTransitions = table{
	domain.StatusReady:                 {domain.StatusBlocked},
	domain.StatusInProgress:            {domain.StatusBlocked, domain.StatusReady},
	domain.StatusWaitingForDeveloper:   {domain.StatusBlocked, domain.StatusReady},
	domain.StatusBlocked:               {domain.StatusReady},
	domain.StatusReadyForTesting:       {domain.StatusBlocked, domain.StatusReady},
	domain.StatusCodeReview:            {domain.StatusBlocked, domain.StatusReady},
	domain.StatusAwaitingGuardReview:   {domain.StatusBlocked, domain.StatusReady},
	domain.StatusGuardApproved:         {domain.StatusBlocked, domain.StatusReady},
	domain.StatusGuardRejected:         {domain.StatusBlocked, domain.StatusReady},
	domain.StatusGuardRequestedChanges: {domain.StatusBlocked, domain.StatusReady},
}

func transitionsFor(cardType domain.CardType) table {
	switch cardType {
	case domain.CardRock:
		return rockTransitions
	case domain.CardEpic:
		return epicTransitions
	case domain.CardIssue:
		return issueTransitions
	}
	return nil
}

// Allowed returns the statuses reachable from current in one step.
func Allowed(cardType domain.CardType, current domain.CardStatus) []domain.CardStatus {
	next := transitionsFor(cardType)[current]
	return append([]domain.CardStatus(nil), next...)
}

// CanTransition reports whether current -> requested is an edge of the graph.
func CanTransition(cardType domain.CardType, current, requested domain.CardStatus) bool {
	return slices.Contains(transitionsFor(cardType)[current], requested)
}

// Validate checks a requested status change. Checks run in order: graph edge,
// wait reason, finalization role.
func Validate(cardType domain.CardType, current, requested domain.CardStatus, roles []string, waitReason *domain.WaitReason) error {
	fail := func(err error) error {
		return &TransitionError{CardType: cardType, From: current, To: requested, Err: err}
	}
	if !CanTransition(cardType, current, requested) {
		return fail(ErrInvalidTransition)
	}
	if requested.RequiresWaitReason() {
		if waitReason == nil {
			return fail(ErrMissingWaitReason)
		}
		if _, ok := domain.ParseWaitReason(string(*waitReason)); !ok {
			return fail(ErrMissingWaitReason)
		}
	}
	if cardType == domain.CardIssue && requested == domain.StatusDone && !slices.Contains(roles, domain.RoleIntegrityGuard) {
		return fail(ErrPermissionDenied)
	}
	return nil
}

// ValidateSystem checks a scheduler-initiated status change against the
// system edges. The wait reason rule applies as for agents.
func ValidateSystem(cardType domain.CardType, current, requested domain.CardStatus, waitReason *domain.WaitReason) error {
	fail := func(err error) error {
		return &TransitionError{CardType: cardType, From: current, To: requested, Err: err}
	}
	if cardType != domain.CardIssue || !slices.Contains(issueSystemTransitions[current], requested) {
		return fail(ErrInvalidTransition)
	}
	if requested.RequiresWaitReason() {
		if waitReason == nil {
			return fail(ErrMissingWaitReason)
		}
		if _, ok := domain.ParseWaitReason(string(*waitReason)); !ok {
			return fail(ErrMissingWaitReason)
		}
	}
	return nil
}

package critpath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/critpath"
	"foreman/internal/domain"
)

func issue(id string, pri float64, deps ...string) domain.Card {
	return domain.Card{ID: id, Type: domain.CardIssue, Status: domain.StatusReady, Priority: pri, DependsOn: deps}
}

func TestPriorityPlusWeight(t *testing.T) {
	issues := []domain.Card{
		issue("A", 1),
		issue("B", 3, "A"),
		issue("C", 2),
	}
	assert.Equal(t, []string{"B", "A", "C"}, critpath.PriorityQueue(issues))
}

func TestChainTiesKeepDeclarationOrder(t *testing.T) {
	issues := []domain.Card{
		issue("SCHEMA", 1),
		issue("API", 2, "SCHEMA"),
		issue("APP", 3, "API"),
		issue("DOCS", 2.5),
	}
	ranked := critpath.Rank(issues)
	require.Len(t, ranked, 4)
	scores := map[string]float64{}
	for _, e := range ranked {
		scores[e.ID] = e.Score
	}
	assert.Equal(t, 3.0, scores["SCHEMA"])
	assert.Equal(t, 3.0, scores["API"])
	assert.Equal(t, 3.0, scores["APP"])
	assert.Equal(t, 2.5, scores["DOCS"])
	assert.Equal(t, []string{"SCHEMA", "API", "APP", "DOCS"}, critpath.PriorityQueue(issues))
}

func TestOnlyReadyIssuesAreQueued(t *testing.T) {
	done := issue("DONE", 3)
	done.Status = domain.StatusDone
	blocked := issue("BLOCKED", 3)
	blocked.Status = domain.StatusBlocked
	issues := []domain.Card{done, blocked, issue("X", 1, "DONE")}
	assert.Equal(t, []string{"X"}, critpath.PriorityQueue(issues))
}

func TestWeightCountsNonReadyDescendants(t *testing.T) {
	child := issue("CHILD", 1, "ROOT")
	child.Status = domain.StatusBlocked
	ranked := critpath.Rank([]domain.Card{issue("ROOT", 1), child})
	require.Len(t, ranked, 1)
	assert.Equal(t, 1, ranked[0].Weight)
}

func TestDiamondCountsSharedDescendantOnce(t *testing.T) {
	// A unblocks B and C, both unblock D.
	issues := []domain.Card{
		issue("A", 1),
		issue("B", 1, "A"),
		issue("C", 1, "A"),
		issue("D", 1, "B", "C"),
	}
	ranked := critpath.Rank(issues)
	assert.Equal(t, "A", ranked[0].ID)
	assert.Equal(t, 3, ranked[0].Weight)
}

func TestCycleTerminates(t *testing.T) {
	issues := []domain.Card{
		issue("A", 1, "B"),
		issue("B", 1, "A"),
		issue("SELF", 1, "SELF"),
	}
	ranked := critpath.Rank(issues)
	require.Len(t, ranked, 3)
	for _, e := range ranked {
		assert.GreaterOrEqual(t, e.Weight, 1)
	}
}

func TestEmpty(t *testing.T) {
	assert.Empty(t, critpath.PriorityQueue(nil))
}

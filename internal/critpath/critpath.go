// Package critpath orders ready issues by how much work finishing them unblocks.
package critpath

import (
	"sort"

	"foreman/internal/domain"
)

// Entry is one ranked issue.
type Entry struct {
	ID       string  `json:"id"`
	Priority float64 `json:"priority"`
	Weight   int     `json:"weight"`
	Score    float64 `json:"score"`
}

// Rank scores every ready issue as priority + weight, where weight counts the
// issues transitively unblocked by completing it. The result is sorted by
// score descending; ties keep input order.
//
// Each root's DFS shares one visited set, so a node reachable along two paths
// is counted once and a cycle contributes only the members reached before it
// closes. Cyclic graphs terminate but their weights are partial.
func Rank(issues []domain.Card) []Entry {
	blocks := reverseDeps(issues)
	var out []Entry
	for _, is := range issues {
		if is.Status != domain.StatusReady {
			continue
		}
		w := weight(is.ID, blocks, map[string]bool{})
		out = append(out, Entry{
			ID:       is.ID,
			Priority: is.Priority,
			Weight:   w,
			Score:    is.Priority + float64(w),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// PriorityQueue returns the ids of ready issues in critical-path order.
func PriorityQueue(issues []domain.Card) []string {
	ranked := Rank(issues)
	ids := make([]string, 0, len(ranked))
	for _, e := range ranked {
		ids = append(ids, e.ID)
	}
	return ids
}

// reverseDeps builds blocks[x] = issues that depend on x, in input order.
func reverseDeps(issues []domain.Card) map[string][]string {
	blocks := make(map[string][]string, len(issues))
	for _, is := range issues {
		for _, dep := range is.DependsOn {
			blocks[dep] = append(blocks[dep], is.ID)
		}
	}
	return blocks
}

func weight(id string, blocks map[string][]string, visited map[string]bool) int {
	total := 0
	for _, child := range blocks[id] {
		if visited[child] {
			continue
		}
		visited[child] = true
		total += 1 + weight(child, blocks, visited)
	}
	return total
}

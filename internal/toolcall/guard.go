package toolcall

import (
	"fmt"
	"strings"

	"foreman/internal/domain"
)

const fallbackRationaleLen = 500

var guardKeys = []string{"rationale", "violations", "remediation_actions"}

// GuardReview finds the guard decision in a turn's output. The first object
// (or tool-call args object) carrying any guard key wins. When none is found
// the payload is synthesized from the leading text and found is false.
func GuardReview(text string) (payload domain.GuardReviewPayload, found bool) {
	for _, obj := range Objects(text) {
		if hasGuardKey(obj) {
			return payloadFrom(obj), true
		}
		if args, ok := obj["args"].(map[string]any); ok && hasGuardKey(args) {
			return payloadFrom(args), true
		}
	}
	rationale := strings.TrimSpace(text)
	if r := []rune(rationale); len(r) > fallbackRationaleLen {
		rationale = string(r[:fallbackRationaleLen])
	}
	return domain.GuardReviewPayload{
		Rationale:          rationale,
		Violations:         []string{},
		RemediationActions: []string{},
	}, false
}

func hasGuardKey(obj map[string]any) bool {
	for _, k := range guardKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func payloadFrom(obj map[string]any) domain.GuardReviewPayload {
	p := domain.GuardReviewPayload{
		Violations:         stringList(obj["violations"]),
		RemediationActions: stringList(obj["remediation_actions"]),
	}
	if s, ok := obj["rationale"].(string); ok {
		p.Rationale = s
	}
	return p
}

func stringList(v any) []string {
	out := []string{}
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) != "" {
			out = append(out, x)
		}
	case []any:
		for _, item := range x {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case nil:
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
	}
	return out
}

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

// matchOperator compares a context attribute against a rule value. Both
// sides are canonicalized to lowercased strings except for the numeric
// operators, which parse both sides as floats.
func matchOperator(op model.Operator, left any, right string) bool {
	l := canonical(left)
	r := canonical(right)

	switch op {
	case model.OpEquals:
		return l == r
	case model.OpNotEquals:
		return l != r
	case model.OpIn:
		return inList(l, right)
	case model.OpNotIn:
		return !inList(l, right)
	case model.OpContains:
		return strings.Contains(l, r)
	case model.OpStartsWith:
		return strings.HasPrefix(l, r)
	case model.OpEndsWith:
		return strings.HasSuffix(l, r)
	case model.OpGreaterThan:
		lf, rf, ok := parseFloats(left, right)
		return ok && lf > rf
	case model.OpLessThan:
		lf, rf, ok := parseFloats(left, right)
		return ok && lf < rf
	default:
		return false
	}
}

func canonical(v any) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
}

func inList(needle, list string) bool {
	for _, item := range splitList(list) {
		if strings.ToLower(item) == needle {
			return true
		}
	}
	return false
}

// splitList splits a comma-separated rule value and trims each token.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseFloats(left any, right string) (float64, float64, bool) {
	lf, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprintf("%v", left)), 64)
	if err != nil {
		return 0, 0, false
	}
	rf, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return 0, 0, false
	}
	return lf, rf, true
}

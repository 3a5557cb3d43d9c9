package engine

import (
	"testing"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

func TestMatchOperator(t *testing.T) {
	tests := []struct {
		name  string
		op    model.Operator
		left  any
		right string
		want  bool
	}{
		{"equals case-insensitive", model.OpEquals, "Premium", "premium", true},
		{"equals trims whitespace", model.OpEquals, " premium ", "premium", true},
		{"equals mismatch", model.OpEquals, "free", "premium", false},
		{"equals non-string left", model.OpEquals, 42, "42", true},

		{"not_equals", model.OpNotEquals, "free", "premium", true},
		{"not_equals same", model.OpNotEquals, "premium", "premium", false},

		{"in hit", model.OpIn, "de", "us, de, fr", true},
		{"in miss", model.OpIn, "jp", "us, de, fr", false},
		{"in case-insensitive", model.OpIn, "DE", "us,de,fr", true},
		{"not_in hit", model.OpNotIn, "jp", "us, de, fr", true},
		{"not_in miss", model.OpNotIn, "de", "us, de, fr", false},

		{"contains", model.OpContains, "beta-tester", "beta", true},
		{"contains miss", model.OpContains, "tester", "beta", false},
		{"starts_with", model.OpStartsWith, "beta-tester", "beta", true},
		{"starts_with miss", model.OpStartsWith, "tester-beta", "beta", false},
		{"ends_with", model.OpEndsWith, "app-v2", "v2", true},

		{"greater_than", model.OpGreaterThan, 21, "18", true},
		{"greater_than equal", model.OpGreaterThan, 18, "18", false},
		{"greater_than float left", model.OpGreaterThan, 18.5, "18", true},
		{"greater_than unparseable", model.OpGreaterThan, "abc", "18", false},
		{"less_than", model.OpLessThan, 12, "18", true},
		{"less_than unparseable right", model.OpLessThan, 12, "abc", false},

		{"unknown operator", model.Operator("matches"), "x", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOperator(tt.op, tt.left, tt.right); got != tt.want {
				t.Fatalf("matchOperator(%s, %v, %q) = %v, want %v", tt.op, tt.left, tt.right, got, tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, b ,, c ,")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

package store

import (
	"encoding/json"
	"testing"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestConfigPatchIsZero(t *testing.T) {
	if !(&ConfigPatch{}).IsZero() {
		t.Fatal("empty patch must be zero")
	}
	if (&ConfigPatch{Enabled: boolPtr(true)}).IsZero() {
		t.Fatal("patch with enabled set must not be zero")
	}

	p := &ConfigPatch{}
	p.SetRules(nil)
	if p.IsZero() {
		t.Fatal("explicit empty rule replacement must not be zero")
	}
}

func TestConfigPatchRulesSet(t *testing.T) {
	p := &ConfigPatch{}
	if p.RulesSet() {
		t.Fatal("fresh patch must not claim a rule replacement")
	}
	p.SetRules([]model.Rule{})
	if !p.RulesSet() {
		t.Fatal("SetRules with empty slice must mark replacement")
	}

	q := &ConfigPatch{Rules: []model.Rule{{Type: model.RuleTypeUserID}}}
	if !q.RulesSet() {
		t.Fatal("non-nil rules must imply replacement")
	}
}

func TestConfigPatchAssignments(t *testing.T) {
	p := &ConfigPatch{
		Enabled:           boolPtr(true),
		DefaultVariant:    strPtr("treatment"),
		RolloutPercentage: intPtr(25),
		Config:            json.RawMessage(`{"a":1}`),
	}

	sets, args := p.assignments(1)
	wantSets := []string{"enabled=$2", "default_variant=$3", "rollout_percentage=$4", "config=$5"}
	if len(sets) != len(wantSets) {
		t.Fatalf("sets = %v, want %v", sets, wantSets)
	}
	for i := range wantSets {
		if sets[i] != wantSets[i] {
			t.Fatalf("sets[%d] = %q, want %q", i, sets[i], wantSets[i])
		}
	}
	if len(args) != 4 {
		t.Fatalf("args len = %d, want 4", len(args))
	}
	if args[0] != true || args[1] != "treatment" || args[2] != 25 {
		t.Fatalf("args = %v", args)
	}
}

func TestConfigPatchAssignmentsPartial(t *testing.T) {
	p := &ConfigPatch{RolloutPercentage: intPtr(50)}
	sets, args := p.assignments(0)
	if len(sets) != 1 || sets[0] != "rollout_percentage=$1" {
		t.Fatalf("sets = %v", sets)
	}
	if len(args) != 1 || args[0] != 50 {
		t.Fatalf("args = %v", args)
	}
}

func TestDecodeSnapshotLists(t *testing.T) {
	variantsJSON := []byte(`[
		{"id":"6a6f75a2-9d5b-4f2e-8c43-0b0f3c1a9e01","flag_id":"0d5a1f9e-2f3b-4a6c-9d7e-1b2c3d4e5f60","key":"control","value":"false","weight":50},
		{"id":"7b7086b3-ae6c-5031-9d54-1c104d2baf12","flag_id":"0d5a1f9e-2f3b-4a6c-9d7e-1b2c3d4e5f60","key":"treatment","value":"true","weight":50}
	]`)
	// Nullable columns arrive as JSON nulls from the aggregate.
	rulesJSON := []byte(`[
		{"id":"8c8197c4-bf7d-6142-ae65-2d2150cb0023","config_id":"1e6b200f-304c-5b7d-ae8f-2c3d4e5f6071",
		 "rule_type":"percentage","attribute_name":null,"operator":null,
		 "attribute_value":null,"percentage":25,"variant_key":null,"priority":0},
		{"id":"9d92a8d5-c08e-7253-bf76-3e3261dc1134","config_id":"1e6b200f-304c-5b7d-ae8f-2c3d4e5f6071",
		 "rule_type":"attribute","attribute_name":"country","operator":"starts_with",
		 "attribute_value":"US","percentage":null,"variant_key":"treatment","priority":1}
	]`)

	variants, rules, err := decodeSnapshotLists(variantsJSON, rulesJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(variants) != 2 || variants[0].Key != "control" || variants[1].Weight != 50 {
		t.Fatalf("variants = %+v", variants)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].Type != model.RuleTypePercentage || rules[0].Operator != "" || rules[0].Percentage != 25 {
		t.Fatalf("rules[0] = %+v", rules[0])
	}
	if rules[1].Operator != model.OpStartsWith || rules[1].AttributeName != "country" {
		t.Fatalf("rules[1] = %+v", rules[1])
	}
}

func TestDecodeSnapshotListsEmpty(t *testing.T) {
	for _, raw := range [][]byte{[]byte(`[]`), []byte(`null`), nil} {
		variants, rules, err := decodeSnapshotLists(raw, raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if variants == nil || len(variants) != 0 {
			t.Fatalf("variants for %q = %#v, want empty non-nil", raw, variants)
		}
		if rules == nil || len(rules) != 0 {
			t.Fatalf("rules for %q = %#v, want empty non-nil", raw, rules)
		}
	}
}

func TestDecodeSnapshotListsMalformed(t *testing.T) {
	if _, _, err := decodeSnapshotLists([]byte(`{`), []byte(`[]`)); err == nil {
		t.Fatal("malformed variants must error")
	}
	if _, _, err := decodeSnapshotLists([]byte(`[]`), []byte(`[{"priority":"high"}]`)); err == nil {
		t.Fatal("malformed rules must error")
	}
}

func TestJoinSets(t *testing.T) {
	if got := joinSets([]string{"a=$1"}); got != "a=$1" {
		t.Fatalf("joinSets = %q", got)
	}
	if got := joinSets([]string{"a=$1", "b=$2", "c=$3"}); got != "a=$1, b=$2, c=$3" {
		t.Fatalf("joinSets = %q", got)
	}
}

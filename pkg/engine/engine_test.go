package engine

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/hashing"
	"github.com/yidan233/FeatureFlow/pkg/model"
)

func testSnapshot(mut func(*model.FlagSnapshot)) *model.FlagSnapshot {
	snap := &model.FlagSnapshot{
		Flag: model.Flag{
			ID:   uuid.New(),
			Key:  "checkout_redesign",
			Type: model.FlagTypeBoolean,
		},
		Config: model.FlagConfig{
			Enabled:           true,
			DefaultVariant:    "false",
			RolloutPercentage: 100,
		},
		Variants: []model.Variant{
			{Key: "false", Value: "false", Weight: 50},
			{Key: "true", Value: "true", Weight: 50},
		},
		Rules: []model.Rule{},
	}
	if mut != nil {
		mut(snap)
	}
	return snap
}

func user(id string) *model.UserContext {
	return &model.UserContext{UserID: id}
}

func newTestEngine(opts ...Option) *Engine {
	return New(zerolog.Nop(), opts...)
}

func TestDisabledDominates(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.Enabled = false
		s.Config.RolloutPercentage = 100
		s.Rules = []model.Rule{{
			ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "u1", Priority: 1,
		}}
	})

	d := newTestEngine().Evaluate(snap, user("u1"), "production")
	if d.Enabled {
		t.Fatal("disabled flag must never evaluate enabled")
	}
	if d.Reason != model.ReasonFlagDisabled {
		t.Fatalf("reason = %s, want flag_disabled", d.Reason)
	}
	if d.Variant != "false" {
		t.Fatalf("variant = %s, want default variant", d.Variant)
	}
}

func TestZeroRollout(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 0
	})
	d := newTestEngine().Evaluate(snap, user("u1"), "production")
	if d.Enabled || d.Reason != model.ReasonZeroRollout {
		t.Fatalf("got enabled=%v reason=%s, want disabled/zero_rollout", d.Enabled, d.Reason)
	}
}

func TestFullRollout(t *testing.T) {
	e := newTestEngine(WithRand(func(n int) int { return 0 }))
	for i := 0; i < 50; i++ {
		d := e.Evaluate(testSnapshot(nil), user(fmt.Sprintf("u%d", i)), "production")
		if !d.Enabled || d.Reason != model.ReasonFullRollout {
			t.Fatalf("user u%d: enabled=%v reason=%s, want enabled/full_rollout", i, d.Enabled, d.Reason)
		}
	}
}

func TestPartialRolloutDeterministic(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 40
	})
	e := newTestEngine(WithRand(func(n int) int { return 0 }))

	enabled := 0
	for i := 0; i < 1000; i++ {
		u := user(fmt.Sprintf("user-%d", i))
		first := e.Evaluate(snap, u, "production")
		second := e.Evaluate(snap, u, "production")
		if first.Enabled != second.Enabled {
			t.Fatalf("rollout decision not stable for %s", u.UserID)
		}
		want := hashing.Bucket(u.UserID, snap.Flag.Key) < 40
		if first.Enabled != want {
			t.Fatalf("user %s: enabled=%v, bucket says %v", u.UserID, first.Enabled, want)
		}
		if first.Enabled {
			enabled++
		}
	}
	// 40% of 1000 with generous slack for hash noise.
	if enabled < 300 || enabled > 500 {
		t.Fatalf("enabled count %d far from 400", enabled)
	}
}

func TestAnonymousUsersBucketTogether(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 50
	})
	e := newTestEngine(WithRand(func(n int) int { return 0 }))

	a := e.Evaluate(snap, nil, "production")
	b := e.Evaluate(snap, &model.UserContext{}, "production")
	if a.Enabled != b.Enabled || a.Reason != b.Reason {
		t.Fatal("nil context and empty user ID must bucket identically")
	}
}

func TestRulePriorityOrder(t *testing.T) {
	// The low-priority rule matches and must win even though it is
	// listed after a higher-priority (numerically larger) matching rule.
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Rules = []model.Rule{
			{ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "u1", VariantKey: "true", Priority: 10},
			{ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "u1", VariantKey: "false", Priority: 1},
		}
	})
	d := newTestEngine().Evaluate(snap, user("u1"), "production")
	if d.Variant != "false" {
		t.Fatalf("variant = %s, want the priority-1 rule's variant", d.Variant)
	}
	if d.Reason != model.ReasonUserIDMatch {
		t.Fatalf("reason = %s, want user_id_match", d.Reason)
	}
}

func TestFirstMatchWins(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 0
		s.Rules = []model.Rule{
			{ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "other", Priority: 1},
			{ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "u1,u2", VariantKey: "true", Priority: 2},
		}
	})
	d := newTestEngine().Evaluate(snap, user("u2"), "production")
	if !d.Enabled || d.Variant != "true" {
		t.Fatalf("got enabled=%v variant=%s, want the second rule to match", d.Enabled, d.Variant)
	}
}

func TestNoRuleMatchFallsThroughToRollout(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 0
		s.Rules = []model.Rule{
			{ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "someone_else", Priority: 1},
		}
	})
	d := newTestEngine().Evaluate(snap, user("u1"), "production")
	if d.Enabled || d.Reason != model.ReasonZeroRollout {
		t.Fatalf("got enabled=%v reason=%s, want fallthrough to zero_rollout", d.Enabled, d.Reason)
	}
}

func TestUnknownRuleTypeSkipped(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Rules = []model.Rule{
			{ID: uuid.New(), Type: model.RuleTypeSegment, AttributeValue: "beta_users", Priority: 1},
		}
	})
	d := newTestEngine(WithRand(func(n int) int { return 0 })).Evaluate(snap, user("u1"), "production")
	// Segment evaluation is unregistered; the rule must not match and
	// evaluation continues to the rollout stage.
	if !d.Enabled || d.Reason != model.ReasonFullRollout {
		t.Fatalf("got enabled=%v reason=%s, want full_rollout after skipping segment rule", d.Enabled, d.Reason)
	}
}

func TestPercentageRule(t *testing.T) {
	ruleID := uuid.New()
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 0
		s.Rules = []model.Rule{
			{ID: ruleID, Type: model.RuleTypePercentage, Percentage: 30, VariantKey: "true", Priority: 1},
		}
	})
	e := newTestEngine()

	matched := 0
	for i := 0; i < 1000; i++ {
		u := user(fmt.Sprintf("user-%d", i))
		d := e.Evaluate(snap, u, "production")
		want := hashing.Bucket(u.UserID, ruleID.String()) < 30
		if d.Enabled != want {
			t.Fatalf("user %s: enabled=%v, rule bucket says %v", u.UserID, d.Enabled, want)
		}
		if d.Enabled {
			matched++
		}
	}
	if matched < 200 || matched > 400 {
		t.Fatalf("matched %d of 1000, expected near 300", matched)
	}
}

func TestPercentageRuleZeroNeverMatches(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Config.RolloutPercentage = 0
		s.Rules = []model.Rule{
			{ID: uuid.New(), Type: model.RuleTypePercentage, Percentage: 0, Priority: 1},
		}
	})
	e := newTestEngine()
	for i := 0; i < 100; i++ {
		if d := e.Evaluate(snap, user(fmt.Sprintf("u%d", i)), "production"); d.Enabled {
			t.Fatal("zero-percentage rule matched")
		}
	}
}

func TestAttributeRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    model.Rule
		user    *model.UserContext
		matched bool
		reason  model.Reason
	}{
		{
			name: "equals match",
			rule: model.Rule{Type: model.RuleTypeAttribute, AttributeName: "plan", Operator: model.OpEquals, AttributeValue: "premium"},
			user: &model.UserContext{Attributes: map[string]any{"plan": "premium"}},
			matched: true, reason: model.ReasonAttributeMatch,
		},
		{
			name: "custom attribute overrides base",
			rule: model.Rule{Type: model.RuleTypeAttribute, AttributeName: "plan", Operator: model.OpEquals, AttributeValue: "premium"},
			user: &model.UserContext{
				Attributes:       map[string]any{"plan": "free"},
				CustomAttributes: map[string]any{"plan": "premium"},
			},
			matched: true, reason: model.ReasonAttributeMatch,
		},
		{
			name: "missing attribute",
			rule: model.Rule{Type: model.RuleTypeAttribute, AttributeName: "plan", Operator: model.OpEquals, AttributeValue: "premium"},
			user: &model.UserContext{Attributes: map[string]any{"country": "de"}},
			matched: false, reason: model.ReasonAttributeNotFound,
		},
		{
			name:    "malformed rule",
			rule:    model.Rule{Type: model.RuleTypeAttribute, AttributeName: "", Operator: model.OpEquals, AttributeValue: "premium"},
			user:    &model.UserContext{Attributes: map[string]any{"plan": "premium"}},
			matched: false, reason: model.ReasonInvalidAttributeRule,
		},
		{
			name: "numeric greater_than",
			rule: model.Rule{Type: model.RuleTypeAttribute, AttributeName: "age", Operator: model.OpGreaterThan, AttributeValue: "17"},
			user: &model.UserContext{Attributes: map[string]any{"age": 21}},
			matched: true, reason: model.ReasonAttributeMatch,
		},
	}

	e := newTestEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.ID = uuid.New()
			matched, reason := e.evalAttributeRule(&tt.rule, tt.user)
			if matched != tt.matched || reason != tt.reason {
				t.Fatalf("got (%v, %s), want (%v, %s)", matched, reason, tt.matched, tt.reason)
			}
		})
	}
}

func TestUserIDRule(t *testing.T) {
	e := newTestEngine()
	rule := &model.Rule{Type: model.RuleTypeUserID, AttributeValue: "u1, u2 ,u3"}

	if matched, reason := e.evalUserIDRule(rule, user("u2")); !matched || reason != model.ReasonUserIDMatch {
		t.Fatalf("got (%v, %s), want membership match with trimmed tokens", matched, reason)
	}
	if matched, _ := e.evalUserIDRule(rule, user("U2")); matched {
		t.Fatal("user ID membership must be case-sensitive")
	}
	if matched, reason := e.evalUserIDRule(rule, user("")); matched || reason != model.ReasonInvalidUserIDRule {
		t.Fatalf("got (%v, %s), want invalid_user_id_rule for empty ID", matched, reason)
	}
}

func TestWeightedDraw(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Flag.Type = model.FlagTypeString
		s.Variants = []model.Variant{
			{Key: "control", Value: "a", Weight: 70},
			{Key: "treatment", Value: "b", Weight: 30},
		}
	})

	// draw below the first cumulative weight picks the first variant
	e := newTestEngine(WithRand(func(n int) int { return 69 }))
	if v := e.pickVariant(snap, "u1"); v != "control" {
		t.Fatalf("draw 69 picked %s, want control", v)
	}
	e = newTestEngine(WithRand(func(n int) int { return 70 }))
	if v := e.pickVariant(snap, "u1"); v != "treatment" {
		t.Fatalf("draw 70 picked %s, want treatment", v)
	}
}

func TestWeightedDrawZeroWeights(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Flag.Type = model.FlagTypeString
		s.Variants = []model.Variant{
			{Key: "zebra", Value: "z", Weight: 0},
			{Key: "apple", Value: "a", Weight: 0},
		}
	})
	if v := newTestEngine().pickVariant(snap, "u1"); v != "apple" {
		t.Fatalf("all-zero weights picked %s, want lexicographic first", v)
	}
}

func TestWeightedDrawNoVariants(t *testing.T) {
	boolean := testSnapshot(func(s *model.FlagSnapshot) { s.Variants = nil })
	if v := newTestEngine().pickVariant(boolean, "u1"); v != "true" {
		t.Fatalf("boolean flag without variants picked %s, want true", v)
	}

	str := testSnapshot(func(s *model.FlagSnapshot) {
		s.Flag.Type = model.FlagTypeString
		s.Variants = nil
		s.Config.DefaultVariant = "fallback"
	})
	if v := newTestEngine().pickVariant(str, "u1"); v != "fallback" {
		t.Fatalf("string flag without variants picked %s, want default variant", v)
	}
}

func TestStickyVariants(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Flag.Type = model.FlagTypeString
		s.Variants = []model.Variant{
			{Key: "a", Value: "a", Weight: 50},
			{Key: "b", Value: "b", Weight: 50},
		}
	})
	e := newTestEngine(WithStickyVariants())
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("user-%d", i)
		first := e.pickVariant(snap, id)
		for j := 0; j < 5; j++ {
			if v := e.pickVariant(snap, id); v != first {
				t.Fatalf("sticky draw changed for %s: %s then %s", id, first, v)
			}
		}
	}
}

func TestRuleVariantFallsBackToDefault(t *testing.T) {
	snap := testSnapshot(func(s *model.FlagSnapshot) {
		s.Rules = []model.Rule{
			{ID: uuid.New(), Type: model.RuleTypeUserID, AttributeValue: "u1", Priority: 1},
		}
	})
	d := newTestEngine().Evaluate(snap, user("u1"), "production")
	if d.Variant != "false" {
		t.Fatalf("variant = %s, want config default when the rule names none", d.Variant)
	}
}

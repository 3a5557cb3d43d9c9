package engine

import (
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/hashing"
	"github.com/yidan233/FeatureFlow/pkg/model"
)

// Engine evaluates flag snapshots against user contexts. It is pure and
// safe for concurrent use on shared snapshots; the only non-determinism
// is the weighted variant draw, which is injectable for tests.
type Engine struct {
	logger   zerolog.Logger
	sticky   bool
	randIntN func(n int) int
	rules    map[model.RuleType]ruleFunc
}

type ruleFunc func(e *Engine, rule *model.Rule, user *model.UserContext) (bool, model.Reason)

// Option configures an Engine.
type Option func(*Engine)

// WithStickyVariants derives the weighted draw from
// bucket(user, flagKey+":variant") instead of a fresh random, making the
// in-rollout variant assignment stable per user.
func WithStickyVariants() Option {
	return func(e *Engine) { e.sticky = true }
}

// WithRand overrides the random source used for weighted draws.
func WithRand(fn func(n int) int) Option {
	return func(e *Engine) { e.randIntN = fn }
}

// New creates a rule engine. Rule dispatch is table-driven so new rule
// types can be registered without touching the evaluation loop.
func New(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger.With().Str("component", "rule_engine").Logger(),
		randIntN: rand.Intn,
	}
	e.rules = map[model.RuleType]ruleFunc{
		model.RuleTypePercentage: (*Engine).evalPercentageRule,
		model.RuleTypeAttribute:  (*Engine).evalAttributeRule,
		model.RuleTypeUserID:     (*Engine).evalUserIDRule,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the full decision algorithm: disabled check, rules in
// priority order (first match wins), then the config-level rollout
// percentage against the user's deterministic bucket.
func (e *Engine) Evaluate(snap *model.FlagSnapshot, user *model.UserContext, env string) model.Decision {
	cfg := &snap.Config
	if !cfg.Enabled {
		return model.Decision{Enabled: false, Variant: cfg.DefaultVariant, Reason: model.ReasonFlagDisabled}
	}

	rules := make([]model.Rule, len(snap.Rules))
	copy(rules, snap.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for i := range rules {
		rule := &rules[i]
		matched, reason := e.evalRule(rule, user)
		if matched {
			variant := rule.VariantKey
			if variant == "" {
				variant = cfg.DefaultVariant
			}
			return model.Decision{Enabled: true, Variant: variant, Reason: reason}
		}
		e.logger.Debug().
			Str("flag_key", snap.Flag.Key).
			Str("environment", env).
			Str("rule_id", rule.ID.String()).
			Str("rule_type", string(rule.Type)).
			Str("reason", string(reason)).
			Msg("Rule did not match")
	}

	userID := bucketID(user)
	switch {
	case cfg.RolloutPercentage <= 0:
		return model.Decision{Enabled: false, Variant: cfg.DefaultVariant, Reason: model.ReasonZeroRollout}
	case cfg.RolloutPercentage >= 100:
		return model.Decision{Enabled: true, Variant: e.pickVariant(snap, userID), Reason: model.ReasonFullRollout}
	default:
		if hashing.Bucket(userID, snap.Flag.Key) < cfg.RolloutPercentage {
			return model.Decision{Enabled: true, Variant: e.pickVariant(snap, userID), Reason: model.ReasonRolloutMatch}
		}
		return model.Decision{Enabled: false, Variant: cfg.DefaultVariant, Reason: model.ReasonRolloutNoMatch}
	}
}

func (e *Engine) evalRule(rule *model.Rule, user *model.UserContext) (bool, model.Reason) {
	fn, ok := e.rules[rule.Type]
	if !ok {
		// segment rules land here until segment evaluation is registered
		e.logger.Warn().Str("rule_type", string(rule.Type)).Msg("Unsupported rule type")
		return false, model.ReasonUnknownRuleType
	}
	return fn(e, rule, user)
}

func (e *Engine) evalPercentageRule(rule *model.Rule, user *model.UserContext) (bool, model.Reason) {
	if rule.Percentage <= 0 {
		return false, model.ReasonZeroPercentage
	}
	if hashing.Bucket(bucketID(user), rule.ID.String()) < rule.Percentage {
		return true, model.ReasonPercentageMatch
	}
	return false, model.ReasonPercentageNoMatch
}

func (e *Engine) evalAttributeRule(rule *model.Rule, user *model.UserContext) (bool, model.Reason) {
	if rule.AttributeName == "" || rule.Operator == "" || rule.AttributeValue == "" {
		return false, model.ReasonInvalidAttributeRule
	}
	value, ok := user.Attribute(rule.AttributeName)
	if !ok {
		return false, model.ReasonAttributeNotFound
	}
	if matchOperator(rule.Operator, value, rule.AttributeValue) {
		return true, model.ReasonAttributeMatch
	}
	return false, model.ReasonAttributeNoMatch
}

func (e *Engine) evalUserIDRule(rule *model.Rule, user *model.UserContext) (bool, model.Reason) {
	if user == nil || user.UserID == "" || rule.AttributeValue == "" {
		return false, model.ReasonInvalidUserIDRule
	}
	// case-sensitive membership, unlike attribute operators
	for _, id := range splitList(rule.AttributeValue) {
		if id == user.UserID {
			return true, model.ReasonUserIDMatch
		}
	}
	return false, model.ReasonUserIDNoMatch
}

// pickVariant draws a variant by weight. Weights are normalized by their
// actual sum. The draw is fresh per call unless sticky variants are on,
// so only the rollout inclusion decision is stable per user by default.
func (e *Engine) pickVariant(snap *model.FlagSnapshot, userID string) string {
	variants := snap.Variants
	if len(variants) == 0 {
		if snap.Flag.Type == model.FlagTypeBoolean {
			return "true"
		}
		return snap.Config.DefaultVariant
	}

	total := 0
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return lexicographicFirst(variants)
	}

	var draw int
	if e.sticky {
		draw = int(hashing.Fingerprint(userID, snap.Flag.Key+":variant") % uint32(total))
	} else {
		draw = e.randIntN(total)
	}

	cumulative := 0
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		cumulative += v.Weight
		if cumulative > draw {
			return v.Key
		}
	}
	return variants[len(variants)-1].Key
}

func lexicographicFirst(variants []model.Variant) string {
	first := variants[0].Key
	for _, v := range variants[1:] {
		if v.Key < first {
			first = v.Key
		}
	}
	return first
}

func bucketID(user *model.UserContext) string {
	if user == nil || user.UserID == "" {
		return hashing.AnonymousID
	}
	return user.UserID
}

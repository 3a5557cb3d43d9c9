package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FlagType is the value type a flag resolves to.
type FlagType string

const (
	FlagTypeBoolean FlagType = "boolean"
	FlagTypeString  FlagType = "string"
	FlagTypeNumber  FlagType = "number"
	FlagTypeJSON    FlagType = "json"
)

// ValidFlagType reports whether t is one of the supported flag types.
func ValidFlagType(t FlagType) bool {
	switch t {
	case FlagTypeBoolean, FlagTypeString, FlagTypeNumber, FlagTypeJSON:
		return true
	}
	return false
}

// RuleType identifies how a rollout rule is evaluated.
type RuleType string

const (
	RuleTypePercentage RuleType = "percentage"
	RuleTypeAttribute  RuleType = "attribute"
	RuleTypeUserID     RuleType = "user_id"
	RuleTypeSegment    RuleType = "segment"
)

// ValidRuleType reports whether t is one of the supported rule types.
func ValidRuleType(t RuleType) bool {
	switch t {
	case RuleTypePercentage, RuleTypeAttribute, RuleTypeUserID, RuleTypeSegment:
		return true
	}
	return false
}

// Operator is the comparison applied by attribute rules.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// ValidOperator reports whether op is one of the supported comparison
// operators.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains,
		OpStartsWith, OpEndsWith, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Flag is a feature flag record. Soft-deleted flags keep their row with
// Active cleared and are invisible to evaluation.
type Flag struct {
	ID          uuid.UUID `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        FlagType  `json:"type"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FlagConfig is the per-environment state of a flag. Exactly one exists
// per (flag, environment).
type FlagConfig struct {
	ID                uuid.UUID       `json:"id"`
	FlagID            uuid.UUID       `json:"flag_id"`
	Environment       string          `json:"environment"`
	Enabled           bool            `json:"enabled"`
	DefaultVariant    string          `json:"default_variant"`
	RolloutPercentage int             `json:"rollout_percentage"`
	Config            json.RawMessage `json:"config,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Variant is a named value within a flag. Weights need not sum to 100;
// the weighted draw normalizes by the actual sum.
type Variant struct {
	ID     uuid.UUID `json:"id"`
	FlagID uuid.UUID `json:"flag_id"`
	Key    string    `json:"key"`
	Value  string    `json:"value"`
	Weight int       `json:"weight"`
}

// Rule is a targeting rule attached to a FlagConfig. Rules are replaced
// wholesale on config update, never patched in place.
type Rule struct {
	ID             uuid.UUID `json:"id"`
	ConfigID       uuid.UUID `json:"config_id"`
	Type           RuleType  `json:"rule_type"`
	AttributeName  string    `json:"attribute_name,omitempty"`
	Operator       Operator  `json:"operator,omitempty"`
	AttributeValue string    `json:"attribute_value,omitempty"`
	Percentage     int       `json:"percentage,omitempty"`
	VariantKey     string    `json:"variant_key,omitempty"`
	Priority       int       `json:"priority"`
}

// FlagSnapshot is the pre-joined tuple cached per (flag, environment) and
// consumed by the rule engine. It must round-trip through JSON unchanged.
type FlagSnapshot struct {
	Flag     Flag       `json:"flag"`
	Config   FlagConfig `json:"config"`
	Variants []Variant  `json:"variants"`
	Rules    []Rule     `json:"rules"`
}

// UserContext carries the runtime identity and attributes evaluation runs
// against. Custom attributes override base attributes on name collision.
type UserContext struct {
	UserID           string         `json:"user_id,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
}

// Attribute looks up a named attribute across both maps, custom first.
func (c *UserContext) Attribute(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.CustomAttributes[name]; ok {
		return v, true
	}
	v, ok := c.Attributes[name]
	return v, ok
}

// Decision is the rule engine's verdict for one (flag, environment, user).
type Decision struct {
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant"`
	Reason  Reason `json:"reason"`
}

// Reason explains how a Decision was reached. Reason tags are part of the
// public contract and are surfaced in metrics.
type Reason string

const (
	ReasonFlagDisabled         Reason = "flag_disabled"
	ReasonZeroPercentage       Reason = "zero_percentage"
	ReasonPercentageMatch      Reason = "percentage_match"
	ReasonPercentageNoMatch    Reason = "percentage_no_match"
	ReasonInvalidAttributeRule Reason = "invalid_attribute_rule"
	ReasonAttributeNotFound    Reason = "attribute_not_found"
	ReasonAttributeMatch       Reason = "attribute_match"
	ReasonAttributeNoMatch     Reason = "attribute_no_match"
	ReasonInvalidUserIDRule    Reason = "invalid_user_id_rule"
	ReasonUserIDMatch          Reason = "user_id_match"
	ReasonUserIDNoMatch        Reason = "user_id_no_match"
	ReasonZeroRollout          Reason = "zero_rollout"
	ReasonFullRollout          Reason = "full_rollout"
	ReasonRolloutMatch         Reason = "rollout_match"
	ReasonRolloutNoMatch       Reason = "rollout_no_match"
	ReasonUnknownRuleType      Reason = "unknown_rule_type"
	ReasonFlagNotFound         Reason = "flag_not_found"
	ReasonInvalidContext       Reason = "invalid_context"
	ReasonEvaluationError      Reason = "evaluation_error"
)

package core

import (
	"encoding/json"
	"time"
)

// Operator identifies a targeting rule comparison.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorContains    Operator = "contains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"
	OperatorIn          Operator = "in"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
)

// Rule is a single targeting condition. Attribute is a dot-separated path
// into the evaluation context (e.g. "customAttributes.subscriptionTier").
type Rule struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// Flag is a named toggle with optional targeting, rollout, environment, and
// expiry gates. A flag with none of the optional gates set evaluates exactly
// to Enabled.
type Flag struct {
	Key          string          `json:"key"`
	Enabled      bool            `json:"enabled"`
	Value        json.RawMessage `json:"value,omitempty"`
	Rules        []Rule          `json:"rules,omitempty"`
	Rollout      *int            `json:"rollout,omitempty"`
	Environments []string        `json:"environments,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// EvaluationContext describes the subject a flag is evaluated against.
// All fields are optional; an unset field fails any rule that targets it.
type EvaluationContext struct {
	UserID     string         `json:"user_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	UserType   string         `json:"user_type,omitempty"`
	Country    string         `json:"country,omitempty"`
	Platform   string         `json:"platform,omitempty"`
	AppVersion string         `json:"app_version,omitempty"`
	Custom     map[string]any `json:"custom_attributes,omitempty"`
}

// ContextPatch is a partial EvaluationContext. Nil fields are left
// untouched by Merge; a non-nil Custom map replaces the existing one.
type ContextPatch struct {
	UserID     *string        `json:"user_id,omitempty"`
	Email      *string        `json:"email,omitempty"`
	UserType   *string        `json:"user_type,omitempty"`
	Country    *string        `json:"country,omitempty"`
	Platform   *string        `json:"platform,omitempty"`
	AppVersion *string        `json:"app_version,omitempty"`
	Custom     map[string]any `json:"custom_attributes,omitempty"`
}

// Merge applies the patch field-wise and returns the merged context.
// The merge is shallow: Custom is swapped wholesale when present.
func (c EvaluationContext) Merge(patch ContextPatch) EvaluationContext {
	merged := c
	if patch.UserID != nil {
		merged.UserID = *patch.UserID
	}
	if patch.Email != nil {
		merged.Email = *patch.Email
	}
	if patch.UserType != nil {
		merged.UserType = *patch.UserType
	}
	if patch.Country != nil {
		merged.Country = *patch.Country
	}
	if patch.Platform != nil {
		merged.Platform = *patch.Platform
	}
	if patch.AppVersion != nil {
		merged.AppVersion = *patch.AppVersion
	}
	if patch.Custom != nil {
		merged.Custom = patch.Custom
	}
	return merged
}

// attributes returns the context as a nested map for dot-path resolution.
// Unset string fields are omitted so rules targeting them fail to match.
func (c EvaluationContext) attributes() map[string]any {
	attrs := make(map[string]any, 7)
	put := func(name, value string) {
		if value != "" {
			attrs[name] = value
		}
	}
	put("userId", c.UserID)
	put("email", c.Email)
	put("userType", c.UserType)
	put("country", c.Country)
	put("platform", c.Platform)
	put("appVersion", c.AppVersion)
	if c.Custom != nil {
		attrs["customAttributes"] = c.Custom
	}
	return attrs
}

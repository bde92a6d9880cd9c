package flagstore

import (
	"encoding/json"

	"github.com/tomhudson/flagpole/internal/core"
)

// DefaultFlags returns the static default table the registry is seeded
// with at store creation. Providers without a real backend return this
// table unchanged, so every deployment starts from the same known state.
func DefaultFlags() map[string]core.Flag {
	halfRollout := 50
	quarterRollout := 25

	return map[string]core.Flag{
		"dark_mode": {
			Key:     "dark_mode",
			Enabled: true,
		},
		"new_onboarding_flow": {
			Key:     "new_onboarding_flow",
			Enabled: true,
			Rollout: &halfRollout,
		},
		"premium_features": {
			Key:     "premium_features",
			Enabled: true,
			Rules: []core.Rule{
				{Attribute: "userType", Operator: core.OperatorIn, Value: []string{"premium", "enterprise"}},
			},
		},
		"beta_analytics_dashboard": {
			Key:          "beta_analytics_dashboard",
			Enabled:      true,
			Rollout:      &quarterRollout,
			Environments: []string{"development", "staging"},
		},
		"search_ranking": {
			Key:     "search_ranking",
			Enabled: true,
			Value:   json.RawMessage(`{"algorithm":"bm25","boost_recent":true}`),
		},
		"maintenance_banner": {
			Key:     "maintenance_banner",
			Enabled: false,
			Value:   json.RawMessage(`{"message":""}`),
		},
	}
}

package core

import (
	"testing"
	"time"
)

func intPtr(value int) *int {
	return &value
}

func strPtr(value string) *string {
	return &value
}

func TestEvaluate(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name        string
		flag        Flag
		context     EvaluationContext
		environment string
		want        bool
	}{
		{
			name: "plain enabled flag resolves true",
			flag: Flag{Key: "y", Enabled: true},
			want: true,
		},
		{
			name: "plain disabled flag resolves false",
			flag: Flag{Key: "y", Enabled: false},
			context: EvaluationContext{
				UserID: "user-1",
				Custom: map[string]any{"anything": "goes"},
			},
			want: false,
		},
		{
			name: "expired flag resolves false regardless of enabled",
			flag: Flag{Key: "old", Enabled: true, ExpiresAt: &past},
			want: false,
		},
		{
			name: "future expiry leaves flag active",
			flag: Flag{Key: "fresh", Enabled: true, ExpiresAt: &future},
			want: true,
		},
		{
			name:        "environment mismatch resolves false",
			flag:        Flag{Key: "prod-only", Enabled: true, Environments: []string{"production"}},
			environment: "staging",
			want:        false,
		},
		{
			name:        "environment member resolves to enabled",
			flag:        Flag{Key: "prod-only", Enabled: true, Environments: []string{"staging", "production"}},
			environment: "production",
			want:        true,
		},
		{
			name: "empty environment falls back to development",
			flag: Flag{Key: "dev-only", Enabled: true, Environments: []string{"development"}},
			want: true,
		},
		{
			name: "single matching rule resolves to enabled",
			flag: Flag{
				Key:     "geo",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "country", Operator: OperatorEquals, Value: "US"},
				},
			},
			context: EvaluationContext{Country: "US"},
			want:    true,
		},
		{
			name: "all rules must match",
			flag: Flag{
				Key:     "geo-premium",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "country", Operator: OperatorEquals, Value: "US"},
					{Attribute: "userType", Operator: OperatorEquals, Value: "premium"},
				},
			},
			context: EvaluationContext{Country: "US", UserType: "free"},
			want:    false,
		},
		{
			name: "in rule matches membership",
			flag: Flag{
				Key:     "tiers",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "userType", Operator: OperatorIn, Value: []any{"premium", "enterprise"}},
				},
			},
			context: EvaluationContext{UserType: "premium"},
			want:    true,
		},
		{
			name: "in rule rejects non-member",
			flag: Flag{
				Key:     "tiers",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "userType", Operator: OperatorIn, Value: []any{"premium", "enterprise"}},
				},
			},
			context: EvaluationContext{UserType: "free"},
			want:    false,
		},
		{
			name: "in rule supports typed slices",
			flag: Flag{
				Key:     "tiers",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "userType", Operator: OperatorIn, Value: []string{"premium", "enterprise"}},
				},
			},
			context: EvaluationContext{UserType: "enterprise"},
			want:    true,
		},
		{
			name: "in rule with non-list value fails",
			flag: Flag{
				Key:     "tiers",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "userType", Operator: OperatorIn, Value: "premium"},
				},
			},
			context: EvaluationContext{UserType: "premium"},
			want:    false,
		},
		{
			name: "contains rule on email domain",
			flag: Flag{
				Key:     "dogfood",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "email", Operator: OperatorContains, Value: "@example.com"},
				},
			},
			context: EvaluationContext{Email: "dev@example.com"},
			want:    true,
		},
		{
			name: "startsWith rule on app version",
			flag: Flag{
				Key:     "v2-ui",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "appVersion", Operator: OperatorStartsWith, Value: "2."},
				},
			},
			context: EvaluationContext{AppVersion: "2.14.0"},
			want:    true,
		},
		{
			name: "endsWith rule mismatch",
			flag: Flag{
				Key:     "beta-build",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "appVersion", Operator: OperatorEndsWith, Value: "-beta"},
				},
			},
			context: EvaluationContext{AppVersion: "2.14.0"},
			want:    false,
		},
		{
			name: "greaterThan coerces numeric strings",
			flag: Flag{
				Key:     "power-users",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "customAttributes.loginCount", Operator: OperatorGreaterThan, Value: "10"},
				},
			},
			context: EvaluationContext{Custom: map[string]any{"loginCount": 42}},
			want:    true,
		},
		{
			name: "lessThan against json number",
			flag: Flag{
				Key:     "trial",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "customAttributes.accountAgeDays", Operator: OperatorLessThan, Value: float64(30)},
				},
			},
			context: EvaluationContext{Custom: map[string]any{"accountAgeDays": float64(31)}},
			want:    false,
		},
		{
			name: "greaterThan with non-numeric operand fails rule",
			flag: Flag{
				Key:     "power-users",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "userType", Operator: OperatorGreaterThan, Value: 5},
				},
			},
			context: EvaluationContext{UserType: "premium"},
			want:    false,
		},
		{
			name: "dot path into custom attributes",
			flag: Flag{
				Key:     "beta",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "customAttributes.subscriptionTier", Operator: OperatorEquals, Value: "gold"},
				},
			},
			context: EvaluationContext{Custom: map[string]any{"subscriptionTier": "gold"}},
			want:    true,
		},
		{
			name: "missing attribute path fails rule without panic",
			flag: Flag{
				Key:     "beta",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "customAttributes.betaTester", Operator: OperatorEquals, Value: true},
				},
			},
			context: EvaluationContext{UserID: "user-1"},
			want:    false,
		},
		{
			name: "null attribute value fails rule",
			flag: Flag{
				Key:     "beta",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "customAttributes.betaTester", Operator: OperatorEquals, Value: true},
				},
			},
			context: EvaluationContext{Custom: map[string]any{"betaTester": nil}},
			want:    false,
		},
		{
			name: "unknown operator fails rule",
			flag: Flag{
				Key:     "geo",
				Enabled: true,
				Rules: []Rule{
					{Attribute: "country", Operator: Operator("matches"), Value: "US"},
				},
			},
			context: EvaluationContext{Country: "US"},
			want:    false,
		},
		{
			name: "zero percent rollout excludes everyone",
			flag: Flag{Key: "x", Enabled: true, Rollout: intPtr(0)},
			context: EvaluationContext{
				UserID: "user-1",
			},
			want: false,
		},
		{
			name: "full rollout leaves flag active",
			flag: Flag{Key: "x", Enabled: true, Rollout: intPtr(100)},
			want: true,
		},
		{
			name: "expiry check runs before rollout",
			flag: Flag{Key: "x", Enabled: true, Rollout: intPtr(100), ExpiresAt: &past},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.flag, tt.context, tt.environment); got != tt.want {
				t.Fatalf("Evaluate() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestEvaluatePureFunctionOfInputs(t *testing.T) {
	flag := Flag{
		Key:     "gradual",
		Enabled: true,
		Rollout: intPtr(50),
	}
	context := EvaluationContext{UserID: "user-7"}

	first := Evaluate(flag, context, "production")
	for i := 0; i < 100; i++ {
		if got := Evaluate(flag, context, "production"); got != first {
			t.Fatalf("Evaluate() flapped between calls: %t then %t", first, got)
		}
	}
}

func TestBucketDeterminism(t *testing.T) {
	bucket := Bucket("user-42", "new-checkout")
	for i := 0; i < 1000; i++ {
		if got := Bucket("user-42", "new-checkout"); got != bucket {
			t.Fatalf("Bucket() = %d, want stable %d", got, bucket)
		}
	}

	if bucket < 0 || bucket > 99 {
		t.Fatalf("Bucket() = %d, want value in [0, 99]", bucket)
	}
}

func TestBucketAnonymousFallback(t *testing.T) {
	if got, want := Bucket("", "some-flag"), Bucket("anonymous", "some-flag"); got != want {
		t.Fatalf("Bucket(\"\") = %d, want %d (anonymous)", got, want)
	}
}

func TestBucketVariesAcrossFlags(t *testing.T) {
	// A user does not land in the same bucket for every flag. Not
	// guaranteed for any two keys, so probe a spread.
	buckets := make(map[int]bool)
	keys := []string{"checkout", "onboarding", "dark-mode", "search-v2", "billing", "referrals"}
	for _, key := range keys {
		buckets[Bucket("user-42", key)] = true
	}
	if len(buckets) < 2 {
		t.Fatalf("Bucket() returned a single value %v across %d flag keys", buckets, len(keys))
	}
}

func TestRolloutMonotonicity(t *testing.T) {
	// A user included at rollout p stays included at every q > p.
	users := []string{"", "anonymous", "user-1", "user-42", "a-very-long-user-identifier", "日本語ユーザー"}
	for _, user := range users {
		bucket := Bucket(user, "gradual-feature")
		included := false
		for p := 0; p <= 100; p++ {
			flag := Flag{Key: "gradual-feature", Enabled: true, Rollout: intPtr(p)}
			got := Evaluate(flag, EvaluationContext{UserID: user}, "")
			if included && !got {
				t.Fatalf("user %q (bucket %d) dropped out at rollout %d", user, bucket, p)
			}
			included = got
		}
		if !included {
			t.Fatalf("user %q (bucket %d) excluded at rollout 100", user, bucket)
		}
	}
}

func TestEvaluateAll(t *testing.T) {
	flags := map[string]Flag{
		"on":     {Key: "on", Enabled: true},
		"off":    {Key: "off", Enabled: false},
		"geo":    {Key: "geo", Enabled: true, Rules: []Rule{{Attribute: "country", Operator: OperatorEquals, Value: "US"}}},
		"nobody": {Key: "nobody", Enabled: true, Rollout: intPtr(0)},
	}

	got := EvaluateAll(flags, EvaluationContext{Country: "US"}, "development")
	want := map[string]bool{"on": true, "off": false, "geo": true, "nobody": false}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("EvaluateAll()[%q] = %t, want %t", key, got[key], value)
		}
	}
}

func TestContextMerge(t *testing.T) {
	base := EvaluationContext{
		UserID:  "user-1",
		Country: "US",
		Custom:  map[string]any{"tier": "silver"},
	}

	merged := base.Merge(ContextPatch{
		Country: strPtr("CA"),
		Custom:  map[string]any{"tier": "gold"},
	})

	if merged.UserID != "user-1" {
		t.Fatalf("Merge() dropped UserID: %q", merged.UserID)
	}
	if merged.Country != "CA" {
		t.Fatalf("Merge().Country = %q, want CA", merged.Country)
	}
	if merged.Custom["tier"] != "gold" {
		t.Fatalf("Merge().Custom = %#v, want replaced map", merged.Custom)
	}
	if base.Country != "US" {
		t.Fatalf("Merge() mutated receiver: %q", base.Country)
	}
}

func TestContextMergeEmptyPatchIsNoop(t *testing.T) {
	base := EvaluationContext{UserID: "user-1", Platform: "ios"}
	merged := base.Merge(ContextPatch{})
	if merged.UserID != "user-1" || merged.Platform != "ios" || merged.Custom != nil {
		t.Fatalf("Merge(empty) = %#v, want unchanged", merged)
	}
}

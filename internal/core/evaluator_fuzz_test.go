package core

import (
	"testing"
	"time"
)

func FuzzEvaluateNeverPanics(f *testing.F) {
	f.Add("country", "equals", "US", "US", "user-1", "production", 50)
	f.Add("customAttributes.tier", "in", "gold", "gold", "", "", 0)
	f.Add("appVersion", "startsWith", "2.", "2.14.0", "anonymous", "development", 100)
	f.Add("", "unknown", "", "", "", "", -3)

	f.Fuzz(func(t *testing.T, attribute, operator, ruleValue, ctxValue, userID, environment string, rollout int) {
		expiry := time.Now().Add(time.Duration(rollout) * time.Minute)
		flag := Flag{
			Key:     "fuzz-flag",
			Enabled: rollout%2 == 0,
			Rules: []Rule{
				{Attribute: attribute, Operator: Operator(operator), Value: ruleValue},
			},
			Environments: []string{environment},
			ExpiresAt:    &expiry,
		}
		if rollout >= 0 && rollout <= 100 {
			flag.Rollout = &rollout
		}

		context := EvaluationContext{
			UserID:  userID,
			Country: ctxValue,
			Custom:  map[string]any{"tier": ctxValue, "nested": map[string]any{"deep": ctxValue}},
		}

		// Must resolve to a boolean for arbitrary input, never panic.
		_ = Evaluate(flag, context, environment)
	})
}

func FuzzBucketRange(f *testing.F) {
	f.Add("user-1", "checkout")
	f.Add("", "")
	f.Add("日本語ユーザー", "flag-\x00-key")

	f.Fuzz(func(t *testing.T, userID, flagKey string) {
		bucket := Bucket(userID, flagKey)
		if bucket < 0 || bucket > 99 {
			t.Fatalf("Bucket(%q, %q) = %d, want value in [0, 99]", userID, flagKey, bucket)
		}
		if again := Bucket(userID, flagKey); again != bucket {
			t.Fatalf("Bucket(%q, %q) unstable: %d then %d", userID, flagKey, bucket, again)
		}
	})
}

func FuzzValuesEqualSymmetry(f *testing.F) {
	f.Add(int64(1), uint64(1), float64(1), "1")
	f.Add(int64(-1), uint64(2), float64(-1), "")
	f.Add(int64(9007199254740993), uint64(9007199254740992), float64(9007199254740992), "snowflake")

	f.Fuzz(func(t *testing.T, i int64, u uint64, fl float64, value string) {
		if valuesEqual(i, u) != valuesEqual(u, i) {
			t.Fatalf("valuesEqual symmetry failed for int/uint: %d, %d", i, u)
		}
		if valuesEqual(i, fl) != valuesEqual(fl, i) {
			t.Fatalf("valuesEqual symmetry failed for int/float: %d, %f", i, fl)
		}
		if valuesEqual(value, fl) != valuesEqual(fl, value) {
			t.Fatalf("valuesEqual symmetry failed for string/float: %q, %f", value, fl)
		}
	})
}

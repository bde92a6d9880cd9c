package core

import (
	"fmt"
	"testing"
)

func BenchmarkEvaluate_NoGates(b *testing.B) {
	flag := Flag{Key: "feature-plain", Enabled: true}
	ctx := EvaluationContext{UserID: "user-42", Country: "US"}

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, ctx, "production")
	}
}

func BenchmarkEvaluate_SingleRule(b *testing.B) {
	flag := Flag{
		Key:     "feature-single-rule",
		Enabled: true,
		Rules: []Rule{
			{Attribute: "country", Operator: OperatorEquals, Value: "US"},
		},
	}
	ctx := EvaluationContext{Country: "US"}

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, ctx, "production")
	}
}

func BenchmarkEvaluate_ManyRules(b *testing.B) {
	rules := make([]Rule, 15)
	custom := make(map[string]any, len(rules))
	for i := range rules {
		attr := fmt.Sprintf("attr-%d", i)
		rules[i] = Rule{
			Attribute: "customAttributes." + attr,
			Operator:  OperatorEquals,
			Value:     fmt.Sprintf("val-%d", i),
		}
		custom[attr] = fmt.Sprintf("val-%d", i)
	}

	flag := Flag{Key: "feature-many-rules", Enabled: true, Rules: rules}
	ctx := EvaluationContext{Custom: custom}

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, ctx, "production")
	}
}

func BenchmarkEvaluate_Rollout(b *testing.B) {
	rollout := 50
	flag := Flag{Key: "feature-rollout", Enabled: true, Rollout: &rollout}
	ctx := EvaluationContext{UserID: "user-42"}

	b.ResetTimer()
	for b.Loop() {
		Evaluate(flag, ctx, "production")
	}
}

func BenchmarkBucket(b *testing.B) {
	b.ResetTimer()
	for b.Loop() {
		Bucket("user-42", "new-checkout-flow")
	}
}

func BenchmarkEvaluateAll_Registry(b *testing.B) {
	rollout := 75
	flags := make(map[string]Flag, 100)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("flag-%03d", i)
		flag := Flag{Key: key, Enabled: i%10 != 0}
		if i%2 == 0 {
			flag.Rules = []Rule{
				{Attribute: "userType", Operator: OperatorIn, Value: []string{"premium", "enterprise"}},
			}
		}
		if i%3 == 0 {
			flag.Rollout = &rollout
		}
		flags[key] = flag
	}
	ctx := EvaluationContext{UserID: "user-42", UserType: "premium", Country: "US"}

	b.ResetTimer()
	for b.Loop() {
		EvaluateAll(flags, ctx, "production")
	}
}

package flagpole_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tomhudson/flagpole"
)

func defaults() map[string]flagpole.Flag {
	return map[string]flagpole.Flag{
		"new-ui": {
			Key:     "new-ui",
			Enabled: true,
			Rules: []flagpole.Rule{
				{Attribute: "country", Operator: flagpole.OperatorEquals, Value: "US"},
			},
		},
		"greeting": {
			Key:     "greeting",
			Enabled: true,
			Value:   json.RawMessage(`"hello"`),
		},
	}
}

func TestStoreWithLocalProvider(t *testing.T) {
	store := flagpole.New(context.Background(), flagpole.Config{Environment: "production"},
		flagpole.NewProvider(flagpole.ProviderConfig{Name: flagpole.ProviderLocal, Defaults: defaults}))
	defer store.Close()

	if store.IsEnabled("new-ui") {
		t.Fatal("IsEnabled(new-ui) = true for empty context, want false")
	}

	store.SetContext(flagpole.ContextPatch{Country: strPtr("US")})
	if !store.IsEnabled("new-ui") {
		t.Fatal("IsEnabled(new-ui) = false for US user, want true")
	}

	if got := flagpole.ValueAs(store, "greeting", "default"); got != "hello" {
		t.Fatalf("ValueAs(greeting) = %q, want hello", got)
	}
	if got := flagpole.ValueAs(store, "missing", "default"); got != "default" {
		t.Fatalf("ValueAs(missing) = %q, want default", got)
	}
}

func TestEvaluateWithoutStore(t *testing.T) {
	flag := flagpole.Flag{Key: "direct", Enabled: true}
	if !flagpole.Evaluate(flag, flagpole.EvaluationContext{}, "production") {
		t.Fatal("Evaluate() = false, want true")
	}
}

func TestBucketDeterministic(t *testing.T) {
	a := flagpole.Bucket("user-1", "new-ui")
	b := flagpole.Bucket("user-1", "new-ui")
	if a != b {
		t.Fatalf("Bucket() = %d then %d, want deterministic", a, b)
	}
	if a < 0 || a > 99 {
		t.Fatalf("Bucket() = %d, want 0-99", a)
	}
}

func strPtr(s string) *string { return &s }

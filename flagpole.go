// Package flagpole is the embeddable entry point for the flagpole
// feature flag engine.
//
// Applications create a [Store] backed by a [Provider] and query it:
//
//	store := flagpole.New(ctx, flagpole.Config{
//		Environment:     "production",
//		RefreshInterval: time.Minute,
//	}, flagpole.NewProvider(flagpole.ProviderConfig{
//		Name:    flagpole.ProviderHTTP,
//		BaseURL: "https://flags.internal:8080",
//		APIKey:  apiKey,
//	}))
//	defer store.Close()
//
//	if store.IsEnabled("new-ui") {
//		...
//	}
//
// The sub-directories cmd/server, internal/server et al. implement the
// flag service itself; this package only covers the client side.
package flagpole

import (
	"context"

	"github.com/tomhudson/flagpole/internal/core"
	"github.com/tomhudson/flagpole/internal/flagstore"
	"github.com/tomhudson/flagpole/internal/provider"
)

// Domain types, shared between providers and the store.
type (
	Flag              = core.Flag
	Rule              = core.Rule
	Operator          = core.Operator
	EvaluationContext = core.EvaluationContext
	ContextPatch      = core.ContextPatch
)

// Targeting rule operators.
const (
	OperatorEquals      = core.OperatorEquals
	OperatorContains    = core.OperatorContains
	OperatorStartsWith  = core.OperatorStartsWith
	OperatorEndsWith    = core.OperatorEndsWith
	OperatorIn          = core.OperatorIn
	OperatorGreaterThan = core.OperatorGreaterThan
	OperatorLessThan    = core.OperatorLessThan
)

// DefaultEnvironment is assumed when Config.Environment is empty.
const DefaultEnvironment = core.DefaultEnvironment

// Store state and configuration.
type (
	Store     = flagstore.Store
	Config    = flagstore.Config
	Option    = flagstore.Option
	Provider  = flagstore.Provider
	Analytics = flagstore.Analytics
)

// Provider selection.
type ProviderConfig = provider.Config

// Built-in provider names.
const (
	ProviderLocal = provider.NameLocal
	ProviderHTTP  = provider.NameHTTP
)

// Store options.
var (
	WithLogger      = flagstore.WithLogger
	WithAnalytics   = flagstore.WithAnalytics
	WithRefreshHook = flagstore.WithRefreshHook
)

// New creates a flag store, performs an initial refresh, and starts the
// background refresh loop when cfg.RefreshInterval is positive.
func New(ctx context.Context, cfg Config, p Provider, opts ...Option) *Store {
	return flagstore.New(ctx, cfg, p, opts...)
}

// NewProvider returns the provider named by cfg. Unknown names serve the
// static default flag table.
func NewProvider(cfg ProviderConfig) Provider {
	return provider.New(cfg)
}

// ValueAs decodes a flag's JSON value into T, returning defaultValue
// when the flag is absent, disabled, or undecodable.
func ValueAs[T any](s *Store, key string, defaultValue T) T {
	return flagstore.ValueAs(s, key, defaultValue)
}

// Evaluate reports whether flag is enabled for the given context and
// environment, without going through a store.
func Evaluate(flag Flag, context EvaluationContext, environment string) bool {
	return core.Evaluate(flag, context, environment)
}

// Bucket returns the deterministic percentage rollout bucket (0-99)
// assigned to userID for flagKey.
func Bucket(userID, flagKey string) int {
	return core.Bucket(userID, flagKey)
}

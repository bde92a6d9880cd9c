// Package provider implements the backends that supply flag definitions
// to the flag store. The store treats a provider as an opaque async
// source: a name and a Fetch.
package provider

import (
	"context"
	"net/http"

	"github.com/tomhudson/flagpole/internal/core"
	"github.com/tomhudson/flagpole/internal/flagstore"
)

// Known provider names. The remote flag-management services are declared
// as integration points but carry no backend in this repository; they
// serve the static default table unchanged until a real adapter fills
// the contract in.
const (
	NameLocal        = "local"
	NameHTTP         = "http"
	NameFirebase     = "firebase"
	NameLaunchDarkly = "launchdarkly"
	NameOptimizely   = "optimizely"
)

// Provider satisfies flagstore.Provider.
type Provider = flagstore.Provider

// Config selects and configures a provider by name.
type Config struct {
	Name string

	// BaseURL and APIKey configure the "http" provider.
	BaseURL string
	APIKey  string

	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Defaults overrides the static table served by backend-less
	// providers. Nil means flagstore.DefaultFlags.
	Defaults func() map[string]core.Flag
}

// New returns the provider for cfg.Name. Unknown names and the declared
// remote providers fall back to the static defaults under their own name,
// so callers can tell from logs which backend is actually serving.
func New(cfg Config) Provider {
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = flagstore.DefaultFlags
	}

	switch cfg.Name {
	case NameHTTP:
		return NewHTTP(HTTPConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			HTTPClient: cfg.HTTPClient,
		})
	case "", NameLocal:
		return NewStatic(NameLocal, defaults)
	default:
		return NewStatic(cfg.Name, defaults)
	}
}

// Static serves a fixed flag table. It backs the "local" provider and
// every declared provider without a real integration.
type Static struct {
	name  string
	flags func() map[string]core.Flag
}

// NewStatic returns a provider serving the given table under name.
func NewStatic(name string, flags func() map[string]core.Flag) *Static {
	if flags == nil {
		flags = flagstore.DefaultFlags
	}
	return &Static{name: name, flags: flags}
}

func (s *Static) Name() string { return s.name }

// Fetch returns a fresh copy of the table so callers cannot mutate the
// source through the shared maps.
func (s *Static) Fetch(_ context.Context) (map[string]core.Flag, error) {
	source := s.flags()
	flags := make(map[string]core.Flag, len(source))
	for key, flag := range source {
		flags[key] = flag
	}
	return flags, nil
}

package provider

import (
	"context"
	"testing"

	"github.com/tomhudson/flagpole/internal/core"
)

func TestNewDispatch(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
	}{
		{"empty defaults to local", Config{}, "local"},
		{"local", Config{Name: NameLocal}, "local"},
		{"http", Config{Name: NameHTTP, BaseURL: "http://localhost:8080"}, "http"},
		{"firebase falls back to static", Config{Name: NameFirebase}, "firebase"},
		{"launchdarkly falls back to static", Config{Name: NameLaunchDarkly}, "launchdarkly"},
		{"optimizely falls back to static", Config{Name: NameOptimizely}, "optimizely"},
		{"unknown keeps its name", Config{Name: "homegrown"}, "homegrown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p.Name() != tt.wantName {
				t.Fatalf("New(%q).Name() = %q, want %q", tt.cfg.Name, p.Name(), tt.wantName)
			}
		})
	}
}

func TestStaticServesDefaults(t *testing.T) {
	p := NewStatic(NameLocal, nil)

	flags, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if _, ok := flags["dark_mode"]; !ok {
		t.Fatalf("Fetch() missing dark_mode, got keys %d", len(flags))
	}
}

func TestStaticFetchReturnsCopy(t *testing.T) {
	table := func() map[string]core.Flag {
		return map[string]core.Flag{"a": {Key: "a", Enabled: true}}
	}
	p := NewStatic("custom", table)

	first, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	delete(first, "a")

	second, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if _, ok := second["a"]; !ok {
		t.Fatalf("mutating a fetched map leaked into the provider")
	}
}

func TestBackendlessProviderServesTableUnchanged(t *testing.T) {
	for _, name := range []string{NameFirebase, NameLaunchDarkly, NameOptimizely} {
		t.Run(name, func(t *testing.T) {
			p := New(Config{Name: name})

			flags, err := p.Fetch(context.Background())
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}

			want := New(Config{Name: NameLocal})
			local, err := want.Fetch(context.Background())
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if len(flags) != len(local) {
				t.Fatalf("Fetch() returned %d flags, want %d (static table)", len(flags), len(local))
			}
			for key := range local {
				if _, ok := flags[key]; !ok {
					t.Fatalf("Fetch() missing %q from static table", key)
				}
			}
		})
	}
}

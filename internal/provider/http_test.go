package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPFetch(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"key":"dark_mode","enabled":true},
			{"key":"rollout_flag","enabled":true,"rollout":25,"environments":["staging"],
			 "rules":[{"attribute":"country","operator":"equals","value":"US"}],
			 "value":{"theme":"midnight"},
			 "expires_at":"2027-01-01T00:00:00Z"},
			{"key":"","enabled":true}
		]`))
	}))
	defer srv.Close()

	p := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "id.secret"})

	flags, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotPath != "/v1/flags" {
		t.Fatalf("request path = %q, want /v1/flags", gotPath)
	}
	if gotAuth != "Bearer id.secret" {
		t.Fatalf("Authorization = %q, want bearer token", gotAuth)
	}
	if len(flags) != 2 {
		t.Fatalf("Fetch() returned %d flags, want 2 (keyless entry dropped)", len(flags))
	}

	flag, ok := flags["rollout_flag"]
	if !ok {
		t.Fatalf("Fetch() missing rollout_flag")
	}
	if flag.Rollout == nil || *flag.Rollout != 25 {
		t.Fatalf("rollout_flag.Rollout = %v, want 25", flag.Rollout)
	}
	if len(flag.Rules) != 1 || flag.Rules[0].Attribute != "country" {
		t.Fatalf("rollout_flag.Rules = %#v, want country rule", flag.Rules)
	}
	if len(flag.Environments) != 1 || flag.Environments[0] != "staging" {
		t.Fatalf("rollout_flag.Environments = %v, want [staging]", flag.Environments)
	}
	if flag.ExpiresAt == nil || !flag.ExpiresAt.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("rollout_flag.ExpiresAt = %v, want 2027-01-01", flag.ExpiresAt)
	}
	if string(flag.Value) != `{"theme":"midnight"}` {
		t.Fatalf("rollout_flag.Value = %s, want payload preserved", flag.Value)
	}
}

func TestHTTPFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid API key"}`))
	}))
	defer srv.Close()

	p := NewHTTP(HTTPConfig{BaseURL: srv.URL})

	_, err := p.Fetch(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Fetch() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want 401", apiErr.StatusCode)
	}
	if apiErr.Message != "invalid API key" {
		t.Fatalf("Message = %q, want body error surfaced", apiErr.Message)
	}
}

func TestHTTPFetchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	p := NewHTTP(HTTPConfig{BaseURL: srv.URL})

	if _, err := p.Fetch(context.Background()); err == nil {
		t.Fatalf("Fetch() error = nil, want decode failure")
	}
}

func TestHTTPFetchRespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTP(HTTPConfig{BaseURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.Fetch(ctx); err == nil {
		t.Fatalf("Fetch() error = nil, want context deadline")
	}
}

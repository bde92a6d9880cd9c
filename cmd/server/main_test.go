package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tomhudson/flagpole/internal/core"
	"github.com/tomhudson/flagpole/internal/middleware"
)

func mustHashAPIKey(t *testing.T, apiKey string) string {
	t.Helper()

	hash, err := middleware.HashAPIKey(apiKey)
	if err != nil {
		t.Fatalf("HashAPIKey(%q) error = %v", apiKey, err)
	}

	return hash
}

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /v1/flags", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	validator := &fakeHTTPTokenValidator{keyID: "key-test"}
	handler := newHTTPHandler(apiHandler, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/%76%31/flags", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set("Authorization", "Bearer key.secret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, 1)
		}
	})
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /debug", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := newHTTPHandler(apiHandler, &fakeHTTPTokenValidator{err: errors.New("invalid token")})

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestAPIKeyTokenValidatorValidateToken(t *testing.T) {
	t.Run("nil validator", func(t *testing.T) {
		var validator *apiKeyTokenValidator
		_, err := validator.ValidateToken(context.Background(), "key.secret")
		if err == nil || err.Error() != "api key validator is nil" {
			t.Fatalf("ValidateToken() error = %v, want api key validator is nil", err)
		}
	})

	t.Run("invalid token format", func(t *testing.T) {
		lookup := &fakeAPIKeyHashLookup{}
		validator := &apiKeyTokenValidator{lookup: lookup}

		tests := []string{
			"",
			"no-delimiter",
			".secret",
			"key.",
		}
		for _, token := range tests {
			t.Run(token, func(t *testing.T) {
				_, err := validator.ValidateToken(context.Background(), token)
				if err == nil || err.Error() != "invalid token format" {
					t.Fatalf("ValidateToken(%q) error = %v, want invalid token format", token, err)
				}
			})
		}

		if lookup.calls != 0 {
			t.Fatalf("ValidateAPIKey calls = %d, want 0", lookup.calls)
		}
	})

	t.Run("lookup error", func(t *testing.T) {
		lookupErr := errors.New("lookup failed")
		validator := &apiKeyTokenValidator{
			lookup: &fakeAPIKeyHashLookup{err: lookupErr},
		}

		_, err := validator.ValidateToken(context.Background(), "key.secret")
		if err == nil || !strings.Contains(err.Error(), "lookup key hash") {
			t.Fatalf("ValidateToken() error = %v, want wrapped lookup error", err)
		}
		if !errors.Is(err, lookupErr) {
			t.Fatalf("ValidateToken() error = %v, want wrapped %v", err, lookupErr)
		}
	})

	t.Run("invalid secret", func(t *testing.T) {
		lookup := &fakeAPIKeyHashLookup{
			hash: mustHashAPIKey(t, "expected-secret"),
		}
		validator := &apiKeyTokenValidator{lookup: lookup}

		_, err := validator.ValidateToken(context.Background(), "key.bad-secret")
		if err == nil || err.Error() != "invalid token" {
			t.Fatalf("ValidateToken() error = %v, want invalid token", err)
		}
		if lookup.gotID != "key" {
			t.Fatalf("ValidateAPIKey id = %q, want %q", lookup.gotID, "key")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		lookup := &fakeAPIKeyHashLookup{
			hash: mustHashAPIKey(t, "good-secret"),
		}
		validator := &apiKeyTokenValidator{lookup: lookup}

		keyID, err := validator.ValidateToken(context.Background(), "my-key.good-secret")
		if err != nil {
			t.Fatalf("ValidateToken() error = %v, want nil", err)
		}
		if keyID != "my-key" {
			t.Fatalf("ValidateToken() keyID = %q, want my-key", keyID)
		}
		if lookup.gotID != "my-key" {
			t.Fatalf("ValidateAPIKey id = %q, want %q", lookup.gotID, "my-key")
		}
	})
}

func TestMirroredFlagRow(t *testing.T) {
	rollout := 25
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	flag := core.Flag{
		Key:     "new-ui",
		Enabled: true,
		Rules: []core.Rule{
			{Attribute: "country", Operator: core.OperatorEquals, Value: "US"},
		},
		Rollout:      &rollout,
		Environments: []string{"production"},
		ExpiresAt:    &expires,
	}

	row, err := mirroredFlagRow(flag)
	if err != nil {
		t.Fatalf("mirroredFlagRow() error = %v", err)
	}
	if row.Key != "new-ui" || !row.Enabled {
		t.Fatalf("row = %+v, want enabled new-ui", row)
	}
	if row.Rollout == nil || *row.Rollout != 25 {
		t.Fatalf("Rollout = %v, want 25", row.Rollout)
	}
	if !strings.Contains(string(row.Rules), `"country"`) {
		t.Fatalf("Rules = %s, want country rule", row.Rules)
	}
	if row.ExpiresAt == nil || !row.ExpiresAt.Equal(expires) {
		t.Fatalf("ExpiresAt = %v, want %v", row.ExpiresAt, expires)
	}
}

func TestMirroredFlagRowEmptyRules(t *testing.T) {
	row, err := mirroredFlagRow(core.Flag{Key: "plain"})
	if err != nil {
		t.Fatalf("mirroredFlagRow() error = %v", err)
	}
	if string(row.Rules) != "[]" {
		t.Fatalf("Rules = %s, want []", row.Rules)
	}
	if row.Rollout != nil {
		t.Fatalf("Rollout = %v, want nil", row.Rollout)
	}
}

type fakeAPIKeyHashLookup struct {
	hash  string
	err   error
	calls int
	gotID string
}

type fakeHTTPTokenValidator struct {
	err   error
	calls int
	keyID string
}

func (f *fakeAPIKeyHashLookup) ValidateAPIKey(_ context.Context, id string) (string, error) {
	f.calls++
	f.gotID = id
	if f.err != nil {
		return "", f.err
	}
	return f.hash, nil
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.keyID, f.err
}

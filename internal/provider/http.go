package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomhudson/flagpole/internal/core"
)

// maxErrorBody bounds how much of an error response is read for the
// APIError message.
const maxErrorBody = 64 << 10

// APIError is returned when the flag service responds with a non-2xx
// status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("flag service: status %d", e.StatusCode)
	}
	return fmt.Sprintf("flag service: status %d: %s", e.StatusCode, e.Message)
}

// HTTPConfig configures the HTTP provider.
type HTTPConfig struct {
	// BaseURL is the flag service root, e.g. "https://flags.internal:8080".
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

// HTTP fetches the flag registry from a flagpole server over its REST
// API.
type HTTP struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP returns a provider reading GET {BaseURL}/v1/flags.
func NewHTTP(cfg HTTPConfig) *HTTP {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

func (h *HTTP) Name() string { return NameHTTP }

// wireFlag mirrors the flag representation served by the REST API.
type wireFlag struct {
	Key          string          `json:"key"`
	Description  string          `json:"description,omitempty"`
	Enabled      bool            `json:"enabled"`
	Value        json.RawMessage `json:"value,omitempty"`
	Rules        []core.Rule     `json:"rules,omitempty"`
	Rollout      *int            `json:"rollout,omitempty"`
	Environments []string        `json:"environments,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// Fetch downloads the full flag list and keys it by flag key.
func (h *HTTP) Fetch(ctx context.Context) (map[string]core.Flag, error) {
	body, err := h.get(ctx, "/v1/flags")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var wire []wireFlag
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}

	flags := make(map[string]core.Flag, len(wire))
	for _, w := range wire {
		if w.Key == "" {
			continue
		}
		flags[w.Key] = core.Flag{
			Key:          w.Key,
			Enabled:      w.Enabled,
			Value:        w.Value,
			Rules:        w.Rules,
			Rollout:      w.Rollout,
			Environments: w.Environments,
			ExpiresAt:    w.ExpiresAt,
		}
	}
	return flags, nil
}

func (h *HTTP) get(ctx context.Context, path string) (io.ReadCloser, error) {
	u, err := url.JoinPath(h.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch flags: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}

		var wire struct {
			Error string `json:"error"`
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr == nil && json.Unmarshal(raw, &wire) == nil {
			apiErr.Message = wire.Error
		}
		return nil, apiErr
	}

	return resp.Body, nil
}

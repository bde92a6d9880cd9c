// Package flagstore implements the client-side feature flag store: a
// registry of flag definitions evaluated against a mutable user context,
// refreshed in the background from a pluggable provider.
//
// Reads never block on a refresh; they see the last-known registry. Two
// overlapping refreshes merge last-write-wins per key, which is accepted:
// merges are idempotent for a stable provider response.
package flagstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tomhudson/flagpole/internal/core"
)

const refreshTimeout = 10 * time.Second

// Provider supplies the flag registry. Implementations live in
// internal/provider; the store treats them as an opaque async source.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (map[string]core.Flag, error)
}

// Analytics receives flag usage events when analytics is enabled.
type Analytics interface {
	RecordUsage(key string, enabled bool)
}

// Config controls provider selection and refresh behaviour.
type Config struct {
	Environment     string        // defaults to core.DefaultEnvironment
	RefreshInterval time.Duration // <= 0 disables background refresh
	EnableAnalytics bool
}

// Store owns the flag registry and user context. All methods are safe for
// concurrent use.
type Store struct {
	cfg       Config
	provider  Provider
	log       *slog.Logger
	analytics Analytics
	onRefresh func(err error)

	mu          sync.RWMutex
	definitions map[string]core.Flag
	states      map[string]bool
	context     core.EvaluationContext
	lastUpdated time.Time
	lastError   string
	loading     bool
	subscribers []chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithLogger sets the logger used for warnings and refresh diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAnalytics attaches a usage sink invoked on every IsEnabled call when
// Config.EnableAnalytics is set.
func WithAnalytics(a Analytics) Option {
	return func(s *Store) { s.analytics = a }
}

// WithRefreshHook registers a callback invoked after every refresh attempt
// with its outcome (e.g. to increment a Prometheus counter).
func WithRefreshHook(fn func(err error)) Option {
	return func(s *Store) { s.onRefresh = fn }
}

// New creates a store seeded with the static default table, performs an
// immediate refresh, and, when cfg.RefreshInterval > 0, keeps refreshing on
// that interval until Close is called. A failed initial refresh is recorded
// in the store's error state rather than returned: flag reads must keep
// working from the last-known registry.
func New(ctx context.Context, cfg Config, p Provider, opts ...Option) *Store {
	if cfg.Environment == "" {
		cfg.Environment = core.DefaultEnvironment
	}

	s := &Store{
		cfg:         cfg,
		provider:    p,
		log:         slog.Default(),
		definitions: make(map[string]core.Flag),
		states:      make(map[string]bool),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.analytics == nil {
		s.analytics = logAnalytics{log: s.log}
	}

	s.UpdateFlags(DefaultFlags())

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	_ = s.Refresh(ctx)

	if cfg.RefreshInterval > 0 {
		go s.refreshLoop(refreshCtx)
	} else {
		close(s.done)
	}

	return s
}

// Close stops the background refresh loop. Safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.cfg.RefreshInterval > 0 {
			<-s.done
		}
		s.mu.Lock()
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = nil
		s.mu.Unlock()
	})
}

func (s *Store) refreshLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
			_ = s.Refresh(refreshCtx)
			cancel()
		}
	}
}

// Refresh fetches the registry from the provider and merges it in. On
// failure the previous registry is kept untouched and the error message is
// recorded in the store state.
func (s *Store) Refresh(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	flags, err := s.provider.Fetch(ctx)
	if s.onRefresh != nil {
		s.onRefresh(err)
	}
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.lastError = err.Error()
		s.mu.Unlock()
		s.log.Warn("flag refresh failed",
			"provider", s.provider.Name(),
			"error", err,
		)
		return err
	}

	s.UpdateFlags(flags)

	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()

	return nil
}

// UpdateFlags evaluates the incoming definitions against the current
// context and merges them key-wise into the registry. lastUpdated is
// advanced and any prior refresh error cleared.
func (s *Store) UpdateFlags(flags map[string]core.Flag) {
	now := time.Now()

	s.mu.Lock()
	for key, flag := range flags {
		if flag.Key == "" {
			flag.Key = key
		}
		s.definitions[key] = flag
		s.states[key] = core.EvaluateAt(flag, s.context, s.cfg.Environment, now)
	}
	s.lastUpdated = now
	s.lastError = ""
	s.mu.Unlock()

	s.notify()
}

// SetContext shallow-merges the patch into the stored user context and
// synchronously re-evaluates every flag in the registry. This is the only
// path that changes flag states without a refresh.
func (s *Store) SetContext(patch core.ContextPatch) {
	now := time.Now()

	s.mu.Lock()
	s.context = s.context.Merge(patch)
	for key, flag := range s.definitions {
		s.states[key] = core.EvaluateAt(flag, s.context, s.cfg.Environment, now)
	}
	s.mu.Unlock()

	s.notify()
}

// Context returns a copy of the current user context.
func (s *Store) Context() core.EvaluationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.context
}

// IsEnabled evaluates the named flag against the live context. An unknown
// key resolves to false; flag reads must never break the caller.
func (s *Store) IsEnabled(key string) bool {
	s.mu.RLock()
	flag, ok := s.definitions[key]
	ctx := s.context
	s.mu.RUnlock()

	if !ok {
		s.log.Warn("unknown flag key",
			"key", key,
			"known_keys", s.Keys(),
		)
		return false
	}

	enabled := core.Evaluate(flag, ctx, s.cfg.Environment)
	if s.cfg.EnableAnalytics {
		s.analytics.RecordUsage(key, enabled)
	}
	return enabled
}

// Value returns the flag's configuration payload when the flag exists and
// is currently enabled. Consumers decode the raw JSON explicitly.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	if !s.IsEnabled(key) {
		return nil, false
	}

	s.mu.RLock()
	flag := s.definitions[key]
	s.mu.RUnlock()

	if len(flag.Value) == 0 {
		return nil, false
	}
	return flag.Value, true
}

// ValueAs decodes the flag's payload into T, falling back to defaultValue
// when the flag is absent, disabled, payload-less, or undecodable.
func ValueAs[T any](s *Store, key string, defaultValue T) T {
	raw, ok := s.Value(key)
	if !ok {
		return defaultValue
	}

	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return defaultValue
	}
	return decoded
}

// Snapshot returns the cached evaluation state of every registered flag.
func (s *Store) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]bool, len(s.states))
	for key, enabled := range s.states {
		snapshot[key] = enabled
	}
	return snapshot
}

// Keys returns the sorted keys currently in the registry.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.definitions))
	for key := range s.definitions {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// LastUpdated reports when the registry last merged a flag set.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// LastError returns the message of the most recent failed refresh, or ""
// after a successful one.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Loading reports whether a refresh is currently in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Subscribe returns a channel that receives a coalesced signal whenever
// flag states may have changed. The channel is closed by Close.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// logAnalytics is the default usage sink: a debug log line per evaluation.
type logAnalytics struct {
	log *slog.Logger
}

func (a logAnalytics) RecordUsage(key string, enabled bool) {
	a.log.Debug("flag evaluated", "key", key, "enabled", enabled)
}

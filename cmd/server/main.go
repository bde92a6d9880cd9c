// Package main is the entry point for the flagpole server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository and service (eagerly loading the flag cache).
//  4. Wire up the API key token validator.
//  5. Start the HTTP server and, when configured, the tailnet admin portal.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
//
// Invoked as "server migrate" it only applies migrations and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"

	"github.com/tomhudson/flagpole/internal/admin"
	"github.com/tomhudson/flagpole/internal/config"
	"github.com/tomhudson/flagpole/internal/core"
	"github.com/tomhudson/flagpole/internal/logging"
	"github.com/tomhudson/flagpole/internal/metrics"
	"github.com/tomhudson/flagpole/internal/middleware"
	"github.com/tomhudson/flagpole/internal/provider"
	"github.com/tomhudson/flagpole/internal/repository"
	"github.com/tomhudson/flagpole/internal/server"
	"github.com/tomhudson/flagpole/internal/service"
	"github.com/tomhudson/flagpole/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	expiredFlagSweepEvery = time.Hour
	sessionSweepEvery     = time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		return migrateOnly(cfg)
	}

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheSize, m.SetCacheSize),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &apiKeyTokenValidator{lookup: repo}
	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithDefaultEnvironment(cfg.Environment),
		server.WithMaxBodyBytes(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
	)
	httpHandler := newHTTPHandler(apiHandler, tokenValidator,
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(rateLimiter),
	)
	httpHandler = middleware.HTTPRequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flagpole-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go sweepExpiredFlags(ctx, log, repo, cfg.ExpiredFlagGrace)
	go sweepExpiredSessions(ctx, log, repo)

	if cfg.Provider == provider.NameHTTP {
		upstream := provider.New(provider.Config{
			Name:    cfg.Provider,
			BaseURL: cfg.ProviderURL,
			APIKey:  cfg.ProviderAPIKey,
		})
		go mirrorUpstream(ctx, log, m, svc, upstream, cfg.RefreshInterval)
	}

	// -------------------------------------------------------------------------
	// Admin Portal (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server

	if cfg.AdminHostname != "" {
		if cfg.TSAuthKey == "" {
			return errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
		}

		dir := cfg.TSStateDir
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.AdminHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      dir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		sessionMgr := admin.NewSessionManager(repo, cfg.SessionSecret)
		adminHandler := admin.NewHandler(repo, svc, sessionMgr, cfg.AdminHostname, log)

		adminLis, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

		adminServer := &http.Server{Handler: adminHandler}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server shutdown error", "error", err)
			}
		}()
		go func() {
			if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "environment", cfg.Environment)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

func migrateOnly(cfg config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return runMigrations(pool)
}

// sweepExpiredFlags deletes flags whose expiry passed more than grace ago.
// Expired flags already evaluate to false, so the sweep is housekeeping
// rather than a correctness mechanism.
func sweepExpiredFlags(ctx context.Context, log *slog.Logger, repo *repository.PostgresRepository, grace time.Duration) {
	ticker := time.NewTicker(expiredFlagSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys, err := repo.DeleteExpiredFlags(ctx, grace)
			if err != nil {
				log.Error("expired flag sweep failed", "error", err)
				continue
			}
			if len(keys) > 0 {
				log.Info("deleted expired flags", "keys", keys)
			}
		}
	}
}

func sweepExpiredSessions(ctx context.Context, log *slog.Logger, repo *repository.PostgresRepository) {
	ticker := time.NewTicker(sessionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.DeleteExpiredAdminSessions(ctx); err != nil {
				log.Error("admin session sweep failed", "error", err)
			}
		}
	}
}

// mirrorUpstream periodically pulls the flag table from an upstream
// flagpole server and upserts it into the local store, turning this
// instance into a read replica for its region.
func mirrorUpstream(ctx context.Context, log *slog.Logger, m *metrics.Metrics, svc *service.Service, upstream provider.Provider, interval time.Duration) {
	if interval <= 0 {
		return
	}

	sync := func() {
		flags, err := upstream.Fetch(ctx)
		m.RecordRefresh(err)
		if err != nil {
			log.Error("upstream fetch failed", "provider", upstream.Name(), "error", err)
			return
		}
		for _, flag := range flags {
			if err := upsertFlag(ctx, svc, flag); err != nil {
				log.Error("upstream flag upsert failed", "key", flag.Key, "error", err)
			}
		}
		log.Debug("mirrored upstream flags", "provider", upstream.Name(), "count", len(flags))
	}

	sync()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}

func upsertFlag(ctx context.Context, svc *service.Service, flag core.Flag) error {
	row, err := mirroredFlagRow(flag)
	if err != nil {
		return err
	}

	_, err = svc.UpdateFlag(ctx, row)
	if err == nil {
		return nil
	}
	if !errors.Is(err, service.ErrFlagNotFound) {
		return err
	}

	_, err = svc.CreateFlag(ctx, row)
	return err
}

func mirroredFlagRow(flag core.Flag) (repository.Flag, error) {
	rules := json.RawMessage(`[]`)
	if len(flag.Rules) > 0 {
		encoded, err := json.Marshal(flag.Rules)
		if err != nil {
			return repository.Flag{}, fmt.Errorf("encode rules: %w", err)
		}
		rules = encoded
	}

	var rollout *int32
	if flag.Rollout != nil {
		pct := int32(*flag.Rollout)
		rollout = &pct
	}

	return repository.Flag{
		Key:          flag.Key,
		Enabled:      flag.Enabled,
		Value:        flag.Value,
		Rules:        rules,
		Rollout:      rollout,
		Environments: flag.Environments,
		ExpiresAt:    flag.ExpiresAt,
	}, nil
}

func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

// ValidateToken checks a "keyID.secret" bearer token against the stored
// hash and returns the key ID for audit attribution.
func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, ok := middleware.SplitAPIToken(token)
	if !ok {
		return "", errors.New("invalid token format")
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}

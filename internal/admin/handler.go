// Package admin serves the operator portal: first-run setup, session-based
// login, flag management forms, API key issuance, and the audit log. The
// portal is intended to be exposed over tsnet rather than the public
// listener.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tomhudson/flagpole/internal/repository"
	"github.com/tomhudson/flagpole/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const (
	adminAuditWriteTimeout = 2 * time.Second
	csrfCookieName         = "flagpole_csrf"
	auditLogPageSize       = 100
)

type Handler struct {
	Repo          *repository.PostgresRepository
	Service       *service.Service
	SessionMgr    *SessionManager
	AdminHostname string
	log           *slog.Logger
	mux           *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, svc *service.Service, sessionMgr *SessionManager, adminHostname string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Repo:          repo,
		Service:       svc,
		SessionMgr:    sessionMgr,
		AdminHostname: adminHostname,
		log:           log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/setup", h.handleSetup)
	mux.HandleFunc("/logout", h.handleLogout)

	// Protected routes
	mux.HandleFunc("/", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("POST /flags", h.requireAuth(h.handleCreateFlag))
	mux.HandleFunc("/flags/{key}", h.requireAuth(h.handleFlagDetail))
	mux.HandleFunc("POST /flags/{key}/toggle", h.requireAuth(h.handleToggleFlag))
	mux.HandleFunc("POST /flags/{key}/delete", h.requireAuth(h.handleDeleteFlag))
	mux.HandleFunc("/api-keys", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("POST /api-keys/delete", h.requireAuth(h.handleDeleteAPIKey))
	mux.HandleFunc("GET /audit-log", h.requireAuth(h.handleAuditLog))

	return mux
}

// requireAuth middleware ensures a valid session exists and validates
// CSRF tokens on state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.SessionMgr.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		// Validate CSRF token on state-changing requests
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	// Setup is only reachable until the first admin account exists.
	exists, err := h.Repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if r.Method == http.MethodGet {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		h.render(w, "setup.html", map[string]any{
			"CSRFToken": csrfToken,
		})
		return
	}

	if r.Method == http.MethodPost {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		confirm := r.FormValue("confirm_password")

		if msg := validateUsername(username); msg != "" {
			h.render(w, "setup.html", map[string]any{"Error": msg})
			return
		}

		if password != confirm {
			h.render(w, "setup.html", map[string]any{"Error": "Passwords do not match"})
			return
		}

		if len(password) < 12 {
			h.render(w, "setup.html", map[string]any{"Error": "Password must be at least 12 characters"})
			return
		}

		hash, err := HashPassword(password)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}

		user, err := h.Repo.CreateAdminUser(r.Context(), username, hash)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			h.log.Error("failed to create admin user", "error", err)
			h.render(w, "setup.html", map[string]any{"Error": "Failed to create user"})
			return
		}

		h.logAudit(r.Context(), user.ID, "admin_setup", "", map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func validateUsername(username string) string {
	if len(username) < 3 || len(username) > 50 {
		return "Username must be between 3 and 50 characters"
	}
	for _, c := range username {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
			return "Username may only contain letters, digits, underscores, hyphens, and dots"
		}
	}
	return ""
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		h.render(w, "login.html", map[string]any{
			"CSRFToken": csrfToken,
		})
		return
	}

	if r.Method == http.MethodPost {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		remoteAddr := clientAddr(r)

		if allowed := h.SessionMgr.CheckLoginRateLimit(remoteAddr); !allowed {
			h.render(w, "login.html", map[string]any{"Error": "Too many attempts. Please try again later."})
			return
		}

		user, err := h.Repo.GetAdminUserByUsername(r.Context(), username)
		if err != nil {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			// Same error whether the user is missing or the DB failed.
			h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
			return
		}

		match, err := VerifyPassword(password, user.PasswordHash)
		if err != nil || !match {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
			return
		}

		token, err := h.SessionMgr.GenerateSession(r.Context(), user.ID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		h.SessionMgr.SetSessionCookie(w, token)

		h.logAudit(r.Context(), user.ID, "admin_login", "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// clientAddr resolves the client IP. Proxy headers are trusted only when the
// request comes from a loopback or private address (a trusted reverse proxy).
func clientAddr(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remoteAddr
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		cookie, err := r.Cookie(sessionCookieName)
		if err == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	flags, err := h.Service.ListFlags(r.Context())
	if err != nil {
		http.Error(w, "Failed to list flags", http.StatusInternalServerError)
		return
	}

	h.render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Flags":     flags,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	flag, msg := flagFromForm(r)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	created, err := h.Service.CreateFlag(r.Context(), flag)
	if err != nil {
		http.Error(w, "Failed to create flag: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "flag_create", created.Key, nil)

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleFlagDetail(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	key := r.PathValue("key")
	flag, err := h.Service.GetFlag(r.Context(), key)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodPost {
		updated, msg := flagFromForm(r)
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		updated.Key = key
		if len(updated.Rules) == 0 {
			updated.Rules = flag.Rules
		}
		if _, err := h.Service.UpdateFlag(r.Context(), updated); err != nil {
			http.Error(w, "Failed to update flag: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "flag_update", key, nil)
		http.Redirect(w, r, "/flags/"+key, http.StatusFound)
		return
	}

	h.render(w, "flag.html", map[string]any{
		"User":      user,
		"Flag":      flag,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	key := r.PathValue("key")
	flag, err := h.Service.GetFlag(r.Context(), key)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	flag.Enabled = !flag.Enabled
	if _, err := h.Service.UpdateFlag(r.Context(), flag); err != nil {
		http.Error(w, "Failed to update flag", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "flag_toggle", key, map[string]bool{"enabled": flag.Enabled})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	key := r.PathValue("key")
	if err := h.Service.DeleteFlag(r.Context(), key); err != nil {
		http.Error(w, "Failed to delete flag", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "flag_delete", key, nil)

	http.Redirect(w, r, "/", http.StatusFound)
}

// flagFromForm builds a repository.Flag from the shared create/edit form.
// Returns a non-empty message on validation failure.
func flagFromForm(r *http.Request) (repository.Flag, string) {
	key := strings.TrimSpace(r.FormValue("key"))
	if key == "" {
		return repository.Flag{}, "Missing flag key"
	}

	flag := repository.Flag{
		Key:         key,
		Description: strings.TrimSpace(r.FormValue("description")),
		Enabled:     r.FormValue("enabled") == "on",
		Rules:       []byte("[]"),
	}

	if rules := strings.TrimSpace(r.FormValue("rules")); rules != "" {
		flag.Rules = []byte(rules)
	}

	if rolloutStr := strings.TrimSpace(r.FormValue("rollout")); rolloutStr != "" {
		rollout, err := strconv.ParseInt(rolloutStr, 10, 32)
		if err != nil || rollout < 0 || rollout > 100 {
			return repository.Flag{}, "Rollout must be an integer between 0 and 100"
		}
		v := int32(rollout)
		flag.Rollout = &v
	}

	if envs := strings.TrimSpace(r.FormValue("environments")); envs != "" {
		for _, env := range strings.Split(envs, ",") {
			if env = strings.TrimSpace(env); env != "" {
				flag.Environments = append(flag.Environments, env)
			}
		}
	}

	if expires := strings.TrimSpace(r.FormValue("expires_at")); expires != "" {
		t, err := time.Parse("2006-01-02", expires)
		if err != nil {
			t, err = time.Parse(time.RFC3339, expires)
		}
		if err != nil {
			return repository.Flag{}, "Expiry must be YYYY-MM-DD or RFC 3339"
		}
		flag.ExpiresAt = &t
	}

	return flag, ""
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost {
		name := strings.TrimSpace(r.FormValue("name"))
		keyID, rawSecret, createErr := h.Repo.CreateAPIKey(r.Context(), name)
		if createErr != nil {
			http.Error(w, "Failed to create API key", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "api_key_create", "", map[string]string{"api_key_id": keyID})

		keys, listErr := h.Repo.ListAPIKeys(r.Context())
		if listErr != nil {
			h.log.Error("failed to list API keys", "error", listErr)
		}
		// The raw secret is shown exactly once.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		h.render(w, "api_keys.html", map[string]any{
			"User":      user,
			"APIKeys":   keys,
			"NewKeyID":  keyID,
			"NewSecret": rawSecret,
			"CSRFToken": session.CSRFToken,
		})
		return
	}

	keys, err := h.Repo.ListAPIKeys(r.Context())
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	h.render(w, "api_keys.html", map[string]any{
		"User":      user,
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteAPIKey(r.Context(), keyID); err != nil {
		http.Error(w, "Failed to delete API key", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "api_key_delete", "", map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/api-keys", http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), auditLogPageSize, offset)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	h.render(w, "audit_log.html", map[string]any{
		"User":       user,
		"Entries":    entries,
		"NextOffset": offset + auditLogPageSize,
		"CSRFToken":  session.CSRFToken,
	})
}

// sessionUser loads the session and its admin user, redirecting to /login
// and clearing the cookie if either is gone.
func (h *Handler) sessionUser(w http.ResponseWriter, r *http.Request) (repository.AdminSession, repository.AdminUser, bool) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	return session, user, true
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

func (h *Handler) generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, r *http.Request, token string) {
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the
// flagpole_csrf cookie, implementing the double-submit cookie pattern for
// pre-authentication forms (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit log entry on a best-effort basis.
// Failures are logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, flagKey string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, flagKey, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err,
			"action", action,
			"flag_key", flagKey,
			"admin_user_id", adminUserID,
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err,
			"action", action,
			"flag_key", flagKey,
			"admin_user_id", adminUserID,
		)
	}
}

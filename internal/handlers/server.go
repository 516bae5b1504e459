package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/routeops-platform/api/internal/audit"
	"github.com/routeops-platform/api/internal/auth"
	"github.com/routeops-platform/api/internal/config"
	"github.com/routeops-platform/api/internal/httpx"
	"github.com/routeops-platform/api/internal/importer"
	"github.com/routeops-platform/api/internal/middleware"
	"github.com/routeops-platform/api/internal/store"
)

type Server struct {
	Config   config.Config
	Store    *store.Store
	Audit    *audit.Logger
	Logger   *slog.Logger
	Importer *importer.Orchestrator
	Imports  *ImportTracker
}

func NewServer(cfg config.Config, s *store.Store, auditLogger *audit.Logger, logger *slog.Logger, orch *importer.Orchestrator) *Server {
	return &Server{
		Config:   cfg,
		Store:    s,
		Audit:    auditLogger,
		Logger:   logger,
		Importer: orch,
		Imports:  NewImportTracker(),
	}
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"fullName"`
}

type TenantResponse struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
	Name string    `json:"name"`
}

type AuthSessionResponse struct {
	User   UserResponse   `json:"user"`
	Tenant TenantResponse `json:"tenant"`
}

func (s *Server) PostAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}

	users, err := s.Store.ListUsersByEmail(r.Context(), req.Email)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load user", nil)
		return
	}

	var matched *store.UserWithTenant
	for i := range users {
		user := users[i]
		if !user.IsActive {
			continue
		}
		ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Password verification failed", nil)
			return
		}
		if ok {
			matched = &user
			break
		}
	}

	if matched == nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password", nil)
		return
	}

	if old, err := r.Cookie(s.Config.SessionCookieName); err == nil && old.Value != "" {
		_ = s.Store.RevokeSessionByTokenHash(r.Context(), auth.HashToken(old.Value))
	}

	sessionToken, err := auth.GenerateToken()
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to create session", nil)
		return
	}
	csrfToken, err := auth.GenerateToken()
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to create CSRF token", nil)
		return
	}

	err = s.Store.CreateSession(r.Context(), store.CreateSessionParams{
		TenantID:  matched.TenantID,
		UserID:    matched.ID,
		TokenHash: auth.HashToken(sessionToken),
		CsrfToken: csrfToken,
		ExpiresAt: time.Now().Add(s.Config.SessionTTL),
	})
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to save session", nil)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.Config.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.Config.SecureCookies,
		Expires:  time.Now().Add(s.Config.SessionTTL),
	})

	userID := matched.ID
	_ = s.Audit.Log(r.Context(), audit.Entry{
		TenantID:   matched.TenantID,
		UserID:     &userID,
		Action:     "auth.login",
		EntityType: "session",
		RequestID:  middleware.RequestIDFromContext(r.Context()),
	})

	httpx.WriteJSON(w, http.StatusOK, AuthSessionResponse{
		User:   UserResponse{ID: matched.ID, Email: matched.Email, FullName: matched.FullName},
		Tenant: TenantResponse{ID: matched.TenantID, Slug: matched.TenantSlug, Name: matched.TenantName},
	})
}

func (s *Server) PostAuthLogout(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	sessionID, err := uuid.Parse(actor.SessionID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid session", nil)
		return
	}
	tenantID, err := uuid.Parse(actor.TenantID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid tenant", nil)
		return
	}

	if err := s.Store.RevokeSessionByID(r.Context(), sessionID, tenantID); err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to revoke session", nil)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.Config.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.Config.SecureCookies,
		MaxAge:   -1,
	})

	userID, _ := uuid.Parse(actor.UserID)
	_ = s.Audit.Log(r.Context(), audit.Entry{
		TenantID:   tenantID,
		UserID:     &userID,
		Action:     "auth.logout",
		EntityType: "session",
		RequestID:  middleware.RequestIDFromContext(r.Context()),
	})

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetAuthMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	userID, err := uuid.Parse(actor.UserID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid user", nil)
		return
	}
	tenantID, err := uuid.Parse(actor.TenantID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid tenant", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, AuthSessionResponse{
		User:   UserResponse{ID: userID, Email: actor.Email, FullName: actor.FullName},
		Tenant: TenantResponse{ID: tenantID, Slug: actor.TenantSlug, Name: actor.TenantName},
	})
}

func (s *Server) GetAuthCsrf(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"csrfToken": actor.CSRFToken})
}

// requireActorIDs resolves the authenticated actor's tenant and user ids or
// writes an auth error and reports !ok.
func requireActorIDs(w http.ResponseWriter, r *http.Request) (middleware.Actor, uuid.UUID, uuid.UUID, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return middleware.Actor{}, uuid.Nil, uuid.Nil, false
	}
	tenantID, err := uuid.Parse(actor.TenantID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid tenant", nil)
		return middleware.Actor{}, uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(actor.UserID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid user", nil)
		return middleware.Actor{}, uuid.Nil, uuid.Nil, false
	}
	return actor, tenantID, userID, true
}

package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	openapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/routeops-platform/api/internal/audit"
	"github.com/routeops-platform/api/internal/config"
	"github.com/routeops-platform/api/internal/handlers"
	"github.com/routeops-platform/api/internal/httpx"
	"github.com/routeops-platform/api/internal/importer"
	"github.com/routeops-platform/api/internal/middleware"
	"github.com/routeops-platform/api/internal/store"
)

func NewRouter(cfg config.Config, st *store.Store, logger *slog.Logger) (http.Handler, error) {
	specPath := cfg.OpenAPISpecPath
	if _, err := os.Stat(specPath); err != nil {
		return nil, fmt.Errorf("openapi spec not found at %s: %w", specPath, err)
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi spec: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders(cfg.Env))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.LimitBodyBytesWithOverrides(cfg.APIMaxBodyBytes, []middleware.BodyLimitOverride{
		{PathPrefix: "/imports", MaxBytes: cfg.ImportMaxFileBytes},
	}))

	api := chi.NewRouter()
	api.Use(openapimiddleware.OapiRequestValidatorWithOptions(doc, &openapimiddleware.Options{
		SilenceServersWarning: true,
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			requestID := w.Header().Get("X-Request-Id")
			httpx.WriteJSON(w, statusCode, httpx.ErrorEnvelope{
				Error:     httpx.ErrorBody{Code: "validation_error", Message: message},
				RequestID: requestID,
			})
		},
	}))

	auditLogger := audit.NewLogger(st)
	orch := importer.NewOrchestrator(st, logger, importer.Config{
		BatchSize:  cfg.ImportBatchSize,
		Workers:    cfg.ImportWorkers,
		MaxRetries: uint64(cfg.ImportMaxRetries),
		RetryBase:  time.Duration(cfg.ImportRetryBaseMS) * time.Millisecond,
	})
	h := handlers.NewServer(cfg, st, auditLogger, logger, orch)

	authMW := middleware.AuthMiddleware{Store: st, CookieName: cfg.SessionCookieName}
	loginLimiter := middleware.NewLoginRateLimiter(10, time.Minute)
	apiLimiter := middleware.NewIPRateLimiterWithMaxEntries(300, time.Minute, cfg.RateLimitMaxIPs)
	api.Use(apiLimiter.Middleware("Too many requests"))

	api.Group(func(public chi.Router) {
		public.With(loginLimiter.Middleware).Post("/auth/login", h.PostAuthLogin)
		public.Get("/health", h.GetHealth)
	})

	api.Group(func(protected chi.Router) {
		protected.Use(authMW.RequireAuth)
		protected.Get("/auth/me", h.GetAuthMe)
		protected.Get("/auth/csrf", h.GetAuthCsrf)
		protected.With(middleware.EnforceCSRF(cfg.CSRFEnforce)).Post("/auth/logout", h.PostAuthLogout)

		protected.Group(func(reads chi.Router) {
			reads.Use(middleware.RequirePermission(st, "imports.read"))
			reads.Get("/imports/history", h.GetImportsHistory)
			reads.Get("/imports/{importBatchId}", withBatchID(h.GetImportsImportBatchId))
		})

		protected.Group(func(writes chi.Router) {
			writes.Use(
				middleware.RequirePermission(st, "imports.write"),
				middleware.EnforceCSRF(cfg.CSRFEnforce),
			)
			writes.Post("/imports/preview", h.PostImportsPreview)
			writes.Post("/imports", h.PostImports)
			writes.Post("/imports/{importBatchId}/cancel", withBatchID(h.PostImportsImportBatchIdCancel))
		})
	})

	r.Mount("/api", api)
	return r, nil
}

func withBatchID(h func(http.ResponseWriter, *http.Request, openapi_types.UUID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "importBatchId"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "invalid_path_param", "importBatchId must be a UUID", nil)
			return
		}
		h(w, r, id)
	}
}

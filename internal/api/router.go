package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/tandemhq/tandem/gateway-plane/internal/api/handlers"
	"github.com/tandemhq/tandem/gateway-plane/internal/api/middleware"
	"github.com/tandemhq/tandem/gateway-plane/internal/config"
	"github.com/tandemhq/tandem/gateway-plane/internal/webhook"
	"github.com/tandemhq/tandem/gateway-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router: the unauthenticated webhook edge
// (signature verification is the gate there, not the API-key chain)
// plus the authenticated admin surface.
func NewRouter(cfg *config.Config, wh *webhook.Handlers, h *handlers.Handlers, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	// CORS — configurable via GATEWAY_CORS_ORIGINS env var.
	// When using wildcard origins, AllowCredentials must be false to
	// comply with the Fetch specification and prevent credential-leak
	// attacks.
	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	// Health & info — unauthenticated.
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// ── Webhook edge ─────────────────────────────────────────
	// No auth chain and no TenantExtractor here: tenant identity comes
	// from the signed payload's channel ID, resolved inside the
	// handler itself (internal/webhook + internal/credential).
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/whatsapp", wh.Verify)
		r.Post("/whatsapp", wh.HandleWhatsApp)
		r.Get("/instagram", wh.Verify)
		r.Post("/instagram", wh.HandleInstagram)
	})

	// ── Admin surface ────────────────────────────────────────
	r.Route("/admin", func(r chi.Router) {
		if authChain != nil {
			authMW := middleware.NewAuthMiddleware(authChain)
			r.Use(authMW.Handler)
		}
		r.Use(middleware.TenantExtractor)

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", h.GetTenant)
				r.Patch("/", h.UpdateTenant)

				r.Route("/channels", func(r chi.Router) {
					r.Get("/", h.ListChannelBindings)
					r.Post("/", h.CreateChannelBinding)
				})

				r.Put("/credentials/{platform}", h.PutCredential)

				r.Route("/vendor-counters/{senderKey}", func(r chi.Router) {
					r.Post("/", h.SubmitVendorCounter)
				})

				r.Get("/audit", h.ListAudit)
			})
		})

		r.Route("/escalations", func(r chi.Router) {
			r.Get("/", h.ListPendingEscalations)
			r.Route("/{escalationID}", func(r chi.Router) {
				r.Get("/", h.GetEscalation)
				r.Post("/request-otp", h.RequestEscalationOTP)
				r.Post("/resolve", h.ResolveEscalation)
			})
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Post("/{receiptID}/ocr-result", h.OCRCallback)
		})
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
// Production: set GATEWAY_CORS_ORIGINS to a comma-separated list.
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("GATEWAY_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "gateway-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "gateway-plane",
		})
	}
}

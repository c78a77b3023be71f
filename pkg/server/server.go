// Package server provides the public entry point for initializing the
// commerce gateway.
//
// This package exists in pkg/ (not internal/) so that a downstream
// deployment can import it and compose the full server with its own
// overrides.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"time"

	"net/http"

	"github.com/rs/zerolog/log"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tandemhq/tandem/gateway-plane/internal/api"
	"github.com/tandemhq/tandem/gateway-plane/internal/api/handlers"
	gwauth "github.com/tandemhq/tandem/gateway-plane/internal/auth"
	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/config"
	"github.com/tandemhq/tandem/gateway-plane/internal/conversation"
	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/internal/dispatcher"
	"github.com/tandemhq/tandem/gateway-plane/internal/escalation"
	"github.com/tandemhq/tandem/gateway-plane/internal/idempotency"
	"github.com/tandemhq/tandem/gateway-plane/internal/keylock"
	"github.com/tandemhq/tandem/gateway-plane/internal/media"
	"github.com/tandemhq/tandem/gateway-plane/internal/notify"
	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/outbound"
	"github.com/tandemhq/tandem/gateway-plane/internal/ratelimit"
	"github.com/tandemhq/tandem/gateway-plane/internal/retention"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/internal/telemetry"
	"github.com/tandemhq/tandem/gateway-plane/internal/webhook"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// Config is the public configuration for the gateway server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized commerce gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory unless DATABASE_URL is set).
	Store store.Store

	// Dispatcher drives the per-sender conversation state machine.
	// Exposed so an embedding deployment can add custom intents or
	// tenants.
	Dispatcher *dispatcher.Dispatcher

	// Notifier delivers merchant-principal escalation notifications.
	Notifier *notify.Service

	// Handlers is the admin HTTP handler collection.
	Handlers *handlers.Handlers

	// Escalations is the approval queue.
	Escalations *escalation.Queue

	// Credentials resolves tenant/platform credential bundles.
	Credentials *credential.Registry

	// AuthChain is the pluggable authentication provider chain guarding
	// the admin surface. Callers add enterprise providers (OIDC, SAML,
	// mTLS) via RegisterProvider().
	AuthChain *gwauth.ProviderChain

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	sweeperCancel context.CancelFunc

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all gateway components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		log.Info().Msg("✅ Postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	return buildServer(ctx, cfg, pubCfg, dataStore, shutdown)
}

// NewWithStore initializes the gateway with an externally-provided store.
// The caller is responsible for running migrations and closing the store.
func NewWithStore(ctx context.Context, dataStore store.Store) (*Server, error) {
	return NewWithStoreAndConfig(ctx, dataStore, LoadConfig())
}

// NewWithStoreAndConfig initializes the gateway with an external store and explicit config.
func NewWithStoreAndConfig(ctx context.Context, dataStore store.Store, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	log.Info().Msg("✅ External store provided")

	return buildServer(ctx, cfg, pubCfg, dataStore, shutdown)
}

// buildServer is the shared constructor that wires every gateway
// component: rate limiting, OTP, conversation state, credentials,
// escalation, media ingestion, outbound delivery, notification,
// audit, idempotency, dispatch, the webhook edge, and the admin API.
func buildServer(ctx context.Context, cfg *config.Config, pubCfg *Config, dataStore store.Store, shutdown func(context.Context) error) (*Server, error) {
	seedDefaultTenant(ctx, dataStore, cfg.Gateway)

	var redisClient goredis.Cmdable
	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = goredis.NewClient(opts)
		log.Info().Msg("✅ Redis client initialized")
	}

	var limiter *ratelimit.Limiter
	var conv *conversation.Manager
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient)
		conv = conversation.NewManager(conversation.NewRedisStore(redisClient), sessionTTL(cfg.Gateway))
		log.Info().Msg("✅ Redis-backed rate limiter and conversation store")
	} else {
		limiter = ratelimit.NewInProcess()
		conv = conversation.NewManager(dataStore, sessionTTL(cfg.Gateway))
		log.Info().Msg("✅ In-process rate limiter, in-memory conversation store")
	}

	otpSvc := otp.NewService(dataStore, limiter, otpTTL(cfg.Gateway))
	creds := credential.New(dataStore, cfg.Gateway.DefaultTenantID)
	journal := audit.New(dataStore)
	notifier := notify.NewService()
	escalations := escalation.New(dataStore, otpSvc, notifier, journal)
	idem := idempotency.New(dataStore)
	locks := keylock.New()
	outboundEngine := outbound.New(creds, 4)

	var mediaIngestor dispatcherMedia
	ing, err := media.New(ctx, media.Config{
		S3Bucket:   cfg.Media.S3Bucket,
		S3Endpoint: cfg.Media.S3Endpoint,
		S3Region:   cfg.Media.S3Region,
		NATSURL:    cfg.Media.NATSURL,
		OCRSubject: cfg.Media.OCRSubject,
	}, dataStore)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  media ingestor init failed, receipts will not be ingested")
		mediaIngestor = unavailableMedia{}
	} else {
		log.Info().Msg("✅ Media ingestor initialized")
		mediaIngestor = ing
	}

	disp := dispatcher.New(conv, otpSvc, escalations, mediaIngestor, outboundEngine, notifier, journal, creds, dataStore)

	handlers.SetDebugExposeOTP(cfg.Gateway.DebugExposeOTP)

	wh := webhook.New(dataStore, creds, idem, locks, disp, journal, cfg.Gateway.WebhookVerifyToken, cfg.Gateway.WAAppSecret, cfg.Gateway.IGAppSecret)
	h := handlers.New(dataStore, escalations, otpSvc, journal, creds, disp)

	// Pluggable admin auth. Callers add enterprise providers (OIDC,
	// SAML, mTLS) by calling AuthChain.RegisterProvider() on the
	// returned Server struct.
	authChain := gwauth.NewProviderChain()
	apiKeyProvider := gwauth.NewAPIKeyProvider()
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}
	svcAcctProvider := gwauth.NewServiceAccountProvider()
	if svcAcctProvider.Enabled() {
		authChain.RegisterProvider(svcAcctProvider)
	}

	router := api.NewRouter(cfg, wh, h, authChain)

	sweeper := retention.NewSweeper(escalations, retention.DefaultSweepInterval)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go sweeper.Start(sweepCtx)
	go locks.Start(sweepCtx, retention.DefaultSweepInterval, keylock.DefaultIdleTimeout)

	return &Server{
		Handler:       router,
		Store:         dataStore,
		Dispatcher:    disp,
		Notifier:      notifier,
		Handlers:      h,
		Escalations:   escalations,
		Credentials:   creds,
		AuthChain:     authChain,
		Config:        pubCfg,
		Port:          cfg.Port,
		sweeperCancel: sweepCancel,
		ShutdownFunc:  shutdown,
	}, nil
}

func otpTTL(gw config.GatewayConfig) time.Duration {
	if gw.OTPTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	if gw.OTPTTLSeconds > 900 {
		return 900 * time.Second
	}
	return time.Duration(gw.OTPTTLSeconds) * time.Second
}

func sessionTTL(gw config.GatewayConfig) time.Duration {
	if gw.SessionTTLSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(gw.SessionTTLSeconds) * time.Second
}

// dispatcherMedia mirrors dispatcher's unexported mediaIngestor
// interface so buildServer can substitute unavailableMedia when
// internal/media.New fails (missing AWS credentials, unreachable
// NATS) without risking a nil-pointer call through *media.Ingestor.
type dispatcherMedia interface {
	Ingest(ctx context.Context, tenantID, senderKey, orderID, mediaURL, contentType, accessToken string) (*models.ReceiptObject, error)
}

type unavailableMedia struct{}

func (unavailableMedia) Ingest(context.Context, string, string, string, string, string, string) (*models.ReceiptObject, error) {
	return nil, fmt.Errorf("media ingestor unavailable")
}

// seedDefaultTenant ensures a fresh checkout has a tenant to send
// webhooks at, so the hub.challenge handshake and first signed
// delivery have somewhere to land without a prior admin API call.
func seedDefaultTenant(ctx context.Context, s store.Store, gw config.GatewayConfig) {
	if gw.DefaultTenantID == "" {
		return
	}
	if _, err := s.GetTenant(ctx, gw.DefaultTenantID); err == nil {
		return
	}

	threshold := gw.HighValueThresholdCents
	if threshold <= 0 {
		threshold = escalation.DefaultHighValueThreshold
	}

	t := &models.Tenant{
		ID:                 gw.DefaultTenantID,
		Name:               "Default Tenant",
		Status:             "active",
		HighValueThreshold: threshold,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.CreateTenant(ctx, t); err != nil {
		log.Warn().Err(err).Msg("failed to seed default tenant")
	} else {
		log.Info().Str("tenant_id", t.ID).Msg("✅ Default tenant seeded")
	}
}

// Shutdown stops all background goroutines (the escalation sweeper)
// and flushes telemetry. Should be called on graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweeperCancel != nil {
		s.sweeperCancel()
	}
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/config"
	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/domain/exchange"
	"github.com/ehr/interop/internal/domain/inbound"
	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/blobstore"
	"github.com/ehr/interop/internal/platform/db"
	"github.com/ehr/interop/internal/platform/events"
	"github.com/ehr/interop/internal/platform/hl7v2"
	"github.com/ehr/interop/internal/platform/mapping"
	"github.com/ehr/interop/internal/platform/metrics"
	"github.com/ehr/interop/internal/platform/middleware"
)

// stores are the repositories of one storage backend.
type stores struct {
	systems  system.Repository
	consents consent.Snapshot
	audit    audit.Store
	entities clinical.Repository
	inbound  inbound.Store
	exchange exchange.Store
}

func memoryStores() stores {
	return stores{
		systems:  system.NewMemoryRepo(),
		consents: consent.NewMemoryStore(),
		audit:    audit.NewMemoryStore(),
		entities: clinical.NewMemoryRepo(),
		inbound:  inbound.NewMemoryStore(),
		exchange: exchange.NewMemoryStore(),
	}
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		systems:  system.NewRepo(pool),
		consents: consent.NewPGStore(pool),
		audit:    audit.NewPGStore(pool),
		entities: clinical.NewRepo(pool),
		inbound:  inbound.NewPGStore(pool),
		exchange: exchange.NewPGStore(pool),
	}
}

// app holds the wired components of a running engine.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	stores    stores
	metrics   *metrics.Collector
	systems   *system.Service
	archive   blobstore.Store
	publisher events.Publisher
	router    *inbound.Router
	client    *exchange.Client
}

// newApp connects the configured backends and wires the engine. Close
// releases what it opened.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if cfg.InMemory() {
		a.stores = memoryStores()
		logger.Warn().Msg("using in-memory storage; nothing survives a restart")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.stores = pgStores(pool)
		logger.Info().Msg("connected to database")
	}

	if err := a.openCollaborators(ctx); err != nil {
		a.Close()
		return nil, err
	}

	catalog, err := loadCatalog(cfg.MappingRulesFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	engine := mapping.NewEngine(catalog)

	a.systems = system.NewService(a.stores.systems, &http.Client{Timeout: cfg.OutboundAttemptTimeout}, logger)

	recorder := audit.NewRecorder(a.stores.audit, logger).WithObserver(a.metrics)
	if a.archive != nil {
		recorder = recorder.WithArchive(a.archive)
	}
	if a.pool != nil {
		pool := a.pool
		recorder = recorder.WithUnit(func(ctx context.Context, fn func(context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		})
	}
	gate := consent.NewGatekeeper(logger)

	a.router = inbound.NewRouter(inbound.Options{
		Systems:     a.systems,
		Gatekeeper:  gate,
		Consents:    a.stores.consents,
		Engine:      engine,
		Entities:    a.stores.entities,
		Recorder:    recorder,
		Store:       a.stores.inbound,
		Publisher:   a.publisher,
		Observer:    a.metrics,
		MaxAttempts: cfg.MaxAttemptsPerMessage,
		Logger:      logger,
	})

	a.client = exchange.NewClient(exchange.Options{
		Systems:    a.systems,
		Gatekeeper: gate,
		Consents:   a.stores.consents,
		Engine:     engine,
		Recorder:   recorder,
		Store:      a.stores.exchange,
		Pool:       exchange.NewPool(cfg.OutboundSlotWait, a.metrics),
		Policy:     policyFrom(cfg),
		Publisher:  a.publisher,
		Retried:    a.metrics.Retried,
		Logger:     logger,
	})
	return a, nil
}

// openCollaborators connects the optional payload archive and event broker.
// With in-memory storage and no archive endpoint the archive is kept in
// memory as well.
func (a *app) openCollaborators(ctx context.Context) error {
	cfg := a.cfg
	switch {
	case cfg.ArchiveEndpoint != "":
		store, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			return err
		}
		a.archive = store
		a.logger.Info().Str("bucket", cfg.ArchiveBucket).Msg("payload archive enabled")
	case cfg.InMemory():
		a.archive = blobstore.NewMemoryStore()
	}

	var pub events.Publisher = events.Nop{}
	if cfg.EventsURL != "" {
		amqp, err := events.NewAMQPPublisher(cfg.EventsURL, cfg.EventsExchange, a.logger)
		if err != nil {
			return err
		}
		pub = amqp
		a.logger.Info().Str("exchange", cfg.EventsExchange).Msg("completion events enabled")
	}
	a.publisher = events.Counted(pub, a.metrics.EventPublished)
	return nil
}

func loadCatalog(path string) (*mapping.Catalog, error) {
	if path == "" {
		return mapping.Default()
	}
	return mapping.LoadFile(path)
}

func policyFrom(cfg *config.Config) exchange.Policy {
	p := exchange.DefaultPolicy()
	if cfg.OutboundMaxAttempts > 0 {
		p.MaxAttempts = cfg.OutboundMaxAttempts
	}
	if cfg.OutboundBaseDelay > 0 {
		p.BaseDelay = cfg.OutboundBaseDelay
	}
	if cfg.OutboundMaxDelay > 0 {
		p.MaxDelay = cfg.OutboundMaxDelay
	}
	if cfg.OutboundAttemptTimeout > 0 {
		p.AttemptTimeout = cfg.OutboundAttemptTimeout
	}
	if cfg.OutboundSlotWait > 0 {
		p.SlotWait = cfg.OutboundSlotWait
	}
	if cfg.OutboundMaxConcurrency > 0 {
		p.MaxConcurrency = cfg.OutboundMaxConcurrency
	}
	return p
}

// syncSystems applies the systems file. A missing file leaves the stored
// definitions as they are.
func (a *app) syncSystems(ctx context.Context) error {
	path := a.cfg.SystemsFile
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn().Str("file", path).Msg("systems file not found, keeping stored definitions")
		return nil
	}
	defs, err := system.LoadDefinitions(path)
	if err != nil {
		return err
	}
	if err := a.systems.Sync(ctx, defs); err != nil {
		return err
	}
	a.logger.Info().Int("systems", len(defs)).Str("file", path).Msg("external systems synced")
	return nil
}

// resolveSystem maps a system name to its id for audit queries.
func (a *app) resolveSystem(c echo.Context, name string) (uuid.UUID, error) {
	s, err := a.systems.Get(c.Request().Context(), name)
	if err != nil {
		return uuid.Nil, err
	}
	return s.ID, nil
}

// server builds the HTTP surface.
func (a *app) server() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.metrics.Middleware())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.PublicSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	api := e.Group("/api/v1")

	limits := middleware.DefaultRateLimitConfig()
	limits.RequestsPerSecond = cfg.IntakeRateLimit
	limits.BurstSize = cfg.IntakeBurst
	limits.KeyFunc = middleware.CounterpartyKey

	inbound.NewHandler(a.router).RegisterRoutes(api,
		middleware.RateLimit(limits),
		middleware.BodyLimit(cfg.IntakeMaxBody),
	)
	exchange.NewHandler(a.client).RegisterRoutes(api)
	audit.NewHandler(a.stores.audit, a.resolveSystem).RegisterRoutes(api)
	system.NewHandler(a.systems).RegisterRoutes(api)
	hl7v2.NewHandler(a.systems.Delimiters).RegisterRoutes(api.Group("", auth.RequireRole("operator")))
	if a.archive != nil {
		blobstore.NewHandler(a.archive).RegisterRoutes(api)
	}
	return e
}

// Close releases the database pool and the event connection.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing event publisher")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// shutdownTimeout bounds draining of in-flight requests.
const shutdownTimeout = 10 * time.Second

func (a *app) describe() string {
	backend := "postgres"
	if a.cfg.InMemory() {
		backend = "memory"
	}
	return fmt.Sprintf("storage=%s archive=%t events=%t", backend, a.archive != nil, a.cfg.EventsURL != "")
}

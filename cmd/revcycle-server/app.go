package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/config"
	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/domain/remittance"
	"github.com/ehr/revcycle/internal/domain/scrub"
	"github.com/ehr/revcycle/internal/domain/terminology"
	"github.com/ehr/revcycle/internal/platform/blobstore"
	"github.com/ehr/revcycle/internal/platform/clearinghouse"
	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/internal/platform/messaging"
	"github.com/ehr/revcycle/internal/platform/middleware"
)

// app holds the wired components and whatever must be closed on shutdown.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool    *pgxpool.Pool
	codes   *terminology.Service
	claims  *billing.Service
	remit   *remittance.Engine
	checks  []db.Check
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown: close failed")
		}
	}
}

// newApp builds the claim engine from configuration. Optional backends
// (Redis, broker, object store) are only wired when configured.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var (
		claimRepo billing.ClaimRepository
		batchRepo remittance.BatchRepository
		procRepo  terminology.ProcedureRepository
		dxRepo    terminology.DiagnosisRepository
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := terminology.NewMemoryRepository()
		procRepo, dxRepo = mem, mem.Diagnoses()
		claimRepo = billing.NewMemoryClaimRepository()
		batchRepo = remittance.NewMemoryBatchRepository()
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.checks = append(a.checks, db.PoolCheck(pool))
		procRepo, dxRepo = terminology.NewProcedureRepoPG(pool), terminology.NewDiagnosisRepoPG(pool)
		claimRepo = billing.NewClaimRepoPG(pool)
		batchRepo = remittance.NewBatchRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		a.checks = append(a.checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		procRepo = terminology.NewCachedProcedureRepository(procRepo, rdb, cfg.CodeCacheTTL, logger)
		logger.Info().Dur("ttl", cfg.CodeCacheTTL).Msg("code lookup cache enabled")
	}
	a.codes = terminology.NewService(procRepo, dxRepo)

	catalog := scrub.DefaultCatalog()
	if cfg.ScrubRulesFile != "" {
		c, err := scrub.LoadCatalog(cfg.ScrubRulesFile)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	scrubber := scrub.NewEngine(catalog, a.codes, logger)
	logger.Info().Str("catalog", catalog.Label()).Int("rules", len(catalog.Rules)).Msg("scrub rules loaded")

	gateway, err := clearinghouse.New(clearinghouse.Config{
		Mode:         cfg.ClearinghouseMode,
		BaseURL:      cfg.ClearinghouseURL,
		ClientID:     cfg.ClearinghouseClientID,
		SigningKey:   cfg.ClearinghouseSigningKey,
		RetryMax:     cfg.ClearinghouseRetryMax,
		RPS:          cfg.ClearinghouseRPS,
		RejectPayers: cfg.SimulatorRejectPayers,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.claims = billing.NewService(claimRepo, a.codes, scrubber, gateway, logger)
	a.claims.SetGatewayTimeout(cfg.GatewayTimeout)

	if cfg.AMQPURL != "" {
		pub, err := messaging.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		a.claims.SetPublisher(pub)
	} else {
		a.claims.SetPublisher(messaging.NewLogPublisher(logger))
	}

	a.remit = remittance.NewEngine(a.claims, batchRepo, logger)
	a.remit.SetWorkers(cfg.RemitWorkers)

	var archive blobstore.BlobStore
	if cfg.ArchiveEndpoint != "" {
		store, err := blobstore.NewMinioBlobStore(blobstore.MinioConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		archive = store
		logger.Info().Str("endpoint", cfg.ArchiveEndpoint).Str("bucket", cfg.ArchiveBucket).Msg("remittance archive enabled")
	} else if cfg.Store == config.StoreMemory {
		archive = blobstore.NewInMemoryBlobStore()
	}
	if archive != nil {
		a.remit.SetArchive(archive)
	}

	ok = true
	return a, nil
}

// newServer registers middleware and routes on a fresh echo instance.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(middleware.BodyLimitConfig{
		Default: cfg.BodyLimit,
		Routes:  map[string]string{http.MethodPost + " /api/v1/remittances": cfg.RemittanceBodyLimit},
	}))

	e.GET("/health", db.HealthHandler(a.pool, a.checks...))

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}

	api := e.Group("/api/v1", middleware.RateLimit(rl), middleware.RequestTimeout(cfg.RequestTimeout))
	billing.NewHandler(a.claims).RegisterRoutes(api)
	remittance.NewHandler(a.remit).RegisterRoutes(api)
	terminology.NewHandler(a.codes).RegisterRoutes(api)

	return e
}

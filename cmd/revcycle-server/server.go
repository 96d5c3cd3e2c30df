package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/config"
	"github.com/ehr/revcycle/internal/domain/claims"
	"github.com/ehr/revcycle/internal/platform/auth"
	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/internal/platform/lock"
	"github.com/ehr/revcycle/internal/platform/metrics"
	"github.com/ehr/revcycle/internal/platform/middleware"
	"github.com/ehr/revcycle/migrations"
)

const requestTimeout = 30 * time.Second

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "revcycle").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// server bundles the echo instance with the resources it owns.
type server struct {
	echo    *echo.Echo
	svc     *claims.Service
	metrics *metrics.Recorder
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer wires storage, locking, metrics and routes from cfg. Postgres
// and Redis are only contacted when configured.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	reg, err := loadRegistry(cfg.DenialCodesFile)
	if err != nil {
		return nil, err
	}
	numbers, err := claims.NewSnowflakeNumbers(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	var (
		repo   claims.Repository
		views  claims.ViewRepository
		pool   *pgxpool.Pool
		checks []db.Check
	)
	if cfg.UsesPostgres() {
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnLifetime: time.Hour,
			ConnectTimeout:  5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		logger.Info().Msg("connected to database")

		if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, db.NewMigratorFS(pool, migrations.FS)); err != nil {
			return nil, fmt.Errorf("prepare default tenant: %w", err)
		}
		repo, views = claims.NewPGRepository(pool), claims.NewPGViewRepository(pool)
		checks = append(checks, db.PoolCheck(pool))
	} else {
		repo, views = claims.NewMemoryRepository(), claims.NewMemoryViewRepository()
		logger.Warn().Msg("using in-memory claim store, data is lost on restart")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		s.closers = append(s.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rl, err := lock.NewRedisLocker(client, "revcycle:lock:", cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		locker = rl
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		logger.Info().Msg("using redis for claim locks")
	}

	s.metrics = metrics.New(metrics.Config{ServiceName: "revcycle", Environment: cfg.Env})

	svc := claims.NewService(repo, views, reg, numbers)
	svc.SetLocker(locker)
	svc.SetMetrics(s.metrics)
	svc.SetLogger(logger)
	s.svc = svc

	if cfg.SeedData {
		if err := seedDefaultTenant(ctx, cfg, pool, repo, logger); err != nil {
			return nil, err
		}
	}

	s.echo = newEcho(cfg, logger, s.metrics, pool, checks)
	claims.NewHandler(svc).RegisterRoutes(s.echo.Group("/api/v1", apiMiddleware(cfg, pool)...))

	ok = true
	return s, nil
}

func seedDefaultTenant(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, repo claims.Repository, logger zerolog.Logger) error {
	if pool != nil {
		tctx, release, err := db.WithTenantConn(ctx, pool, cfg.DefaultTenant)
		if err != nil {
			return err
		}
		defer release()
		ctx = tctx
	}
	n, err := claims.Seed(ctx, repo, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed claims: %w", err)
	}
	logger.Info().Int("claims", n).Str("tenant", cfg.DefaultTenant).Msg("seeded demo claims")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, rec *metrics.Recorder, pool *pgxpool.Pool, checks []db.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(rec.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader, "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))

	if cfg.DevAuth() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", db.HealthHandler())
	if pool != nil || len(checks) > 0 {
		e.GET("/health/db", db.HealthHandler(checks...))
	}
	e.GET("/metrics", rec.Handler())
	return e
}

func apiMiddleware(cfg *config.Config, pool *pgxpool.Pool) []echo.MiddlewareFunc {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	mws := []echo.MiddlewareFunc{
		middleware.RateLimit(rl),
		middleware.RequestTimeout(requestTimeout),
	}
	if pool != nil {
		mws = append(mws, db.TenantMiddleware(pool, cfg.DefaultTenant))
	}
	return mws
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	s, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-timetable-api/api/swagger"
	"github.com/noah-isme/sma-timetable-api/internal/handler"
	"github.com/noah-isme/sma-timetable-api/internal/middleware"
	"github.com/noah-isme/sma-timetable-api/internal/repository"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	"github.com/noah-isme/sma-timetable-api/pkg/cache"
	"github.com/noah-isme/sma-timetable-api/pkg/config"
	"github.com/noah-isme/sma-timetable-api/pkg/database"
	"github.com/noah-isme/sma-timetable-api/pkg/jobs"
	"github.com/noah-isme/sma-timetable-api/pkg/lock"
	"github.com/noah-isme/sma-timetable-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-timetable-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-timetable-api/pkg/timeslot"
)

// @title SMA Timetable API
// @version 1.0.0
// @description Weekly teacher booking service with conflict detection
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB, logr); err != nil {
			return err
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	loc, err := cfg.Timetable.Location()
	if err != nil {
		return err
	}
	resolver := timeslot.NewResolver(loc)

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(
		repository.NewCacheRepository(redisClient, logr),
		metricsSvc,
		cfg.Timetable.CacheTTL,
		logr,
		cfg.Timetable.CacheEnabled && redisClient != nil,
	)
	stopRetries := cacheSvc.StartInvalidationRetries(ctx, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 64,
		MaxRetries: 5,
		RetryDelay: 2 * time.Second,
		Logger:     logr,
	})
	defer stopRetries()

	locker, err := newLocker(cfg, redisClient, logr)
	if err != nil {
		return err
	}

	bookingRepo := repository.NewBookingRepository(db)
	bookingSvc := service.NewBookingService(
		bookingRepo,
		repository.NewTeacherRepository(db),
		repository.NewSubjectRepository(db),
		resolver,
		validator.New(),
		logr,
		service.BookingServiceOptions{
			Locker:   locker,
			Cache:    cacheSvc,
			Metrics:  metricsSvc,
			LockWait: cfg.Timetable.LockWait,
		},
	)
	timetableSvc := service.NewTimetableService(bookingRepo, resolver, cacheSvc, cfg.Timetable.CacheTTL, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r.Group(cfg.APIPrefix),
		handler.NewBookingHandler(bookingSvc, resolver),
		handler.NewTimetableHandler(timetableSvc),
		metricsHandler,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("lock_backend", cfg.Timetable.LockBackend),
			zap.String("timezone", loc.String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func registerRoutes(api *gin.RouterGroup, bookings *handler.BookingHandler, timetable *handler.TimetableHandler, metrics *handler.MetricsHandler) {
	api.GET("/bookings", bookings.List)
	api.POST("/bookings", bookings.Create)
	api.POST("/bookings/bulk", bookings.BulkCreate)
	api.POST("/bookings/check", bookings.Check)
	api.GET("/bookings/:id", bookings.Get)
	api.PUT("/bookings/:id", bookings.Update)
	api.DELETE("/bookings/:id", bookings.Delete)

	api.GET("/teachers/:id/timetable", timetable.Week)
	api.GET("/teachers/:id/timetable/export", timetable.Export)

	api.GET("/metrics/summary", metrics.Summary)
}

func newLocker(cfg *config.Config, client *redis.Client, logr *zap.Logger) (lock.Locker, error) {
	if cfg.Timetable.LockBackend != config.LockBackendRedis {
		return lock.NewLocalLocker(), nil
	}
	if client == nil {
		return nil, errors.New("redis lock backend selected but no redis client is configured")
	}
	return lock.NewRedisLocker(client, lock.RedisOptions{
		Prefix: "sma-timetable:lock:",
		TTL:    cfg.Timetable.LockTTL,
		Logger: logr,
	}), nil
}

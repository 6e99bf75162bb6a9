package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/jobs"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
	Counter(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
}

// CacheService wraps the cache repository with metrics and a feature flag.
// Cache failures are logged and reported but never fail the calling operation.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
	retries    *jobs.Queue[string]
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get attempts to retrieve a cached entry. It returns true when the cache was hit.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	duration := time.Since(start)
	if err != nil {
		s.metrics.RecordCacheOperation(false, duration)
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return false, nil
		}
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	s.metrics.RecordCacheOperation(true, duration)
	return true, nil
}

// Set stores the value in cache.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Generation reads the counter that versions a family of cache keys. ok is false
// when caching is off or the counter cannot be read; callers then bypass the cache.
func (s *CacheService) Generation(ctx context.Context, key string) (int64, bool) {
	if !s.Enabled() {
		return 0, false
	}
	gen, err := s.repo.Counter(ctx, key)
	if err != nil {
		s.logger.Warn("cache generation read failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return gen, true
}

// BumpGeneration moves readers of the key family to fresh keys. Entries written
// under an older generation are never read again and expire with their TTL.
func (s *CacheService) BumpGeneration(ctx context.Context, key string) error {
	if !s.Enabled() {
		return nil
	}
	if _, err := s.repo.Incr(ctx, key); err != nil {
		s.logger.Warn("cache generation bump failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// StartInvalidationRetries runs a background queue that retries failed invalidations.
// The returned func stops it.
func (s *CacheService) StartInvalidationRetries(ctx context.Context, cfg jobs.QueueConfig) func() {
	if !s.Enabled() {
		return func() {}
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	s.retries = jobs.NewQueue("cache-invalidation", func(ctx context.Context, job jobs.Job[string]) error {
		return s.repo.DeleteByPattern(ctx, job.Payload)
	}, cfg)
	s.retries.Start(ctx)
	return s.retries.Stop
}

// Invalidate removes cached values for the provided pattern. A failure is
// handed to the retry queue when one is running.
func (s *CacheService) Invalidate(ctx context.Context, pattern string) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.repo.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("pattern", pattern), zap.Error(err))
		if s.retries != nil {
			if qErr := s.retries.Enqueue(jobs.Job[string]{ID: pattern, Payload: pattern}); qErr != nil {
				s.logger.Error("cache invalidate retry not queued", zap.String("pattern", pattern), zap.Error(qErr))
			}
		}
		return err
	}
	return nil
}

func teacherWeekCacheKey(teacherID string, generation int64, monday time.Time) string {
	return fmt.Sprintf("timetable:teacher:%s:g%d:%s", teacherID, generation, monday.Format("2006-01-02"))
}

func teacherGenerationKey(teacherID string) string {
	return "timetable:generation:teacher:" + teacherID
}

func teacherWeekCachePattern(teacherID string) string {
	return fmt.Sprintf("timetable:teacher:%s:*", teacherID)
}

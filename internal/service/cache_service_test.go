package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/pkg/jobs"
)

func TestCacheServiceDisabled(t *testing.T) {
	var nilService *CacheService
	assert.False(t, nilService.Enabled())

	svc := NewCacheService(newMemoryCacheRepo(), nil, 0, nil, false)
	hit, err := svc.Get(context.Background(), "key", &models.WeeklyTimetable{})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, svc.Set(context.Background(), "key", &models.WeeklyTimetable{}, 0))
	assert.NoError(t, svc.Invalidate(context.Background(), "key*"))
}

func TestCacheServiceRecordsHitsAndMisses(t *testing.T) {
	metrics := NewMetricsService()
	repo := newMemoryCacheRepo()
	svc := NewCacheService(repo, metrics, time.Minute, nil, true)
	ctx := context.Background()
	key := teacherWeekCacheKey("teacher-a", 0, monday)

	var dest models.WeeklyTimetable
	hit, err := svc.Get(ctx, key, &dest)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(ctx, key, &models.WeeklyTimetable{TeacherID: "teacher-a", Total: 4}, 0))
	hit, err = svc.Get(ctx, key, &dest)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 4, dest.Total)

	require.NoError(t, svc.Invalidate(ctx, teacherWeekCachePattern("teacher-a")))
	assert.Empty(t, repo.values)

	snapshot := metrics.Snapshot()
	assert.Equal(t, uint64(1), snapshot.CacheHits)
	assert.Equal(t, uint64(1), snapshot.CacheMisses)
	assert.InDelta(t, 0.5, snapshot.CacheHitRatio, 0.0001)
}

func TestCacheServiceRetriesFailedInvalidation(t *testing.T) {
	repo := newMemoryCacheRepo()
	repo.deleteFails = 2
	svc := NewCacheService(repo, nil, time.Minute, nil, true)
	stop := svc.StartInvalidationRetries(context.Background(), jobs.QueueConfig{RetryDelay: time.Millisecond, MaxRetries: 3})
	defer stop()

	err := svc.Invalidate(context.Background(), teacherWeekCachePattern("teacher-a"))
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return len(repo.invalidatedPatterns()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"timetable:teacher:teacher-a:*"}, repo.invalidatedPatterns())
}

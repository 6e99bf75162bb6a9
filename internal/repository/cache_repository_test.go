package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	ctx := context.Background()

	var week models.WeeklyTimetable
	assert.ErrorIs(t, repo.Get(ctx, "timetable:teacher:a:2024-01-01", &week), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(ctx, "timetable:teacher:a:2024-01-01", week, time.Minute))
	assert.NoError(t, repo.DeleteByPattern(ctx, "timetable:teacher:a:*"))

	gen, err := repo.Counter(ctx, "timetable:generation:teacher:a")
	assert.NoError(t, err)
	assert.Zero(t, gen)
	gen, err = repo.Incr(ctx, "timetable:generation:teacher:a")
	assert.NoError(t, err)
	assert.Zero(t, gen)
}

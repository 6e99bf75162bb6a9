package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/timeslot"
)

func weekBookings() []models.Booking {
	note := "lab, room 2"
	thursday := models.Booking{
		ID:        "thu",
		TeacherID: "teacher-a",
		SubjectID: "physics",
		DayOfWeek: "THURSDAY",
		WeekStart: monday,
		StartsAt:  monday.AddDate(0, 0, 3).Add(13 * time.Hour),
		EndsAt:    monday.AddDate(0, 0, 3).Add(14*time.Hour + 30*time.Minute),
		Note:      &note,
	}
	nextWeek := mondayBooking("next", "teacher-a", 9, 10)
	nextWeek.StartsAt = nextWeek.StartsAt.AddDate(0, 0, 7)
	nextWeek.EndsAt = nextWeek.EndsAt.AddDate(0, 0, 7)
	return []models.Booking{
		mondayBooking("mon", "teacher-a", 9, 10),
		thursday,
		nextWeek,
		mondayBooking("other", "teacher-b", 9, 10),
	}
}

func newTimetableFixture(cacheRepo *memoryCacheRepo) (*TimetableService, *memoryBookingRepo) {
	repo := newMemoryBookingRepo(weekBookings()...)
	var cache *CacheService
	if cacheRepo != nil {
		cache = NewCacheService(cacheRepo, NewMetricsService(), time.Minute, nil, true)
	}
	return NewTimetableService(repo, timeslot.NewResolver(time.UTC), cache, time.Minute, nil), repo
}

func TestTimetableServiceGroupsWeek(t *testing.T) {
	svc, _ := newTimetableFixture(nil)

	week, hit, err := svc.TeacherWeek(context.Background(), "teacher-a", "2024-01-06")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, monday, week.WeekStart)
	assert.Equal(t, 2, week.Total)
	require.Len(t, week.Days, 7)

	assert.Equal(t, "MONDAY", week.Days[0].Day)
	assert.Equal(t, "2024-01-01", week.Days[0].Date)
	require.Len(t, week.Days[0].Bookings, 1)
	assert.Equal(t, "mon", week.Days[0].Bookings[0].ID)

	assert.Equal(t, "2024-01-04", week.Days[3].Date)
	require.Len(t, week.Days[3].Bookings, 1)
	assert.Equal(t, "thu", week.Days[3].Bookings[0].ID)

	assert.Equal(t, "SUNDAY", week.Days[6].Day)
	assert.Equal(t, "2024-01-07", week.Days[6].Date)
	assert.Empty(t, week.Days[6].Bookings)
}

func TestTimetableServiceUsesCache(t *testing.T) {
	cacheRepo := newMemoryCacheRepo()
	svc, repo := newTimetableFixture(cacheRepo)
	ctx := context.Background()

	_, hit, err := svc.TeacherWeek(ctx, "teacher-a", "2024-01-02")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Contains(t, cacheRepo.values, "timetable:teacher:teacher-a:g0:2024-01-01")

	repo.listErr = errors.New("should not be called")
	week, hit, err := svc.TeacherWeek(ctx, "teacher-a", "2024-01-05")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 2, week.Total)
}

func TestTimetableServiceErrors(t *testing.T) {
	svc, repo := newTimetableFixture(nil)
	ctx := context.Background()

	_, _, err := svc.TeacherWeek(ctx, " ", "2024-01-02")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, _, err = svc.TeacherWeek(ctx, "teacher-a", "2024/01/02")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	repo.listErr = errors.New("db down")
	_, _, err = svc.TeacherWeek(ctx, "teacher-a", "2024-01-02")
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceExport(t *testing.T) {
	svc, _ := newTimetableFixture(nil)
	ctx := context.Background()

	csvExport, err := svc.ExportTeacherWeek(ctx, "teacher-a", "2024-01-03", "")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", csvExport.ContentType)
	assert.Equal(t, "timetable-teacher-a-2024-01-01.csv", csvExport.Filename)
	lines := strings.Split(strings.TrimSpace(string(csvExport.Content)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Day,Date,Start,End,Subject,Note", lines[0])
	assert.Equal(t, "MONDAY,2024-01-01,09:00,10:00,math,", lines[1])
	assert.Equal(t, `THURSDAY,2024-01-04,13:00,14:30,physics,"lab, room 2"`, lines[2])

	pdfExport, err := svc.ExportTeacherWeek(ctx, "teacher-a", "2024-01-03", "PDF")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", pdfExport.ContentType)
	assert.True(t, bytes.HasPrefix(pdfExport.Content, []byte("%PDF")))

	xlsxExport, err := svc.ExportTeacherWeek(ctx, "teacher-a", "2024-01-03", "xlsx")
	require.NoError(t, err)
	assert.Equal(t, "timetable-teacher-a-2024-01-01.xlsx", xlsxExport.Filename)
	assert.True(t, bytes.HasPrefix(xlsxExport.Content, []byte("PK")))

	icsExport, err := svc.ExportTeacherWeek(ctx, "teacher-a", "2024-01-03", "ics")
	require.NoError(t, err)
	assert.Equal(t, "text/calendar", icsExport.ContentType)
	body := string(icsExport.Content)
	assert.Equal(t, 2, strings.Count(body, "BEGIN:VEVENT"))
	assert.Contains(t, body, "UID:thu@sma-timetable")
	assert.Contains(t, body, "DTSTART:20240104T130000Z")

	_, err = svc.ExportTeacherWeek(ctx, "teacher-a", "2024-01-03", "docx")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceDoesNotServeWeekLoadedBeforeWrite(t *testing.T) {
	cacheRepo := newMemoryCacheRepo()
	repo := newMemoryBookingRepo(weekBookings()...)
	resolver := timeslot.NewResolver(time.UTC)
	cache := NewCacheService(cacheRepo, NewMetricsService(), time.Minute, nil, true)
	bookings := NewBookingService(repo, nil, nil, resolver, nil, nil, BookingServiceOptions{Cache: cache})
	svc := NewTimetableService(repo, resolver, cache, time.Minute, nil)
	ctx := context.Background()

	repo.windowHook = func() {
		repo.windowHook = nil
		_, err := bookings.Create(ctx, bookingRequest("teacher-a", "Tuesday", "09:00", "10:00"))
		require.NoError(t, err)
	}

	stale, hit, err := svc.TeacherWeek(ctx, "teacher-a", "2024-01-02")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, stale.Total)

	fresh, hit, err := svc.TeacherWeek(ctx, "teacher-a", "2024-01-02")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 3, fresh.Total)
	assert.Contains(t, cacheRepo.values, "timetable:teacher:teacher-a:g1:2024-01-01")

	cached, hit, err := svc.TeacherWeek(ctx, "teacher-a", "2024-01-02")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 3, cached.Total)
}

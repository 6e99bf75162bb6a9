package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

var bookingRowColumns = []string{"id", "teacher_id", "subject_id", "day_of_week", "week_start", "starts_at", "ends_at", "note", "created_at", "updated_at"}

func newBookingRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func sampleBooking() models.Booking {
	week := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	return models.Booking{
		TeacherID: "teacher-a",
		SubjectID: "math",
		DayOfWeek: "MONDAY",
		WeekStart: week,
		StartsAt:  week.Add(9 * time.Hour),
		EndsAt:    week.Add(10 * time.Hour),
	}
}

func TestBookingRepositoryListByTeacherExcludesID(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	b := sampleBooking()
	rows := sqlmock.NewRows(bookingRowColumns).
		AddRow("b-2", b.TeacherID, b.SubjectID, b.DayOfWeek, b.WeekStart, b.StartsAt, b.EndsAt, nil, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE teacher_id = $1 AND id <> $2 ORDER BY starts_at ASC")).
		WithArgs("teacher-a", "b-1").
		WillReturnRows(rows)

	bookings, err := repo.ListByTeacher(context.Background(), "teacher-a", "b-1")
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, "b-2", bookings[0].ID)
	assert.Nil(t, bookings[0].Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryListByTeacherWithoutExclusion(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE teacher_id = $1 ORDER BY starts_at ASC")).
		WithArgs("teacher-a").
		WillReturnRows(sqlmock.NewRows(bookingRowColumns))

	bookings, err := repo.ListByTeacher(context.Background(), "teacher-a", "")
	require.NoError(t, err)
	assert.Empty(t, bookings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryList(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	b := sampleBooking()
	rows := sqlmock.NewRows(bookingRowColumns).
		AddRow("b-1", b.TeacherID, b.SubjectID, b.DayOfWeek, b.WeekStart, b.StartsAt, b.EndsAt, "lab", time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM bookings WHERE 1=1 AND teacher_id = $1 AND day_of_week = $2 ORDER BY starts_at ASC LIMIT 20 OFFSET 0")).
		WithArgs("teacher-a", "MONDAY").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM bookings WHERE 1=1 AND teacher_id = $1 AND day_of_week = $2")).
		WithArgs("teacher-a", "MONDAY").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	bookings, total, err := repo.List(context.Background(), models.BookingFilter{TeacherID: "teacher-a", DayOfWeek: "MONDAY", SortBy: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, bookings, 1)
	require.NotNil(t, bookings[0].Note)
	assert.Equal(t, "lab", *bookings[0].Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryCreateCommits(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bookings").
		WithArgs(sqlmock.AnyArg(), "teacher-a", "math", "MONDAY", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	booking := sampleBooking()
	require.NoError(t, repo.Create(context.Background(), &booking))
	assert.NotEmpty(t, booking.ID)
	assert.False(t, booking.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryCreateMapsExclusionViolation(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bookings").
		WillReturnError(&pq.Error{Code: "23P01", Message: "conflicting key value violates exclusion constraint"})
	mock.ExpectRollback()

	booking := sampleBooking()
	err := repo.Create(context.Background(), &booking)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBookingOverlap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryBulkCreateRollsBackOnFailure(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bookings").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO bookings").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	bookings := []models.Booking{sampleBooking(), sampleBooking()}
	err := repo.BulkCreate(context.Background(), bookings)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBookingOverlap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bookings SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	booking := sampleBooking()
	booking.ID = "b-1"
	require.NoError(t, repo.Update(context.Background(), &booking))
	assert.False(t, booking.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryUpdateMissingRollsBack(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bookings SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	booking := sampleBooking()
	booking.ID = "gone"
	err := repo.Update(context.Background(), &booking)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryListByTeacherBetween(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	from := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE teacher_id = $1 AND starts_at < $2 AND ends_at > $3")).
		WithArgs("teacher-a", to, from).
		WillReturnRows(sqlmock.NewRows(bookingRowColumns))

	_, err := repo.ListByTeacherBetween(context.Background(), "teacher-a", from, to)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newBookingRepoMock(t)
	defer cleanup()
	repo := NewBookingRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM bookings WHERE id = $1")).
		WithArgs("b-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "b-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

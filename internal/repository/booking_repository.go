package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

// ErrBookingOverlap is returned when the store rejects a write through the
// bookings_no_overlap exclusion constraint.
var ErrBookingOverlap = errors.New("booking overlaps an existing booking for the teacher")

const (
	exclusionViolation = "23P01"
	bookingColumns     = "id, teacher_id, subject_id, day_of_week, week_start, starts_at, ends_at, note, created_at, updated_at"
	insertBookingSQL   = `INSERT INTO bookings (id, teacher_id, subject_id, day_of_week, week_start, starts_at, ends_at, note, created_at, updated_at) VALUES (:id, :teacher_id, :subject_id, :day_of_week, :week_start, :starts_at, :ends_at, :note, :created_at, :updated_at)`
)

// BookingRepository provides persistence for bookings.
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// List returns bookings with optional filtering and pagination.
func (r *BookingRepository) List(ctx context.Context, filter models.BookingFilter) ([]models.Booking, int, error) {
	base := "FROM bookings WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.DayOfWeek != "" {
		conditions = append(conditions, fmt.Sprintf("day_of_week = $%d", len(args)+1))
		args = append(args, filter.DayOfWeek)
	}
	if filter.WeekStart != nil {
		conditions = append(conditions, fmt.Sprintf("week_start = $%d", len(args)+1))
		args = append(args, *filter.WeekStart)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{
		"starts_at":  true,
		"week_start": true,
		"created_at": true,
	}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "starts_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", bookingColumns, base, sortBy, order, size, offset)
	var bookings []models.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf("SELECT COUNT(*) %s", base), args...); err != nil {
		return nil, 0, fmt.Errorf("count bookings: %w", err)
	}
	return bookings, total, nil
}

// FindByID loads a booking by id.
func (r *BookingRepository) FindByID(ctx context.Context, id string) (*models.Booking, error) {
	query := fmt.Sprintf("SELECT %s FROM bookings WHERE id = $1", bookingColumns)
	var booking models.Booking
	if err := r.db.GetContext(ctx, &booking, query, id); err != nil {
		return nil, err
	}
	return &booking, nil
}

// ListByTeacher returns every booking of a teacher ordered by start, skipping excludeID when set.
func (r *BookingRepository) ListByTeacher(ctx context.Context, teacherID, excludeID string) ([]models.Booking, error) {
	query := fmt.Sprintf("SELECT %s FROM bookings WHERE teacher_id = $1", bookingColumns)
	args := []interface{}{teacherID}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	query += " ORDER BY starts_at ASC"

	var bookings []models.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, args...); err != nil {
		return nil, fmt.Errorf("list bookings by teacher: %w", err)
	}
	return bookings, nil
}

// ListByTeacherBetween returns the teacher's bookings intersecting [from, to).
func (r *BookingRepository) ListByTeacherBetween(ctx context.Context, teacherID string, from, to time.Time) ([]models.Booking, error) {
	query := fmt.Sprintf("SELECT %s FROM bookings WHERE teacher_id = $1 AND starts_at < $2 AND ends_at > $3 ORDER BY starts_at ASC", bookingColumns)
	var bookings []models.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, teacherID, to, from); err != nil {
		return nil, fmt.Errorf("list bookings by teacher window: %w", err)
	}
	return bookings, nil
}

// Create stores a new booking inside a transaction.
func (r *BookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	return r.withTx(ctx, "create booking", func(tx *sqlx.Tx) error {
		return insertBooking(ctx, tx, booking, time.Now().UTC())
	})
}

// BulkCreate inserts many bookings within one transaction; nothing is stored if any insert fails.
func (r *BookingRepository) BulkCreate(ctx context.Context, bookings []models.Booking) error {
	return r.withTx(ctx, "bulk create bookings", func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		for i := range bookings {
			if err := insertBooking(ctx, tx, &bookings[i], now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update replaces every mutable field of a booking inside a transaction.
// It returns sql.ErrNoRows when the booking no longer exists.
func (r *BookingRepository) Update(ctx context.Context, booking *models.Booking) error {
	return r.withTx(ctx, "update booking", func(tx *sqlx.Tx) error {
		booking.UpdatedAt = time.Now().UTC()
		const query = `UPDATE bookings SET teacher_id = :teacher_id, subject_id = :subject_id, day_of_week = :day_of_week, week_start = :week_start, starts_at = :starts_at, ends_at = :ends_at, note = :note, updated_at = :updated_at WHERE id = :id`
		result, err := sqlx.NamedExecContext(ctx, tx, query, booking)
		if err != nil {
			return mapWriteError("update booking", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update booking rows affected: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// Delete removes a booking by id.
func (r *BookingRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	return nil
}

func (r *BookingRepository) withTx(ctx context.Context, label string, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", label, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	return nil
}

func insertBooking(ctx context.Context, exec sqlx.ExtContext, booking *models.Booking, now time.Time) error {
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = now
	}
	booking.UpdatedAt = now
	if _, err := sqlx.NamedExecContext(ctx, exec, insertBookingSQL, booking); err != nil {
		return mapWriteError("insert booking", err)
	}
	return nil
}

func mapWriteError(label string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == exclusionViolation {
		return fmt.Errorf("%s: %w", label, ErrBookingOverlap)
	}
	return fmt.Errorf("%s: %w", label, err)
}

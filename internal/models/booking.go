package models

import "time"

// Booking is a teacher's scheduled occupation for a subject during one weekly interval.
type Booking struct {
	ID        string    `db:"id" json:"id"`
	TeacherID string    `db:"teacher_id" json:"teacher_id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	DayOfWeek string    `db:"day_of_week" json:"day_of_week"`
	WeekStart time.Time `db:"week_start" json:"week_start"`
	StartsAt  time.Time `db:"starts_at" json:"starts_at"`
	EndsAt    time.Time `db:"ends_at" json:"ends_at"`
	Note      *string   `db:"note" json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BookingFilter describes query params for listing bookings.
type BookingFilter struct {
	TeacherID string
	SubjectID string
	DayOfWeek string
	WeekStart *time.Time
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// BookingConflict describes an existing booking that blocks a candidate.
type BookingConflict struct {
	BookingID string    `json:"booking_id"`
	TeacherID string    `json:"teacher_id"`
	SubjectID string    `json:"subject_id"`
	DayOfWeek string    `json:"day_of_week"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

// BookingConflictError is returned when a candidate overlaps an existing booking.
type BookingConflictError struct {
	Message  string          `json:"message"`
	Conflict BookingConflict `json:"conflict"`
}

// Error implements the error interface for conflict errors.
func (e *BookingConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// ConflictResult is the outcome of a conflict check.
type ConflictResult struct {
	Conflict bool             `json:"conflict"`
	Reason   string           `json:"reason,omitempty"`
	Existing *BookingConflict `json:"existing,omitempty"`
}

// NoConflict is the result for a free interval.
func NoConflict() *ConflictResult {
	return &ConflictResult{}
}

// ConflictWith reports a clash with the given booking.
func ConflictWith(existing Booking, reason string) *ConflictResult {
	conflict := existing.AsConflict()
	return &ConflictResult{Conflict: true, Reason: reason, Existing: &conflict}
}

// AsConflict projects the booking into its conflict description.
func (b Booking) AsConflict() BookingConflict {
	return BookingConflict{
		BookingID: b.ID,
		TeacherID: b.TeacherID,
		SubjectID: b.SubjectID,
		DayOfWeek: b.DayOfWeek,
		StartsAt:  b.StartsAt,
		EndsAt:    b.EndsAt,
	}
}

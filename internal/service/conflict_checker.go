package service

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/timeslot"
)

type bookingLister interface {
	ListByTeacher(ctx context.Context, teacherID, excludeID string) ([]models.Booking, error)
}

// ConflictChecker detects double bookings for a single teacher.
// Bookings per teacher are few, so a linear scan is used.
type ConflictChecker struct {
	repo    bookingLister
	metrics *MetricsService
}

// NewConflictChecker builds a checker over the booking store.
func NewConflictChecker(repo bookingLister, metrics *MetricsService) *ConflictChecker {
	return &ConflictChecker{repo: repo, metrics: metrics}
}

// Check scans the teacher's bookings, skipping excludeID, for one overlapping candidate.
// Store failures are returned as INTERNAL_ERROR and never reported as conflicts.
func (c *ConflictChecker) Check(ctx context.Context, teacherID string, candidate timeslot.Interval, excludeID string) (*models.ConflictResult, error) {
	start := time.Now()
	existing, err := c.repo.ListByTeacher(ctx, teacherID, excludeID)
	c.metrics.ObserveConflictCheck(time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check booking conflicts")
	}
	return firstOverlap(candidate, existing), nil
}

func firstOverlap(candidate timeslot.Interval, existing []models.Booking) *models.ConflictResult {
	for _, booking := range existing {
		if candidate.Overlaps(timeslot.Interval{Start: booking.StartsAt, End: booking.EndsAt}) {
			return models.ConflictWith(booking, conflictReason(booking))
		}
	}
	return models.NoConflict()
}

func conflictReason(existing models.Booking) string {
	return fmt.Sprintf("teacher already booked for subject %s on %s %s from %s to %s",
		existing.SubjectID,
		existing.DayOfWeek,
		existing.StartsAt.Format(timeslot.DateLayout),
		existing.StartsAt.Format("15:04"),
		existing.EndsAt.Format("15:04"),
	)
}

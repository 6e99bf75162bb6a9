package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/repository"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/lock"
	"github.com/noah-isme/sma-timetable-api/pkg/timeslot"
)

type bookingRepository interface {
	bookingLister
	List(ctx context.Context, filter models.BookingFilter) ([]models.Booking, int, error)
	FindByID(ctx context.Context, id string) (*models.Booking, error)
	Create(ctx context.Context, booking *models.Booking) error
	BulkCreate(ctx context.Context, bookings []models.Booking) error
	Update(ctx context.Context, booking *models.Booking) error
	Delete(ctx context.Context, id string) error
}

type teacherLookup interface {
	FindByID(ctx context.Context, id string) (*models.Teacher, error)
}

type subjectLookup interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

const (
	opCreate = "create"
	opUpdate = "update"
	opBulk   = "bulk_create"
)

// BookingRequest carries the raw form fields of a scheduling request.
type BookingRequest struct {
	TeacherID string  `json:"teacher_id" validate:"required"`
	SubjectID string  `json:"subject_id" validate:"required"`
	Day       string  `json:"day" validate:"required,weekday"`
	WeekDate  string  `json:"week_date" validate:"required,datetime=2006-01-02"`
	StartTime string  `json:"start_time" validate:"required,timeofday"`
	EndTime   string  `json:"end_time" validate:"required,timeofday"`
	Note      *string `json:"note" validate:"omitempty,max=500"`
}

// BulkBookingRequest holds multiple bookings for creation.
type BulkBookingRequest struct {
	Items          []BookingRequest `json:"items" validate:"required,min=1,max=200,dive"`
	PartialOnError bool             `json:"partial_on_error"`
}

// BulkBookingConflict reports a skipped request item and the booking that blocked it.
// BlockingIndex is set when the blocker is an earlier item of the same batch.
type BulkBookingConflict struct {
	Index         int                    `json:"index"`
	Reason        string                 `json:"reason"`
	Existing      models.BookingConflict `json:"existing"`
	BlockingIndex *int                   `json:"blocking_index,omitempty"`
}

// BulkBookingResult summarises bulk creation results.
type BulkBookingResult struct {
	Created   []models.Booking      `json:"created"`
	Conflicts []BulkBookingConflict `json:"conflicts,omitempty"`
}

// BookingServiceOptions wires optional collaborators.
type BookingServiceOptions struct {
	Locker   lock.Locker
	Cache    *CacheService
	Metrics  *MetricsService
	LockWait time.Duration
}

// BookingService runs scheduling requests through validation, resolution,
// conflict checking and commit. Writes for one teacher are serialised by the locker.
type BookingService struct {
	repo      bookingRepository
	teachers  teacherLookup
	subjects  subjectLookup
	checker   *ConflictChecker
	resolver  *timeslot.Resolver
	locker    lock.Locker
	cache     *CacheService
	metrics   *MetricsService
	lockWait  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewBookingService instantiates BookingService.
func NewBookingService(repo bookingRepository, teachers teacherLookup, subjects subjectLookup, resolver *timeslot.Resolver, validate *validator.Validate, logger *zap.Logger, opts BookingServiceOptions) *BookingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = timeslot.NewResolver(nil)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	svc := &BookingService{
		repo:      repo,
		teachers:  teachers,
		subjects:  subjects,
		checker:   NewConflictChecker(repo, opts.Metrics),
		resolver:  resolver,
		locker:    opts.Locker,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		lockWait:  opts.LockWait,
		validator: validate,
		logger:    logger,
	}
	if err := registerBookingValidations(svc.validator); err != nil {
		logger.Error("register booking validations", zap.Error(err))
	}
	return svc
}

func registerBookingValidations(validate *validator.Validate) error {
	if err := validate.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := timeslot.ParseTimeOfDay(fl.Field().String())
		return err == nil
	}); err != nil {
		return fmt.Errorf("register timeofday: %w", err)
	}
	if err := validate.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, err := timeslot.ParseWeekday(fl.Field().String())
		return err == nil
	}); err != nil {
		return fmt.Errorf("register weekday: %w", err)
	}
	return nil
}

// List returns bookings with pagination metadata.
func (s *BookingService) List(ctx context.Context, filter models.BookingFilter) ([]models.Booking, *models.Pagination, error) {
	filter.DayOfWeek = strings.ToUpper(filter.DayOfWeek)
	if filter.DayOfWeek != "" {
		day, err := timeslot.ParseWeekday(filter.DayOfWeek)
		if err != nil {
			return nil, nil, wrapTimeslotError(err)
		}
		filter.DayOfWeek = day.String()
	}
	if filter.WeekStart != nil {
		monday := timeslot.StartOfWeek(*filter.WeekStart)
		filter.WeekStart = &monday
	}
	bookings, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list bookings")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return bookings, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a booking by id.
func (s *BookingService) Get(ctx context.Context, id string) (*models.Booking, error) {
	booking, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "booking not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load booking")
	}
	return booking, nil
}

// Check runs validation, resolution and the conflict scan without committing.
func (s *BookingService) Check(ctx context.Context, req BookingRequest, excludeID string) (*models.ConflictResult, error) {
	candidate, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	return s.checker.Check(ctx, candidate.TeacherID, intervalOf(*candidate), excludeID)
}

// Create schedules a new booking. Identical resubmissions are rejected as conflicts.
func (s *BookingService) Create(ctx context.Context, req BookingRequest) (*models.Booking, error) {
	booking, err := s.prepare(ctx, req)
	if err != nil {
		s.recordOutcome(opCreate, err)
		return nil, err
	}

	err = s.withTeacherLock(ctx, booking.TeacherID, func() error {
		if err := s.ensureNoConflict(ctx, *booking, ""); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, booking); err != nil {
			return s.wrapWriteError(err, "failed to create booking")
		}
		return nil
	})
	s.recordOutcome(opCreate, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking committed",
		zap.String("booking_id", booking.ID),
		zap.String("teacher_id", booking.TeacherID),
		zap.Time("starts_at", booking.StartsAt),
		zap.Time("ends_at", booking.EndsAt),
	)
	s.invalidateTeacher(ctx, booking.TeacherID)
	return booking, nil
}

// Update fully replaces a booking, re-checking conflicts against the teacher's other bookings.
func (s *BookingService) Update(ctx context.Context, id string, req BookingRequest) (*models.Booking, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.prepare(ctx, req)
	if err != nil {
		s.recordOutcome(opUpdate, err)
		return nil, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt

	err = s.withTeacherLock(ctx, updated.TeacherID, func() error {
		if err := s.ensureNoConflict(ctx, *updated, existing.ID); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, updated); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "booking not found")
			}
			return s.wrapWriteError(err, "failed to update booking")
		}
		return nil
	})
	s.recordOutcome(opUpdate, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking updated", zap.String("booking_id", updated.ID), zap.String("teacher_id", updated.TeacherID))
	s.invalidateTeacher(ctx, updated.TeacherID)
	if existing.TeacherID != updated.TeacherID {
		s.invalidateTeacher(ctx, existing.TeacherID)
	}
	return updated, nil
}

// Delete removes a booking.
func (s *BookingService) Delete(ctx context.Context, id string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.Error("booking delete failed", zap.String("booking_id", id), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete booking")
	}
	s.invalidateTeacher(ctx, existing.TeacherID)
	return nil
}

// BulkCreate schedules many bookings in one transaction. Items also conflict with
// earlier items of the same batch. Without PartialOnError any conflict aborts the batch.
func (s *BookingService) BulkCreate(ctx context.Context, req BulkBookingRequest) (*BulkBookingResult, error) {
	if err := s.validator.Struct(req); err != nil {
		err = validationError(err, "invalid bulk booking payload")
		s.recordOutcome(opBulk, err)
		return nil, err
	}

	candidates := make([]models.Booking, 0, len(req.Items))
	for _, item := range req.Items {
		booking, err := s.prepare(ctx, item)
		if err != nil {
			s.recordOutcome(opBulk, err)
			return nil, err
		}
		candidates = append(candidates, *booking)
	}

	var unlocks []func()
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	lockOrder := distinctTeachers(candidates)
	sort.Strings(lockOrder)
	for _, teacherID := range lockOrder {
		unlock, err := s.acquire(ctx, teacherID)
		if err != nil {
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}

	accepted := make([]models.Booking, 0, len(candidates))
	acceptedIndex := make([]int, 0, len(candidates))
	var conflicts []BulkBookingConflict
	// position in accepted of the in-batch blocker, per entry of conflicts; -1 for stored bookings
	var blockers []int
	for i, candidate := range candidates {
		result, err := s.checker.Check(ctx, candidate.TeacherID, intervalOf(candidate), "")
		if err != nil {
			s.recordOutcome(opBulk, err)
			return nil, err
		}
		blocker := -1
		if !result.Conflict {
			blocker = overlapInBatch(candidate, accepted)
			if blocker >= 0 {
				result = models.ConflictWith(accepted[blocker], fmt.Sprintf("overlaps item %d of the same batch", acceptedIndex[blocker]))
			}
		}
		if result.Conflict {
			if !req.PartialOnError {
				err := conflictError(result)
				s.recordOutcome(opBulk, err)
				return nil, err
			}
			entry := BulkBookingConflict{Index: i, Reason: result.Reason, Existing: *result.Existing}
			if blocker >= 0 {
				idx := acceptedIndex[blocker]
				entry.BlockingIndex = &idx
			}
			conflicts = append(conflicts, entry)
			blockers = append(blockers, blocker)
			s.metrics.RecordBookingDecision(opBulk, OutcomeRejected)
			continue
		}
		accepted = append(accepted, candidate)
		acceptedIndex = append(acceptedIndex, i)
	}

	if len(accepted) > 0 {
		if err := s.repo.BulkCreate(ctx, accepted); err != nil {
			err = s.wrapWriteError(err, "failed to bulk create bookings")
			for range accepted {
				s.recordOutcome(opBulk, err)
			}
			return nil, err
		}
	}
	for range accepted {
		s.recordOutcome(opBulk, nil)
	}
	for i, blocker := range blockers {
		if blocker >= 0 {
			conflicts[i].Existing.BookingID = accepted[blocker].ID
		}
	}

	for _, teacherID := range distinctTeachers(accepted) {
		s.invalidateTeacher(ctx, teacherID)
	}
	s.logger.Info("bookings bulk committed", zap.Int("created", len(accepted)), zap.Int("conflicts", len(conflicts)))
	return &BulkBookingResult{Created: accepted, Conflicts: conflicts}, nil
}

// resolve covers the Validated and Resolved states.
func (s *BookingService) resolve(req BookingRequest) (*models.Booking, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid booking payload")
	}

	start, err := timeslot.ParseTimeOfDay(req.StartTime)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	end, err := timeslot.ParseTimeOfDay(req.EndTime)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	if !start.Before(end) {
		return nil, appErrors.Clone(appErrors.ErrInvalidRange, fmt.Sprintf("end time %s must be after start time %s", end, start))
	}

	interval, err := s.resolver.ResolveStrings(req.WeekDate, req.Day, req.StartTime, req.EndTime)
	if err != nil {
		return nil, wrapTimeslotError(err)
	}

	return &models.Booking{
		TeacherID: strings.TrimSpace(req.TeacherID),
		SubjectID: strings.TrimSpace(req.SubjectID),
		DayOfWeek: timeslot.WeekdayOf(interval.Start).String(),
		WeekStart: timeslot.StartOfWeek(interval.Start),
		StartsAt:  interval.Start,
		EndsAt:    interval.End,
		Note:      req.Note,
	}, nil
}

func (s *BookingService) prepare(ctx context.Context, req BookingRequest) (*models.Booking, error) {
	booking, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReferences(ctx, booking.TeacherID, booking.SubjectID); err != nil {
		return nil, err
	}
	return booking, nil
}

func (s *BookingService) ensureReferences(ctx context.Context, teacherID, subjectID string) error {
	if s.teachers != nil {
		teacher, err := s.teachers.FindByID(ctx, teacherID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
		}
		if !teacher.Active {
			return appErrors.Clone(appErrors.ErrInactive, "teacher is inactive")
		}
	}
	if s.subjects != nil {
		if _, err := s.subjects.FindByID(ctx, subjectID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "subject not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
		}
	}
	return nil
}

func (s *BookingService) ensureNoConflict(ctx context.Context, booking models.Booking, ignoreID string) error {
	result, err := s.checker.Check(ctx, booking.TeacherID, intervalOf(booking), ignoreID)
	if err != nil {
		return err
	}
	if result.Conflict {
		return conflictError(result)
	}
	return nil
}

func (s *BookingService) withTeacherLock(ctx context.Context, teacherID string, fn func() error) error {
	unlock, err := s.acquire(ctx, teacherID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (s *BookingService) acquire(ctx context.Context, teacherID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	start := time.Now()
	unlock, err := s.locker.Lock(lockCtx, "booking:teacher:"+teacherID)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		s.logger.Warn("teacher lock not acquired", zap.String("teacher_id", teacherID), zap.Error(err))
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, appErrors.Wrap(err, appErrors.ErrLockTimeout.Code, appErrors.ErrLockTimeout.Status, appErrors.ErrLockTimeout.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock teacher schedule")
	}
	return unlock, nil
}

func (s *BookingService) wrapWriteError(err error, message string) error {
	if errors.Is(err, repository.ErrBookingOverlap) {
		domainErr := &models.BookingConflictError{Message: "teacher already booked for an overlapping interval"}
		return appErrors.Wrap(domainErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "booking conflict: "+domainErr.Message)
	}
	s.logger.Error(message, zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func (s *BookingService) recordOutcome(operation string, err error) {
	outcome := OutcomeCommitted
	if err != nil {
		switch appErrors.FromError(err).Code {
		case appErrors.ErrConflict.Code:
			outcome = OutcomeRejected
		case appErrors.ErrInternal.Code, appErrors.ErrLockTimeout.Code:
			outcome = OutcomeFailed
		default:
			outcome = OutcomeInvalid
		}
	}
	s.metrics.RecordBookingDecision(operation, outcome)
}

func (s *BookingService) invalidateTeacher(ctx context.Context, teacherID string) {
	_ = s.cache.BumpGeneration(ctx, teacherGenerationKey(teacherID))
	_ = s.cache.Invalidate(ctx, teacherWeekCachePattern(teacherID))
}

func conflictError(result *models.ConflictResult) error {
	domainErr := &models.BookingConflictError{Message: result.Reason, Conflict: *result.Existing}
	return appErrors.Wrap(domainErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "booking conflict: "+result.Reason).
		WithDetails(domainErr.Conflict)
}

// validationError maps struct validation failures; an unparseable day keeps its UNKNOWN_DAY code.
func validationError(err error, message string) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Tag() == "weekday" {
				return wrapTimeslotError(&timeslot.UnknownDayError{Day: fmt.Sprint(fe.Value())})
			}
		}
	}
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
}

func wrapTimeslotError(err error) error {
	var dayErr *timeslot.UnknownDayError
	if errors.As(err, &dayErr) {
		return appErrors.Wrap(err, appErrors.ErrUnknownDay.Code, appErrors.ErrUnknownDay.Status, dayErr.Error())
	}
	var rangeErr *timeslot.InvalidRangeError
	if errors.As(err, &rangeErr) {
		return appErrors.Wrap(err, appErrors.ErrInvalidRange.Code, appErrors.ErrInvalidRange.Status, appErrors.ErrInvalidRange.Message)
	}
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
}

func intervalOf(booking models.Booking) timeslot.Interval {
	return timeslot.Interval{Start: booking.StartsAt, End: booking.EndsAt}
}

// overlapInBatch returns the position of the first accepted booking of the same teacher
// overlapping candidate, or -1.
func overlapInBatch(candidate models.Booking, accepted []models.Booking) int {
	for i, booking := range accepted {
		if booking.TeacherID == candidate.TeacherID && intervalOf(candidate).Overlaps(intervalOf(booking)) {
			return i
		}
	}
	return -1
}

// distinctTeachers returns teacher ids in first-seen order.
func distinctTeachers(bookings []models.Booking) []string {
	seen := make(map[string]struct{}, len(bookings))
	var ids []string
	for _, booking := range bookings {
		if _, ok := seen[booking.TeacherID]; ok {
			continue
		}
		seen[booking.TeacherID] = struct{}{}
		ids = append(ids, booking.TeacherID)
	}
	return ids
}

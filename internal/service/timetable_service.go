package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/export"
	"github.com/noah-isme/sma-timetable-api/pkg/timeslot"
)

type bookingWindowLister interface {
	ListByTeacherBetween(ctx context.Context, teacherID string, from, to time.Time) ([]models.Booking, error)
}

// Supported timetable export formats.
const (
	ExportFormatCSV  = "csv"
	ExportFormatPDF  = "pdf"
	ExportFormatXLSX = "xlsx"
	ExportFormatICS  = "ics"
)

var exportContentTypes = map[string]string{
	ExportFormatCSV:  "text/csv",
	ExportFormatPDF:  "application/pdf",
	ExportFormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	ExportFormatICS:  "text/calendar",
}

// TimetableExport is a rendered week ready to be sent to the client.
type TimetableExport struct {
	Filename    string
	ContentType string
	Content     []byte
}

// TimetableService builds per-teacher week views.
type TimetableService struct {
	repo     bookingWindowLister
	resolver *timeslot.Resolver
	cache    *CacheService
	cacheTTL time.Duration
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	xlsx     *export.XLSXExporter
	ics      *export.ICSExporter
	logger   *zap.Logger
}

// NewTimetableService constructs the service.
func NewTimetableService(repo bookingWindowLister, resolver *timeslot.Resolver, cache *CacheService, cacheTTL time.Duration, logger *zap.Logger) *TimetableService {
	if resolver == nil {
		resolver = timeslot.NewResolver(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimetableService{
		repo:     repo,
		resolver: resolver,
		cache:    cache,
		cacheTTL: cacheTTL,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		xlsx:     export.NewXLSXExporter(),
		ics:      export.NewICSExporter("-//sma-timetable-api//timetable//EN"),
		logger:   logger,
	}
}

// TeacherWeek returns the teacher's bookings for the week containing weekDate.
// An empty weekDate means the current week. The bool reports a cache hit.
func (s *TimetableService) TeacherWeek(ctx context.Context, teacherID, weekDate string) (*models.WeeklyTimetable, bool, error) {
	teacherID = strings.TrimSpace(teacherID)
	if teacherID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "teacher id is required")
	}
	monday, err := s.weekStart(weekDate)
	if err != nil {
		return nil, false, err
	}

	// The generation is read before loading so a write committed meanwhile
	// bumps it and the value stored below is never served.
	generation, cacheable := s.cache.Generation(ctx, teacherGenerationKey(teacherID))
	key := teacherWeekCacheKey(teacherID, generation, monday)
	if cacheable {
		var cached models.WeeklyTimetable
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			return &cached, true, nil
		}
	}

	bookings, err := s.repo.ListByTeacherBetween(ctx, teacherID, monday, monday.AddDate(0, 0, 7))
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher timetable")
	}
	week := buildWeek(teacherID, monday, bookings)
	if cacheable {
		_ = s.cache.Set(ctx, key, week, s.cacheTTL)
	}
	return week, false, nil
}

// ExportTeacherWeek renders the teacher's week as CSV, PDF, XLSX or an iCalendar feed.
func (s *TimetableService) ExportTeacherWeek(ctx context.Context, teacherID, weekDate, format string) (*TimetableExport, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be one of csv, pdf, xlsx, ics")
	}

	week, _, err := s.TeacherWeek(ctx, teacherID, weekDate)
	if err != nil {
		return nil, err
	}
	weekOf := week.WeekStart.Format(timeslot.DateLayout)
	filename := fmt.Sprintf("timetable-%s-%s.%s", week.TeacherID, weekOf, format)
	title := fmt.Sprintf("Timetable %s week of %s", week.TeacherID, weekOf)

	var content []byte
	switch format {
	case ExportFormatPDF:
		content, err = s.pdf.Render(weekDataset(week), title)
	case ExportFormatXLSX:
		content, err = s.xlsx.Render(weekDataset(week), weekOf)
	case ExportFormatICS:
		content, err = s.ics.Render(weekEvents(week), title)
	default:
		content, err = s.csv.Render(weekDataset(week))
	}
	if err != nil {
		s.logger.Error("timetable export failed", zap.String("teacher_id", teacherID), zap.String("format", format), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render timetable")
	}
	return &TimetableExport{Filename: filename, ContentType: contentType, Content: content}, nil
}

func (s *TimetableService) weekStart(weekDate string) (time.Time, error) {
	if strings.TrimSpace(weekDate) == "" {
		return timeslot.StartOfWeek(time.Now().In(s.resolver.Location())), nil
	}
	anchor, err := s.resolver.ParseDate(weekDate)
	if err != nil {
		return time.Time{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	return timeslot.StartOfWeek(anchor), nil
}

func buildWeek(teacherID string, monday time.Time, bookings []models.Booking) *models.WeeklyTimetable {
	week := &models.WeeklyTimetable{TeacherID: teacherID, WeekStart: monday, Total: len(bookings)}
	for _, day := range timeslot.Weekdays() {
		y, m, d := monday.Date()
		date := time.Date(y, m, d+day.Offset(), 0, 0, 0, 0, monday.Location())
		next := date.AddDate(0, 0, 1)
		entry := models.TimetableDay{Day: day.String(), Date: date.Format(timeslot.DateLayout), Bookings: []models.Booking{}}
		for _, booking := range bookings {
			starts := booking.StartsAt.In(monday.Location())
			if !starts.Before(date) && starts.Before(next) {
				entry.Bookings = append(entry.Bookings, booking)
			}
		}
		week.Days = append(week.Days, entry)
	}
	return week
}

func weekDataset(week *models.WeeklyTimetable) export.Dataset {
	dataset := export.Dataset{Headers: []string{"Day", "Date", "Start", "End", "Subject", "Note"}}
	for _, day := range week.Days {
		for _, booking := range day.Bookings {
			note := ""
			if booking.Note != nil {
				note = *booking.Note
			}
			loc := week.WeekStart.Location()
			dataset.Rows = append(dataset.Rows, map[string]string{
				"Day":     day.Day,
				"Date":    day.Date,
				"Start":   booking.StartsAt.In(loc).Format("15:04"),
				"End":     booking.EndsAt.In(loc).Format("15:04"),
				"Subject": booking.SubjectID,
				"Note":    note,
			})
		}
	}
	return dataset
}

func weekEvents(week *models.WeeklyTimetable) []export.Event {
	var events []export.Event
	for _, day := range week.Days {
		for _, booking := range day.Bookings {
			evt := export.Event{
				UID:     booking.ID + "@sma-timetable",
				Start:   booking.StartsAt,
				End:     booking.EndsAt,
				Summary: "Subject " + booking.SubjectID,
			}
			if booking.Note != nil {
				evt.Description = *booking.Note
			}
			events = append(events, evt)
		}
	}
	return events
}

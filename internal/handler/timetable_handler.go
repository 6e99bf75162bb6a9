package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-timetable-api/internal/middleware"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/response"
)

type timetableService interface {
	TeacherWeek(ctx context.Context, teacherID, weekDate string) (*models.WeeklyTimetable, bool, error)
	ExportTeacherWeek(ctx context.Context, teacherID, weekDate, format string) (*service.TimetableExport, error)
}

// TimetableHandler serves teacher week views.
type TimetableHandler struct {
	service timetableService
}

// NewTimetableHandler constructs the handler.
func NewTimetableHandler(svc timetableService) *TimetableHandler {
	return &TimetableHandler{service: svc}
}

// Week godoc
// @Summary Teacher timetable for one week
// @Tags Timetable
// @Produce json
// @Param id path string true "Teacher ID"
// @Param week query string false "Any date (YYYY-MM-DD) inside the week. Defaults to the current week"
// @Success 200 {object} response.Envelope
// @Router /teachers/{id}/timetable [get]
func (h *TimetableHandler) Week(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	start := time.Now()
	week, cacheHit, err := h.service.TeacherWeek(c.Request.Context(), c.Param("id"), c.Query("week"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, week, nil, meta)
}

// Export godoc
// @Summary Download a teacher week as CSV or PDF
// @Tags Timetable
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Teacher ID"
// @Param week query string false "Any date (YYYY-MM-DD) inside the week"
// @Param format query string false "csv, pdf, xlsx or ics" default(csv)
// @Success 200 {file} file
// @Router /teachers/{id}/timetable/export [get]
func (h *TimetableHandler) Export(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	rendered, err := h.service.ExportTeacherWeek(c.Request.Context(), c.Param("id"), c.Query("week"), c.DefaultQuery("format", service.ExportFormatCSV))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, rendered.Filename, rendered.ContentType, rendered.Content)
}

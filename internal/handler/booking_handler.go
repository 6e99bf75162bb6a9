package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/response"
	"github.com/noah-isme/sma-timetable-api/pkg/timeslot"
)

type bookingService interface {
	List(ctx context.Context, filter models.BookingFilter) ([]models.Booking, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.Booking, error)
	Check(ctx context.Context, req service.BookingRequest, excludeID string) (*models.ConflictResult, error)
	Create(ctx context.Context, req service.BookingRequest) (*models.Booking, error)
	Update(ctx context.Context, id string, req service.BookingRequest) (*models.Booking, error)
	Delete(ctx context.Context, id string) error
	BulkCreate(ctx context.Context, req service.BulkBookingRequest) (*service.BulkBookingResult, error)
}

// BookingHandler manages booking endpoints.
type BookingHandler struct {
	service  bookingService
	resolver *timeslot.Resolver
}

// NewBookingHandler constructs handler. The resolver parses week filters in the school's timezone.
func NewBookingHandler(svc bookingService, resolver *timeslot.Resolver) *BookingHandler {
	if resolver == nil {
		resolver = timeslot.NewResolver(nil)
	}
	return &BookingHandler{service: svc, resolver: resolver}
}

// List godoc
// @Summary List bookings
// @Tags Bookings
// @Produce json
// @Param teacherId query string false "Filter by teacher"
// @Param subjectId query string false "Filter by subject"
// @Param day query string false "Filter by day of week"
// @Param week query string false "Any date (YYYY-MM-DD) inside the week"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /bookings [get]
func (h *BookingHandler) List(c *gin.Context) {
	var filter models.BookingFilter
	filter.TeacherID = c.Query("teacherId")
	filter.SubjectID = c.Query("subjectId")
	filter.DayOfWeek = strings.ToUpper(c.Query("day"))
	if week := strings.TrimSpace(c.Query("week")); week != "" {
		anchor, err := h.resolver.ParseDate(week)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "week must use YYYY-MM-DD"))
			return
		}
		filter.WeekStart = &anchor
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = limit
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	bookings, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bookings, pagination)
}

// Get godoc
// @Summary Get booking
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /bookings/{id} [get]
func (h *BookingHandler) Get(c *gin.Context) {
	booking, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, booking, nil)
}

// Check godoc
// @Summary Check a booking for conflicts without saving it
// @Tags Bookings
// @Accept json
// @Produce json
// @Param excludeId query string false "Booking being edited"
// @Param payload body service.BookingRequest true "Booking payload"
// @Success 200 {object} response.Envelope
// @Router /bookings/check [post]
func (h *BookingHandler) Check(c *gin.Context) {
	var req service.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.service.Check(c.Request.Context(), req, strings.TrimSpace(c.Query("excludeId")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Create godoc
// @Summary Create booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param payload body service.BookingRequest true "Booking payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /bookings [post]
func (h *BookingHandler) Create(c *gin.Context) {
	var req service.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	booking, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, booking)
}

// BulkCreate godoc
// @Summary Bulk create bookings
// @Tags Bookings
// @Accept json
// @Produce json
// @Param payload body service.BulkBookingRequest true "Bulk payload"
// @Success 200 {object} response.Envelope
// @Router /bookings/bulk [post]
func (h *BookingHandler) BulkCreate(c *gin.Context) {
	var req service.BulkBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.service.BulkCreate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Update godoc
// @Summary Update booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param payload body service.BookingRequest true "Booking payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /bookings/{id} [put]
func (h *BookingHandler) Update(c *gin.Context) {
	var req service.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	booking, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, booking, nil)
}

// Delete godoc
// @Summary Delete booking
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 204
// @Router /bookings/{id} [delete]
func (h *BookingHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

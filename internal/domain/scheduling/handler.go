package scheduling

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/medibook/booking/internal/platform/auth"
	"github.com/medibook/booking/internal/platform/db"
	"github.com/medibook/booking/internal/platform/notification"
	"github.com/medibook/booking/pkg/apperror"
	"github.com/medibook/booking/pkg/pagination"
)

const (
	defaultMaxRetries = 2
	defaultRetryBase  = 50 * time.Millisecond
	publishTimeout    = 3 * time.Second
)

type Handler struct {
	svc       *Service
	publisher notification.Publisher
	logger    zerolog.Logger

	maxRetries uint64
	retryBase  time.Duration
}

type HandlerOption func(*Handler)

// WithRetry bounds how often a request is re-run after a persistence
// failure, and the first backoff delay.
func WithRetry(maxRetries uint64, base time.Duration) HandlerOption {
	return func(h *Handler) {
		h.maxRetries = maxRetries
		if base > 0 {
			h.retryBase = base
		}
	}
}

func NewHandler(svc *Service, publisher notification.Publisher, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	if publisher == nil {
		publisher = notification.NewLogPublisher(logger)
	}
	h := &Handler{
		svc:        svc,
		publisher:  publisher,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and booking endpoints – admin, agent
	staff := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleAgent))
	staff.GET("/doctors", h.ListDoctors)
	staff.GET("/doctors/:id", h.GetDoctor)
	staff.POST("/slots", h.CreateSlot)
	staff.GET("/slots", h.ListSlots)
	staff.GET("/slots/:id", h.GetSlot)
	staff.PUT("/slots/:id", h.UpdateSlot)
	staff.POST("/appointments", h.BookAppointment)
	staff.GET("/appointments", h.ListAppointments)
	staff.GET("/appointments/:id", h.GetAppointment)
	staff.PATCH("/appointments/:id/status", h.UpdateAppointmentStatus)
	staff.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	staff.PATCH("/appointments/:id/payment", h.UpdatePaymentStatus)

	// Administrative endpoints – admin only
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/doctors", h.CreateDoctor)
	admin.DELETE("/slots/:id", h.DeleteSlot)
}

// httpError translates a service error into the response the client sees.
// Deadline and cancellation errors pass through untouched so the timeout
// middleware can answer them.
func httpError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperror.KindNotFound:
			return echo.NewHTTPError(http.StatusNotFound, ae.Message)
		case apperror.KindCapacityExceeded, apperror.KindConflict:
			return echo.NewHTTPError(http.StatusConflict, ae.Message)
		case apperror.KindValidation:
			return echo.NewHTTPError(http.StatusBadRequest, ae.Message)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

// withRetry runs fn again after retryable failures, with exponential backoff.
func (h *Handler) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(h.maxRetries, retry.NewExponential(h.retryBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if apperror.IsRetryable(err) {
			h.logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying after persistence failure")
			return retry.RetryableError(err)
		}
		return err
	})
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	return c.Validate(v)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func queryDate(c echo.Context, name string) (string, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return "", nil
	}
	if _, err := time.Parse("2006-01-02", raw); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, name+" must be a date in YYYY-MM-DD format")
	}
	return raw, nil
}

func queryBool(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &b, nil
}

// -- Events --

type appointmentEvent struct {
	AppointmentID      uuid.UUID         `json:"appointment_id"`
	AppointmentNumber  string            `json:"appointment_number"`
	TimeSlotID         uuid.UUID         `json:"time_slot_id"`
	PreviousTimeSlotID *uuid.UUID        `json:"previous_time_slot_id,omitempty"`
	DoctorID           uuid.UUID         `json:"doctor_id"`
	DoctorName         string            `json:"doctor_name"`
	AppointmentDate    string            `json:"appointment_date"`
	StartTime          string            `json:"start_time"`
	EndTime            string            `json:"end_time"`
	Status             AppointmentStatus `json:"status"`
	QueuePosition      int               `json:"queue_position"`
	PatientName        string            `json:"patient_name"`
	PatientPhone       string            `json:"patient_phone"`
	PatientEmail       *string           `json:"patient_email,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
}

func newAppointmentEvent(a *Appointment) *appointmentEvent {
	return &appointmentEvent{
		AppointmentID:      a.ID,
		AppointmentNumber:  a.AppointmentNumber(),
		TimeSlotID:         a.TimeSlotID,
		DoctorID:           a.DoctorID,
		DoctorName:         a.DoctorName,
		AppointmentDate:    a.AppointmentDate,
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		Status:             a.Status,
		QueuePosition:      a.QueuePosition,
		PatientName:        a.PatientName,
		PatientPhone:       a.PatientPhone,
		PatientEmail:       a.PatientEmail,
		CancellationReason: a.CancellationReason,
	}
}

// publish hands the event to the notification collaborator. The request has
// already succeeded, so a failed publish is logged and otherwise ignored.
func (h *Handler) publish(c echo.Context, eventType string, payload *appointmentEvent) {
	reqCtx := c.Request().Context()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), publishTimeout)
	defer cancel()

	evt := notification.NewEvent(eventType, db.TenantFromContext(reqCtx), payload)
	if err := h.publisher.Publish(ctx, evt); err != nil {
		h.logger.Warn().Err(err).
			Str("event_id", evt.ID).
			Str("event_type", eventType).
			Str("appointment_id", payload.AppointmentID.String()).
			Msg("event publish failed")
	}
}

// -- Doctor Handlers --

type createDoctorRequest struct {
	FullName       string  `json:"full_name" validate:"required,min=2,max=255"`
	Specialization string  `json:"specialization" validate:"required,max=100"`
	HospitalName   *string `json:"hospital_name,omitempty" validate:"omitempty,max=255"`
	IsActive       *bool   `json:"is_active,omitempty"`
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var req createDoctorRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	d := &Doctor{
		FullName:       req.FullName,
		Specialization: req.Specialization,
		HospitalName:   req.HospitalName,
		IsActive:       req.IsActive == nil || *req.IsActive,
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	active, err := queryBool(c, "active")
	if err != nil {
		return err
	}
	filter := DoctorFilter{Specialization: c.QueryParam("specialization"), Active: active}
	items, total, err := h.svc.ListDoctors(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Time Slot Handlers --

type createSlotRequest struct {
	DoctorID        string `json:"doctor_id" validate:"required,uuid"`
	Date            string `json:"date" validate:"required,date"`
	StartTime       string `json:"start_time" validate:"required,clock"`
	EndTime         string `json:"end_time" validate:"required,clock"`
	MaxAppointments int    `json:"max_appointments" validate:"gt=0"`
	ConsultationFee Money  `json:"consultation_fee" validate:"gte=0"`
	IsActive        *bool  `json:"is_active,omitempty"`
}

func (h *Handler) CreateSlot(c echo.Context) error {
	var req createSlotRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id must be a valid UUID")
	}
	slot := &TimeSlot{
		DoctorID:        doctorID,
		Date:            req.Date,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		MaxAppointments: req.MaxAppointments,
		ConsultationFee: req.ConsultationFee,
		IsActive:        req.IsActive == nil || *req.IsActive,
	}
	if err := h.svc.CreateSlot(c.Request().Context(), slot); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, slot)
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	slot, err := h.svc.GetSlot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, slot)
}

func (h *Handler) ListSlots(c echo.Context) error {
	pg := pagination.FromContext(c)
	var (
		filter SlotFilter
		err    error
	)
	if filter.DoctorID, err = queryUUID(c, "doctor_id"); err != nil {
		return err
	}
	if filter.Date, err = queryDate(c, "date"); err != nil {
		return err
	}
	if filter.DateFrom, err = queryDate(c, "date_from"); err != nil {
		return err
	}
	if filter.DateTo, err = queryDate(c, "date_to"); err != nil {
		return err
	}
	available, err := queryBool(c, "available")
	if err != nil {
		return err
	}
	filter.AvailableOnly = available != nil && *available

	items, total, err := h.svc.ListSlots(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type updateSlotRequest struct {
	MaxAppointments *int   `json:"max_appointments,omitempty" validate:"omitempty,gt=0"`
	ConsultationFee *Money `json:"consultation_fee,omitempty" validate:"omitempty,gte=0"`
	IsActive        *bool  `json:"is_active,omitempty"`
}

func (h *Handler) UpdateSlot(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateSlotRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	changes := SlotChanges{
		MaxAppointments: req.MaxAppointments,
		ConsultationFee: req.ConsultationFee,
		IsActive:        req.IsActive,
	}
	var slot *TimeSlot
	err = h.withRetry(c.Request().Context(), func(ctx context.Context) error {
		var err error
		slot, err = h.svc.UpdateSlot(ctx, id, changes)
		return err
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, slot)
}

func (h *Handler) DeleteSlot(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	deactivated, err := h.svc.DeleteSlot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if deactivated {
		h.logger.Info().Str("slot_id", id.String()).Msg("time slot has appointments; deactivated instead of deleted")
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointment Handlers --

type bookingRequest struct {
	TimeSlotID string `json:"time_slot_id" validate:"required,uuid"`
	PatientDetails
}

// BookAppointment books one seat. Persistence failures are retried a bounded
// number of times; every other outcome is answered on the first attempt.
func (h *Handler) BookAppointment(c echo.Context) error {
	var req bookingRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	slotID, err := uuid.Parse(req.TimeSlotID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "time_slot_id must be a valid UUID")
	}

	ctx := c.Request().Context()
	booking := BookingRequest{
		TimeSlotID:  slotID,
		Patient:     req.PatientDetails,
		RequestedBy: auth.UserIDFromContext(ctx),
	}

	var appt *Appointment
	err = h.withRetry(ctx, func(ctx context.Context) error {
		var err error
		appt, err = h.svc.BookAppointment(ctx, booking)
		return err
	})
	if err != nil {
		return httpError(err)
	}

	h.publish(c, notification.EventAppointmentBooked, newAppointmentEvent(appt))
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var (
		filter AppointmentFilter
		err    error
	)
	if filter.TimeSlotID, err = queryUUID(c, "time_slot_id"); err != nil {
		return err
	}
	if filter.DoctorID, err = queryUUID(c, "doctor_id"); err != nil {
		return err
	}
	if filter.Date, err = queryDate(c, "date"); err != nil {
		return err
	}
	filter.Status = AppointmentStatus(c.QueryParam("status"))
	filter.PatientPhone = c.QueryParam("patient_phone")

	items, total, err := h.svc.ListAppointments(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type statusRequest struct {
	Status string  `json:"status" validate:"required"`
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	status := AppointmentStatus(req.Status)

	var appt *Appointment
	err = h.withRetry(c.Request().Context(), func(ctx context.Context) error {
		var err error
		appt, err = h.svc.UpdateAppointmentStatus(ctx, id, status, req.Reason)
		return err
	})
	if err != nil {
		return httpError(err)
	}

	if status == StatusCancelled {
		h.publish(c, notification.EventAppointmentCancelled, newAppointmentEvent(appt))
	}
	return c.JSON(http.StatusOK, appt)
}

type rescheduleRequest struct {
	TimeSlotID string `json:"time_slot_id" validate:"required,uuid"`
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	newSlotID, err := uuid.Parse(req.TimeSlotID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "time_slot_id must be a valid UUID")
	}

	var (
		appt     *Appointment
		previous uuid.UUID
	)
	err = h.withRetry(c.Request().Context(), func(ctx context.Context) error {
		var err error
		appt, previous, err = h.svc.RescheduleAppointment(ctx, id, newSlotID)
		return err
	})
	if err != nil {
		return httpError(err)
	}

	evt := newAppointmentEvent(appt)
	evt.PreviousTimeSlotID = &previous
	h.publish(c, notification.EventAppointmentRescheduled, evt)
	return c.JSON(http.StatusOK, appt)
}

type paymentRequest struct {
	PaymentStatus string `json:"payment_status" validate:"required,oneof=pending paid refunded failed"`
}

func (h *Handler) UpdatePaymentStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.UpdatePaymentStatus(c.Request().Context(), id, PaymentStatus(req.PaymentStatus))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

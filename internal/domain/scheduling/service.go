package scheduling

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medibook/booking/pkg/apperror"
)

const (
	DefaultMinutesPerAppointment = 15

	tracerName = "github.com/medibook/booking/internal/domain/scheduling"
)

type Service struct {
	doctors      DoctorRepository
	slots        SlotRepository
	appointments AppointmentRepository
	tx           TxRunner

	minutesPerAppointment int
	logger                zerolog.Logger
	tracer                trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithMinutesPerAppointment sets the per-patient duration used for the
// estimated wait of a booking. Non-positive values are ignored.
func WithMinutesPerAppointment(minutes int) Option {
	return func(s *Service) {
		if minutes > 0 {
			s.minutesPerAppointment = minutes
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func NewService(doctors DoctorRepository, slots SlotRepository, appts AppointmentRepository, tx TxRunner, opts ...Option) *Service {
	s := &Service{
		doctors:               doctors,
		slots:                 slots,
		appointments:          appts,
		tx:                    tx,
		minutesPerAppointment: DefaultMinutesPerAppointment,
		logger:                zerolog.Nop(),
		tracer:                otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "scheduling."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(apperror.KindOf(err))))
	}
	span.End()
}

// -- Doctor --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	d.FullName = strings.TrimSpace(d.FullName)
	d.Specialization = strings.TrimSpace(d.Specialization)
	if d.FullName == "" {
		return apperror.Validation("full_name is required")
	}
	if d.Specialization == "" {
		return apperror.Validation("specialization is required")
	}
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, filter DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, filter, limit, offset)
}

// -- Time Slot --

func parseClock(field, v string) (time.Time, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return time.Time{}, apperror.Validationf("%s must be a time in HH:MM format", field)
	}
	return t, nil
}

func validateSlotDefinition(slot *TimeSlot) error {
	if slot.DoctorID == uuid.Nil {
		return apperror.Validation("doctor_id is required")
	}
	if _, err := time.Parse("2006-01-02", slot.Date); err != nil {
		return apperror.Validation("date must be a date in YYYY-MM-DD format")
	}
	start, err := parseClock("start_time", slot.StartTime)
	if err != nil {
		return err
	}
	end, err := parseClock("end_time", slot.EndTime)
	if err != nil {
		return err
	}
	if !start.Before(end) {
		return apperror.Validation("start_time must be before end_time")
	}
	if slot.MaxAppointments <= 0 {
		return apperror.Validation("max_appointments must be greater than 0")
	}
	if slot.ConsultationFee < 0 {
		return apperror.Validation("consultation_fee must not be negative")
	}
	return nil
}

// CreateSlot defines a new bookable window for an active doctor. Windows of
// one doctor on one date must not intersect.
func (s *Service) CreateSlot(ctx context.Context, slot *TimeSlot) error {
	if err := validateSlotDefinition(slot); err != nil {
		return err
	}
	slot.CurrentBookings = 0

	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		doctor, err := s.doctors.GetByID(ctx, slot.DoctorID)
		if err != nil {
			return err
		}
		if !doctor.IsActive {
			return apperror.Validation("doctor is not active")
		}
		if slot.IsActive {
			overlap, err := s.slots.HasOverlap(ctx, slot.DoctorID, slot.Date, slot.StartTime, slot.EndTime, nil)
			if err != nil {
				return err
			}
			if overlap {
				return apperror.Conflict("time slot overlaps an existing slot for this doctor")
			}
		}
		if err := s.slots.Create(ctx, slot); err != nil {
			return err
		}
		slot.DoctorName = doctor.FullName
		return nil
	})
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return s.slots.GetByID(ctx, id)
}

func (s *Service) ListSlots(ctx context.Context, filter SlotFilter, limit, offset int) ([]*TimeSlot, int, error) {
	return s.slots.List(ctx, filter, limit, offset)
}

// UpdateSlot applies changes under the slot's row lock. Capacity may not drop
// below the seats already booked.
func (s *Service) UpdateSlot(ctx context.Context, id uuid.UUID, changes SlotChanges) (*TimeSlot, error) {
	var updated *TimeSlot
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		slot, err := s.slots.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if changes.MaxAppointments != nil {
			capacity := *changes.MaxAppointments
			if capacity <= 0 {
				return apperror.Validation("max_appointments must be greater than 0")
			}
			if capacity < slot.CurrentBookings {
				return apperror.Conflict(fmt.Sprintf(
					"max_appointments cannot be lower than the %d seats already booked", slot.CurrentBookings))
			}
			slot.MaxAppointments = capacity
		}
		if changes.ConsultationFee != nil {
			if *changes.ConsultationFee < 0 {
				return apperror.Validation("consultation_fee must not be negative")
			}
			slot.ConsultationFee = *changes.ConsultationFee
		}
		if changes.IsActive != nil {
			if *changes.IsActive && !slot.IsActive {
				overlap, err := s.slots.HasOverlap(ctx, slot.DoctorID, slot.Date, slot.StartTime, slot.EndTime, &slot.ID)
				if err != nil {
					return err
				}
				if overlap {
					return apperror.Conflict("time slot overlaps an existing slot for this doctor")
				}
			}
			slot.IsActive = *changes.IsActive
		}
		if err := s.slots.Update(ctx, slot); err != nil {
			return err
		}
		updated = slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSlot removes an unreferenced slot. A slot that appointments point at
// is deactivated instead, and deactivated reports true.
func (s *Service) DeleteSlot(ctx context.Context, id uuid.UUID) (deactivated bool, err error) {
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		slot, err := s.slots.LockByID(ctx, id)
		if err != nil {
			return err
		}
		referenced, err := s.slots.HasAppointments(ctx, id)
		if err != nil {
			return err
		}
		if !referenced {
			return s.slots.Delete(ctx, id)
		}
		deactivated = true
		if !slot.IsActive {
			return nil
		}
		slot.IsActive = false
		return s.slots.Update(ctx, slot)
	})
	return deactivated, err
}

// -- Booking --

// BookAppointment reserves one seat in the requested slot and records the
// appointment against it as a single transaction. The seat reservation is a
// conditional increment, so a slot never holds more bookings than its
// capacity however many requests race for the last seat.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (_ *Appointment, err error) {
	ctx, span := s.startSpan(ctx, "BookAppointment", attribute.String("slot.id", req.TimeSlotID.String()))
	defer func() { endSpan(span, err) }()

	var booked *Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		slot, err := s.slots.GetByID(ctx, req.TimeSlotID)
		if err != nil {
			return err
		}
		if !slot.IsActive {
			return apperror.NotFound("time slot")
		}
		doctor, err := s.doctors.GetByID(ctx, slot.DoctorID)
		if err != nil {
			return err
		}

		reserved, err := s.slots.ReserveSeat(ctx, slot.ID)
		if err != nil {
			return err
		}

		appt := newAppointment(req)
		appt.applySnapshot(reserved, doctor.FullName, s.minutesPerAppointment)
		if err := s.appointments.Create(ctx, appt); err != nil {
			return err
		}
		booked = appt
		return nil
	})

	log := s.logger.With().Str("slot_id", req.TimeSlotID.String()).Str("booked_by", req.RequestedBy).Logger()
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindPersistence:
			log.Error().Err(err).Msg("booking failed")
		default:
			log.Info().Str("reason", err.Error()).Msg("booking rejected")
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("appointment.id", booked.ID.String()),
		attribute.Int("appointment.queue_position", booked.QueuePosition),
	)
	log.Info().
		Str("appointment_id", booked.ID.String()).
		Str("appointment_number", booked.AppointmentNumber()).
		Int("queue_position", booked.QueuePosition).
		Int("estimated_wait_minutes", booked.EstimatedWaitMinutes).
		Msg("appointment booked")
	return booked, nil
}

func newAppointment(req BookingRequest) *Appointment {
	p := req.Patient
	return &Appointment{
		PatientName:   strings.TrimSpace(p.Name),
		PatientPhone:  strings.TrimSpace(p.Phone),
		PatientEmail:  p.Email,
		PatientAge:    p.Age,
		PatientGender: p.Gender,
		Symptoms:      p.Symptoms,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		BookedBy:      req.RequestedBy,
	}
}

// -- Appointment --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, apperror.Validationf("invalid appointment status %q", filter.Status)
	}
	return s.appointments.List(ctx, filter, limit, offset)
}

// UpdateAppointmentStatus moves an appointment along the status lifecycle.
// Cancelling an appointment that holds a seat gives the seat back to its
// slot in the same transaction.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, reason *string) (_ *Appointment, err error) {
	if !status.Valid() {
		return nil, apperror.Validationf("invalid appointment status %q", status)
	}
	if status == StatusRescheduled {
		return nil, apperror.Validation("use the reschedule operation to move an appointment to another slot")
	}

	ctx, span := s.startSpan(ctx, "UpdateAppointmentStatus",
		attribute.String("appointment.id", id.String()), attribute.String("appointment.status", string(status)))
	defer func() { endSpan(span, err) }()

	var updated *Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		appt, err := s.appointments.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if !appt.Status.CanTransitionTo(status) {
			return apperror.Conflict(fmt.Sprintf("cannot change appointment status from %s to %s", appt.Status, status))
		}
		if status == StatusCancelled && appt.Status.HoldsSeat() {
			if err := s.slots.ReleaseSeat(ctx, appt.TimeSlotID); err != nil {
				return err
			}
		}
		appt.Status = status
		if status == StatusCancelled {
			appt.CancellationReason = reason
		}
		if err := s.appointments.UpdateStatus(ctx, appt); err != nil {
			return err
		}
		updated = appt
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("status", string(status)).
		Msg("appointment status updated")
	return updated, nil
}

// RescheduleAppointment moves a seat-holding appointment to another slot. The
// new seat is reserved under the same capacity rule as a booking and the old
// seat is released, atomically. It returns the updated appointment and the
// slot it left.
func (s *Service) RescheduleAppointment(ctx context.Context, id, newSlotID uuid.UUID) (_ *Appointment, previousSlotID uuid.UUID, err error) {
	ctx, span := s.startSpan(ctx, "RescheduleAppointment",
		attribute.String("appointment.id", id.String()), attribute.String("slot.id", newSlotID.String()))
	defer func() { endSpan(span, err) }()

	var moved *Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		appt, err := s.appointments.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if !appt.Status.HoldsSeat() {
			return apperror.Conflict(fmt.Sprintf("appointment in status %s cannot be rescheduled", appt.Status))
		}
		if appt.TimeSlotID == newSlotID {
			return apperror.Validation("appointment is already booked in this time slot")
		}

		target, err := s.slots.GetByID(ctx, newSlotID)
		if err != nil {
			return err
		}
		if !target.IsActive {
			return apperror.NotFound("time slot")
		}
		doctor, err := s.doctors.GetByID(ctx, target.DoctorID)
		if err != nil {
			return err
		}

		oldSlotID := appt.TimeSlotID
		var reserved *TimeSlot
		reserve := func() error {
			r, err := s.slots.ReserveSeat(ctx, newSlotID)
			reserved = r
			return err
		}
		release := func() error { return s.slots.ReleaseSeat(ctx, oldSlotID) }

		// Two slot rows are locked here. Taking them in id order keeps two
		// reschedules crossing between the same pair of slots from deadlocking.
		steps := []func() error{reserve, release}
		if bytes.Compare(oldSlotID[:], newSlotID[:]) < 0 {
			steps = []func() error{release, reserve}
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}

		appt.applySnapshot(reserved, doctor.FullName, s.minutesPerAppointment)
		appt.Status = StatusRescheduled
		if err := s.appointments.Reschedule(ctx, appt); err != nil {
			return err
		}
		moved = appt
		previousSlotID = oldSlotID
		return nil
	})
	if err != nil {
		return nil, uuid.Nil, err
	}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from_slot_id", previousSlotID.String()).
		Str("slot_id", newSlotID.String()).
		Int("queue_position", moved.QueuePosition).
		Msg("appointment rescheduled")
	return moved, previousSlotID, nil
}

func (s *Service) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) (*Appointment, error) {
	if !validPaymentStatuses[status] {
		return nil, apperror.Validationf("invalid payment status %q", status)
	}
	var updated *Appointment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		appt, err := s.appointments.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if appt.PaymentStatus == status {
			updated = appt
			return nil
		}
		appt.PaymentStatus = status
		if err := s.appointments.UpdatePaymentStatus(ctx, appt); err != nil {
			return err
		}
		updated = appt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

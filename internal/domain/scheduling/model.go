package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusCompleted   AppointmentStatus = "completed"
	StatusNoShow      AppointmentStatus = "no-show"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// PaymentStatus tracks payment for the consultation fee. Collection itself
// happens outside this service.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

var validPaymentStatuses = map[PaymentStatus]bool{
	PaymentPending: true, PaymentPaid: true, PaymentRefunded: true, PaymentFailed: true,
}

// statusTransitions lists the statuses reachable from each status through
// UpdateAppointmentStatus. Rescheduling has its own operation.
var statusTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:     {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:   {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusRescheduled: {StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusCancelled:   nil,
	StatusCompleted:   nil,
	StatusNoShow:      nil,
}

// Valid reports whether s is a known appointment status.
func (s AppointmentStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// HoldsSeat reports whether an appointment in this status occupies a seat
// that cancellation or rescheduling gives back to its slot.
func (s AppointmentStatus) HoldsSeat() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusRescheduled
}

// CanTransitionTo reports whether next is reachable from s.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Doctor maps to the doctors table.
type Doctor struct {
	ID             uuid.UUID `db:"id" json:"id"`
	FullName       string    `db:"full_name" json:"full_name"`
	Specialization string    `db:"specialization" json:"specialization"`
	HospitalName   *string   `db:"hospital_name" json:"hospital_name,omitempty"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// TimeSlot maps to the time_slots table. Date is YYYY-MM-DD and the times are
// HH:MM wall-clock strings in the clinic's local time.
type TimeSlot struct {
	ID              uuid.UUID `db:"id" json:"id"`
	DoctorID        uuid.UUID `db:"doctor_id" json:"doctor_id"`
	DoctorName      string    `db:"-" json:"doctor_name,omitempty"`
	Date            string    `db:"date" json:"date"`
	StartTime       string    `db:"start_time" json:"start_time"`
	EndTime         string    `db:"end_time" json:"end_time"`
	MaxAppointments int       `db:"max_appointments" json:"max_appointments"`
	CurrentBookings int       `db:"current_bookings" json:"current_bookings"`
	ConsultationFee Money     `db:"consultation_fee_cents" json:"consultation_fee"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Status classifies the slot's current fill level.
func (s *TimeSlot) Status() SlotStatus {
	return ClassifySlot(s.MaxAppointments, s.CurrentBookings)
}

// AvailableSeats is the number of bookings the slot can still take.
func (s *TimeSlot) AvailableSeats() int {
	if n := s.MaxAppointments - s.CurrentBookings; n > 0 {
		return n
	}
	return 0
}

// MarshalJSON adds the derived status and available_seats fields.
func (s TimeSlot) MarshalJSON() ([]byte, error) {
	type slotJSON TimeSlot
	return json.Marshal(struct {
		slotJSON
		Status         SlotStatus `json:"status"`
		AvailableSeats int        `json:"available_seats"`
	}{
		slotJSON:       slotJSON(s),
		Status:         s.Status(),
		AvailableSeats: s.AvailableSeats(),
	})
}

// Appointment maps to the appointments table. The doctor, date, times and
// fee are copied from the slot when the seat is reserved and are never
// re-derived from the slot afterwards.
type Appointment struct {
	ID                   uuid.UUID         `db:"id" json:"id"`
	SequenceNumber       int64             `db:"sequence_number" json:"-"`
	PatientName          string            `db:"patient_name" json:"patient_name"`
	PatientPhone         string            `db:"patient_phone" json:"patient_phone"`
	PatientEmail         *string           `db:"patient_email" json:"patient_email,omitempty"`
	PatientAge           int               `db:"patient_age" json:"patient_age"`
	PatientGender        string            `db:"patient_gender" json:"patient_gender"`
	Symptoms             *string           `db:"symptoms" json:"symptoms,omitempty"`
	TimeSlotID           uuid.UUID         `db:"time_slot_id" json:"time_slot_id"`
	DoctorID             uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	DoctorName           string            `db:"doctor_name" json:"doctor_name"`
	AppointmentDate      string            `db:"appointment_date" json:"appointment_date"`
	StartTime            string            `db:"start_time" json:"start_time"`
	EndTime              string            `db:"end_time" json:"end_time"`
	ConsultationFee      Money             `db:"consultation_fee_cents" json:"consultation_fee"`
	Status               AppointmentStatus `db:"status" json:"status"`
	PaymentStatus        PaymentStatus     `db:"payment_status" json:"payment_status"`
	QueuePosition        int               `db:"queue_position" json:"queue_position"`
	EstimatedWaitMinutes int               `db:"estimated_wait_minutes" json:"estimated_wait_minutes"`
	BookedBy             string            `db:"booked_by" json:"booked_by"`
	CancellationReason   *string           `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt            time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time         `db:"updated_at" json:"updated_at"`
}

// AppointmentNumber is the human-facing reference, e.g. APT-000123.
func (a *Appointment) AppointmentNumber() string {
	return FormatAppointmentNumber(a.SequenceNumber)
}

// FormatAppointmentNumber renders a sequence number as APT-NNNNNN.
func FormatAppointmentNumber(seq int64) string {
	return fmt.Sprintf("APT-%06d", seq)
}

func (a Appointment) MarshalJSON() ([]byte, error) {
	type apptJSON Appointment
	return json.Marshal(struct {
		apptJSON
		AppointmentNumber string `json:"appointment_number"`
	}{
		apptJSON:          apptJSON(a),
		AppointmentNumber: a.AppointmentNumber(),
	})
}

// applySnapshot copies the booking-time details of a reserved slot into the
// appointment.
func (a *Appointment) applySnapshot(slot *TimeSlot, doctorName string, minutesPerAppointment int) {
	a.TimeSlotID = slot.ID
	a.DoctorID = slot.DoctorID
	a.DoctorName = doctorName
	a.AppointmentDate = slot.Date
	a.StartTime = slot.StartTime
	a.EndTime = slot.EndTime
	a.ConsultationFee = slot.ConsultationFee
	a.QueuePosition = slot.CurrentBookings
	a.EstimatedWaitMinutes = slot.CurrentBookings * minutesPerAppointment
}

// PatientDetails is the patient portion of a booking request.
type PatientDetails struct {
	Name     string  `json:"patient_name" validate:"required,min=2,max=255"`
	Phone    string  `json:"patient_phone" validate:"required,phone"`
	Email    *string `json:"patient_email,omitempty" validate:"omitempty,email"`
	Age      int     `json:"patient_age" validate:"gte=0,lte=150"`
	Gender   string  `json:"patient_gender" validate:"required,oneof=male female other"`
	Symptoms *string `json:"symptoms,omitempty" validate:"omitempty,max=2000"`
}

// BookingRequest asks for one seat in a time slot.
type BookingRequest struct {
	TimeSlotID  uuid.UUID
	Patient     PatientDetails
	RequestedBy string
}

// SlotChanges holds the mutable fields of a time slot; nil means unchanged.
type SlotChanges struct {
	MaxAppointments *int
	ConsultationFee *Money
	IsActive        *bool
}

type DoctorFilter struct {
	Specialization string
	Active         *bool
}

type SlotFilter struct {
	DoctorID      *uuid.UUID
	Date          string
	DateFrom      string
	DateTo        string
	AvailableOnly bool
}

type AppointmentFilter struct {
	TimeSlotID   *uuid.UUID
	DoctorID     *uuid.UUID
	Status       AppointmentStatus
	Date         string
	PatientPhone string
}

package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context, filter DoctorFilter, limit, offset int) ([]*Doctor, int, error)
}

// SlotRepository stores time slots. ReserveSeat and ReleaseSeat are the only
// ways current_bookings changes, and both are single conditional statements.
type SlotRepository interface {
	Create(ctx context.Context, s *TimeSlot) error
	GetByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	// LockByID reads the slot and holds its row lock until the transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	Update(ctx context.Context, s *TimeSlot) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter SlotFilter, limit, offset int) ([]*TimeSlot, int, error)
	// HasOverlap reports whether an active slot of the doctor on date
	// intersects [start, end). excludeID skips the slot being edited.
	HasOverlap(ctx context.Context, doctorID uuid.UUID, date, start, end string, excludeID *uuid.UUID) (bool, error)
	HasAppointments(ctx context.Context, id uuid.UUID) (bool, error)

	// ReserveSeat increments current_bookings only while the slot is active
	// and below capacity, and returns the slot as it is after the increment.
	// A full slot yields apperror.CapacityExceeded; a missing or inactive
	// one yields apperror.NotFound.
	ReserveSeat(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	// ReleaseSeat decrements current_bookings only while it is positive.
	ReleaseSeat(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	// Create inserts the appointment and fills ID, SequenceNumber and timestamps.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// LockByID reads the appointment and holds its row lock until the
	// transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateStatus(ctx context.Context, a *Appointment) error
	UpdatePaymentStatus(ctx context.Context, a *Appointment) error
	// Reschedule rewrites the slot reference, snapshot, queue details and status.
	Reschedule(ctx context.Context, a *Appointment) error
	List(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

// TxRunner runs fn inside one database transaction carried by ctx.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

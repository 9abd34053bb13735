package scheduling

import (
	"context"
	"errors"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/booking/internal/platform/db"
	"github.com/medibook/booking/pkg/apperror"
)

var dialect = goqu.Dialect("postgres")

// translateErr maps driver errors onto application error kinds.
func translateErr(err error, entity, action string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound(entity)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperror.Conflict(entity + " already exists")
		case "23514":
			return apperror.Validationf("%s violates constraint %s", entity, pgErr.ConstraintName)
		case "23503":
			return apperror.Validationf("%s references a record that does not exist", entity)
		}
	}
	return apperror.Persistence(action, err)
}

func literalColumns(cols []string) []interface{} {
	out := make([]interface{}, len(cols))
	for i, c := range cols {
		out[i] = goqu.L(c)
	}
	return out
}

func pageBounds(ds *goqu.SelectDataset, limit, offset int) *goqu.SelectDataset {
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if offset > 0 {
		ds = ds.Offset(uint(offset))
	}
	return ds
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

var doctorColumns = []string{
	"d.id", "d.full_name", "d.specialization", "d.hospital_name", "d.is_active", "d.created_at", "d.updated_at",
}

var doctorCols = strings.Join(doctorColumns, ", ")

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.FullName, &d.Specialization, &d.HospitalName, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctors (id, full_name, specialization, hospital_name, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		d.ID, d.FullName, d.Specialization, d.HospitalName, d.IsActive).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return translateErr(err, "doctor", "create doctor")
	}
	return nil
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors d WHERE d.id = $1`, id))
	if err != nil {
		return nil, translateErr(err, "doctor", "get doctor")
	}
	return d, nil
}

func (r *doctorRepoPG) List(ctx context.Context, filter DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	var where []goqu.Expression
	if filter.Specialization != "" {
		where = append(where, goqu.I("d.specialization").ILike("%"+filter.Specialization+"%"))
	}
	if filter.Active != nil {
		where = append(where, goqu.I("d.is_active").Eq(*filter.Active))
	}
	base := dialect.From(goqu.T("doctors").As("d")).Where(where...).Prepared(true)

	countSQL, countArgs, err := base.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, apperror.Persistence("build doctor count query", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, translateErr(err, "doctor", "count doctors")
	}

	listSQL, args, err := pageBounds(base.Select(literalColumns(doctorColumns)...).
		Order(goqu.I("d.full_name").Asc()), limit, offset).ToSQL()
	if err != nil {
		return nil, 0, apperror.Persistence("build doctor list query", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, translateErr(err, "doctor", "list doctors")
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, translateErr(err, "doctor", "scan doctor")
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateErr(err, "doctor", "list doctors")
	}
	return items, total, nil
}

// =========== Time Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

var slotColumns = []string{
	"s.id", "s.doctor_id", "d.full_name",
	"to_char(s.date, 'YYYY-MM-DD')", "to_char(s.start_time, 'HH24:MI')", "to_char(s.end_time, 'HH24:MI')",
	"s.max_appointments", "s.current_bookings", "s.consultation_fee_cents", "s.is_active",
	"s.created_at", "s.updated_at",
}

var slotCols = strings.Join(slotColumns, ", ")

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(&s.ID, &s.DoctorID, &s.DoctorName, &s.Date, &s.StartTime, &s.EndTime,
		&s.MaxAppointments, &s.CurrentBookings, (*int64)(&s.ConsultationFee), &s.IsActive,
		&s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *slotRepoPG) Create(ctx context.Context, s *TimeSlot) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO time_slots (id, doctor_id, date, start_time, end_time,
			max_appointments, current_bookings, consultation_fee_cents, is_active)
		VALUES ($1, $2, $3::date, $4::time, $5::time, $6, 0, $7, $8)
		RETURNING current_bookings, created_at, updated_at`,
		s.ID, s.DoctorID, s.Date, s.StartTime, s.EndTime,
		s.MaxAppointments, s.ConsultationFee.Cents(), s.IsActive).Scan(&s.CurrentBookings, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return translateErr(err, "time slot", "create time slot")
	}
	return nil
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, `
		SELECT `+slotCols+`
		FROM time_slots s JOIN doctors d ON d.id = s.doctor_id
		WHERE s.id = $1`, id))
	if err != nil {
		return nil, translateErr(err, "time slot", "get time slot")
	}
	return s, nil
}

func (r *slotRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, `
		SELECT `+slotCols+`
		FROM time_slots s JOIN doctors d ON d.id = s.doctor_id
		WHERE s.id = $1
		FOR UPDATE OF s`, id))
	if err != nil {
		return nil, translateErr(err, "time slot", "lock time slot")
	}
	return s, nil
}

func (r *slotRepoPG) Update(ctx context.Context, s *TimeSlot) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE time_slots
		SET max_appointments = $2, consultation_fee_cents = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING current_bookings, updated_at`,
		s.ID, s.MaxAppointments, s.ConsultationFee.Cents(), s.IsActive).Scan(&s.CurrentBookings, &s.UpdatedAt)
	if err != nil {
		return translateErr(err, "time slot", "update time slot")
	}
	return nil
}

func (r *slotRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM time_slots WHERE id = $1`, id)
	if err != nil {
		return translateErr(err, "time slot", "delete time slot")
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("time slot")
	}
	return nil
}

func (r *slotRepoPG) List(ctx context.Context, filter SlotFilter, limit, offset int) ([]*TimeSlot, int, error) {
	var where []goqu.Expression
	if filter.DoctorID != nil {
		where = append(where, goqu.I("s.doctor_id").Eq(filter.DoctorID.String()))
	}
	if filter.Date != "" {
		where = append(where, goqu.I("s.date").Eq(filter.Date))
	}
	if filter.DateFrom != "" {
		where = append(where, goqu.I("s.date").Gte(filter.DateFrom))
	}
	if filter.DateTo != "" {
		where = append(where, goqu.I("s.date").Lte(filter.DateTo))
	}
	if filter.AvailableOnly {
		where = append(where,
			goqu.I("s.is_active").IsTrue(),
			goqu.I("s.current_bookings").Lt(goqu.I("s.max_appointments")))
	}

	base := dialect.From(goqu.T("time_slots").As("s")).
		Join(goqu.T("doctors").As("d"), goqu.On(goqu.I("d.id").Eq(goqu.I("s.doctor_id")))).
		Where(where...).
		Prepared(true)

	countSQL, countArgs, err := base.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, apperror.Persistence("build time slot count query", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, translateErr(err, "time slot", "count time slots")
	}

	listSQL, args, err := pageBounds(base.Select(literalColumns(slotColumns)...).
		Order(goqu.I("s.date").Asc(), goqu.I("s.start_time").Asc(), goqu.I("d.full_name").Asc()),
		limit, offset).ToSQL()
	if err != nil {
		return nil, 0, apperror.Persistence("build time slot list query", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, translateErr(err, "time slot", "list time slots")
	}
	defer rows.Close()
	var items []*TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, translateErr(err, "time slot", "scan time slot")
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateErr(err, "time slot", "list time slots")
	}
	return items, total, nil
}

func (r *slotRepoPG) HasOverlap(ctx context.Context, doctorID uuid.UUID, date, start, end string, excludeID *uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM time_slots
			WHERE doctor_id = $1 AND date = $2::date AND is_active
				AND start_time < $4::time AND end_time > $3::time
				AND ($5::uuid IS NULL OR id <> $5::uuid)
		)`, doctorID, date, start, end, excludeID).Scan(&exists)
	if err != nil {
		return false, translateErr(err, "time slot", "check slot overlap")
	}
	return exists, nil
}

func (r *slotRepoPG) HasAppointments(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM appointments WHERE time_slot_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, translateErr(err, "time slot", "check slot appointments")
	}
	return exists, nil
}

// ReserveSeat is the capacity check and the increment in one statement. The
// row lock taken by the UPDATE serializes concurrent bookings of the slot,
// and each waiter re-evaluates the WHERE clause against the committed count.
func (r *slotRepoPG) ReserveSeat(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, `
		UPDATE time_slots AS s
		SET current_bookings = s.current_bookings + 1, updated_at = NOW()
		FROM doctors d
		WHERE d.id = s.doctor_id
			AND s.id = $1
			AND s.is_active
			AND s.current_bookings < s.max_appointments
		RETURNING `+slotCols, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.reserveRejection(ctx, id)
	}
	if err != nil {
		return nil, translateErr(err, "time slot", "reserve seat")
	}
	return s, nil
}

// reserveRejection explains why ReserveSeat matched no row. The UPDATE has
// already waited out any writer holding the row, so this read sees the
// state that made the condition fail.
func (r *slotRepoPG) reserveRejection(ctx context.Context, id uuid.UUID) error {
	var active bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT is_active FROM time_slots WHERE id = $1`, id).Scan(&active)
	switch {
	case errors.Is(err, pgx.ErrNoRows), err == nil && !active:
		return apperror.NotFound("time slot")
	case err != nil:
		return translateErr(err, "time slot", "reserve seat")
	}
	return apperror.CapacityExceeded("time slot is fully booked")
}

func (r *slotRepoPG) ReleaseSeat(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE time_slots
		SET current_bookings = current_bookings - 1, updated_at = NOW()
		WHERE id = $1 AND current_bookings > 0`, id)
	if err != nil {
		return translateErr(err, "time slot", "release seat")
	}
	if tag.RowsAffected() == 0 {
		return apperror.Conflict("time slot has no booked seat to release")
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

var apptColumns = []string{
	"a.id", "a.sequence_number", "a.patient_name", "a.patient_phone", "a.patient_email",
	"a.patient_age", "a.patient_gender", "a.symptoms",
	"a.time_slot_id", "a.doctor_id", "a.doctor_name",
	"to_char(a.appointment_date, 'YYYY-MM-DD')", "to_char(a.start_time, 'HH24:MI')", "to_char(a.end_time, 'HH24:MI')",
	"a.consultation_fee_cents", "a.status", "a.payment_status",
	"a.queue_position", "a.estimated_wait_minutes", "a.booked_by", "a.cancellation_reason",
	"a.created_at", "a.updated_at",
}

var apptCols = strings.Join(apptColumns, ", ")

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.SequenceNumber, &a.PatientName, &a.PatientPhone, &a.PatientEmail,
		&a.PatientAge, &a.PatientGender, &a.Symptoms,
		&a.TimeSlotID, &a.DoctorID, &a.DoctorName,
		&a.AppointmentDate, &a.StartTime, &a.EndTime,
		(*int64)(&a.ConsultationFee), (*string)(&a.Status), (*string)(&a.PaymentStatus),
		&a.QueuePosition, &a.EstimatedWaitMinutes, &a.BookedBy, &a.CancellationReason,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	query, args, err := dialect.Insert("appointments").Prepared(true).
		Rows(goqu.Record{
			"id":                     a.ID.String(),
			"patient_name":           a.PatientName,
			"patient_phone":          a.PatientPhone,
			"patient_email":          nullable(a.PatientEmail),
			"patient_age":            a.PatientAge,
			"patient_gender":         a.PatientGender,
			"symptoms":               nullable(a.Symptoms),
			"time_slot_id":           a.TimeSlotID.String(),
			"doctor_id":              a.DoctorID.String(),
			"doctor_name":            a.DoctorName,
			"appointment_date":       a.AppointmentDate,
			"start_time":             a.StartTime,
			"end_time":               a.EndTime,
			"consultation_fee_cents": a.ConsultationFee.Cents(),
			"status":                 string(a.Status),
			"payment_status":         string(a.PaymentStatus),
			"queue_position":         a.QueuePosition,
			"estimated_wait_minutes": a.EstimatedWaitMinutes,
			"booked_by":              a.BookedBy,
		}).
		Returning("sequence_number", "created_at", "updated_at").
		ToSQL()
	if err != nil {
		return apperror.Persistence("build appointment insert", err)
	}
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&a.SequenceNumber, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return translateErr(err, "appointment", "create appointment")
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments a WHERE a.id = $1`, id))
	if err != nil {
		return nil, translateErr(err, "appointment", "get appointment")
	}
	return a, nil
}

func (r *appointmentRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments a WHERE a.id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, translateErr(err, "appointment", "lock appointment")
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET status = $2, cancellation_reason = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, string(a.Status), a.CancellationReason).Scan(&a.UpdatedAt)
	if err != nil {
		return translateErr(err, "appointment", "update appointment status")
	}
	return nil
}

func (r *appointmentRepoPG) UpdatePaymentStatus(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET payment_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, string(a.PaymentStatus)).Scan(&a.UpdatedAt)
	if err != nil {
		return translateErr(err, "appointment", "update payment status")
	}
	return nil
}

func (r *appointmentRepoPG) Reschedule(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET time_slot_id = $2, doctor_id = $3, doctor_name = $4,
			appointment_date = $5::date, start_time = $6::time, end_time = $7::time,
			consultation_fee_cents = $8, queue_position = $9, estimated_wait_minutes = $10,
			status = $11, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.TimeSlotID, a.DoctorID, a.DoctorName,
		a.AppointmentDate, a.StartTime, a.EndTime,
		a.ConsultationFee.Cents(), a.QueuePosition, a.EstimatedWaitMinutes,
		string(a.Status)).Scan(&a.UpdatedAt)
	if err != nil {
		return translateErr(err, "appointment", "reschedule appointment")
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	var where []goqu.Expression
	if filter.TimeSlotID != nil {
		where = append(where, goqu.I("a.time_slot_id").Eq(filter.TimeSlotID.String()))
	}
	if filter.DoctorID != nil {
		where = append(where, goqu.I("a.doctor_id").Eq(filter.DoctorID.String()))
	}
	if filter.Status != "" {
		where = append(where, goqu.I("a.status").Eq(string(filter.Status)))
	}
	if filter.Date != "" {
		where = append(where, goqu.I("a.appointment_date").Eq(filter.Date))
	}
	if filter.PatientPhone != "" {
		where = append(where, goqu.I("a.patient_phone").Eq(filter.PatientPhone))
	}
	base := dialect.From(goqu.T("appointments").As("a")).Where(where...).Prepared(true)

	countSQL, countArgs, err := base.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, apperror.Persistence("build appointment count query", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, translateErr(err, "appointment", "count appointments")
	}

	listSQL, args, err := pageBounds(base.Select(literalColumns(apptColumns)...).
		Order(goqu.I("a.appointment_date").Desc(), goqu.I("a.start_time").Asc(), goqu.I("a.queue_position").Asc()),
		limit, offset).ToSQL()
	if err != nil {
		return nil, 0, apperror.Persistence("build appointment list query", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, translateErr(err, "appointment", "list appointments")
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, translateErr(err, "appointment", "scan appointment")
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateErr(err, "appointment", "list appointments")
	}
	return items, total, nil
}

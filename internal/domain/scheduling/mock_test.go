package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/booking/pkg/apperror"
)

// memStore is an in-memory stand-in for the three tables. Each repository
// call takes mu for its own duration only, so concurrent transactions
// interleave between calls the way separate statements do in PostgreSQL.
type memStore struct {
	mu      sync.Mutex
	doctors map[uuid.UUID]Doctor
	slots   map[uuid.UUID]TimeSlot
	appts   map[uuid.UUID]Appointment
	seq     int64

	// failAppointmentCreate makes every appointment insert fail.
	failAppointmentCreate error
	// afterSlotRead runs after a slot read returns, outside the lock.
	afterSlotRead func(id uuid.UUID)

	reserveCalls int
	createCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		doctors: make(map[uuid.UUID]Doctor),
		slots:   make(map[uuid.UUID]TimeSlot),
		appts:   make(map[uuid.UUID]Appointment),
	}
}

func (m *memStore) slot(id uuid.UUID) (TimeSlot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}

func (m *memStore) appointmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

type memTxKey struct{}

// memTxLog holds the compensating writes of one open transaction. Undo
// entries run under memStore.mu.
type memTxLog struct {
	undo []func()
}

// onRollback registers fn to run if the transaction carried by ctx rolls
// back. Callers hold memStore.mu.
func onRollback(ctx context.Context, fn func()) {
	if l, ok := ctx.Value(memTxKey{}).(*memTxLog); ok {
		l.undo = append(l.undo, fn)
	}
}

// memTx undoes the writes of a failed transaction. Counters are undone with
// compensating increments rather than restored values, so a rollback never
// erases seats taken by transactions that committed meanwhile.
type memTx struct {
	store     *memStore
	commitErr error
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTxLog); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return apperror.Persistence("begin transaction", err)
	}

	log := &memTxLog{}
	err := fn(context.WithValue(ctx, memTxKey{}, log))
	if err == nil && t.commitErr != nil {
		err = apperror.Persistence("commit transaction", t.commitErr)
	}
	if err != nil {
		t.store.mu.Lock()
		for i := len(log.undo) - 1; i >= 0; i-- {
			log.undo[i]()
		}
		t.store.mu.Unlock()
	}
	return err
}

// -- doctors --

type memDoctorRepo struct{ st *memStore }

func (r *memDoctorRepo) Create(ctx context.Context, d *Doctor) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	r.st.doctors[d.ID] = *d
	id := d.ID
	onRollback(ctx, func() { delete(r.st.doctors, id) })
	return nil
}

func (r *memDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d, ok := r.st.doctors[id]
	if !ok {
		return nil, apperror.NotFound("doctor")
	}
	return &d, nil
}

func (r *memDoctorRepo) List(_ context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*Doctor
	for _, d := range r.st.doctors {
		if f.Specialization != "" && d.Specialization != f.Specialization {
			continue
		}
		if f.Active != nil && d.IsActive != *f.Active {
			continue
		}
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return page(out, limit, offset), len(out), nil
}

// -- slots --

type memSlotRepo struct{ st *memStore }

func (r *memSlotRepo) withDoctorName(s TimeSlot) *TimeSlot {
	s.DoctorName = r.st.doctors[s.DoctorID].FullName
	return &s
}

func (r *memSlotRepo) Create(ctx context.Context, s *TimeSlot) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	r.st.slots[s.ID] = *s
	id := s.ID
	onRollback(ctx, func() { delete(r.st.slots, id) })
	return nil
}

func (r *memSlotRepo) GetByID(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	r.st.mu.Lock()
	s, ok := r.st.slots[id]
	var out *TimeSlot
	if ok {
		out = r.withDoctorName(s)
	}
	hook := r.st.afterSlotRead
	r.st.mu.Unlock()

	if !ok {
		return nil, apperror.NotFound("time slot")
	}
	if hook != nil {
		hook(id)
	}
	return out, nil
}

func (r *memSlotRepo) LockByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return r.GetByID(ctx, id)
}

func (r *memSlotRepo) Update(ctx context.Context, s *TimeSlot) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cur, ok := r.st.slots[s.ID]
	if !ok {
		return apperror.NotFound("time slot")
	}
	prev := cur
	onRollback(ctx, func() {
		row := r.st.slots[prev.ID]
		row.MaxAppointments = prev.MaxAppointments
		row.ConsultationFee = prev.ConsultationFee
		row.IsActive = prev.IsActive
		r.st.slots[prev.ID] = row
	})
	cur.MaxAppointments = s.MaxAppointments
	cur.ConsultationFee = s.ConsultationFee
	cur.IsActive = s.IsActive
	cur.UpdatedAt = time.Now()
	r.st.slots[s.ID] = cur
	s.CurrentBookings = cur.CurrentBookings
	s.UpdatedAt = cur.UpdatedAt
	return nil
}

func (r *memSlotRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	prev, ok := r.st.slots[id]
	if !ok {
		return apperror.NotFound("time slot")
	}
	delete(r.st.slots, id)
	onRollback(ctx, func() { r.st.slots[id] = prev })
	return nil
}

func (r *memSlotRepo) List(_ context.Context, f SlotFilter, limit, offset int) ([]*TimeSlot, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*TimeSlot
	for _, s := range r.st.slots {
		if f.DoctorID != nil && s.DoctorID != *f.DoctorID {
			continue
		}
		if f.Date != "" && s.Date != f.Date {
			continue
		}
		if f.DateFrom != "" && s.Date < f.DateFrom {
			continue
		}
		if f.DateTo != "" && s.Date > f.DateTo {
			continue
		}
		if f.AvailableOnly && (!s.IsActive || s.CurrentBookings >= s.MaxAppointments) {
			continue
		}
		out = append(out, r.withDoctorName(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StartTime < out[j].StartTime
	})
	return page(out, limit, offset), len(out), nil
}

func (r *memSlotRepo) HasOverlap(_ context.Context, doctorID uuid.UUID, date, start, end string, excludeID *uuid.UUID) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.slots {
		if excludeID != nil && s.ID == *excludeID {
			continue
		}
		if s.DoctorID == doctorID && s.Date == date && s.IsActive && s.StartTime < end && s.EndTime > start {
			return true, nil
		}
	}
	return false, nil
}

func (r *memSlotRepo) HasAppointments(_ context.Context, id uuid.UUID) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, a := range r.st.appts {
		if a.TimeSlotID == id {
			return true, nil
		}
	}
	return false, nil
}

// ReserveSeat mirrors the conditional UPDATE: the check and the increment
// happen under one lock.
func (r *memSlotRepo) ReserveSeat(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.reserveCalls++
	s, ok := r.st.slots[id]
	if !ok || !s.IsActive {
		return nil, apperror.NotFound("time slot")
	}
	if s.CurrentBookings >= s.MaxAppointments {
		return nil, apperror.CapacityExceeded("time slot is fully booked")
	}
	s.CurrentBookings++
	s.UpdatedAt = time.Now()
	r.st.slots[id] = s
	onRollback(ctx, func() { r.adjustBookings(id, -1) })
	return r.withDoctorName(s), nil
}

func (r *memSlotRepo) ReleaseSeat(ctx context.Context, id uuid.UUID) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.slots[id]
	if !ok || s.CurrentBookings <= 0 {
		return apperror.Conflict("time slot has no booked seat to release")
	}
	s.CurrentBookings--
	r.st.slots[id] = s
	onRollback(ctx, func() { r.adjustBookings(id, 1) })
	return nil
}

// adjustBookings is a compensating write; callers hold the lock.
func (r *memSlotRepo) adjustBookings(id uuid.UUID, delta int) {
	if s, ok := r.st.slots[id]; ok {
		s.CurrentBookings += delta
		r.st.slots[id] = s
	}
}

// -- appointments --

type memApptRepo struct{ st *memStore }

func (r *memApptRepo) Create(ctx context.Context, a *Appointment) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.createCalls++
	if r.st.failAppointmentCreate != nil {
		return apperror.Persistence("create appointment", r.st.failAppointmentCreate)
	}
	r.st.seq++
	a.ID = uuid.New()
	a.SequenceNumber = r.st.seq
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.st.appts[a.ID] = *a
	id := a.ID
	onRollback(ctx, func() { delete(r.st.appts, id) })
	return nil
}

func (r *memApptRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.appts[id]
	if !ok {
		return nil, apperror.NotFound("appointment")
	}
	return &a, nil
}

func (r *memApptRepo) LockByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r *memApptRepo) save(ctx context.Context, a *Appointment) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	prev, ok := r.st.appts[a.ID]
	if !ok {
		return apperror.NotFound("appointment")
	}
	a.UpdatedAt = time.Now()
	r.st.appts[a.ID] = *a
	onRollback(ctx, func() { r.st.appts[prev.ID] = prev })
	return nil
}

func (r *memApptRepo) UpdateStatus(ctx context.Context, a *Appointment) error        { return r.save(ctx, a) }
func (r *memApptRepo) UpdatePaymentStatus(ctx context.Context, a *Appointment) error { return r.save(ctx, a) }
func (r *memApptRepo) Reschedule(ctx context.Context, a *Appointment) error          { return r.save(ctx, a) }

func (r *memApptRepo) List(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*Appointment
	for _, a := range r.st.appts {
		if f.TimeSlotID != nil && a.TimeSlotID != *f.TimeSlotID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Date != "" && a.AppointmentDate != f.Date {
			continue
		}
		if f.PatientPhone != "" && a.PatientPhone != f.PatientPhone {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return page(out, limit, offset), len(out), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// -- fixtures --

type testEnv struct {
	store *memStore
	tx    *memTx
	svc   *Service
}

func newTestEnv(opts ...Option) *testEnv {
	st := newMemStore()
	tx := &memTx{store: st}
	svc := NewService(&memDoctorRepo{st: st}, &memSlotRepo{st: st}, &memApptRepo{st: st}, tx, opts...)
	return &testEnv{store: st, tx: tx, svc: svc}
}

func (env *testEnv) addDoctor(name string) *Doctor {
	d := &Doctor{FullName: name, Specialization: "Cardiology", IsActive: true}
	if err := env.svc.CreateDoctor(context.Background(), d); err != nil {
		panic(err)
	}
	return d
}

func (env *testEnv) addSlot(doctorID uuid.UUID, date, start, end string, capacity int) *TimeSlot {
	s := &TimeSlot{
		DoctorID:        doctorID,
		Date:            date,
		StartTime:       start,
		EndTime:         end,
		MaxAppointments: capacity,
		ConsultationFee: 50000,
		IsActive:        true,
	}
	if err := env.svc.CreateSlot(context.Background(), s); err != nil {
		panic(err)
	}
	return s
}

func testPatient(name string) PatientDetails {
	return PatientDetails{Name: name, Phone: "+91 98765 43210", Age: 34, Gender: "female"}
}

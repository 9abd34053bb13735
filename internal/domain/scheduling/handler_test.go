package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/booking/internal/platform/auth"
	"github.com/medibook/booking/internal/platform/notification"
	"github.com/medibook/booking/internal/platform/validation"
	"github.com/medibook/booking/pkg/apperror"
)

type handlerEnv struct {
	*testEnv
	h         *Handler
	e         *echo.Echo
	publisher *notification.RecordingPublisher
}

func newTestHandler(opts ...HandlerOption) *handlerEnv {
	env := newTestEnv()
	pub := &notification.RecordingPublisher{}
	opts = append([]HandlerOption{WithRetry(2, time.Millisecond)}, opts...)
	h := NewHandler(env.svc, pub, zerolog.Nop(), opts...)
	e := echo.New()
	e.Validator = validation.New()
	return &handlerEnv{testEnv: env, h: h, e: e, publisher: pub}
}

func (he *handlerEnv) newContext(method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, "agent-7"))
	rec := httptest.NewRecorder()
	c := he.e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected status %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func bookingBody(slotID string) string {
	return `{"time_slot_id":"` + slotID + `","patient_name":"Meera Iyer","patient_phone":"+91 98765 43210","patient_age":34,"patient_gender":"female"}`
}

func TestHandler_BookAppointment(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 2)

	c, rec := he.newContext(http.MethodPost, bookingBody(slot.ID.String()), "")
	if err := he.h.BookAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["appointment_number"] != "APT-000001" {
		t.Errorf("expected APT-000001, got %v", body["appointment_number"])
	}
	if body["queue_position"] != float64(1) {
		t.Errorf("expected queue_position 1, got %v", body["queue_position"])
	}
	if body["doctor_name"] != "Dr. Asha Rao" {
		t.Errorf("expected doctor_name, got %v", body["doctor_name"])
	}
	if body["booked_by"] != "agent-7" {
		t.Errorf("expected booked_by agent-7, got %v", body["booked_by"])
	}

	events := he.publisher.Events()
	if len(events) != 1 || events[0].Type != notification.EventAppointmentBooked {
		t.Fatalf("expected one booked event, got %v", events)
	}
}

func TestHandler_BookAppointment_Full(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)

	c, _ := he.newContext(http.MethodPost, bookingBody(slot.ID.String()), "")
	if err := he.h.BookAppointment(c); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	c, _ = he.newContext(http.MethodPost, bookingBody(slot.ID.String()), "")
	expectHTTPStatus(t, he.h.BookAppointment(c), http.StatusConflict)

	if n := len(he.publisher.Events()); n != 1 {
		t.Errorf("expected only the successful booking to publish, got %d events", n)
	}
}

func TestHandler_BookAppointment_SlotNotFound(t *testing.T) {
	he := newTestHandler()
	c, _ := he.newContext(http.MethodPost, bookingBody(uuid.New().String()), "")
	expectHTTPStatus(t, he.h.BookAppointment(c), http.StatusNotFound)
}

func TestHandler_BookAppointment_InvalidInput(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 2)
	id := slot.ID.String()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"time_slot_id":`},
		{"bad slot id", bookingBody("not-a-uuid")},
		{"missing name", `{"time_slot_id":"` + id + `","patient_phone":"+91 98765 43210","patient_age":34,"patient_gender":"female"}`},
		{"bad phone", `{"time_slot_id":"` + id + `","patient_name":"Meera","patient_phone":"12","patient_age":34,"patient_gender":"female"}`},
		{"bad gender", `{"time_slot_id":"` + id + `","patient_name":"Meera","patient_phone":"+91 98765 43210","patient_age":34,"patient_gender":"x"}`},
		{"bad age", `{"time_slot_id":"` + id + `","patient_name":"Meera","patient_phone":"+91 98765 43210","patient_age":200,"patient_gender":"male"}`},
		{"bad email", `{"time_slot_id":"` + id + `","patient_name":"Meera","patient_phone":"+91 98765 43210","patient_email":"nope","patient_age":34,"patient_gender":"male"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := he.newContext(http.MethodPost, tt.body, "")
			expectHTTPStatus(t, he.h.BookAppointment(c), http.StatusBadRequest)
		})
	}
	stored, _ := he.store.slot(slot.ID)
	if stored.CurrentBookings != 0 {
		t.Errorf("invalid requests must not take seats, got %d", stored.CurrentBookings)
	}
}

func TestHandler_BookAppointment_RetriesPersistenceFailure(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 2)
	he.store.failAppointmentCreate = errors.New("connection reset by peer")

	c, _ := he.newContext(http.MethodPost, bookingBody(slot.ID.String()), "")
	err := he.h.BookAppointment(c)
	expectHTTPStatus(t, err, http.StatusInternalServerError)
	if msg := err.(*echo.HTTPError).Message; msg != "internal server error" {
		t.Errorf("expected generic message, got %v", msg)
	}
	if he.store.createCalls != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d inserts", he.store.createCalls)
	}
	stored, _ := he.store.slot(slot.ID)
	if stored.CurrentBookings != 0 {
		t.Errorf("expected no seat taken, got %d", stored.CurrentBookings)
	}
}

func TestHandler_BookAppointment_DoesNotRetryCapacity(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)
	bookOne(t, he.testEnv, slot.ID)
	before := he.store.reserveCalls

	c, _ := he.newContext(http.MethodPost, bookingBody(slot.ID.String()), "")
	expectHTTPStatus(t, he.h.BookAppointment(c), http.StatusConflict)
	if got := he.store.reserveCalls - before; got != 1 {
		t.Errorf("expected a single reservation attempt, got %d", got)
	}
}

func TestHandler_BookAppointment_PublishFailureIsIgnored(t *testing.T) {
	he := newTestHandler()
	he.publisher.Err = errors.New("broker down")
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)

	c, rec := he.newContext(http.MethodPost, bookingBody(slot.ID.String()), "")
	if err := he.h.BookAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateSlot(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	body := `{"doctor_id":"` + doc.ID.String() + `","date":"2026-11-02","start_time":"09:00","end_time":"10:00","max_appointments":5,"consultation_fee":"500.00"}`

	c, rec := he.newContext(http.MethodPost, body, "")
	if err := he.h.CreateSlot(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != string(SlotAvailable) || out["available_seats"] != float64(5) || out["is_active"] != true {
		t.Errorf("unexpected slot body: %v", out)
	}

	c, _ = he.newContext(http.MethodPost, body, "")
	expectHTTPStatus(t, he.h.CreateSlot(c), http.StatusConflict)
}

func TestHandler_CreateSlot_BadRequest(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	tests := []struct {
		name string
		body string
	}{
		{"zero capacity", `{"doctor_id":"` + doc.ID.String() + `","date":"2026-11-02","start_time":"09:00","end_time":"10:00","max_appointments":0}`},
		{"bad clock", `{"doctor_id":"` + doc.ID.String() + `","date":"2026-11-02","start_time":"9","end_time":"10:00","max_appointments":1}`},
		{"reversed times", `{"doctor_id":"` + doc.ID.String() + `","date":"2026-11-02","start_time":"11:00","end_time":"10:00","max_appointments":1}`},
		{"negative fee", `{"doctor_id":"` + doc.ID.String() + `","date":"2026-11-02","start_time":"09:00","end_time":"10:00","max_appointments":1,"consultation_fee":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := he.newContext(http.MethodPost, tt.body, "")
			expectHTTPStatus(t, he.h.CreateSlot(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_GetSlot(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 5)
	for i := 0; i < 4; i++ {
		bookOne(t, he.testEnv, slot.ID)
	}

	c, rec := he.newContext(http.MethodGet, "", slot.ID.String())
	if err := he.h.GetSlot(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != string(SlotFillingFast) {
		t.Errorf("expected FILLING_FAST, got %v", out["status"])
	}
}

func TestHandler_GetSlot_InvalidID(t *testing.T) {
	he := newTestHandler()
	c, _ := he.newContext(http.MethodGet, "", "not-a-uuid")
	expectHTTPStatus(t, he.h.GetSlot(c), http.StatusBadRequest)
}

func TestHandler_GetSlot_NotFound(t *testing.T) {
	he := newTestHandler()
	c, _ := he.newContext(http.MethodGet, "", uuid.New().String())
	expectHTTPStatus(t, he.h.GetSlot(c), http.StatusNotFound)
}

func TestHandler_ListSlots(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 5)
	he.addSlot(doc.ID, "2026-11-03", "09:00", "10:00", 5)

	req := httptest.NewRequest(http.MethodGet, "/?doctor_id="+doc.ID.String()+"&date_from=2026-11-03", nil)
	rec := httptest.NewRecorder()
	c := he.e.NewContext(req, rec)
	if err := he.h.ListSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 1 || len(out.Data) != 1 || out.Data[0]["date"] != "2026-11-03" {
		t.Errorf("unexpected list: %+v", out)
	}

	req = httptest.NewRequest(http.MethodGet, "/?date=tomorrow", nil)
	c = he.e.NewContext(req, httptest.NewRecorder())
	expectHTTPStatus(t, he.h.ListSlots(c), http.StatusBadRequest)
}

func TestHandler_UpdateSlot_Conflict(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 3)
	bookOne(t, he.testEnv, slot.ID)
	bookOne(t, he.testEnv, slot.ID)

	c, _ := he.newContext(http.MethodPut, `{"max_appointments":1}`, slot.ID.String())
	expectHTTPStatus(t, he.h.UpdateSlot(c), http.StatusConflict)

	c, rec := he.newContext(http.MethodPut, `{"max_appointments":4,"consultation_fee":750}`, slot.ID.String())
	if err := he.h.UpdateSlot(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_DeleteSlot(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 3)

	c, rec := he.newContext(http.MethodDelete, "", slot.ID.String())
	if err := he.h.DeleteSlot(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_UpdateAppointmentStatus_Cancel(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)
	appt := bookOne(t, he.testEnv, slot.ID)

	c, rec := he.newContext(http.MethodPatch, `{"status":"cancelled","reason":"feeling better"}`, appt.ID.String())
	if err := he.h.UpdateAppointmentStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	events := he.publisher.Events()
	if len(events) != 1 || events[0].Type != notification.EventAppointmentCancelled {
		t.Fatalf("expected one cancelled event, got %v", events)
	}
	stored, _ := he.store.slot(slot.ID)
	if stored.CurrentBookings != 0 {
		t.Errorf("expected seat released, got %d", stored.CurrentBookings)
	}

	c, _ = he.newContext(http.MethodPatch, `{"status":"confirmed"}`, appt.ID.String())
	expectHTTPStatus(t, he.h.UpdateAppointmentStatus(c), http.StatusConflict)
}

func TestHandler_UpdateAppointmentStatus_Invalid(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)
	appt := bookOne(t, he.testEnv, slot.ID)

	c, _ := he.newContext(http.MethodPatch, `{"status":"teleported"}`, appt.ID.String())
	expectHTTPStatus(t, he.h.UpdateAppointmentStatus(c), http.StatusBadRequest)
	c, _ = he.newContext(http.MethodPatch, `{}`, appt.ID.String())
	expectHTTPStatus(t, he.h.UpdateAppointmentStatus(c), http.StatusBadRequest)
}

func TestHandler_RescheduleAppointment(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	from := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)
	to := he.addSlot(doc.ID, "2026-11-02", "10:00", "11:00", 1)
	appt := bookOne(t, he.testEnv, from.ID)

	c, rec := he.newContext(http.MethodPost, `{"time_slot_id":"`+to.ID.String()+`"}`, appt.ID.String())
	if err := he.h.RescheduleAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	events := he.publisher.Events()
	if len(events) != 1 || events[0].Type != notification.EventAppointmentRescheduled {
		t.Fatalf("expected one rescheduled event, got %v", events)
	}
	payload, ok := events[0].Payload.(*appointmentEvent)
	if !ok || payload.PreviousTimeSlotID == nil || *payload.PreviousTimeSlotID != from.ID {
		t.Errorf("expected previous slot %s in event payload, got %+v", from.ID, events[0].Payload)
	}

	// A full target slot is rejected.
	full := he.addSlot(doc.ID, "2026-11-02", "11:00", "12:00", 1)
	bookOne(t, he.testEnv, full.ID)
	c, _ = he.newContext(http.MethodPost, `{"time_slot_id":"`+full.ID.String()+`"}`, appt.ID.String())
	expectHTTPStatus(t, he.h.RescheduleAppointment(c), http.StatusConflict)
}

func TestHandler_UpdatePaymentStatus(t *testing.T) {
	he := newTestHandler()
	doc := he.addDoctor("Dr. Asha Rao")
	slot := he.addSlot(doc.ID, "2026-11-02", "09:00", "10:00", 1)
	appt := bookOne(t, he.testEnv, slot.ID)

	c, rec := he.newContext(http.MethodPatch, `{"payment_status":"paid"}`, appt.ID.String())
	if err := he.h.UpdatePaymentStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	c, _ = he.newContext(http.MethodPatch, `{"payment_status":"bartered"}`, appt.ID.String())
	expectHTTPStatus(t, he.h.UpdatePaymentStatus(c), http.StatusBadRequest)
}

func TestHandler_CreateDoctor(t *testing.T) {
	he := newTestHandler()
	c, rec := he.newContext(http.MethodPost, `{"full_name":"Dr. Kavya Nair","specialization":"Dermatology"}`, "")
	if err := he.h.CreateDoctor(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var d Doctor
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.IsActive {
		t.Error("expected doctors to default to active")
	}

	c, _ = he.newContext(http.MethodPost, `{"specialization":"Dermatology"}`, "")
	expectHTTPStatus(t, he.h.CreateDoctor(c), http.StatusBadRequest)
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", apperror.NotFound("time slot"), http.StatusNotFound},
		{"capacity", apperror.CapacityExceeded("full"), http.StatusConflict},
		{"conflict", apperror.Conflict("overlap"), http.StatusConflict},
		{"validation", apperror.Validation("bad"), http.StatusBadRequest},
		{"persistence", apperror.Persistence("commit", errors.New("x")), http.StatusInternalServerError},
		{"untyped", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectHTTPStatus(t, httpError(tt.err), tt.code)
		})
	}

	deadline := apperror.Persistence("reserve seat", context.DeadlineExceeded)
	if got := httpError(deadline); got != error(deadline) {
		t.Errorf("expected deadline error to pass through, got %v", got)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	he := newTestHandler()
	he.h.RegisterRoutes(he.e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/appointments":                false,
		"POST /api/v1/appointments/:id/reschedule": false,
		"PATCH /api/v1/appointments/:id/status":    false,
		"DELETE /api/v1/slots/:id":                 false,
		"POST /api/v1/doctors":                     false,
	}
	for _, r := range he.e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

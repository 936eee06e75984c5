package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Heba-Ragheb/clinic-appointment/internal/auth"
	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
	"github.com/Heba-Ragheb/clinic-appointment/internal/config"
)

const testSecret = "test-secret"

type testEnv struct {
	t    *testing.T
	repo *booking.MemoryRepository
	srv  http.Handler
}

func newTestEnv(t *testing.T, checks ...Check) *testEnv {
	t.Helper()

	cfg := config.Config{
		Env:          "test",
		StoreBackend: config.BackendMemory,
		TxTimeout:    2 * time.Second,
		TxMaxRetries: 1,
		Timezone:     "UTC",
	}
	repo := booking.NewMemoryRepository()
	svc := booking.NewService(repo, nil, cfg)
	t.Cleanup(svc.Wait)

	return &testEnv{
		t:    t,
		repo: repo,
		srv: NewRouter(RouterConfig{
			Service:   svc,
			Checks:    checks,
			JWTSecret: testSecret,
			Log:       zerolog.Nop(),
			Env:       "test",
			Version:   "v-test",
		}),
	}
}

func (e *testEnv) user(role booking.Role) (booking.Actor, string) {
	e.t.Helper()

	u := &booking.User{
		ID:    uuid.New(),
		Name:  string(role),
		Email: uuid.NewString() + "@example.test",
		Role:  role,
	}
	err := e.repo.WithTx(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		return tx.InsertUser(ctx, u)
	})
	if err != nil {
		e.t.Fatalf("insert user: %v", err)
	}

	token, err := auth.IssueToken(testSecret, u.ID, role, time.Hour)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return booking.Actor{ID: u.ID, Role: role}, token
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) createSlot(token, start, end string) booking.TimeSlot {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/slots", token, CreateSlotRequest{StartTime: start, EndTime: end})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("create slot: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[booking.TimeSlot](e.t, rec)
}

func TestBookingFlow(t *testing.T) {
	env := newTestEnv(t)
	doctor, doctorToken := env.user(booking.RoleDoctor)
	_, patientToken := env.user(booking.RolePatient)

	slot := env.createSlot(doctorToken, "2025-03-10T09:00:00Z", "2025-03-10T09:30:00Z")
	if slot.DoctorID != doctor.ID {
		t.Fatalf("slot doctor = %s, want %s", slot.DoctorID, doctor.ID)
	}

	rec := env.do(http.MethodGet, "/api/slots?doctor_id="+doctor.ID.String()+"&date=2025-03-10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("available slots: status %d", rec.Code)
	}
	if got := decode[SlotsResponse](t, rec); len(got.Slots) != 1 {
		t.Fatalf("expected 1 available slot, got %d", len(got.Slots))
	}

	rec = env.do(http.MethodPost, "/api/appointments", patientToken, BookRequest{SlotID: slot.ID.String()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: status %d body %s", rec.Code, rec.Body.String())
	}
	appt := decode[booking.Appointment](t, rec)
	if appt.Status != booking.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", appt.Status)
	}

	rec = env.do(http.MethodPost, "/api/appointments", patientToken, BookRequest{SlotID: slot.ID.String()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second book: status %d, want 409", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Error != "slot_not_available" {
		t.Errorf("error code = %q", got.Error)
	}

	rec = env.do(http.MethodGet, "/api/appointments?page=1&limit=5", patientToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	page := decode[booking.Page](t, rec)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != appt.ID {
		t.Fatalf("unexpected page: %+v", page)
	}

	rec = env.do(http.MethodGet, "/api/appointments/"+appt.ID.String(), doctorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}

	rec = env.do(http.MethodDelete, "/api/appointments/user/"+appt.ID.String(), patientToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", rec.Code, rec.Body.String())
	}
	cancelled := decode[MessageResponse](t, rec)
	if cancelled.Appointment == nil || cancelled.Appointment.Status != booking.StatusCancelled {
		t.Fatalf("unexpected cancel response: %+v", cancelled)
	}

	rec = env.do(http.MethodGet, "/api/slots?doctor_id="+doctor.ID.String(), "", nil)
	if got := decode[SlotsResponse](t, rec); len(got.Slots) != 1 {
		t.Fatalf("slot should be free again, got %d available", len(got.Slots))
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/slots"},
		{http.MethodGet, "/api/slots/mine"},
		{http.MethodPatch, "/api/slots/" + uuid.NewString() + "/book"},
		{http.MethodDelete, "/api/slots/" + uuid.NewString()},
		{http.MethodPost, "/api/appointments"},
		{http.MethodGet, "/api/appointments"},
		{http.MethodGet, "/api/appointments/" + uuid.NewString()},
		{http.MethodPatch, "/api/appointments/" + uuid.NewString()},
		{http.MethodDelete, "/api/appointments/user/" + uuid.NewString()},
		{http.MethodDelete, "/api/appointments/doctor/" + uuid.NewString()},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := env.do(rt.method, rt.path, "", nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := decode[ErrorResponse](t, rec); got.Error != "unauthenticated" {
				t.Errorf("error code = %q", got.Error)
			}
		})
	}
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	doctor, doctorToken := env.user(booking.RoleDoctor)
	_, patientToken := env.user(booking.RolePatient)
	_, otherDoctorToken := env.user(booking.RoleDoctor)

	slot := env.createSlot(doctorToken, "2025-03-10T10:00:00Z", "2025-03-10T10:30:00Z")

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     any
		wantCode int
		wantErr  string
	}{
		{"slots without doctor", http.MethodGet, "/api/slots", "", nil, http.StatusBadRequest, "invalid_doctor_id"},
		{"slots bad doctor", http.MethodGet, "/api/slots?doctor_id=nope", "", nil, http.StatusBadRequest, "invalid_doctor_id"},
		{"slots bad date", http.MethodGet, "/api/slots?doctor_id=" + doctor.ID.String() + "&date=10/03/2025", "", nil, http.StatusBadRequest, "invalid_date"},
		{"patient creates slot", http.MethodPost, "/api/slots", patientToken, CreateSlotRequest{StartTime: "2025-03-10T11:00:00Z", EndTime: "2025-03-10T11:30:00Z"}, http.StatusForbidden, "forbidden"},
		{"missing end time", http.MethodPost, "/api/slots", doctorToken, map[string]string{"start_time": "2025-03-10T11:00:00Z"}, http.StatusBadRequest, "validation_failed"},
		{"unparseable time", http.MethodPost, "/api/slots", doctorToken, CreateSlotRequest{StartTime: "soon", EndTime: "later"}, http.StatusBadRequest, "invalid_time"},
		{"inverted range", http.MethodPost, "/api/slots", doctorToken, CreateSlotRequest{StartTime: "2025-03-10T12:00:00Z", EndTime: "2025-03-10T11:00:00Z"}, http.StatusBadRequest, "invalid_time_range"},
		{"overlap", http.MethodPost, "/api/slots", doctorToken, CreateSlotRequest{StartTime: "2025-03-10T10:15:00Z", EndTime: "2025-03-10T10:45:00Z"}, http.StatusConflict, "slot_overlap"},
		{"book bad slot id", http.MethodPost, "/api/appointments", patientToken, BookRequest{SlotID: "abc"}, http.StatusBadRequest, "validation_failed"},
		{"book unknown slot", http.MethodPost, "/api/appointments", patientToken, BookRequest{SlotID: uuid.NewString()}, http.StatusNotFound, "slot_not_found"},
		{"doctor books own slot", http.MethodPost, "/api/appointments", doctorToken, BookRequest{SlotID: slot.ID.String()}, http.StatusBadRequest, "self_booking"},
		{"other doctor deletes slot", http.MethodDelete, "/api/slots/" + slot.ID.String(), otherDoctorToken, nil, http.StatusForbidden, "forbidden"},
		{"bad appointment id", http.MethodGet, "/api/appointments/xyz", patientToken, nil, http.StatusBadRequest, "invalid_appointment_id"},
		{"bad page", http.MethodGet, "/api/appointments?page=0", patientToken, nil, http.StatusBadRequest, "invalid_page"},
		{"unknown appointment", http.MethodPatch, "/api/appointments/" + uuid.NewString(), doctorToken, UpdateStatusRequest{Status: "completed"}, http.StatusNotFound, "appointment_not_found"},
		{"patient uses provider cancel", http.MethodDelete, "/api/appointments/doctor/" + uuid.NewString(), patientToken, nil, http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, tt.token, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := decode[ErrorResponse](t, rec); got.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", got.Error, tt.wantErr)
			}
		})
	}
}

func TestSlotManagement(t *testing.T) {
	env := newTestEnv(t)
	_, doctorToken := env.user(booking.RoleDoctor)
	_, adminToken := env.user(booking.RoleAdmin)

	first := env.createSlot(doctorToken, "2025-03-10T09:00:00Z", "2025-03-10T09:30:00Z")
	second := env.createSlot(doctorToken, "2025-03-11T09:00:00Z", "2025-03-11T09:30:00Z")

	rec := env.do(http.MethodGet, "/api/slots/mine?date=2025-03-11", doctorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("my slots: status %d", rec.Code)
	}
	mine := decode[SlotsResponse](t, rec)
	if len(mine.Slots) != 1 || mine.Slots[0].ID != second.ID {
		t.Fatalf("unexpected day filter result: %+v", mine.Slots)
	}

	rec = env.do(http.MethodGet, "/api/slots/mine", adminToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin my slots: status %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPatch, "/api/slots/"+first.ID.String()+"/book", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark booked: status %d body %s", rec.Code, rec.Body.String())
	}
	marked := decode[MessageResponse](t, rec)
	if marked.Slot == nil || !marked.Slot.IsBooked {
		t.Fatalf("slot not marked booked: %+v", marked)
	}

	rec = env.do(http.MethodDelete, "/api/slots/"+first.ID.String(), doctorToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete booked slot: status %d, want 409", rec.Code)
	}

	rec = env.do(http.MethodDelete, "/api/slots/"+second.ID.String(), doctorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete slot: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	_, doctorToken := env.user(booking.RoleDoctor)
	_, patientToken := env.user(booking.RolePatient)

	slot := env.createSlot(doctorToken, "2025-03-10T09:00:00Z", "2025-03-10T09:30:00Z")
	rec := env.do(http.MethodPost, "/api/appointments", patientToken, BookRequest{SlotID: slot.ID.String()})
	appt := decode[booking.Appointment](t, rec)

	rec = env.do(http.MethodPatch, "/api/appointments/"+appt.ID.String(), doctorToken, UpdateStatusRequest{Status: "completed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodPatch, "/api/appointments/"+appt.ID.String(), doctorToken, UpdateStatusRequest{Status: "pending"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("backwards transition: status %d, want 400", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Error != "invalid_status_transition" {
		t.Errorf("error = %q", got.Error)
	}

	rec = env.do(http.MethodPatch, "/api/appointments/"+appt.ID.String(), doctorToken, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing status: status %d, want 400", rec.Code)
	}
}

func TestWriteServiceError_HidesInternalDetails(t *testing.T) {
	h := &handlers{log: zerolog.Nop()}

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"internal", fmt.Errorf("scan row: %w", errors.New("pq: secret detail")), http.StatusInternalServerError, "internal_error"},
		{"transient", booking.Transient(errors.New("connection reset")), http.StatusServiceUnavailable, "store_unavailable"},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, "store_unavailable"},
		{"wrapped conflict", fmt.Errorf("book: %w", booking.ErrSlotAlreadyBooked), http.StatusConflict, "slot_already_booked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			h.writeServiceError(rec, req, tt.err)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			got := decode[ErrorResponse](t, rec)
			if got.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", got.Error, tt.wantErr)
			}
			if bytes.Contains([]byte(got.Details), []byte("secret")) || bytes.Contains([]byte(got.Details), []byte("reset")) {
				t.Errorf("details leak internals: %q", got.Details)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
	}{
		{"all up", []Check{{Name: "store", Critical: true, Ping: up}, {Name: "redis", Ping: up}}, http.StatusOK, "ok"},
		{"redis down", []Check{{Name: "store", Critical: true, Ping: up}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"store down", []Check{{Name: "store", Critical: true, Ping: down}, {Name: "redis", Ping: up}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.checks...)

			rec := env.do(http.MethodGet, "/health/ready", "", nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			got := decode[ReadinessResponse](t, rec)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if len(got.Dependencies) != len(tt.checks) {
				t.Errorf("dependencies = %v", got.Dependencies)
			}
		})
	}

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health/live", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness: status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestCORSCredentials(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		allowed     bool
		credentials string
	}{
		{"default wildcard", nil, "https://evil.example", true, ""},
		{"explicit wildcard", []string{"https://app.clinic.test", "*"}, "https://evil.example", true, ""},
		{"listed origin", []string{"https://app.clinic.test"}, "https://app.clinic.test", true, "true"},
		{"unlisted origin", []string{"https://app.clinic.test"}, "https://evil.example", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewRouter(RouterConfig{CORSOrigins: tt.origins, Log: zerolog.Nop(), Env: "test"})

			req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); (got != "") != tt.allowed {
				t.Errorf("Allow-Origin: expected allowed=%v, got %q", tt.allowed, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.credentials {
				t.Errorf("Allow-Credentials: expected %q, got %q", tt.credentials, got)
			}
		})
	}
}

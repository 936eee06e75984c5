package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Heba-Ragheb/clinic-appointment/internal/auth"
	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
)

var validate = validator.New()

type handlers struct {
	svc *booking.Service
	log zerolog.Logger
}

func (h *handlers) createSlot(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req CreateSlotRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	loc := h.svc.Location()
	start, err := booking.ParseInstant(req.StartTime, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", "start_time must be a valid instant")
		return
	}
	end, err := booking.ParseInstant(req.EndTime, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", "end_time must be a valid instant")
		return
	}

	slot, err := h.svc.CreateSlot(r.Context(), actor, start, end)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, slot)
}

func (h *handlers) availableSlots(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("doctor_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id is required")
		return
	}
	doctorID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}

	day, ok := h.dayParam(w, r)
	if !ok {
		return
	}

	slots, err := h.svc.AvailableSlots(r.Context(), doctorID, day)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotsResponse{Slots: slots})
}

func (h *handlers) mySlots(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())
	if actor.Role != booking.RoleDoctor {
		h.writeServiceError(w, r, booking.ErrForbidden)
		return
	}

	day, ok := h.dayParam(w, r)
	if !ok {
		return
	}

	slots, err := h.svc.DoctorSlots(r.Context(), actor.ID, day)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotsResponse{Slots: slots})
}

func (h *handlers) markSlotBooked(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	id, ok := pathID(w, r, "invalid_slot_id")
	if !ok {
		return
	}

	slot, err := h.svc.MarkSlotBooked(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "slot marked as booked", Slot: slot})
}

func (h *handlers) deleteSlot(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	id, ok := pathID(w, r, "invalid_slot_id")
	if !ok {
		return
	}

	if err := h.svc.DeleteSlot(r.Context(), actor, id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "slot deleted"})
}

func (h *handlers) book(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req BookRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
		return
	}

	appt, err := h.svc.Book(r.Context(), actor.ID, slotID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, appt)
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_page", err.Error())
		return
	}
	limit, err := intParam(r, "limit", booking.DefaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	result, err := h.svc.List(r.Context(), actor, page, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.svc.UpdateStatus(r.Context(), id, actor, req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "status updated", Appointment: appt})
}

func (h *handlers) cancelAsPatient(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	appt, err := h.svc.CancelAsPatient(r.Context(), id, actor.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "appointment cancelled", Appointment: appt})
}

func (h *handlers) cancelAsProvider(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	appt, err := h.svc.CancelAsProvider(r.Context(), id, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "appointment cancelled", Appointment: appt})
}

func (h *handlers) dayParam(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return nil, true
	}
	day, err := booking.ParseDay(raw, h.svc.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return nil, false
	}
	return &day, true
}

// writeServiceError maps a booking error kind to a status. Unclassified
// errors are logged and answered with a generic body.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch booking.KindOf(err) {
	case booking.KindValidation:
		status = http.StatusBadRequest
	case booking.KindAuthorization:
		status = http.StatusForbidden
	case booking.KindNotFound:
		status = http.StatusNotFound
	case booking.KindConflict:
		status = http.StatusConflict
	case booking.KindTransient:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, status, "internal_error", "internal server error")
		return
	}

	var be *booking.Error
	details := err.Error()
	if errors.As(err, &be) {
		details = be.Message
	}
	writeError(w, status, booking.CodeOf(err), details)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", formatValidationError(err))
		return false
	}
	return true
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "uuid":
			msgs = append(msgs, field+" must be a valid UUID")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: message})
}

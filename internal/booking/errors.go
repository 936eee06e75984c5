package booking

import (
	"context"
	"errors"
)

// Kind classifies failures so the boundary can map them to a stable code.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindAuthorization
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindTransient:
		return "transient"
	}
	return "internal"
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrUserNotFound        = newError(KindNotFound, "user_not_found", "user not found")
	ErrSlotNotFound        = newError(KindNotFound, "slot_not_found", "slot not found")
	ErrAppointmentNotFound = newError(KindNotFound, "appointment_not_found", "appointment not found")

	ErrInvalidTime       = newError(KindValidation, "invalid_time", "start_time and end_time must be valid instants")
	ErrInvalidRange      = newError(KindValidation, "invalid_time_range", "start_time must be before end_time")
	ErrSelfBooking       = newError(KindValidation, "self_booking", "cannot book yourself")
	ErrInvalidStatus     = newError(KindValidation, "invalid_status", "status must be one of pending, confirmed, completed, cancelled")
	ErrInvalidTransition = newError(KindValidation, "invalid_status_transition", "invalid status transition")

	ErrSlotOverlap         = newError(KindConflict, "slot_overlap", "slot overlap detected")
	ErrSlotNotAvailable    = newError(KindConflict, "slot_not_available", "slot not available")
	ErrSlotAlreadyBooked   = newError(KindConflict, "slot_already_booked", "slot already has an active appointment")
	ErrSlotBeingBooked     = newError(KindConflict, "slot_being_booked", "slot is currently being booked, please retry")
	ErrSlotBooked          = newError(KindConflict, "slot_booked", "cannot delete a booked slot")
	ErrAppointmentTerminal = newError(KindConflict, "appointment_terminal", "appointment is already completed or cancelled")
	ErrEmailTaken          = newError(KindConflict, "email_taken", "email already registered")
	ErrReferenceConflict   = newError(KindConflict, "reference_conflict", "record is still referenced or refers to a missing record")

	ErrForbidden = newError(KindAuthorization, "forbidden", "not allowed")
)

// Transient marks a store failure that is safe to retry from scratch.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Code: "store_unavailable", Message: "store temporarily unavailable", Err: err}
}

// KindOf classifies err. Deadline and cancellation count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// CodeOf returns the stable code for err, "internal_error" when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if KindOf(err) == KindTransient {
		return "store_unavailable"
	}
	return "internal_error"
}

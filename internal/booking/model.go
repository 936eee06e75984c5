package booking

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "Patient"
	RoleDoctor  Role = "Doctor"
	RoleNurse   Role = "Nurse"
	RoleAdmin   Role = "Admin"
)

// ParseRole accepts the role names exactly as stored.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RolePatient, RoleDoctor, RoleNurse, RoleAdmin:
		return r, true
	}
	return "", false
}

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

func ParseStatus(s string) (AppointmentStatus, bool) {
	switch st := AppointmentStatus(s); st {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}

// Terminal statuses accept no further transitions.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var allowedTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityImportant Priority = "important"
	PriorityModerate  Priority = "moderate"
	PriorityLow       Priority = "low"
)

// Actor is the authenticated subject an operation runs on behalf of.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type User struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"-"`
	Role         Role        `json:"role"`
	Specialty    *string     `json:"specialty,omitempty"`
	Phone        *string     `json:"phone,omitempty"`
	Appointments []uuid.UUID `json:"appointments"`
	Slots        []uuid.UUID `json:"slots"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type TimeSlot struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	IsBooked  bool      `json:"is_booked"`
	CreatedAt time.Time `json:"created_at"`
}

// Overlaps uses half-open [start, end) semantics, touching windows do not overlap.
func (s TimeSlot) Overlaps(start, end time.Time) bool {
	return Overlaps(s.StartTime, s.EndTime, start, end)
}

func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

type Appointment struct {
	ID         uuid.UUID         `json:"id"`
	PatientID  uuid.UUID         `json:"patient_id"`
	DoctorID   uuid.UUID         `json:"doctor_id"`
	NurseID    *uuid.UUID        `json:"nurse_id,omitempty"`
	TimeSlotID uuid.UUID         `json:"time_slot_id"`
	Priority   Priority          `json:"priority"`
	Status     AppointmentStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Page is one page of a role scoped listing. Page is 1-based.
type Page struct {
	Items      []Appointment `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

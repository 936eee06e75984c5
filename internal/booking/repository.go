package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotFilter selects slots of one doctor. Zero From/To means unbounded.
type SlotFilter struct {
	DoctorID     uuid.UUID
	From         time.Time
	To           time.Time
	OnlyUnbooked bool
}

// AppointmentFilter scopes a listing, nil fields are not filtered.
type AppointmentFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	NurseID   *uuid.UUID
}

// Repository contains all store interactions needed by the service.
// Reads outside a transaction see committed state only.
type Repository interface {
	// WithTx runs fn inside one store transaction. fn's writes commit
	// together when it returns nil and are discarded otherwise. The ctx
	// passed to fn carries the transaction and must be used for every call
	// on tx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsersByRole(ctx context.Context, role Role, limit int) ([]User, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]TimeSlot, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]Appointment, int, error)

	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)

	Ping(ctx context.Context) error
}

// Tx is the set of operations a coordinator performs atomically.
type Tx interface {
	InsertUser(ctx context.Context, u *User) error

	// LockUser loads a user and claims it for writing so concurrent
	// transactions touching the same user serialise or conflict.
	LockUser(ctx context.Context, id uuid.UUID) (*User, error)
	PushUserAppointment(ctx context.Context, userID, appointmentID uuid.UUID) error
	PushUserSlot(ctx context.Context, userID, slotID uuid.UUID) error
	PullUserSlot(ctx context.Context, userID, slotID uuid.UUID) error
	// RebuildUserRefs recomputes the user's appointment and slot lists
	// from the appointments and slots and reports whether they changed.
	// The caller holds LockUser on the same user.
	RebuildUserRefs(ctx context.Context, userID uuid.UUID) (bool, error)

	GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	FindOverlappingSlots(ctx context.Context, doctorID uuid.UUID, start, end time.Time) ([]TimeSlot, error)
	InsertSlot(ctx context.Context, s *TimeSlot) error
	DeleteSlot(ctx context.Context, id uuid.UUID) error
	// MarkSlotBooked flips is_booked false -> true, ErrSlotNotAvailable if it was not free.
	MarkSlotBooked(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	ReleaseSlot(ctx context.Context, id uuid.UUID) error

	// InsertAppointment fails with ErrSlotAlreadyBooked when another
	// non-cancelled appointment references the same slot.
	InsertAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

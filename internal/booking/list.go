package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// List returns the caller's appointments, newest first. Doctors, nurses
// and patients see the appointments they take part in, admins see all.
func (s *Service) List(ctx context.Context, actor Actor, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	var f AppointmentFilter
	id := actor.ID
	switch actor.Role {
	case RoleDoctor:
		f.DoctorID = &id
	case RoleNurse:
		f.NurseID = &id
	case RolePatient:
		f.PatientID = &id
	case RoleAdmin:
	default:
		return nil, ErrForbidden
	}

	items, total, err := s.repo.ListAppointments(ctx, f, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if items == nil {
		items = []Appointment{}
	}

	return &Page{
		Items:      items,
		Total:      total,
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// GetAppointment returns one appointment. Admins and nurses may read any,
// others only appointments they are patient or doctor of.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	var appt Appointment
	if hit, stamp := s.cacheGet(ctx, id.String(), &appt); !hit {
		a, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return nil, err
		}
		appt = *a
		s.cacheSet(ctx, id.String(), stamp, appt)
	}

	switch {
	case actor.Role == RoleAdmin, actor.Role == RoleNurse:
	case actor.ID == appt.PatientID, actor.ID == appt.DoctorID:
	default:
		return nil, ErrForbidden
	}

	return &appt, nil
}

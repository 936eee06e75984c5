package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UpdateStatus moves an appointment forward through
// pending -> confirmed -> completed, or to cancelled from pending or
// confirmed. Patients may only touch their own appointments.
func (s *Service) UpdateStatus(ctx context.Context, appointmentID uuid.UUID, actor Actor, status string) (*Appointment, error) {
	next, ok := ParseStatus(status)
	if !ok {
		return nil, ErrInvalidStatus
	}

	var updated *Appointment

	err := s.runTx(ctx, "update_status", func(ctx context.Context, tx Tx) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if actor.Role == RolePatient && appt.PatientID != actor.ID {
			return ErrForbidden
		}
		if !CanTransition(appt.Status, next) {
			return ErrInvalidTransition
		}

		if next == StatusCancelled {
			cancelled, err := s.cancelInTx(ctx, tx, appt)
			if err != nil {
				return err
			}
			updated = cancelled
			return nil
		}

		u, err := tx.UpdateAppointmentStatus(ctx, appt.ID, next)
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}

		if err := s.logEvent(ctx, tx, EventAppointmentStatusChanged, &appt.ID, nil, map[string]any{
			"from": string(appt.Status),
			"to":   string(next),
			"by":   actor.ID.String(),
		}); err != nil {
			return err
		}

		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := []string{CacheKeyAppointments, appointmentID.String()}
	if next == StatusCancelled {
		keys = append(keys, CacheKeySlots)
	}
	s.invalidate(ctx, keys...)

	return updated, nil
}

package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CancelAsPatient cancels an appointment on behalf of its patient.
func (s *Service) CancelAsPatient(ctx context.Context, appointmentID, requesterID uuid.UUID) (*Appointment, error) {
	return s.cancel(ctx, appointmentID, func(a *Appointment) error {
		if a.PatientID != requesterID {
			return ErrForbidden
		}
		return nil
	})
}

// CancelAsProvider cancels an appointment on behalf of staff. Doctors may
// only cancel their own appointments, admins and nurses any. The patient is
// notified after the cancellation has committed.
func (s *Service) CancelAsProvider(ctx context.Context, appointmentID uuid.UUID, actor Actor) (*Appointment, error) {
	if actor.Role == RolePatient {
		return nil, ErrForbidden
	}

	cancelled, err := s.cancel(ctx, appointmentID, func(a *Appointment) error {
		if actor.Role == RoleDoctor && a.DoctorID != actor.ID {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyCancelled(*cancelled)
	return cancelled, nil
}

func (s *Service) cancel(ctx context.Context, appointmentID uuid.UUID, authorize func(*Appointment) error) (*Appointment, error) {
	var cancelled *Appointment

	err := s.runTx(ctx, "cancel", func(ctx context.Context, tx Tx) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := authorize(appt); err != nil {
			return err
		}

		updated, err := s.cancelInTx(ctx, tx, appt)
		if err != nil {
			return err
		}
		cancelled = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, CacheKeyAppointments, CacheKeySlots, appointmentID.String())
	return cancelled, nil
}

// cancelInTx releases the slot and marks the appointment cancelled.
// Completed and cancelled appointments are rejected.
func (s *Service) cancelInTx(ctx context.Context, tx Tx, appt *Appointment) (*Appointment, error) {
	if appt.Status.Terminal() {
		return nil, ErrAppointmentTerminal
	}

	if err := tx.ReleaseSlot(ctx, appt.TimeSlotID); err != nil {
		return nil, fmt.Errorf("release slot: %w", err)
	}

	updated, err := tx.UpdateAppointmentStatus(ctx, appt.ID, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if err := s.logEvent(ctx, tx, EventAppointmentCancelled, &appt.ID, &appt.TimeSlotID, map[string]any{
		"previous_status": string(appt.Status),
	}); err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *Service) notifyCancelled(appt Appointment) {
	if s.notifier == nil {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		patient, err := s.repo.GetUserByID(ctx, appt.PatientID)
		if err != nil {
			s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("load patient for cancellation notice")
			return
		}

		if err := s.notifier.AppointmentCancelled(ctx, *patient, appt); err != nil {
			s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("cancellation notice failed")
		}
	}()
}

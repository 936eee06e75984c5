package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	redisclient "github.com/Heba-Ragheb/clinic-appointment/internal/redis"
)

// Book reserves a slot for a patient and creates a confirmed appointment.
// Slot reservation, the appointment row, both users' back-references and
// the event log entry commit together or not at all. A Redis slot lock, when
// configured, turns away concurrent attempts early; correctness rests on
// the store transaction and the active-slot uniqueness constraint.
func (s *Service) Book(ctx context.Context, patientID, slotID uuid.UUID) (*Appointment, error) {
	var created *Appointment

	err := s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.runTx(lockCtx, "book", func(ctx context.Context, tx Tx) error {
			slot, err := tx.GetSlotForUpdate(ctx, slotID)
			if err != nil {
				return err
			}
			if slot.IsBooked {
				return ErrSlotNotAvailable
			}
			if slot.DoctorID == patientID {
				return ErrSelfBooking
			}

			now := s.now()
			appt := &Appointment{
				ID:         uuid.New(),
				PatientID:  patientID,
				DoctorID:   slot.DoctorID,
				TimeSlotID: slot.ID,
				Priority:   PriorityModerate,
				Status:     StatusConfirmed,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertAppointment(ctx, appt); err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}

			if _, err := tx.MarkSlotBooked(ctx, slot.ID); err != nil {
				return fmt.Errorf("mark slot booked: %w", err)
			}

			if err := tx.PushUserAppointment(ctx, patientID, appt.ID); err != nil {
				return fmt.Errorf("link appointment to patient: %w", err)
			}
			if err := tx.PushUserAppointment(ctx, slot.DoctorID, appt.ID); err != nil {
				return fmt.Errorf("link appointment to doctor: %w", err)
			}

			if err := s.logEvent(ctx, tx, EventAppointmentBooked, &appt.ID, &slot.ID, map[string]any{
				"patient_id": patientID.String(),
				"doctor_id":  slot.DoctorID.String(),
			}); err != nil {
				return err
			}

			created = appt
			return nil
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			return nil, ErrSlotBeingBooked
		case errors.Is(err, redisclient.ErrLockUnavailable):
			return nil, Transient(err)
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("slot_id", slotID.String()).
		Str("patient_id", patientID.String()).
		Msg("appointment booked")

	s.invalidate(ctx, CacheKeyAppointments, CacheKeySlots, created.ID.String())
	return created, nil
}

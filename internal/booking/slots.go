package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/Heba-Ragheb/clinic-appointment/internal/redis"
)

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseInstant parses RFC3339, or a zone-less local timestamp in loc.
func ParseInstant(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidTime
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidTime
}

// ParseDay parses a calendar date (2006-01-02) or an instant and returns
// midnight of that day in loc.
func ParseDay(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), loc); err == nil {
		return t, nil
	}
	t, err := ParseInstant(raw, loc)
	if err != nil {
		return time.Time{}, err
	}
	from, _ := DayBounds(t, loc)
	return from, nil
}

// DayBounds returns [midnight, next midnight) of t's calendar day in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := t.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

func normalizeInstant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CreateSlot declares a new availability window for the calling doctor.
// The overlap check and the insert commit together.
func (s *Service) CreateSlot(ctx context.Context, actor Actor, start, end time.Time) (*TimeSlot, error) {
	if actor.Role != RoleDoctor {
		return nil, ErrForbidden
	}
	if start.IsZero() || end.IsZero() {
		return nil, ErrInvalidTime
	}
	start, end = normalizeInstant(start), normalizeInstant(end)
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	var created *TimeSlot

	err := s.locker.WithDoctorLock(ctx, actor.ID, func(lockCtx context.Context) error {
		return s.runTx(lockCtx, "create_slot", func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockUser(ctx, actor.ID); err != nil {
				return fmt.Errorf("lock doctor: %w", err)
			}

			existing, err := tx.FindOverlappingSlots(ctx, actor.ID, start, end)
			if err != nil {
				return fmt.Errorf("check overlap: %w", err)
			}
			if len(existing) > 0 {
				return ErrSlotOverlap
			}

			slot := &TimeSlot{
				ID:        uuid.New(),
				DoctorID:  actor.ID,
				StartTime: start,
				EndTime:   end,
				CreatedAt: s.now(),
			}
			if err := tx.InsertSlot(ctx, slot); err != nil {
				return fmt.Errorf("insert slot: %w", err)
			}
			if err := tx.PushUserSlot(ctx, actor.ID, slot.ID); err != nil {
				return fmt.Errorf("link slot to doctor: %w", err)
			}

			if err := s.logEvent(ctx, tx, EventSlotCreated, nil, &slot.ID, map[string]any{
				"doctor_id":  actor.ID.String(),
				"start_time": start,
				"end_time":   end,
			}); err != nil {
				return err
			}

			created = slot
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, redisclient.ErrLockUnavailable) {
			return nil, Transient(err)
		}
		return nil, err
	}

	s.invalidate(ctx, CacheKeySlots)
	return created, nil
}

// DeleteSlot removes an unbooked slot owned by the caller.
func (s *Service) DeleteSlot(ctx context.Context, actor Actor, slotID uuid.UUID) error {
	err := s.runTx(ctx, "delete_slot", func(ctx context.Context, tx Tx) error {
		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.DoctorID != actor.ID {
			return ErrForbidden
		}
		if slot.IsBooked {
			return ErrSlotBooked
		}

		if err := tx.DeleteSlot(ctx, slot.ID); err != nil {
			return fmt.Errorf("delete slot: %w", err)
		}
		if err := tx.PullUserSlot(ctx, slot.DoctorID, slot.ID); err != nil {
			return fmt.Errorf("unlink slot from doctor: %w", err)
		}

		return s.logEvent(ctx, tx, EventSlotDeleted, nil, &slot.ID, map[string]any{
			"doctor_id": slot.DoctorID.String(),
		})
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, CacheKeySlots)
	return nil
}

// MarkSlotBooked blocks a free slot without creating an appointment.
// Admins may block any slot, doctors only their own.
func (s *Service) MarkSlotBooked(ctx context.Context, actor Actor, slotID uuid.UUID) (*TimeSlot, error) {
	if actor.Role != RoleAdmin && actor.Role != RoleDoctor {
		return nil, ErrForbidden
	}

	var updated *TimeSlot

	err := s.runTx(ctx, "mark_slot_booked", func(ctx context.Context, tx Tx) error {
		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if actor.Role == RoleDoctor && slot.DoctorID != actor.ID {
			return ErrForbidden
		}
		if slot.IsBooked {
			return ErrSlotNotAvailable
		}

		booked, err := tx.MarkSlotBooked(ctx, slot.ID)
		if err != nil {
			return fmt.Errorf("mark slot booked: %w", err)
		}

		if err := s.logEvent(ctx, tx, EventSlotMarkedBooked, nil, &slot.ID, map[string]any{
			"by": actor.ID.String(),
		}); err != nil {
			return err
		}

		updated = booked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, CacheKeySlots)
	return updated, nil
}

// AvailableSlots lists a doctor's unbooked slots, optionally for one
// calendar day, ordered by start time.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, day *time.Time) ([]TimeSlot, error) {
	dayKey := "all"
	if day != nil {
		dayKey = day.In(s.loc).Format("2006-01-02")
	}
	key := fmt.Sprintf("%s:available:%s:%s", CacheKeySlots, doctorID, dayKey)

	var cached []TimeSlot
	hit, stamp := s.cacheGet(ctx, key, &cached)
	if hit {
		return cached, nil
	}

	slots, err := s.querySlots(ctx, doctorID, day, true)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, key, stamp, slots)
	return slots, nil
}

// DoctorSlots lists every slot of a doctor, booked or not.
func (s *Service) DoctorSlots(ctx context.Context, doctorID uuid.UUID, day *time.Time) ([]TimeSlot, error) {
	return s.querySlots(ctx, doctorID, day, false)
}

func (s *Service) querySlots(ctx context.Context, doctorID uuid.UUID, day *time.Time, onlyUnbooked bool) ([]TimeSlot, error) {
	f := SlotFilter{DoctorID: doctorID, OnlyUnbooked: onlyUnbooked}
	if day != nil {
		f.From, f.To = DayBounds(*day, s.loc)
	}

	slots, err := s.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if slots == nil {
		slots = []TimeSlot{}
	}
	return slots, nil
}

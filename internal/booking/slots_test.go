package booking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseInstant(t *testing.T) {
	cairo, err := time.LoadLocation("Africa/Cairo")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339 utc", "2025-03-10T09:00:00Z", time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2025-03-10T11:00:00+02:00", time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"fractional seconds", "2025-03-10T09:00:00.250Z", time.Date(2025, 3, 10, 9, 0, 0, 250e6, time.UTC)},
		{"local seconds", "2025-03-10T11:00:00", time.Date(2025, 3, 10, 11, 0, 0, 0, cairo)},
		{"local minutes", "2025-03-10T11:00", time.Date(2025, 3, 10, 11, 0, 0, 0, cairo)},
		{"local with space", " 2025-03-10 11:00 ", time.Date(2025, 3, 10, 11, 0, 0, 0, cairo)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInstant(tt.raw, cairo)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseInstant_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "tomorrow", "2025-13-01T09:00:00Z", "10/03/2025 09:00"} {
		if _, err := ParseInstant(raw, time.UTC); err == nil {
			t.Errorf("expected error for %q", raw)
		} else {
			assertErr(t, err, ErrInvalidTime)
		}
	}
}

func TestParseDay(t *testing.T) {
	got, err := ParseDay("2025-03-10", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(testBase) {
		t.Errorf("expected %s, got %s", testBase, got)
	}

	got, err = ParseDay("2025-03-10T17:45:00Z", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(testBase) {
		t.Errorf("expected midnight, got %s", got)
	}
}

func TestDayBounds(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)

	// 20:00 UTC on the 9th is already the 10th in UTC+9
	from, to := DayBounds(time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC), tokyo)

	wantFrom := time.Date(2025, 3, 10, 0, 0, 0, 0, tokyo)
	if !from.Equal(wantFrom) {
		t.Errorf("expected from %s, got %s", wantFrom, from)
	}
	if to.Sub(from) != 24*time.Hour {
		t.Errorf("expected a 24h day, got %s", to.Sub(from))
	}
}

func TestCreateSlot(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)

	slot, err := svc.CreateSlot(ctx, doctor, at(9, 0).Add(123456*time.Nanosecond), at(10, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot.IsBooked {
		t.Error("new slot must be free")
	}
	if slot.DoctorID != doctor.ID {
		t.Errorf("expected doctor %s, got %s", doctor.ID, slot.DoctorID)
	}
	if !slot.StartTime.Equal(at(9, 0)) {
		t.Errorf("expected start truncated to millisecond, got %s", slot.StartTime)
	}

	stored, err := repo.GetSlotByID(ctx, slot.ID)
	if err != nil {
		t.Fatalf("slot not stored: %v", err)
	}
	if stored.StartTime.Location() != time.UTC {
		t.Errorf("expected UTC storage, got %s", stored.StartTime.Location())
	}

	d, _ := repo.GetUserByID(ctx, doctor.ID)
	if len(d.Slots) != 1 || d.Slots[0] != slot.ID {
		t.Errorf("expected slot back-reference, got %v", d.Slots)
	}
}

func TestCreateSlot_Validation(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	tests := []struct {
		name       string
		actor      Actor
		start, end time.Time
		want       error
	}{
		{"patient", patient, at(9, 0), at(10, 0), ErrForbidden},
		{"zero start", doctor, time.Time{}, at(10, 0), ErrInvalidTime},
		{"equal bounds", doctor, at(9, 0), at(9, 0), ErrInvalidRange},
		{"reversed", doctor, at(10, 0), at(9, 0), ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSlot(ctx, tt.actor, tt.start, tt.end)
			assertErr(t, err, tt.want)
		})
	}

	if len(repo.Events()) != 0 {
		t.Error("rejected creations must not write events")
	}
}

func TestCreateSlot_UnknownDoctor(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSlot(context.Background(), Actor{ID: uuid.New(), Role: RoleDoctor}, at(9, 0), at(10, 0))
	assertErr(t, err, ErrUserNotFound)
}

func TestCreateSlot_Overlap(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	colleague := addUser(t, repo, RoleDoctor)

	mustSlot(t, svc, doctor, at(9, 0), at(10, 0))

	tests := []struct {
		name       string
		start, end time.Time
		want       error
	}{
		{"identical", at(9, 0), at(10, 0), ErrSlotOverlap},
		{"inside", at(9, 15), at(9, 45), ErrSlotOverlap},
		{"covering", at(8, 0), at(11, 0), ErrSlotOverlap},
		{"straddles start", at(8, 30), at(9, 30), ErrSlotOverlap},
		{"straddles end", at(9, 59), at(10, 30), ErrSlotOverlap},
		{"touches end", at(10, 0), at(11, 0), nil},
		{"touches start", at(8, 0), at(9, 0), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSlot(ctx, doctor, tt.start, tt.end)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			assertErr(t, err, tt.want)
		})
	}

	// other doctors are unaffected
	if _, err := svc.CreateSlot(ctx, colleague, at(9, 0), at(10, 0)); err != nil {
		t.Errorf("colleague slot rejected: %v", err)
	}
}

func TestCreateSlot_ConcurrentOverlapping(t *testing.T) {
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(9, 0).Add(time.Duration(i) * 5 * time.Minute)
			_, errs[i] = svc.CreateSlot(context.Background(), doctor, start, start.Add(time.Hour))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case KindOf(err) != KindConflict:
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one success, got %d", ok)
	}

	slots, _ := repo.ListSlots(context.Background(), SlotFilter{DoctorID: doctor.ID})
	if len(slots) != 1 {
		t.Errorf("expected one stored slot, got %d", len(slots))
	}
}

func TestDeleteSlot(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	colleague := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	free := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	booked := mustSlot(t, svc, doctor, at(10, 0), at(11, 0))
	mustBook(t, svc, patient, booked.ID)

	assertErr(t, svc.DeleteSlot(ctx, colleague, free.ID), ErrForbidden)
	assertErr(t, svc.DeleteSlot(ctx, doctor, booked.ID), ErrSlotBooked)
	assertErr(t, svc.DeleteSlot(ctx, doctor, uuid.New()), ErrSlotNotFound)

	if err := svc.DeleteSlot(ctx, doctor, free.ID); err != nil {
		t.Fatalf("delete free slot: %v", err)
	}
	if _, err := repo.GetSlotByID(ctx, free.ID); err == nil {
		t.Error("slot still stored after delete")
	}

	d, _ := repo.GetUserByID(ctx, doctor.ID)
	if len(d.Slots) != 1 || d.Slots[0] != booked.ID {
		t.Errorf("expected only the booked slot referenced, got %v", d.Slots)
	}
}

// Deleting a booked slot conflicts no matter who asks or how often.
func TestDeleteSlot_BookedAlwaysConflicts(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	admin := addUser(t, repo, RoleAdmin)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	if _, err := svc.MarkSlotBooked(ctx, admin, slot.ID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		assertErr(t, svc.DeleteSlot(ctx, doctor, slot.ID), ErrSlotBooked)
	}
}

func TestMarkSlotBooked(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	colleague := addUser(t, repo, RoleDoctor)
	nurse := addUser(t, repo, RoleNurse)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))

	_, err := svc.MarkSlotBooked(ctx, nurse, slot.ID)
	assertErr(t, err, ErrForbidden)
	_, err = svc.MarkSlotBooked(ctx, colleague, slot.ID)
	assertErr(t, err, ErrForbidden)

	got, err := svc.MarkSlotBooked(ctx, doctor, slot.ID)
	if err != nil {
		t.Fatalf("mark own slot: %v", err)
	}
	if !got.IsBooked {
		t.Error("expected slot booked")
	}

	_, err = svc.MarkSlotBooked(ctx, doctor, slot.ID)
	assertErr(t, err, ErrSlotNotAvailable)

	_, err = svc.Book(ctx, patient.ID, slot.ID)
	assertErr(t, err, ErrSlotNotAvailable)
}

func TestAvailableSlots(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	late := mustSlot(t, svc, doctor, at(15, 0), at(16, 0))
	early := mustSlot(t, svc, doctor, at(8, 0), at(9, 0))
	taken := mustSlot(t, svc, doctor, at(10, 0), at(11, 0))
	tomorrow := mustSlot(t, svc, doctor, at(24+9, 0), at(24+10, 0))
	mustBook(t, svc, patient, taken.ID)

	day := at(0, 0)
	slots, err := svc.AvailableSlots(ctx, doctor.ID, &day)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 || slots[0].ID != early.ID || slots[1].ID != late.ID {
		t.Fatalf("expected [early late], got %v", slotIDs(slots))
	}

	all, err := svc.AvailableSlots(ctx, doctor.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[2].ID != tomorrow.ID {
		t.Errorf("expected 3 free slots ending with tomorrow, got %v", slotIDs(all))
	}

	mine, err := svc.DoctorSlots(ctx, doctor.ID, &day)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 3 {
		t.Errorf("expected 3 slots today including booked, got %d", len(mine))
	}

	none, err := svc.AvailableSlots(ctx, uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil list, got %v", none)
	}
}

func TestAvailableSlots_CacheInvalidatedOnBooking(t *testing.T) {
	ctx := context.Background()
	cache := newRecordingCache()
	svc, repo := newTestService(t, WithCache(cache))
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	if got := cache.last(); len(got) != 1 || got[0] != CacheKeySlots {
		t.Errorf("create should invalidate slots, got %v", got)
	}

	first, _ := svc.AvailableSlots(ctx, doctor.ID, nil)
	if len(first) != 1 {
		t.Fatalf("expected 1 free slot, got %d", len(first))
	}

	appt := mustBook(t, svc, patient, slot.ID)
	want := []string{CacheKeyAppointments, CacheKeySlots, appt.ID.String()}
	if got := cache.last(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected invalidation %v, got %v", want, got)
	}

	after, _ := svc.AvailableSlots(ctx, doctor.ID, nil)
	if len(after) != 0 {
		t.Errorf("stale cached listing after booking: %v", slotIDs(after))
	}
}

// racingRepo runs onList once, right after a slot listing has been read
// and before the caller gets to cache it.
type racingRepo struct {
	*MemoryRepository
	onList func()
}

func (r *racingRepo) ListSlots(ctx context.Context, f SlotFilter) ([]TimeSlot, error) {
	slots, err := r.MemoryRepository.ListSlots(ctx, f)
	if fn := r.onList; fn != nil {
		r.onList = nil
		fn()
	}
	return slots, err
}

func TestAvailableSlots_ReadRacingCancelIsNotCached(t *testing.T) {
	ctx := context.Background()
	cache := newRecordingCache()
	repo := &racingRepo{MemoryRepository: NewMemoryRepository()}
	svc := NewService(repo, nil, testConfig(), WithClock(steppingClock()), WithCache(cache))
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	repo.onList = func() {
		if _, err := svc.CancelAsPatient(ctx, appt.ID, patient.ID); err != nil {
			t.Fatalf("cancel during read: %v", err)
		}
	}

	stale, err := svc.AvailableSlots(ctx, doctor.ID, nil)
	if err != nil {
		t.Fatalf("AvailableSlots() error: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected the pre-cancel read to see no free slots, got %v", slotIDs(stale))
	}

	fresh, err := svc.AvailableSlots(ctx, doctor.ID, nil)
	if err != nil {
		t.Fatalf("AvailableSlots() error: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != slot.ID {
		t.Fatalf("released slot hidden by a stale cache entry: %v", slotIDs(fresh))
	}
}

func slotIDs(slots []TimeSlot) []string {
	ids := make([]string, len(slots))
	for i, s := range slots {
		ids[i] = s.StartTime.Format("02 15:04")
	}
	return ids
}

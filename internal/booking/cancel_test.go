package booking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []uuid.UUID
	to    []string
	fails error
}

func (n *fakeNotifier) AppointmentCancelled(_ context.Context, patient User, appt Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, appt.ID)
	n.to = append(n.to, patient.Email)
	return n.fails
}

func TestCancelAsPatient_ReleasesSlot(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)
	next := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	cancelled, err := svc.CancelAsPatient(ctx, appt.ID, patient.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	stored, _ := repo.GetSlotByID(ctx, slot.ID)
	if stored.IsBooked {
		t.Error("slot still booked after cancellation")
	}

	free, _ := svc.AvailableSlots(ctx, doctor.ID, nil)
	if len(free) != 1 {
		t.Errorf("expected slot listed as available, got %d", len(free))
	}

	again := mustBook(t, svc, next, slot.ID)
	if again.PatientID != next.ID {
		t.Errorf("expected rebooking by %s, got %s", next.ID, again.PatientID)
	}
}

func TestCancelAsPatient_NotOwner(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)
	stranger := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	_, err := svc.CancelAsPatient(ctx, appt.ID, stranger.ID)
	assertErr(t, err, ErrForbidden)

	stored, _ := repo.GetAppointmentByID(ctx, appt.ID)
	if stored.Status != StatusConfirmed {
		t.Errorf("forbidden cancel changed status to %s", stored.Status)
	}

	_, err = svc.CancelAsPatient(ctx, uuid.New(), patient.ID)
	assertErr(t, err, ErrAppointmentNotFound)
}

func TestCancelAsProvider_Authorization(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	colleague := addUser(t, repo, RoleDoctor)
	nurse := addUser(t, repo, RoleNurse)
	admin := addUser(t, repo, RoleAdmin)
	patient := addUser(t, repo, RolePatient)

	book := func(t *testing.T, hour int) *Appointment {
		t.Helper()
		slot := mustSlot(t, svc, doctor, at(hour, 0), at(hour+1, 0))
		return mustBook(t, svc, patient, slot.ID)
	}

	appt := book(t, 9)

	_, err := svc.CancelAsProvider(ctx, appt.ID, patient)
	assertErr(t, err, ErrForbidden)
	_, err = svc.CancelAsProvider(ctx, appt.ID, colleague)
	assertErr(t, err, ErrForbidden)

	tests := []struct {
		name  string
		actor Actor
		hour  int
	}{
		{"own doctor", doctor, 10},
		{"nurse", nurse, 11},
		{"admin", admin, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := book(t, tt.hour)
			got, err := svc.CancelAsProvider(ctx, a.ID, tt.actor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != StatusCancelled {
				t.Errorf("expected cancelled, got %s", got.Status)
			}
		})
	}
}

func TestCancel_Terminal(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	if _, err := svc.CancelAsPatient(ctx, appt.ID, patient.ID); err != nil {
		t.Fatal(err)
	}
	_, err := svc.CancelAsPatient(ctx, appt.ID, patient.ID)
	assertErr(t, err, ErrAppointmentTerminal)

	other := mustSlot(t, svc, doctor, at(10, 0), at(11, 0))
	done := mustBook(t, svc, patient, other.ID)
	if _, err := svc.UpdateStatus(ctx, done.ID, doctor, string(StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	_, err = svc.CancelAsProvider(ctx, done.ID, doctor)
	assertErr(t, err, ErrAppointmentTerminal)

	stored, _ := repo.GetSlotByID(ctx, other.ID)
	if !stored.IsBooked {
		t.Error("completed appointment's slot must stay booked")
	}
}

func TestCancelAsProvider_NotifiesPatient(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	svc, repo := newTestService(t, WithNotifier(notifier))
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	if _, err := svc.CancelAsProvider(ctx, appt.ID, doctor); err != nil {
		t.Fatal(err)
	}
	svc.Wait()

	p, _ := repo.GetUserByID(ctx, patient.ID)
	if len(notifier.sent) != 1 || notifier.sent[0] != appt.ID || notifier.to[0] != p.Email {
		t.Errorf("unexpected notifications: %v to %v", notifier.sent, notifier.to)
	}

	// patients cancelling themselves are not notified
	slot2 := mustSlot(t, svc, doctor, at(10, 0), at(11, 0))
	appt2 := mustBook(t, svc, patient, slot2.ID)
	if _, err := svc.CancelAsPatient(ctx, appt2.ID, patient.ID); err != nil {
		t.Fatal(err)
	}
	svc.Wait()
	if len(notifier.sent) != 1 {
		t.Errorf("expected no extra notification, got %d", len(notifier.sent))
	}
}

func TestCancelAsProvider_NotifierFailureKeepsCancellation(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{fails: errors.New("smtp down")}
	svc, repo := newTestService(t, WithNotifier(notifier))
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	got, err := svc.CancelAsProvider(ctx, appt.ID, doctor)
	if err != nil {
		t.Fatalf("notifier failure must not fail the cancel: %v", err)
	}
	svc.Wait()

	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	stored, _ := repo.GetAppointmentByID(ctx, appt.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("cancellation rolled back, status %s", stored.Status)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("expected one attempt, got %d", len(notifier.sent))
	}
}

func TestCancel_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	cache := newRecordingCache()
	svc, repo := newTestService(t, WithCache(cache))
	doctor := addUser(t, repo, RoleDoctor)
	patient := addUser(t, repo, RolePatient)

	slot := mustSlot(t, svc, doctor, at(9, 0), at(10, 0))
	appt := mustBook(t, svc, patient, slot.ID)

	if _, err := svc.CancelAsPatient(ctx, appt.ID, patient.ID); err != nil {
		t.Fatal(err)
	}

	got := cache.last()
	want := map[string]bool{CacheKeyAppointments: true, CacheKeySlots: true, appt.ID.String(): true}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), got)
	}
	for _, k := range got {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

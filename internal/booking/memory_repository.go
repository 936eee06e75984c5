package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. Transactions run one at a
// time against a private copy of the state which replaces the committed
// state only when fn succeeds.
type MemoryRepository struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	users        map[uuid.UUID]User
	slots        map[uuid.UUID]TimeSlot
	appointments map[uuid.UUID]Appointment
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: memState{
		users:        make(map[uuid.UUID]User),
		slots:        make(map[uuid.UUID]TimeSlot),
		appointments: make(map[uuid.UUID]Appointment),
	}}
}

func (st memState) clone() memState {
	out := memState{
		users:        make(map[uuid.UUID]User, len(st.users)),
		slots:        make(map[uuid.UUID]TimeSlot, len(st.slots)),
		appointments: make(map[uuid.UUID]Appointment, len(st.appointments)),
		events:       append([]EventLog(nil), st.events...),
	}
	for id, u := range st.users {
		out.users[id] = copyUser(u)
	}
	for id, s := range st.slots {
		out.slots[id] = s
	}
	for id, a := range st.appointments {
		out.appointments[id] = a
	}
	return out
}

func copyUser(u User) User {
	u.Appointments = append([]uuid.UUID(nil), u.Appointments...)
	u.Slots = append([]uuid.UUID(nil), u.Slots...)
	return u
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	work := m.state.clone()
	if err := fn(ctx, &memTx{st: &work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	m.state = work
	return nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u = copyUser(u)
	return &u, nil
}

func (m *MemoryRepository) ListUsersByRole(_ context.Context, role Role, limit int) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []User
	for _, u := range m.state.users {
		if u.Role == role {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ListSlots(_ context.Context, f SlotFilter) ([]TimeSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TimeSlot
	for _, s := range m.state.slots {
		if s.DoctorID != f.DoctorID {
			continue
		}
		if f.OnlyUnbooked && s.IsBooked {
			continue
		}
		if !f.From.IsZero() && s.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !s.StartTime.Before(f.To) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter, limit, offset int) ([]Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Appointment
	for _, a := range m.state.appointments {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.NurseID != nil && (a.NurseID == nil || *a.NurseID != *f.NurseID) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []Appointment{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryRepository) ListUserIDs(context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(m.state.users))
	for id := range m.state.users {
		ids = append(ids, id)
	}
	return ids, nil
}

// Events returns a copy of the committed event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventLog(nil), m.state.events...)
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uuid.UUID]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}

type memTx struct {
	st *memState
}

func (t *memTx) InsertUser(_ context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	for _, existing := range t.st.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	t.st.users[u.ID] = copyUser(*u)
	return nil
}

func (t *memTx) LockUser(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u = copyUser(u)
	return &u, nil
}

func (t *memTx) PushUserAppointment(_ context.Context, userID, appointmentID uuid.UUID) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Appointments = append(u.Appointments, appointmentID)
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) PushUserSlot(_ context.Context, userID, slotID uuid.UUID) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Slots = append(u.Slots, slotID)
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) PullUserSlot(_ context.Context, userID, slotID uuid.UUID) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	kept := u.Slots[:0]
	for _, id := range u.Slots {
		if id != slotID {
			kept = append(kept, id)
		}
	}
	u.Slots = kept
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) RebuildUserRefs(_ context.Context, userID uuid.UUID) (bool, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}

	appts := make([]Appointment, 0)
	for _, a := range t.st.appointments {
		if a.PatientID == userID || a.DoctorID == userID {
			appts = append(appts, a)
		}
	}
	sort.Slice(appts, func(i, j int) bool { return appts[i].CreatedAt.Before(appts[j].CreatedAt) })

	slots := make([]TimeSlot, 0)
	for _, s := range t.st.slots {
		if s.DoctorID == userID {
			slots = append(slots, s)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].CreatedAt.Before(slots[j].CreatedAt) })

	var wantAppts, wantSlots []uuid.UUID
	for _, a := range appts {
		wantAppts = append(wantAppts, a.ID)
	}
	for _, s := range slots {
		wantSlots = append(wantSlots, s.ID)
	}

	if sameIDs(u.Appointments, wantAppts) && sameIDs(u.Slots, wantSlots) {
		return false, nil
	}
	u.Appointments = wantAppts
	u.Slots = wantSlots
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return true, nil
}

func (t *memTx) GetSlotForUpdate(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	s, ok := t.st.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (t *memTx) FindOverlappingSlots(_ context.Context, doctorID uuid.UUID, start, end time.Time) ([]TimeSlot, error) {
	var out []TimeSlot
	for _, s := range t.st.slots {
		if s.DoctorID == doctorID && s.Overlaps(start, end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTx) InsertSlot(_ context.Context, s *TimeSlot) error {
	for _, existing := range t.st.slots {
		if existing.DoctorID == s.DoctorID && existing.Overlaps(s.StartTime, s.EndTime) {
			return ErrSlotOverlap
		}
	}
	t.st.slots[s.ID] = *s
	return nil
}

func (t *memTx) DeleteSlot(_ context.Context, id uuid.UUID) error {
	if _, ok := t.st.slots[id]; !ok {
		return ErrSlotNotFound
	}
	delete(t.st.slots, id)
	return nil
}

func (t *memTx) MarkSlotBooked(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	s, ok := t.st.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.IsBooked {
		return nil, ErrSlotNotAvailable
	}
	s.IsBooked = true
	t.st.slots[id] = s
	return &s, nil
}

func (t *memTx) ReleaseSlot(_ context.Context, id uuid.UUID) error {
	s, ok := t.st.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	s.IsBooked = false
	t.st.slots[id] = s
	return nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	for _, existing := range t.st.appointments {
		if existing.TimeSlotID == a.TimeSlotID && existing.Status != StatusCancelled {
			return ErrSlotAlreadyBooked
		}
	}
	t.st.appointments[a.ID] = *a
	return nil
}

func (t *memTx) GetAppointmentForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.st.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	a, ok := t.st.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	t.st.appointments[id] = a
	return &a, nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	ev.ID = int64(len(t.st.events) + 1)
	t.st.events = append(t.st.events, ev)
	return nil
}

package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	userColumns = `id, name, email, password_hash, role, specialty, phone,
		appointment_ids::text[], slot_ids::text[], created_at, updated_at`
	slotColumns        = `id, doctor_id, start_time, end_time, is_booked, created_at`
	appointmentColumns = `id, patient_id, doctor_id, nurse_id, time_slot_id, priority, status, created_at, updated_at`
)

// Helpers

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var appts, slots []string

	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.Specialty,
		&u.Phone,
		&appts,
		&slots,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, mapPgError(err)
	}

	if u.Appointments, err = parseIDs(appts); err != nil {
		return nil, err
	}
	if u.Slots, err = parseIDs(slots); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.EndTime,
		&s.IsBooked,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, mapPgError(err)
	}

	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.NurseID,
		&a.TimeSlotID,
		&a.Priority,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, mapPgError(err)
	}

	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func collectSlots(rows pgx.Rows) ([]TimeSlot, error) {
	defer rows.Close()

	var result []TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return result, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", r, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// mapPgError turns constraint violations into domain errors and marks
// serialization, deadlock and connection failures as transient.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case "appointments_active_slot_key":
				return ErrSlotAlreadyBooked
			case "users_email_key":
				return ErrEmailTaken
			}
		case "23P01":
			return ErrSlotOverlap
		case "23503":
			return ErrReferenceConflict
		case "40001", "40P01", "55P03", "57014":
			return Transient(err)
		}
		return err
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}

// Transactions

func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(context.Background())

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Interface methods

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *PgRepository) ListUsersByRole(ctx context.Context, role Role, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = $1
		ORDER BY created_at
		LIMIT $2
	`, role, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return result, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]TimeSlot, error) {
	where := []string{"doctor_id = $1"}
	args := []any{f.DoctorID}

	if f.OnlyUnbooked {
		where = append(where, "is_booked = false")
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("start_time < $%d", len(args)))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY start_time
	`, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectSlots(rows)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]Appointment, int, error) {
	var where []string
	var args []any

	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		where = append(where, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if f.NurseID != nil {
		args = append(args, *f.NurseID)
		where = append(where, fmt.Sprintf("nurse_id = $%d", len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM appointments `+clause, args...).Scan(&total); err != nil {
		return nil, 0, mapPgError(err)
	}

	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM appointments
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, appointmentColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPgError(err)
	}

	return result, total, nil
}

func (r *PgRepository) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, mapPgError(err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, mapPgError(err)
	}
	return ids, nil
}

func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

type pgTx struct {
	q querier
}

func (t *pgTx) InsertUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	row := t.q.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, specialty, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Role, u.Specialty, u.Phone)

	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (t *pgTx) LockUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := t.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	return scanUser(row)
}

func (t *pgTx) RebuildUserRefs(ctx context.Context, userID uuid.UUID) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		WITH refs AS (
			SELECT
				COALESCE((
					SELECT array_agg(a.id ORDER BY a.created_at)
					FROM appointments a
					WHERE a.patient_id = $1 OR a.doctor_id = $1
				), '{}') AS appts,
				COALESCE((
					SELECT array_agg(s.id ORDER BY s.created_at)
					FROM time_slots s
					WHERE s.doctor_id = $1
				), '{}') AS slots
		)
		UPDATE users u
		SET appointment_ids = refs.appts,
		    slot_ids = refs.slots,
		    updated_at = now()
		FROM refs
		WHERE u.id = $1
		  AND (
		    ARRAY(SELECT unnest(u.appointment_ids) ORDER BY 1) IS DISTINCT FROM ARRAY(SELECT unnest(refs.appts) ORDER BY 1)
		    OR ARRAY(SELECT unnest(u.slot_ids) ORDER BY 1) IS DISTINCT FROM ARRAY(SELECT unnest(refs.slots) ORDER BY 1)
		  )
	`, userID)
	if err != nil {
		return false, mapPgError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) updateUser(ctx context.Context, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *pgTx) PushUserAppointment(ctx context.Context, userID, appointmentID uuid.UUID) error {
	return t.updateUser(ctx, `
		UPDATE users
		SET appointment_ids = array_append(appointment_ids, $2),
		    updated_at = now()
		WHERE id = $1
	`, userID, appointmentID)
}

func (t *pgTx) PushUserSlot(ctx context.Context, userID, slotID uuid.UUID) error {
	return t.updateUser(ctx, `
		UPDATE users
		SET slot_ids = array_append(slot_ids, $2),
		    updated_at = now()
		WHERE id = $1
	`, userID, slotID)
}

func (t *pgTx) PullUserSlot(ctx context.Context, userID, slotID uuid.UUID) error {
	return t.updateUser(ctx, `
		UPDATE users
		SET slot_ids = array_remove(slot_ids, $2),
		    updated_at = now()
		WHERE id = $1
	`, userID, slotID)
}

func (t *pgTx) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := t.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1 FOR UPDATE`, id)
	return scanSlot(row)
}

func (t *pgTx) FindOverlappingSlots(ctx context.Context, doctorID uuid.UUID, start, end time.Time) ([]TimeSlot, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE doctor_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, doctorID, start, end)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectSlots(rows)
}

func (t *pgTx) InsertSlot(ctx context.Context, s *TimeSlot) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO time_slots (id, doctor_id, start_time, end_time, is_booked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.DoctorID, s.StartTime, s.EndTime, s.IsBooked, s.CreatedAt)
	return mapPgError(err)
}

func (t *pgTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM time_slots WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) MarkSlotBooked(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE time_slots
		SET is_booked = true
		WHERE id = $1
		  AND is_booked = false
		RETURNING `+slotColumns, id)

	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		// either missing or already booked
		if _, getErr := t.GetSlotForUpdate(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrSlotNotAvailable
	}
	return s, err
}

func (t *pgTx) ReleaseSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `UPDATE time_slots SET is_booked = false WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, nurse_id, time_slot_id, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.PatientID, a.DoctorID, a.NurseID, a.TimeSlotID, a.Priority, a.Status, a.CreatedAt, a.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, status)
	return scanAppointment(row)
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", mapPgError(err))
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

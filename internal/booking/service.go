package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Heba-Ragheb/clinic-appointment/internal/config"
	redisclient "github.com/Heba-Ragheb/clinic-appointment/internal/redis"
)

const (
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventSlotCreated              = "SLOT_CREATED"
	EventSlotDeleted              = "SLOT_DELETED"
	EventSlotMarkedBooked         = "SLOT_MARKED_BOOKED"
)

// Cache keys. A key of the form "<namespace>:<rest>" is dropped whenever
// its namespace key is invalidated; any other key names a single record.
const (
	CacheKeyAppointments = "appointments"
	CacheKeySlots        = "slots"
)

// Cache is a read-through cache for listings and records. Failures are
// never fatal to an operation.
//
// Get returns, on a miss, the stamp of the entry's current generation.
// Set only stores v while that generation is still current, so a value
// read before an invalidation is never cached after it.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (hit bool, stamp int64, err error)
	Set(ctx context.Context, key string, stamp int64, v any) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Notifier delivers best-effort messages to users.
type Notifier interface {
	AppointmentCancelled(ctx context.Context, patient User, appt Appointment) error
}

const notifyTimeout = 10 * time.Second

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	cache    Cache
	notifier Notifier
	cfg      config.Config
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
	bg       sync.WaitGroup
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	if locker == nil {
		locker = redisclient.NoopLocker()
	}

	s := &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		loc:    loc,
		log:    zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the zone calendar days are evaluated in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// runTx runs fn in a store transaction under the configured deadline and
// retries the whole operation on transient store errors.
func (s *Service) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	attempts := s.cfg.TxMaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		txCtx, cancel := s.txContext(ctx)
		err = s.repo.WithTx(txCtx, fn)
		cancel()

		if err == nil || KindOf(err) != KindTransient || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		s.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient store error, retrying")

		backoff := time.Duration(attempt) * 25 * time.Millisecond
		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-time.After(backoff):
		}
	}

	if KindOf(err) != KindTransient {
		return err
	}
	return Transient(err)
}

func (s *Service) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.TxTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.TxTimeout)
}

func (s *Service) logEvent(ctx context.Context, tx Tx, eventType string, appointmentID, slotID *uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event %s: %w", eventType, err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
	}
}

// cacheGet reports a hit, or the stamp to pass to cacheSet after the miss
// is filled. A negative stamp means the value must not be cached.
func (s *Service) cacheGet(ctx context.Context, key string, dst any) (bool, int64) {
	if s.cache == nil {
		return false, -1
	}
	hit, stamp, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return false, -1
	}
	return hit, stamp
}

func (s *Service) cacheSet(ctx context.Context, key string, stamp int64, v any) {
	if s.cache == nil || stamp < 0 {
		return
	}
	if err := s.cache.Set(ctx, key, stamp, v); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
	"github.com/Heba-Ragheb/clinic-appointment/internal/config"
	"github.com/Heba-Ragheb/clinic-appointment/internal/db"
	"github.com/Heba-Ragheb/clinic-appointment/internal/notify"
	redisclient "github.com/Heba-Ragheb/clinic-appointment/internal/redis"
)

// Store bundles the configured backend with the optional Redis helpers.
type Store struct {
	Repo  booking.Repository
	Redis *redis.Client

	log     zerolog.Logger
	closers []func()
}

// Open connects the backend named by cfg.StoreBackend and, when
// configured, Redis.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Store, error) {
	s := &Store{log: log}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns, cfg.DBMinConns)
		cancel()
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		s.Repo = booking.NewPgRepository(pool)
		log.Info().Msg("connected to Postgres")

	case config.BackendMongo:
		client, err := connectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(closeCtx); err != nil {
				log.Warn().Err(err).Msg("error closing mongo")
			}
		})

		repo := booking.NewMongoRepository(client, cfg.MongoDatabase)
		idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = repo.EnsureIndexes(idxCtx)
		cancel()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Repo = repo
		log.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")

	case config.BackendMemory:
		s.Repo = booking.NewMemoryRepository()
		log.Warn().Msg("using in-memory store, data is lost on exit")

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Redis = rdb
		s.closers = append(s.closers, func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		})
		log.Info().Msg("connected to Redis")
	}

	return s, nil
}

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// ServiceOptions wires the Redis locker, cache and notifier into a
// booking service, falling back to no locks, no cache and log notices.
func (s *Store) ServiceOptions(cfg config.Config) (redisclient.Locker, []booking.Option) {
	opts := []booking.Option{booking.WithLogger(s.log)}

	if s.Redis == nil {
		opts = append(opts, booking.WithNotifier(notify.NewLogNotifier(s.log)))
		return redisclient.NoopLocker(), opts
	}

	opts = append(opts,
		booking.WithCache(redisclient.NewCache(s.Redis, cfg.CacheTTL)),
		booking.WithNotifier(notify.NewRedisNotifier(redisclient.NewPublisher(s.Redis), cfg.NotifyChannel)),
	)
	return redisclient.NewRedisLocker(s.Redis, cfg.LockTTL, cfg.LockWait), opts
}

// Close releases connections in reverse order of opening.
func (s *Store) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

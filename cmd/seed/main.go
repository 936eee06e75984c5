package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/Heba-Ragheb/clinic-appointment/internal/auth"
	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
	"github.com/Heba-Ragheb/clinic-appointment/internal/config"
	"github.com/Heba-Ragheb/clinic-appointment/internal/logging"
	"github.com/Heba-Ragheb/clinic-appointment/internal/store"
)

const (
	doctorCount  = 10
	nurseCount   = 5
	patientCount = 200
	slotDays     = 5
	slotsPerDay  = 8
	slotLength   = 30 * time.Minute
	seedPassword = "password123"
	batchSize    = 50
	devTokenTTL  = 24 * time.Hour
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("store", cfg.StoreBackend).Msg("seed starting")

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error().Err(err).Msg("seed failed")
		os.Exit(1)
	}

	log.Info().Msg("seed complete")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, opts := st.ServiceOptions(cfg)
	svc := booking.NewService(st.Repo, locker, cfg, opts...)
	defer svc.Wait()

	hash, err := bcrypt.GenerateFromPassword([]byte(seedPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	faker := gofakeit.New(0)

	admins, err := seedUsers(ctx, st.Repo, faker, booking.RoleAdmin, 1, string(hash), log)
	if err != nil {
		return err
	}
	doctors, err := seedUsers(ctx, st.Repo, faker, booking.RoleDoctor, doctorCount, string(hash), log)
	if err != nil {
		return err
	}
	nurses, err := seedUsers(ctx, st.Repo, faker, booking.RoleNurse, nurseCount, string(hash), log)
	if err != nil {
		return err
	}
	patients, err := seedUsers(ctx, st.Repo, faker, booking.RolePatient, patientCount, string(hash), log)
	if err != nil {
		return err
	}

	if err := seedSlots(ctx, svc, doctors, log); err != nil {
		return err
	}

	printTokens(cfg.JWTSecret, admins[0], doctors[0], nurses[0], patients[0])
	return nil
}

func seedUsers(ctx context.Context, repo booking.Repository, faker *gofakeit.Faker, role booking.Role, count int, hash string, log zerolog.Logger) ([]booking.User, error) {
	log.Info().Str("role", string(role)).Int("count", count).Msg("seeding users")

	users := make([]booking.User, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		batch := make([]booking.User, 0, end-offset)
		for i := offset; i < end; i++ {
			phone := faker.Phone()
			u := booking.User{
				ID:           uuid.New(),
				Name:         faker.Name(),
				Email:        fmt.Sprintf("%s.%d@clinic.test", strings.ToLower(string(role)), i),
				PasswordHash: hash,
				Role:         role,
				Phone:        &phone,
			}
			if role == booking.RoleDoctor {
				spec := specialties[faker.Number(0, len(specialties)-1)]
				u.Specialty = &spec
			}
			batch = append(batch, u)
		}

		err := repo.WithTx(ctx, func(ctx context.Context, tx booking.Tx) error {
			for i := range batch {
				if err := tx.InsertUser(ctx, &batch[i]); err != nil {
					return fmt.Errorf("insert %s %s: %w", role, batch[i].Email, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		users = append(users, batch...)
	}

	return users, nil
}

// seedSlots gives every doctor back to back morning slots over the next
// few days, starting tomorrow.
func seedSlots(ctx context.Context, svc *booking.Service, doctors []booking.User, log zerolog.Logger) error {
	loc := svc.Location()
	now := time.Now().In(loc)
	first := time.Date(now.Year(), now.Month(), now.Day()+1, 9, 0, 0, 0, loc)

	created := 0
	for _, d := range doctors {
		actor := booking.Actor{ID: d.ID, Role: booking.RoleDoctor}
		for day := 0; day < slotDays; day++ {
			start := first.AddDate(0, 0, day)
			for i := 0; i < slotsPerDay; i++ {
				s := start.Add(time.Duration(i) * slotLength)
				if _, err := svc.CreateSlot(ctx, actor, s, s.Add(slotLength)); err != nil {
					return fmt.Errorf("create slot for %s: %w", d.ID, err)
				}
				created++
			}
		}
	}

	log.Info().Int("count", created).Msg("slots seeded")
	return nil
}

func printTokens(secret string, users ...booking.User) {
	fmt.Println()
	fmt.Printf("%-8s %-36s %s\n", "ROLE", "USER", "TOKEN")
	for _, u := range users {
		token, err := auth.IssueToken(secret, u.ID, u.Role, devTokenTTL)
		if err != nil {
			fmt.Printf("%-8s %-36s error: %v\n", u.Role, u.ID, err)
			continue
		}
		fmt.Printf("%-8s %-36s %s\n", u.Role, u.ID, token)
	}
}

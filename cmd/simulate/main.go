package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Heba-Ragheb/clinic-appointment/internal/auth"
	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
	"github.com/Heba-Ragheb/clinic-appointment/internal/config"
	"github.com/Heba-Ragheb/clinic-appointment/internal/logging"
	"github.com/Heba-Ragheb/clinic-appointment/internal/store"
)

type SimConfig struct {
	APIBaseURL string
	Slots      int
	Racers     int
	Patients   int
	Workers    int
	Timeout    time.Duration
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min95(len(latencies))]

	return avg, min, max, p50, p95
}

func min95(n int) int {
	idx := n * 95 / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	CreateSlot OperationMetrics
	Booking    OperationMetrics
	List       OperationMetrics
}

type participant struct {
	ID    uuid.UUID
	Token string
}

type Simulator struct {
	config   SimConfig
	client   *http.Client
	log      zerolog.Logger
	doctor   participant
	patients []participant
	metrics  Metrics

	// successful bookings per slot
	wins map[uuid.UUID]*int64
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	simCfg := loadSimConfig()
	log.Info().
		Str("api", simCfg.APIBaseURL).
		Int("slots", simCfg.Slots).
		Int("racers", simCfg.Racers).
		Int("patients", simCfg.Patients).
		Int("workers", simCfg.Workers).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), simCfg.Timeout)
	defer cancel()

	sim := &Simulator{
		config: simCfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		wins:   make(map[uuid.UUID]*int64),
	}

	if err := sim.prepare(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("prepare participants")
		os.Exit(1)
	}

	slots, err := sim.createSlots(ctx)
	if err != nil {
		log.Error().Err(err).Msg("create slots")
		os.Exit(1)
	}

	sim.race(ctx, slots)
	sim.readBack(ctx)

	sim.PrintReport()

	if doubles := sim.doubleBookings(); len(doubles) > 0 {
		log.Error().Int("slots", len(doubles)).Msg("double booking detected")
		os.Exit(1)
	}
}

func loadSimConfig() SimConfig {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SIM_API_BASE_URL", "http://localhost:8080")
	v.SetDefault("SIM_SLOTS", 20)
	v.SetDefault("SIM_RACERS", 10)
	v.SetDefault("SIM_PATIENTS", 50)
	v.SetDefault("SIM_WORKERS", 32)
	v.SetDefault("SIM_TIMEOUT", "2m")

	return SimConfig{
		APIBaseURL: strings.TrimRight(v.GetString("SIM_API_BASE_URL"), "/"),
		Slots:      max(v.GetInt("SIM_SLOTS"), 1),
		Racers:     max(v.GetInt("SIM_RACERS"), 2),
		Patients:   max(v.GetInt("SIM_PATIENTS"), 2),
		Workers:    max(v.GetInt("SIM_WORKERS"), 1),
		Timeout:    v.GetDuration("SIM_TIMEOUT"),
	}
}

// prepare registers a fresh doctor and patients straight in the store the
// API server uses, then mints their tokens.
func (s *Simulator) prepare(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, cfg, s.log)
	if err != nil {
		return err
	}
	defer st.Close()

	run := uuid.NewString()[:8]
	users := make([]booking.User, 0, s.config.Patients+1)
	users = append(users, booking.User{
		ID:    uuid.New(),
		Name:  "Dr. " + gofakeit.LastName(),
		Email: fmt.Sprintf("sim-doctor-%s@clinic.test", run),
		Role:  booking.RoleDoctor,
	})
	for i := 0; i < s.config.Patients; i++ {
		users = append(users, booking.User{
			ID:    uuid.New(),
			Name:  gofakeit.Name(),
			Email: fmt.Sprintf("sim-patient-%s-%d@clinic.test", run, i),
			Role:  booking.RolePatient,
		})
	}

	err = st.Repo.WithTx(ctx, func(ctx context.Context, tx booking.Tx) error {
		for i := range users {
			if err := tx.InsertUser(ctx, &users[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert users: %w", err)
	}

	for i, u := range users {
		token, err := auth.IssueToken(cfg.JWTSecret, u.ID, u.Role, time.Hour)
		if err != nil {
			return err
		}
		p := participant{ID: u.ID, Token: token}
		if i == 0 {
			s.doctor = p
			continue
		}
		s.patients = append(s.patients, p)
	}
	return nil
}

func (s *Simulator) createSlots(ctx context.Context) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	first := time.Date(now.Year(), now.Month(), now.Day()+2, 8, 0, 0, 0, time.UTC)

	ids := make([]uuid.UUID, 0, s.config.Slots)
	for i := 0; i < s.config.Slots; i++ {
		start := first.Add(time.Duration(i) * 15 * time.Minute)
		body := map[string]string{
			"start_time": start.Format(time.RFC3339),
			"end_time":   start.Add(15 * time.Minute).Format(time.RFC3339),
		}

		var slot booking.TimeSlot
		began := time.Now()
		status, err := s.do(ctx, http.MethodPost, "/api/slots", s.doctor.Token, body, &slot)
		s.metrics.CreateSlot.Record(time.Since(began), status == http.StatusCreated, status == http.StatusConflict)
		if err != nil {
			return nil, err
		}
		if status != http.StatusCreated {
			return nil, fmt.Errorf("create slot: unexpected status %d", status)
		}

		ids = append(ids, slot.ID)
		var n int64
		s.wins[slot.ID] = &n
	}
	return ids, nil
}

// race sends Racers concurrent booking requests at every slot.
func (s *Simulator) race(ctx context.Context, slots []uuid.UUID) {
	s.log.Info().Int("slots", len(slots)).Int("racers", s.config.Racers).Msg("starting booking race")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, slotID := range slots {
		for _, idx := range rng.Perm(len(s.patients))[:min(s.config.Racers, len(s.patients))] {
			patient := s.patients[idx]
			g.Go(func() error {
				s.book(gctx, slotID, patient)
				return nil
			})
		}
	}

	_ = g.Wait()
	s.log.Info().Msg("booking race complete")
}

func (s *Simulator) book(ctx context.Context, slotID uuid.UUID, patient participant) {
	start := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/api/appointments", patient.Token,
		map[string]string{"slot_id": slotID.String()}, nil)
	latency := time.Since(start)

	if err != nil {
		s.metrics.Booking.Record(latency, false, false)
		return
	}

	success := status == http.StatusCreated
	if success {
		atomic.AddInt64(s.wins[slotID], 1)
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

// readBack lists every patient's appointments once.
func (s *Simulator) readBack(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)

	for _, p := range s.patients {
		g.Go(func() error {
			start := time.Now()
			status, err := s.do(gctx, http.MethodGet, "/api/appointments?limit=100", p.Token, nil, nil)
			s.metrics.List.Record(time.Since(start), err == nil && status == http.StatusOK, false)
			return nil
		})
	}

	_ = g.Wait()
}

func (s *Simulator) doubleBookings() []uuid.UUID {
	var out []uuid.UUID
	for id, n := range s.wins {
		if atomic.LoadInt64(n) > 1 {
			out = append(out, id)
		}
	}
	return out
}

func (s *Simulator) do(ctx context.Context, method, path, token string, body, dst any) (int, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if dst != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Slots: %d  Racers per slot: %d  Workers: %d\n", s.config.Slots, s.config.Racers, s.config.Workers)
	fmt.Println()

	printOperationReport("Create slot", &s.metrics.CreateSlot)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("List appointments", &s.metrics.List)

	booked, doubles := 0, 0
	for _, n := range s.wins {
		switch c := atomic.LoadInt64(n); {
		case c == 1:
			booked++
		case c > 1:
			doubles++
		}
	}
	fmt.Printf("Slots booked exactly once: %d/%d\n", booked, len(s.wins))
	fmt.Printf("Slots booked more than once: %d\n", doubles)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

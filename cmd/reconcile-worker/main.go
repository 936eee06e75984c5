package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
	"github.com/Heba-Ragheb/clinic-appointment/internal/config"
	"github.com/Heba-Ragheb/clinic-appointment/internal/logging"
	"github.com/Heba-Ragheb/clinic-appointment/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "reconcile-worker").Logger()
	log.Info().
		Str("env", cfg.Env).
		Str("store", cfg.StoreBackend).
		Dur("interval", cfg.WorkerInterval).
		Msg("reconcile worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(rootCtx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("store open error")
		os.Exit(1)
	}
	defer st.Close()

	locker, opts := st.ServiceOptions(cfg)
	svc := booking.NewService(st.Repo, locker, cfg, opts...)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.ReconcileBackRefs(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile run error")
		return
	}
	log.Info().Int("users_fixed", n).Dur("took", time.Since(start)).Msg("reconcile run complete")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mercato-dev/mercato-backend/internal/cron"
	"github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/internal/inventory"
	"github.com/mercato-dev/mercato-backend/internal/reservation"
	"github.com/mercato-dev/mercato-backend/pkg/config"
	"github.com/mercato-dev/mercato-backend/pkg/db"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/metrics"
	"github.com/mercato-dev/mercato-backend/pkg/redis"
)

const sweepLockKey = "sweep-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: "sweep-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "sweep-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gdb := dbClient.DB()

	ledger, err := inventory.NewLedger(gdb)
	if err != nil {
		logg.Error(context.Background(), "failed to build inventory ledger", err)
		os.Exit(1)
	}
	reservationSvc, err := reservation.NewService(reservation.NewRepository(gdb), dbClient, ledger, cfg.Platform.ReservationTTL, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build reservation service", err)
		os.Exit(1)
	}
	earningsSvc, err := earnings.NewService(earnings.NewRepository(gdb), cfg.Platform.FeePercent, cfg.Platform.ClearingWindow)
	if err != nil {
		logg.Error(context.Background(), "failed to build earnings service", err)
		os.Exit(1)
	}

	expiryJob, err := cron.NewReservationExpiryJob(reservationSvc, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build reservation expiry job", err)
		os.Exit(1)
	}
	clearingJob, err := cron.NewEarningClearingJob(earningsSvc, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build earning clearing job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(sweepLockKey), cfg.Sweep.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to build sweep lock", err)
		os.Exit(1)
	}

	svc, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(expiryJob, clearingJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build sweep service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"interval": cfg.Sweep.Interval.String(),
	})
	logg.Info(ctx, "starting sweep worker")

	if err := svc.Run(ctx); err != nil {
		logg.Error(ctx, "sweep worker stopped unexpectedly", err)
		os.Exit(1)
	}
}

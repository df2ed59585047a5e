package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/mercato-dev/mercato-backend/api/routes"
	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/internal/cart"
	"github.com/mercato-dev/mercato-backend/internal/catalog"
	"github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/internal/inventory"
	"github.com/mercato-dev/mercato-backend/internal/orders"
	"github.com/mercato-dev/mercato-backend/internal/payouts"
	"github.com/mercato-dev/mercato-backend/internal/refunds"
	"github.com/mercato-dev/mercato-backend/internal/reservation"
	"github.com/mercato-dev/mercato-backend/pkg/config"
	"github.com/mercato-dev/mercato-backend/pkg/db"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/migrate"
	"github.com/mercato-dev/mercato-backend/pkg/payments"
	"github.com/mercato-dev/mercato-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

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

	gateway, err := payments.NewSquareGateway(context.Background(), cfg.Gateway, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap payment gateway", err)
		os.Exit(1)
	}

	svcs, err := buildServices(cfg, dbClient, gateway, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to wire services", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, svcs),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func buildServices(cfg *config.Config, dbClient *db.Client, gateway payments.Gateway, logg *logger.Logger) (routes.Services, error) {
	gdb := dbClient.DB()

	recorder, err := audit.NewRecorder(gdb, logg)
	if err != nil {
		return routes.Services{}, err
	}

	ledger, err := inventory.NewLedger(gdb)
	if err != nil {
		return routes.Services{}, err
	}
	catalogRepo := catalog.NewRepository(gdb)

	inventorySvc, err := inventory.NewService(ledger, dbClient, catalogRepo, recorder)
	if err != nil {
		return routes.Services{}, err
	}

	reservationSvc, err := reservation.NewService(reservation.NewRepository(gdb), dbClient, ledger, cfg.Platform.ReservationTTL, logg)
	if err != nil {
		return routes.Services{}, err
	}

	cartRepo := cart.NewRepository(gdb)
	cartSvc, err := cart.NewService(cartRepo, dbClient, reservationSvc, catalogRepo)
	if err != nil {
		return routes.Services{}, err
	}

	earningsRepo := earnings.NewRepository(gdb)
	earningsSvc, err := earnings.NewService(earningsRepo, cfg.Platform.FeePercent, cfg.Platform.ClearingWindow)
	if err != nil {
		return routes.Services{}, err
	}

	ordersRepo := orders.NewRepository(gdb)
	refundsRepo := refunds.NewRepository(gdb)
	ordersSvc, err := orders.NewService(ordersRepo, dbClient, cartRepo, reservationSvc, catalogRepo, earningsSvc, refundsRepo, gateway, recorder, logg)
	if err != nil {
		return routes.Services{}, err
	}

	refundsSvc, err := refunds.NewService(refundsRepo, dbClient, ordersRepo, earningsSvc, gateway, recorder, logg)
	if err != nil {
		return routes.Services{}, err
	}

	payoutsSvc, err := payouts.NewService(payouts.NewRepository(gdb), dbClient, earningsRepo, cfg.Platform.MinPayoutCents, recorder, logg)
	if err != nil {
		return routes.Services{}, err
	}

	return routes.Services{
		Cart:      cartSvc,
		Inventory: inventorySvc,
		Orders:    ordersSvc,
		Refunds:   refundsSvc,
		Earnings:  earningsSvc,
		Payouts:   payoutsSvc,
	}, nil
}

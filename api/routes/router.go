package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mercato-dev/mercato-backend/api/controllers"
	"github.com/mercato-dev/mercato-backend/api/middleware"
	"github.com/mercato-dev/mercato-backend/internal/cart"
	"github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/internal/inventory"
	"github.com/mercato-dev/mercato-backend/internal/orders"
	"github.com/mercato-dev/mercato-backend/internal/payouts"
	"github.com/mercato-dev/mercato-backend/internal/refunds"
	"github.com/mercato-dev/mercato-backend/pkg/config"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	pkgredis "github.com/mercato-dev/mercato-backend/pkg/redis"
)

// Services bundles everything the router hands to controllers.
type Services struct {
	Cart      cart.Service
	Inventory inventory.Service
	Orders    orders.Service
	Refunds   refunds.Service
	Earnings  earnings.Service
	Payouts   payouts.Service
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient *pkgredis.Client,
	svcs Services,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	// A typed nil *redis.Client must not become a non-nil interface value.
	var cachePinger controllers.Pinger
	var idemStore pkgredis.IdempotencyStore
	if redisClient != nil {
		cachePinger = redisClient
		idemStore = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, cachePinger))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(idemStore, logg))

		r.Route("/v1", func(r chi.Router) {
			r.Route("/cart", func(r chi.Router) {
				r.Get("/", controllers.CartFetch(svcs.Cart, logg))
				r.Delete("/", controllers.CartClear(svcs.Cart, logg))
				r.Post("/items", controllers.CartAddItem(svcs.Cart, logg))
				r.Put("/items/{itemID}", controllers.CartUpdateItem(svcs.Cart, logg))
				r.Delete("/items/{itemID}", controllers.CartRemoveItem(svcs.Cart, logg))
			})

			r.Post("/reservations/{reservationID}/extend", controllers.ReservationExtend(svcs.Cart, logg))

			r.Get("/products/{productID}/availability", controllers.InventoryAvailability(svcs.Inventory, logg))

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", controllers.OrderList(svcs.Orders, logg))
				r.Post("/", controllers.OrderCreate(svcs.Orders, logg))
				r.Get("/{orderID}", controllers.OrderFetch(svcs.Orders, logg))
				r.Post("/{orderID}/cancel", controllers.OrderCancel(svcs.Orders, logg))
				r.Post("/{orderID}/transition", controllers.OrderTransition(svcs.Orders, logg))
			})

			r.Route("/refunds", func(r chi.Router) {
				r.Get("/", controllers.RefundList(svcs.Refunds, logg))
				r.Post("/", controllers.RefundCreate(svcs.Refunds, logg))
				r.Get("/{refundID}", controllers.RefundFetch(svcs.Refunds, logg))
			})

			r.Route("/seller", func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, enums.RoleSeller, enums.RoleAdmin))
				r.Get("/orders", controllers.SellerOrderList(svcs.Orders, logg))
				r.Put("/inventory/{productID}", controllers.SellerInventorySet(svcs.Inventory, logg))
				r.Get("/earnings", controllers.SellerEarningsList(svcs.Earnings, logg))
				r.Get("/balance", controllers.SellerBalance(svcs.Earnings, logg))
				r.Route("/payouts", func(r chi.Router) {
					r.Get("/", controllers.PayoutList(svcs.Payouts, logg))
					r.Post("/", controllers.PayoutCreate(svcs.Payouts, logg))
					r.Get("/{payoutID}", controllers.PayoutFetch(svcs.Payouts, logg))
					r.Post("/{payoutID}/cancel", controllers.PayoutCancel(svcs.Payouts, logg))
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, enums.RoleAdmin))
				r.Route("/refunds", func(r chi.Router) {
					r.Get("/", controllers.AdminRefundList(svcs.Refunds, logg))
					r.Post("/{refundID}/decision", controllers.AdminRefundDecision(svcs.Refunds, logg))
				})
				r.Route("/payouts", func(r chi.Router) {
					r.Get("/", controllers.AdminPayoutList(svcs.Payouts, logg))
					r.Post("/{payoutID}/decision", controllers.AdminPayoutDecision(svcs.Payouts, logg))
					r.Post("/{payoutID}/transfer", controllers.AdminPayoutTransfer(svcs.Payouts, logg))
				})
			})
		})
	})

	return r
}

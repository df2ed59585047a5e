package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/internal/cart"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
	"github.com/mercato-dev/mercato-backend/pkg/payments"
)

const orderCurrency = "USD"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// reservationManager is the slice of the reservation service checkout drives.
type reservationManager interface {
	Extend(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID, newQty int) (*models.Reservation, error)
	Commit(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error
}

type productLoader interface {
	FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error)
}

type earningsLedger interface {
	CreateForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, items []models.OrderItem) error
}

// refundLookup reads the order's live refund request so fetches can project
// it onto the order without owning refund state.
type refundLookup interface {
	FindNonRejectedByOrder(ctx context.Context, orderID uuid.UUID) (*models.RefundRequest, error)
}

// Service owns the order lifecycle: checkout, fulfillment transitions, and
// cancellation. An order row only ever exists with payment captured; there
// is no durable "payment pending" state.
type Service interface {
	Create(ctx context.Context, actor auth.Actor, input CreateInput) (*models.Order, error)
	Get(ctx context.Context, actor auth.Actor, orderID uuid.UUID) (*models.Order, error)
	ListBuyerOrders(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.Order, error)
	ListSellerOrders(ctx context.Context, actor auth.Actor, sellerID uuid.UUID, params pagination.Params) ([]models.Order, error)
	Transition(ctx context.Context, actor auth.Actor, orderID uuid.UUID, target enums.OrderStatus, input TransitionInput) (*models.Order, error)
	Cancel(ctx context.Context, actor auth.Actor, orderID uuid.UUID) (*models.Order, error)
}

// CreateInput captures one checkout request.
type CreateInput struct {
	SourceID string
}

// TransitionInput carries optional fulfillment metadata.
type TransitionInput struct {
	TrackingNumber *string
	Carrier        *string
}

type service struct {
	repo         Repository
	tx           txRunner
	carts        cart.Repository
	reservations reservationManager
	catalog      productLoader
	earnings     earningsLedger
	refunds      refundLookup
	gateway      payments.Gateway
	audit        audit.Recorder
	logg         *logger.Logger
}

// NewService builds the order service with the required dependencies.
func NewService(
	repo Repository,
	tx txRunner,
	carts cart.Repository,
	reservations reservationManager,
	catalog productLoader,
	earnings earningsLedger,
	refunds refundLookup,
	gateway payments.Gateway,
	recorder audit.Recorder,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if carts == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if reservations == nil {
		return nil, fmt.Errorf("reservation manager required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog loader required")
	}
	if earnings == nil {
		return nil, fmt.Errorf("earnings ledger required")
	}
	if refunds == nil {
		return nil, fmt.Errorf("refund lookup required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:         repo,
		tx:           tx,
		carts:        carts,
		reservations: reservations,
		catalog:      catalog,
		earnings:     earnings,
		refunds:      refunds,
		gateway:      gateway,
		audit:        recorder,
		logg:         logg,
	}, nil
}

// Create converts the buyer's active cart into a confirmed order. The flow
// is sequenced so the payment capture sits between two transactions:
//
//  1. re-snapshot prices and refresh every reservation's TTL, so the stock
//     claim outlives the gateway call;
//  2. capture the payment (bounded by the gateway's own timeout);
//  3. persist the order, commit the reservations, convert the cart, and
//     create the earnings, all or nothing.
//
// A gateway failure releases nothing: the reservations stay active and the
// buyer can retry. The capture is idempotent by order id, so a retried
// confirmation cannot double-charge.
func (s *service) Create(ctx context.Context, actor auth.Actor, input CreateInput) (*models.Order, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.SourceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment source required")
	}

	orderID := uuid.New()
	var (
		cartID         uuid.UUID
		orderItems     []models.OrderItem
		reservationIDs []uuid.UUID
		totalCents     int64
	)

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		carts := s.carts.WithTx(tx)
		record, err := carts.FindActiveByBuyer(ctx, actor.UserID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeValidation, "no active cart")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
		}
		if len(record.Items) == 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
		}
		cartID = record.ID

		for _, item := range record.Items {
			product, err := s.catalog.FindProduct(ctx, item.ProductID)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return pkgerrors.New(pkgerrors.CodeNotFound, "product no longer exists").
						WithDetails(map[string]any{"product_id": item.ProductID})
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
			}
			if !product.Active {
				return pkgerrors.New(pkgerrors.CodeValidation, "product is no longer available").
					WithDetails(map[string]any{"product_id": item.ProductID})
			}

			// Refreshes the TTL and pins the quantity; fails with a state
			// conflict if the reservation already expired.
			if _, err := s.reservations.Extend(ctx, tx, item.ReservationID, item.Qty); err != nil {
				return err
			}

			lineTotal := int64(item.Qty) * product.UnitPriceCents
			reservationIDs = append(reservationIDs, item.ReservationID)
			orderItems = append(orderItems, models.OrderItem{
				OrderID:        orderID,
				ProductID:      item.ProductID,
				SellerID:       product.SellerID,
				VariantKey:     item.VariantKey,
				Qty:            item.Qty,
				UnitPriceCents: product.UnitPriceCents,
				TotalCents:     lineTotal,
			})
			totalCents += lineTotal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	capture, err := s.gateway.Capture(ctx, payments.CaptureParams{
		OrderID:     orderID,
		BuyerID:     actor.UserID,
		SourceID:    input.SourceID,
		AmountCents: totalCents,
		Currency:    orderCurrency,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:            orderID,
		BuyerID:       actor.UserID,
		Status:        enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
		TotalCents:    totalCents,
		PaymentRef:    &capture.PaymentRef,
		Items:         orderItems,
		ConfirmedAt:   &now,
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		for _, reservationID := range reservationIDs {
			if err := s.reservations.Commit(ctx, tx, reservationID); err != nil {
				return err
			}
		}
		if err := s.carts.WithTx(tx).UpdateStatus(ctx, cartID, enums.CartStatusConverted); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "convert cart")
		}
		return s.earnings.CreateForOrder(ctx, tx, order, orderItems)
	})
	if err != nil {
		// Money moved but no order exists. This needs operator attention,
		// never a silent retry.
		s.logg.Error(
			s.logg.WithFields(ctx, map[string]any{
				"order_id":    orderID.String(),
				"payment_ref": capture.PaymentRef,
			}),
			"payment captured but order confirmation failed", err)
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionOrderConfirmed,
		Actor:      actor,
		TargetType: "order",
		TargetID:   orderID,
		Detail:     map[string]any{"total_cents": totalCents, "payment_ref": capture.PaymentRef},
	})
	return order, nil
}

func (s *service) Get(ctx context.Context, actor auth.Actor, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(actor, order); err != nil {
		return nil, err
	}
	refund, err := s.refunds.FindNonRejectedByOrder(ctx, orderID)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load refund state")
	}
	order.Refund = refund
	return order, nil
}

func (s *service) ListBuyerOrders(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.Order, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	rows, err := s.repo.ListByBuyer(ctx, actor.UserID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return rows, nil
}

func (s *service) ListSellerOrders(ctx context.Context, actor auth.Actor, sellerID uuid.UUID, params pagination.Params) ([]models.Order, error) {
	if !actor.Owns(sellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "orders do not belong to caller")
	}
	rows, err := s.repo.ListBySeller(ctx, sellerID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return rows, nil
}

// Transition advances fulfillment one step. The flip is guarded by the
// status the caller saw, so a stale client view or a concurrent transition
// fails with a state conflict instead of skipping or repeating a step.
func (s *service) Transition(ctx context.Context, actor auth.Actor, orderID uuid.UUID, target enums.OrderStatus, input TransitionInput) (*models.Order, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if target == enums.OrderStatusCancelled {
		return s.Cancel(ctx, actor, orderID)
	}
	if !target.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order status")
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !sellerInOrder(actor, order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}
	if !order.Status.CanTransitionTo(target) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "invalid order transition").
			WithDetails(map[string]any{"from": string(order.Status), "to": string(target)})
	}

	now := time.Now().UTC()
	extra := map[string]any{}
	switch target {
	case enums.OrderStatusShipped:
		extra["shipped_at"] = now
		if input.TrackingNumber != nil {
			extra["tracking_number"] = *input.TrackingNumber
		}
		if input.Carrier != nil {
			extra["carrier"] = *input.Carrier
		}
	case enums.OrderStatusDelivered:
		extra["delivered_at"] = now
	}

	flipped, err := s.repo.UpdateStatusIf(ctx, orderID, order.Status, target, extra)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "transition order")
	}
	if !flipped {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order changed concurrently").
			WithDetails(map[string]any{"order_id": orderID, "to": string(target)})
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionOrderTransitioned,
		Actor:      actor,
		TargetType: "order",
		TargetID:   orderID,
		Detail:     map[string]any{"from": string(order.Status), "to": string(target)},
	})
	return s.load(ctx, orderID)
}

// Cancel stops an order that has not entered fulfillment. Money and earnings
// are untouched: a paid cancelled order is settled through the refund flow.
func (s *service) Cancel(ctx context.Context, actor auth.Actor, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(order.BuyerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}
	if !order.Status.CanTransitionTo(enums.OrderStatusCancelled) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order can no longer be cancelled").
			WithDetails(map[string]any{"status": string(order.Status)})
	}

	now := time.Now().UTC()
	flipped, err := s.repo.UpdateStatusIf(ctx, orderID, order.Status, enums.OrderStatusCancelled, map[string]any{
		"cancelled_at": now,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
	}
	if !flipped {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order changed concurrently").
			WithDetails(map[string]any{"order_id": orderID})
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionOrderCancelled,
		Actor:      actor,
		TargetType: "order",
		TargetID:   orderID,
		Detail:     map[string]any{"from": string(order.Status)},
	})
	return s.load(ctx, orderID)
}

func (s *service) load(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *service) authorizeRead(actor auth.Actor, order *models.Order) error {
	if actor.Owns(order.BuyerID) {
		return nil
	}
	if sellerInOrder(actor, order) {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
}

func sellerInOrder(actor auth.Actor, order *models.Order) bool {
	if actor.Role != enums.RoleSeller {
		return false
	}
	for _, item := range order.Items {
		if item.SellerID == actor.UserID {
			return true
		}
	}
	return false
}

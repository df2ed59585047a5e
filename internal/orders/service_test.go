package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/internal/cart"
	"github.com/mercato-dev/mercato-backend/internal/catalog"
	"github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/internal/inventory"
	"github.com/mercato-dev/mercato-backend/internal/reservation"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
	"github.com/mercato-dev/mercato-backend/pkg/payments"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

type dbRefundLookup struct {
	db *gorm.DB
}

func (l dbRefundLookup) FindNonRejectedByOrder(ctx context.Context, orderID uuid.UUID) (*models.RefundRequest, error) {
	var request models.RefundRequest
	err := l.db.WithContext(ctx).
		Where("order_id = ? AND status != ?", orderID, enums.RefundStatusRejected).
		First(&request).Error
	if err != nil {
		return nil, err
	}
	return &request, nil
}

type orderFixture struct {
	db      *gorm.DB
	svc     Service
	carts   cart.Service
	gateway *payments.FakeGateway
}

func newFixture(t *testing.T) orderFixture {
	t.Helper()
	dsn := "file:orders_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Product{},
		&models.InventoryItem{},
		&models.Reservation{},
		&models.CartRecord{},
		&models.CartItem{},
		&models.Order{},
		&models.OrderItem{},
		&models.Earning{},
		&models.RefundRequest{},
		&models.AuditEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logg := logger.New(logger.Options{ServiceName: "test"})
	runner := gormTxRunner{db: db}
	ledger, err := inventory.NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	reservations, err := reservation.NewService(reservation.NewRepository(db), runner, ledger, 30*time.Minute, logg)
	if err != nil {
		t.Fatalf("new reservation service: %v", err)
	}
	cartRepo := cart.NewRepository(db)
	catalogRepo := catalog.NewRepository(db)
	carts, err := cart.NewService(cartRepo, runner, reservations, catalogRepo)
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	earningsSvc, err := earnings.NewService(earnings.NewRepository(db), "10", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new earnings service: %v", err)
	}
	recorder, err := audit.NewRecorder(db, logg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	gateway := payments.NewFakeGateway()
	svc, err := NewService(NewRepository(db), runner, cartRepo, reservations, catalogRepo, earningsSvc, dbRefundLookup{db: db}, gateway, recorder, logg)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return orderFixture{db: db, svc: svc, carts: carts, gateway: gateway}
}

func (f orderFixture) seedProduct(t *testing.T, seller uuid.UUID, priceCents int64, stock int) uuid.UUID {
	t.Helper()
	product := models.Product{
		ID:             uuid.New(),
		SellerID:       seller,
		Title:          "widget",
		UnitPriceCents: priceCents,
		Active:         true,
	}
	if err := f.db.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	item := models.InventoryItem{ProductID: product.ID, TotalQty: stock, AvailableQty: stock}
	if err := f.db.Create(&item).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return product.ID
}

func (f orderFixture) stock(t *testing.T, productID uuid.UUID) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	if err := f.db.First(&item, "product_id = ?", productID).Error; err != nil {
		t.Fatalf("load stock: %v", err)
	}
	return item
}

func buyer() auth.Actor {
	return auth.Actor{UserID: uuid.New(), Role: enums.RoleBuyer}
}

func TestCreateConfirmsOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	seller := uuid.New()
	product := f.seedProduct(t, seller, 2500, 5)

	if _, err := f.carts.AddItem(ctx, actor, cart.AddItemInput{ProductID: product, Qty: 2}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	order, err := f.svc.Create(ctx, actor, CreateInput{SourceID: "cnon:ok"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Status != enums.OrderStatusConfirmed || order.PaymentStatus != enums.PaymentStatusPaid {
		t.Fatalf("unexpected order state: %s/%s", order.Status, order.PaymentStatus)
	}
	if order.TotalCents != 5000 {
		t.Fatalf("unexpected total %d", order.TotalCents)
	}
	if order.PaymentRef == nil || *order.PaymentRef == "" {
		t.Fatalf("payment ref not recorded")
	}

	// Reservation committed: stock left the pool entirely.
	stock := f.stock(t, product)
	if stock.TotalQty != 3 || stock.AvailableQty != 3 || stock.ReservedQty != 0 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}

	// Cart converted.
	var record models.CartRecord
	if err := f.db.First(&record, "buyer_id = ?", actor.UserID).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if record.Status != enums.CartStatusConverted {
		t.Fatalf("cart not converted: %s", record.Status)
	}

	// One earning for the seller at the snapshotted fee.
	var earning models.Earning
	if err := f.db.First(&earning, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load earning: %v", err)
	}
	if earning.SellerID != seller || earning.SellerCents != 4500 {
		t.Fatalf("unexpected earning: %+v", earning)
	}
}

func TestCreateFailsWhenGatewayDeclines(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	product := f.seedProduct(t, uuid.New(), 1000, 5)

	if _, err := f.carts.AddItem(ctx, actor, cart.AddItemInput{ProductID: product, Qty: 2}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	f.gateway.FailCapture = errors.New("card declined")

	_, err := f.svc.Create(ctx, actor, CreateInput{SourceID: "cnon:declined"})
	if err == nil {
		t.Fatalf("expected capture failure")
	}

	// No order, no earnings, reservation still active for a retry.
	var orderCount int64
	if err := f.db.Model(&models.Order{}).Count(&orderCount).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orderCount != 0 {
		t.Fatalf("order persisted despite declined payment")
	}
	stock := f.stock(t, product)
	if stock.AvailableQty != 3 || stock.ReservedQty != 2 {
		t.Fatalf("reservation lost on declined payment: %+v", stock)
	}

	var res models.Reservation
	if err := f.db.First(&res).Error; err != nil {
		t.Fatalf("load reservation: %v", err)
	}
	if res.Status != enums.ReservationStatusActive {
		t.Fatalf("reservation not active after decline: %s", res.Status)
	}
}

func TestCreateRequiresCart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), buyer(), CreateInput{SourceID: "cnon:ok"})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func confirmedOrderVia(t *testing.T, f orderFixture, actor auth.Actor, product uuid.UUID, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()
	if _, err := f.carts.AddItem(ctx, actor, cart.AddItemInput{ProductID: product, Qty: qty}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	order, err := f.svc.Create(ctx, actor, CreateInput{SourceID: "cnon:ok"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestTransitionWalksFulfillmentChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	seller := uuid.New()
	product := f.seedProduct(t, seller, 1000, 5)
	order := confirmedOrderVia(t, f, actor, product, 1)

	admin := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	tracking := "1Z999"
	carrier := "ups"

	updated, err := f.svc.Transition(ctx, admin, order.ID, enums.OrderStatusProcessing, TransitionInput{})
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if updated.Status != enums.OrderStatusProcessing {
		t.Fatalf("unexpected status %s", updated.Status)
	}

	updated, err = f.svc.Transition(ctx, admin, order.ID, enums.OrderStatusShipped, TransitionInput{
		TrackingNumber: &tracking,
		Carrier:        &carrier,
	})
	if err != nil {
		t.Fatalf("to shipped: %v", err)
	}
	if updated.TrackingNumber == nil || *updated.TrackingNumber != tracking {
		t.Fatalf("tracking not recorded: %+v", updated)
	}
	if updated.ShippedAt == nil {
		t.Fatalf("shipped_at not set")
	}

	// Skipping a step is an invalid transition.
	_, err = f.svc.Transition(ctx, admin, order.ID, enums.OrderStatusShipped, TransitionInput{})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestSellerCanTransitionOwnOrders(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	seller := uuid.New()
	product := f.seedProduct(t, seller, 1000, 5)
	order := confirmedOrderVia(t, f, actor, product, 1)

	sellerActor := auth.Actor{UserID: seller, Role: enums.RoleSeller}
	if _, err := f.svc.Transition(ctx, sellerActor, order.ID, enums.OrderStatusProcessing, TransitionInput{}); err != nil {
		t.Fatalf("seller transition: %v", err)
	}

	stranger := auth.Actor{UserID: uuid.New(), Role: enums.RoleSeller}
	_, err := f.svc.Transition(ctx, stranger, order.ID, enums.OrderStatusShipped, TransitionInput{})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCancelOnlyBeforeFulfillment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	product := f.seedProduct(t, uuid.New(), 1000, 5)
	order := confirmedOrderVia(t, f, actor, product, 1)

	cancelled, err := f.svc.Cancel(ctx, actor, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != enums.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancel result: %+v", cancelled)
	}

	// A second order that has entered fulfillment cannot be cancelled.
	second := confirmedOrderVia(t, f, actor, product, 1)
	admin := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	if _, err := f.svc.Transition(ctx, admin, second.ID, enums.OrderStatusProcessing, TransitionInput{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	_, err = f.svc.Cancel(ctx, actor, second.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestReadScopes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	seller := uuid.New()
	product := f.seedProduct(t, seller, 1000, 5)
	order := confirmedOrderVia(t, f, actor, product, 1)

	if _, err := f.svc.Get(ctx, actor, order.ID); err != nil {
		t.Fatalf("buyer get: %v", err)
	}
	if _, err := f.svc.Get(ctx, auth.Actor{UserID: seller, Role: enums.RoleSeller}, order.ID); err != nil {
		t.Fatalf("seller get: %v", err)
	}
	_, err := f.svc.Get(ctx, buyer(), order.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	mine, err := f.svc.ListBuyerOrders(ctx, actor, pagination.Params{})
	if err != nil {
		t.Fatalf("list buyer orders: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected 1 order, got %d", len(mine))
	}

	sellers, err := f.svc.ListSellerOrders(ctx, auth.Actor{UserID: seller, Role: enums.RoleSeller}, seller, pagination.Params{})
	if err != nil {
		t.Fatalf("list seller orders: %v", err)
	}
	if len(sellers) != 1 {
		t.Fatalf("expected 1 seller order, got %d", len(sellers))
	}
}

func TestGetProjectsOpenRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	actor := buyer()
	product := f.seedProduct(t, uuid.New(), 1000, 5)
	order := confirmedOrderVia(t, f, actor, product, 1)

	fetched, err := f.svc.Get(ctx, actor, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if fetched.Refund != nil {
		t.Fatalf("expected no refund projection, got %+v", fetched.Refund)
	}

	request := models.RefundRequest{
		OrderID:     order.ID,
		PaymentRef:  *order.PaymentRef,
		BuyerID:     actor.UserID,
		AmountCents: order.TotalCents,
		Type:        enums.RefundTypeFull,
		Status:      enums.RefundStatusPending,
		Reason:      "damaged in transit",
	}
	if err := f.db.Create(&request).Error; err != nil {
		t.Fatalf("seed refund: %v", err)
	}

	fetched, err = f.svc.Get(ctx, actor, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if fetched.Refund == nil || fetched.Refund.ID != request.ID {
		t.Fatalf("expected refund projection for %s, got %+v", request.ID, fetched.Refund)
	}
	if fetched.Refund.Status != enums.RefundStatusPending {
		t.Fatalf("unexpected projected status %s", fetched.Refund.Status)
	}

	// Rejected requests drop out of the projection.
	if err := f.db.Model(&models.RefundRequest{}).
		Where("id = ?", request.ID).
		Update("status", enums.RefundStatusRejected).Error; err != nil {
		t.Fatalf("reject refund: %v", err)
	}
	fetched, err = f.svc.Get(ctx, actor, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if fetched.Refund != nil {
		t.Fatalf("expected projection cleared after rejection, got %+v", fetched.Refund)
	}
}

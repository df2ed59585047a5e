package refunds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/internal/orders"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/payments"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

type refundFixture struct {
	db      *gorm.DB
	svc     Service
	gateway *payments.FakeGateway
}

func newFixture(t *testing.T) refundFixture {
	t.Helper()
	dsn := "file:refunds_" + uuid.NewString() + "?mode=memory&cache=shared"
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
		&models.Order{},
		&models.OrderItem{},
		&models.RefundRequest{},
		&models.Earning{},
		&models.AuditEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logg := logger.New(logger.Options{ServiceName: "test"})
	runner := gormTxRunner{db: db}
	earningsSvc, err := earnings.NewService(earnings.NewRepository(db), "10", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new earnings service: %v", err)
	}
	recorder, err := audit.NewRecorder(db, logg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	gateway := payments.NewFakeGateway()
	svc, err := NewService(NewRepository(db), runner, orders.NewRepository(db), earningsSvc, gateway, recorder, logg)
	if err != nil {
		t.Fatalf("new refund service: %v", err)
	}
	return refundFixture{db: db, svc: svc, gateway: gateway}
}

// paidOrder seeds a paid order with one seller line and its earning.
func (f refundFixture) paidOrder(t *testing.T, buyerID uuid.UUID, totalCents int64) *models.Order {
	t.Helper()
	ref := "pay-" + uuid.NewString()
	now := time.Now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		BuyerID:       buyerID,
		Status:        enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
		TotalCents:    totalCents,
		PaymentRef:    &ref,
		ConfirmedAt:   &now,
	}
	item := models.OrderItem{
		OrderID:        order.ID,
		ProductID:      uuid.New(),
		SellerID:       uuid.New(),
		Qty:            1,
		UnitPriceCents: totalCents,
		TotalCents:     totalCents,
	}
	order.Items = []models.OrderItem{item}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	earningsSvc, err := earnings.NewService(earnings.NewRepository(f.db), "10", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("earnings service: %v", err)
	}
	if err := earningsSvc.CreateForOrder(context.Background(), f.db, order, order.Items); err != nil {
		t.Fatalf("seed earnings: %v", err)
	}
	return order
}

func (f refundFixture) orderRow(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	if err := f.db.First(&order, "id = ?", id).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	return order
}

func (f refundFixture) earningRow(t *testing.T, orderID uuid.UUID) models.Earning {
	t.Helper()
	var earning models.Earning
	if err := f.db.First(&earning, "order_id = ?", orderID).Error; err != nil {
		t.Fatalf("load earning: %v", err)
	}
	return earning
}

func admin() auth.Actor {
	return auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
}

func TestRequestValidations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	buyerID := uuid.New()
	actor := auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}
	order := f.paidOrder(t, buyerID, 10000)

	// Partial amount outside the total is rejected.
	_, err := f.svc.Request(ctx, actor, RequestInput{
		OrderID: order.ID, AmountCents: 20000, Type: enums.RefundTypePartial, Reason: "damaged",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	// Full refund pins the amount to the order total.
	request, err := f.svc.Request(ctx, actor, RequestInput{
		OrderID: order.ID, AmountCents: 1, Type: enums.RefundTypeFull, Reason: "damaged",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if request.AmountCents != 10000 || request.Status != enums.RefundStatusPending {
		t.Fatalf("unexpected request: %+v", request)
	}

	// Only one non-rejected request per order.
	_, err = f.svc.Request(ctx, actor, RequestInput{
		OrderID: order.ID, AmountCents: 500, Type: enums.RefundTypePartial, Reason: "late",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Strangers cannot open refunds against the order.
	_, err = f.svc.Request(ctx, auth.Actor{UserID: uuid.New(), Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, AmountCents: 500, Type: enums.RefundTypePartial, Reason: "late",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestRequestRequiresPaidOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	buyerID := uuid.New()
	order := models.Order{
		ID:            uuid.New(),
		BuyerID:       buyerID,
		Status:        enums.OrderStatusPending,
		PaymentStatus: enums.PaymentStatusUnpaid,
		TotalCents:    1000,
	}
	if err := f.db.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}

	_, err := f.svc.Request(context.Background(), auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, Type: enums.RefundTypeFull, Reason: "never shipped",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestApproveFullRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	buyerID := uuid.New()
	order := f.paidOrder(t, buyerID, 10000)

	request, err := f.svc.Request(ctx, auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, Type: enums.RefundTypeFull, Reason: "damaged",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	adm := admin()
	decided, err := f.svc.Approve(ctx, adm, request.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decided.Status != enums.RefundStatusCompleted {
		t.Fatalf("expected completed, got %s", decided.Status)
	}
	if decided.ApprovedBy == nil || *decided.ApprovedBy != adm.UserID || decided.DecidedAt == nil {
		t.Fatalf("decision metadata missing: %+v", decided)
	}

	if row := f.orderRow(t, order.ID); row.PaymentStatus != enums.PaymentStatusRefunded {
		t.Fatalf("order not refunded: %s", row.PaymentStatus)
	}
	if earning := f.earningRow(t, order.ID); earning.Status != enums.EarningStatusReversed || earning.SellerCents != 0 {
		t.Fatalf("earning not reversed: %+v", earning)
	}
	if len(f.gateway.RefundCalls) != 1 || f.gateway.RefundCalls[0].AmountCents != 10000 {
		t.Fatalf("unexpected gateway calls: %+v", f.gateway.RefundCalls)
	}

	// A replayed decision fails without side effects.
	_, err = f.svc.Approve(ctx, adm, request.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeAlreadyDecided {
		t.Fatalf("expected already decided, got %v", err)
	}
	_, err = f.svc.Reject(ctx, adm, request.ID, "nope")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeAlreadyDecided {
		t.Fatalf("expected already decided, got %v", err)
	}
}

func TestApproveAbortsWhenEarningsPaidOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	buyerID := uuid.New()
	order := f.paidOrder(t, buyerID, 10000)

	request, err := f.svc.Request(ctx, auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, Type: enums.RefundTypeFull, Reason: "damaged",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.db.Model(&models.Earning{}).
		Where("order_id = ?", order.ID).
		Update("status", enums.EarningStatusReservedForPayout).Error; err != nil {
		t.Fatalf("reserve earning: %v", err)
	}

	_, err = f.svc.Approve(ctx, admin(), request.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeAlreadyPaidOut {
		t.Fatalf("expected already paid out, got %v", err)
	}

	// The whole first stage rolled back: request pending, order paid.
	var row models.RefundRequest
	if err := f.db.First(&row, "id = ?", request.ID).Error; err != nil {
		t.Fatalf("load request: %v", err)
	}
	if row.Status != enums.RefundStatusPending {
		t.Fatalf("request left %s after aborted approve", row.Status)
	}
	if o := f.orderRow(t, order.ID); o.PaymentStatus != enums.PaymentStatusPaid {
		t.Fatalf("order left %s after aborted approve", o.PaymentStatus)
	}
	if len(f.gateway.RefundCalls) != 0 {
		t.Fatalf("gateway called despite aborted approve")
	}
}

func TestGatewayFailureLeavesProcessing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	buyerID := uuid.New()
	order := f.paidOrder(t, buyerID, 10000)

	request, err := f.svc.Request(ctx, auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, Type: enums.RefundTypeFull, Reason: "damaged",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.gateway.FailRefund = errors.New("gateway down")

	if _, err := f.svc.Approve(ctx, admin(), request.ID); err == nil {
		t.Fatalf("expected gateway failure")
	}

	var row models.RefundRequest
	if err := f.db.First(&row, "id = ?", request.ID).Error; err != nil {
		t.Fatalf("load request: %v", err)
	}
	if row.Status != enums.RefundStatusProcessing {
		t.Fatalf("expected processing for manual follow-up, got %s", row.Status)
	}
	if o := f.orderRow(t, order.ID); o.PaymentStatus != enums.PaymentStatusRefunding {
		t.Fatalf("expected refunding, got %s", o.PaymentStatus)
	}

	// A fresh approve does not silently retry a mid-flight refund.
	_, err = f.svc.Approve(ctx, admin(), request.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestRejectLeavesMoneyAlone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	buyerID := uuid.New()
	order := f.paidOrder(t, buyerID, 10000)

	request, err := f.svc.Request(ctx, auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, AmountCents: 2500, Type: enums.RefundTypePartial, Reason: "late delivery",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	adm := admin()
	if _, err := f.svc.Reject(ctx, adm, request.ID, ""); err == nil {
		t.Fatalf("expected reason to be required")
	}

	decided, err := f.svc.Reject(ctx, adm, request.ID, "outside policy")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if decided.Status != enums.RefundStatusRejected || decided.Notes == nil || *decided.Notes != "outside policy" {
		t.Fatalf("unexpected rejection: %+v", decided)
	}

	if o := f.orderRow(t, order.ID); o.PaymentStatus != enums.PaymentStatusPaid {
		t.Fatalf("reject touched payment: %s", o.PaymentStatus)
	}
	if earning := f.earningRow(t, order.ID); earning.SellerCents != 9000 {
		t.Fatalf("reject touched earnings: %+v", earning)
	}

	// A rejected request no longer blocks a new one.
	if _, err := f.svc.Request(ctx, auth.Actor{UserID: buyerID, Role: enums.RoleBuyer}, RequestInput{
		OrderID: order.ID, AmountCents: 2500, Type: enums.RefundTypePartial, Reason: "second attempt",
	}); err != nil {
		t.Fatalf("request after rejection: %v", err)
	}
}

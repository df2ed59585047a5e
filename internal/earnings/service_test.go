package earnings

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:earnings_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Earning{}, &models.RefundRequest{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) Service {
	t.Helper()
	svc, err := NewService(NewRepository(db), "10", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func confirmedOrder(totalCents int64) *models.Order {
	return &models.Order{
		ID:            uuid.New(),
		BuyerID:       uuid.New(),
		Status:        enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
		TotalCents:    totalCents,
	}
}

func TestCreateForOrderComputesFee(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	order := confirmedOrder(10000)
	seller := uuid.New()
	items := []models.OrderItem{
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: seller, Qty: 1, UnitPriceCents: 10000, TotalCents: 10000},
	}

	if err := svc.CreateForOrder(ctx, db, order, items); err != nil {
		t.Fatalf("create for order: %v", err)
	}

	var earning models.Earning
	if err := db.First(&earning, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load earning: %v", err)
	}
	if earning.SellerID != seller {
		t.Fatalf("unexpected seller %s", earning.SellerID)
	}
	if earning.PlatformFeeCents != 1000 || earning.SellerCents != 9000 {
		t.Fatalf("unexpected fee split: fee=%d seller=%d", earning.PlatformFeeCents, earning.SellerCents)
	}
	if earning.Status != enums.EarningStatusPendingClearing {
		t.Fatalf("expected pending_clearing, got %s", earning.Status)
	}
	if !earning.EligibleAt.After(time.Now().UTC().Add(6 * 24 * time.Hour)) {
		t.Fatalf("clearing window not applied: %s", earning.EligibleAt)
	}
}

func TestCreateForOrderIsIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	order := confirmedOrder(5000)
	sellerA := uuid.New()
	sellerB := uuid.New()
	items := []models.OrderItem{
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: sellerA, Qty: 1, UnitPriceCents: 3000, TotalCents: 3000},
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: sellerB, Qty: 2, UnitPriceCents: 1000, TotalCents: 2000},
	}

	if err := svc.CreateForOrder(ctx, db, order, items); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// A retried confirmation step must not duplicate rows.
	if err := svc.CreateForOrder(ctx, db, order, items); err != nil {
		t.Fatalf("retried create: %v", err)
	}

	var count int64
	if err := db.Model(&models.Earning{}).Where("order_id = ?", order.ID).Count(&count).Error; err != nil {
		t.Fatalf("count earnings: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 earnings, got %d", count)
	}
}

func TestReverseFullRefund(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	order := confirmedOrder(10000)
	items := []models.OrderItem{
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: uuid.New(), Qty: 1, UnitPriceCents: 10000, TotalCents: 10000},
	}
	if err := svc.CreateForOrder(ctx, db, order, items); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Reverse(ctx, db, order.ID, 10000); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	var earning models.Earning
	if err := db.First(&earning, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load earning: %v", err)
	}
	if earning.Status != enums.EarningStatusReversed {
		t.Fatalf("expected reversed, got %s", earning.Status)
	}
	if earning.TotalCents != 0 || earning.SellerCents != 0 || earning.PlatformFeeCents != 0 {
		t.Fatalf("amounts not zeroed: %+v", earning)
	}
	if earning.ReversedAt == nil {
		t.Fatalf("reversed_at not set")
	}
}

func TestReversePartialRefundProRata(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	order := confirmedOrder(10000)
	sellerA := uuid.New()
	sellerB := uuid.New()
	items := []models.OrderItem{
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: sellerA, Qty: 1, UnitPriceCents: 6000, TotalCents: 6000},
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: sellerB, Qty: 1, UnitPriceCents: 4000, TotalCents: 4000},
	}
	if err := svc.CreateForOrder(ctx, db, order, items); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Refund half the order: each earning shrinks by half.
	if err := svc.Reverse(ctx, db, order.ID, 5000); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	var earnings []models.Earning
	if err := db.Order("total_cents DESC").Find(&earnings, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load earnings: %v", err)
	}
	if len(earnings) != 2 {
		t.Fatalf("expected 2 earnings, got %d", len(earnings))
	}
	if earnings[0].TotalCents != 3000 || earnings[0].PlatformFeeCents != 300 || earnings[0].SellerCents != 2700 {
		t.Fatalf("unexpected large earning after partial reverse: %+v", earnings[0])
	}
	if earnings[1].TotalCents != 2000 || earnings[1].SellerCents != 1800 {
		t.Fatalf("unexpected small earning after partial reverse: %+v", earnings[1])
	}
	for _, e := range earnings {
		if e.Status != enums.EarningStatusPendingClearing {
			t.Fatalf("partial reverse must not change status, got %s", e.Status)
		}
	}
}

func TestReverseFailsOncePaidOut(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	order := confirmedOrder(10000)
	items := []models.OrderItem{
		{OrderID: order.ID, ProductID: uuid.New(), SellerID: uuid.New(), Qty: 1, UnitPriceCents: 10000, TotalCents: 10000},
	}
	if err := svc.CreateForOrder(ctx, db, order, items); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Model(&models.Earning{}).
		Where("order_id = ?", order.ID).
		Update("status", enums.EarningStatusReservedForPayout).Error; err != nil {
		t.Fatalf("reserve earning: %v", err)
	}

	err := svc.Reverse(ctx, db, order.ID, 10000)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeAlreadyPaidOut {
		t.Fatalf("expected already paid out, got %v", err)
	}

	var earning models.Earning
	if err := db.First(&earning, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load earning: %v", err)
	}
	if earning.TotalCents != 10000 {
		t.Fatalf("failed reverse changed amounts: %+v", earning)
	}
}

func TestPromoteClearedRespectsRefundGate(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	ripe := models.Earning{
		OrderID: uuid.New(), SellerID: uuid.New(),
		TotalCents: 1000, PlatformFeeCents: 100, SellerCents: 900,
		Status: enums.EarningStatusPendingClearing, EligibleAt: now.Add(-time.Hour),
	}
	young := models.Earning{
		OrderID: uuid.New(), SellerID: uuid.New(),
		TotalCents: 1000, PlatformFeeCents: 100, SellerCents: 900,
		Status: enums.EarningStatusPendingClearing, EligibleAt: now.Add(time.Hour),
	}
	contested := models.Earning{
		OrderID: uuid.New(), SellerID: uuid.New(),
		TotalCents: 1000, PlatformFeeCents: 100, SellerCents: 900,
		Status: enums.EarningStatusPendingClearing, EligibleAt: now.Add(-time.Hour),
	}
	for _, e := range []*models.Earning{&ripe, &young, &contested} {
		if err := db.Create(e).Error; err != nil {
			t.Fatalf("seed earning: %v", err)
		}
	}
	refund := models.RefundRequest{
		OrderID: contested.OrderID, PaymentRef: "pay-1", BuyerID: uuid.New(),
		AmountCents: 1000, Type: enums.RefundTypeFull,
		Status: enums.RefundStatusPending, Reason: "damaged",
	}
	if err := db.Create(&refund).Error; err != nil {
		t.Fatalf("seed refund: %v", err)
	}

	promoted, err := svc.PromoteCleared(ctx, now)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 promoted, got %d", promoted)
	}

	check := func(id uuid.UUID, want enums.EarningStatus) {
		var earning models.Earning
		if err := db.First(&earning, "id = ?", id).Error; err != nil {
			t.Fatalf("load earning: %v", err)
		}
		if earning.Status != want {
			t.Fatalf("earning %s: expected %s got %s", id, want, earning.Status)
		}
	}
	check(ripe.ID, enums.EarningStatusAvailable)
	check(young.ID, enums.EarningStatusPendingClearing)
	check(contested.ID, enums.EarningStatusPendingClearing)
}

func TestSellerScopedReads(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	seller := uuid.New()

	earning := models.Earning{
		OrderID: uuid.New(), SellerID: seller,
		TotalCents: 2000, PlatformFeeCents: 200, SellerCents: 1800,
		Status: enums.EarningStatusAvailable, EligibleAt: time.Now().UTC(),
	}
	if err := db.Create(&earning).Error; err != nil {
		t.Fatalf("seed earning: %v", err)
	}

	owner := auth.Actor{UserID: seller, Role: enums.RoleSeller}
	balance, err := svc.AvailableBalance(ctx, owner, seller)
	if err != nil {
		t.Fatalf("available balance: %v", err)
	}
	if balance != 1800 {
		t.Fatalf("expected 1800, got %d", balance)
	}

	rows, err := svc.ListSellerEarnings(ctx, owner, seller, pagination.Params{})
	if err != nil {
		t.Fatalf("list earnings: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 earning, got %d", len(rows))
	}

	other := auth.Actor{UserID: uuid.New(), Role: enums.RoleSeller}
	if _, err := svc.AvailableBalance(ctx, other, seller); err == nil {
		t.Fatalf("expected forbidden for other seller")
	}
}

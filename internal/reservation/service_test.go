package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/inventory"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:reservation_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.InventoryItem{}, &models.Reservation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, ttl time.Duration) Service {
	t.Helper()
	ledger, err := inventory.NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	svc, err := NewService(NewRepository(db), gormTxRunner{db: db}, ledger, ttl, logger.New(logger.Options{ServiceName: "test"}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func seedStock(t *testing.T, db *gorm.DB, productID uuid.UUID, total int) {
	t.Helper()
	item := models.InventoryItem{ProductID: productID, TotalQty: total, AvailableQty: total}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
}

func loadStock(t *testing.T, db *gorm.DB, productID uuid.UUID) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	if err := db.First(&item, "product_id = ?", productID).Error; err != nil {
		t.Fatalf("load inventory: %v", err)
	}
	return item
}

func TestReserveCreatesActiveReservation(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, 30*time.Minute)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, db, product, 5)

	reservation, err := svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 5})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reservation.Status != enums.ReservationStatusActive {
		t.Fatalf("expected active reservation, got %s", reservation.Status)
	}
	if !reservation.ExpiresAt.After(time.Now().UTC().Add(29 * time.Minute)) {
		t.Fatalf("ttl not applied: %s", reservation.ExpiresAt)
	}

	stock := loadStock(t, db, product)
	if stock.AvailableQty != 0 || stock.ReservedQty != 5 {
		t.Fatalf("unexpected stock: %+v", stock)
	}

	// Second buyer cannot claim anything; ledger unchanged by the failure.
	_, err = svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 1})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	stock = loadStock(t, db, product)
	if stock.AvailableQty != 0 || stock.ReservedQty != 5 {
		t.Fatalf("stock changed by failed reserve: %+v", stock)
	}

	var count int64
	if err := db.Model(&models.Reservation{}).Count(&count).Error; err != nil {
		t.Fatalf("count reservations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reservation row, got %d", count)
	}
}

func TestExtendAppliesDelta(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, 30*time.Minute)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, db, product, 10)

	reservation, err := svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 3})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Grow.
	updated, err := svc.Extend(ctx, nil, reservation.ID, 7)
	if err != nil {
		t.Fatalf("extend up: %v", err)
	}
	if updated.Qty != 7 {
		t.Fatalf("expected qty 7, got %d", updated.Qty)
	}
	stock := loadStock(t, db, product)
	if stock.AvailableQty != 3 || stock.ReservedQty != 7 {
		t.Fatalf("unexpected stock after grow: %+v", stock)
	}

	// Shrink.
	updated, err = svc.Extend(ctx, nil, reservation.ID, 2)
	if err != nil {
		t.Fatalf("extend down: %v", err)
	}
	if updated.Qty != 2 {
		t.Fatalf("expected qty 2, got %d", updated.Qty)
	}
	stock = loadStock(t, db, product)
	if stock.AvailableQty != 8 || stock.ReservedQty != 2 {
		t.Fatalf("unexpected stock after shrink: %+v", stock)
	}

	// An increase past available stock leaves the prior quantity in place.
	_, err = svc.Extend(ctx, nil, reservation.ID, 11)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	kept, err := svc.Get(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("reload reservation: %v", err)
	}
	if kept.Qty != 2 {
		t.Fatalf("failed extend must not change qty, got %d", kept.Qty)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, 30*time.Minute)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, db, product, 5)

	reservation, err := svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 4})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.Release(ctx, nil, reservation.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := svc.Release(ctx, nil, reservation.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}

	stock := loadStock(t, db, product)
	if stock.AvailableQty != 5 || stock.ReservedQty != 0 {
		t.Fatalf("double release corrupted ledger: %+v", stock)
	}

	released, err := svc.Get(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if released.Status != enums.ReservationStatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
}

func TestCommitIsExactlyOnce(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, 30*time.Minute)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, db, product, 5)

	reservation, err := svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 2})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.Commit(ctx, nil, reservation.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	stock := loadStock(t, db, product)
	if stock.TotalQty != 3 || stock.AvailableQty != 3 || stock.ReservedQty != 0 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}

	err = svc.Commit(ctx, nil, reservation.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInternal {
		t.Fatalf("expected invariant breach on double commit, got %v", err)
	}
	stock = loadStock(t, db, product)
	if stock.TotalQty != 3 || stock.AvailableQty != 3 {
		t.Fatalf("double commit changed ledger: %+v", stock)
	}

	// A committed reservation cannot be released back.
	if err := svc.Release(ctx, nil, reservation.ID); err != nil {
		t.Fatalf("release after commit should be a no-op: %v", err)
	}
	stock = loadStock(t, db, product)
	if stock.AvailableQty != 3 {
		t.Fatalf("release after commit changed ledger: %+v", stock)
	}
}

func TestExpireDueReleasesLapsedReservations(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, 30*time.Minute)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, db, product, 6)

	lapsed, err := svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 4})
	if err != nil {
		t.Fatalf("reserve lapsed: %v", err)
	}
	fresh, err := svc.Reserve(ctx, nil, ReserveInput{CartID: uuid.New(), ProductID: product, Qty: 2})
	if err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&models.Reservation{}).Where("id = ?", lapsed.ID).Update("expires_at", past).Error; err != nil {
		t.Fatalf("backdate reservation: %v", err)
	}

	expired, err := svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}

	stock := loadStock(t, db, product)
	if stock.AvailableQty != 4 || stock.ReservedQty != 2 {
		t.Fatalf("unexpected stock after sweep: %+v", stock)
	}

	swept, err := svc.Get(ctx, lapsed.ID)
	if err != nil {
		t.Fatalf("reload lapsed: %v", err)
	}
	if swept.Status != enums.ReservationStatusExpired {
		t.Fatalf("expected expired, got %s", swept.Status)
	}
	kept, err := svc.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("reload fresh: %v", err)
	}
	if kept.Status != enums.ReservationStatusActive {
		t.Fatalf("fresh reservation must stay active, got %s", kept.Status)
	}

	// Second sweep finds nothing to do.
	expired, err = svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected idempotent sweep, got %d", expired)
	}
}

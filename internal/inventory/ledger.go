package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
)

// Ledger is the only component allowed to mutate stock counters. Every
// mutation is a single conditional UPDATE guarded by the expected prior
// value, so concurrent callers race safely instead of corrupting a row.
type Ledger interface {
	GetAvailability(ctx context.Context, productID uuid.UUID, variantKey string) (*models.InventoryItem, error)
	Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error
	Commit(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error
	SetTotal(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, totalQty int) (*models.InventoryItem, error)
}

type ledger struct {
	db *gorm.DB
}

// NewLedger builds the stock ledger bound to the provided DB.
func NewLedger(db *gorm.DB) (Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("inventory db handle required")
	}
	return &ledger{db: db}, nil
}

func (l *ledger) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return l.db
}

// GetAvailability returns a point-in-time snapshot. Callers must not assume
// it stays valid; state-changing operations re-check via their own guards.
func (l *ledger) GetAvailability(ctx context.Context, productID uuid.UUID, variantKey string) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := l.db.WithContext(ctx).
		Where("product_id = ? AND variant_key = ?", productID, variantKey).
		First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load inventory item")
	}
	return &item, nil
}

// Reserve moves qty from available to reserved, failing with
// InsufficientStock when the guard does not hold. No partial effect.
func (l *ledger) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := l.handle(tx).WithContext(ctx).Exec(`
		UPDATE inventory_items
		SET available_qty = available_qty - ?,
			reserved_qty = reserved_qty + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ? AND variant_key = ? AND available_qty >= ?
	`, qty, qty, productID, variantKey, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve inventory")
	}
	if res.RowsAffected == 0 {
		if _, err := l.GetAvailability(ctx, productID, variantKey); err != nil {
			return err
		}
		return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock")
	}
	return nil
}

// Release moves qty from reserved back to available. A failed guard here
// means the counters disagree with the caller's reservation bookkeeping,
// which is an invariant breach rather than a user error.
func (l *ledger) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error {
	if qty <= 0 {
		return nil
	}

	res := l.handle(tx).WithContext(ctx).Exec(`
		UPDATE inventory_items
		SET available_qty = available_qty + ?,
			reserved_qty = reserved_qty - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ? AND variant_key = ? AND reserved_qty >= ?
	`, qty, qty, productID, variantKey, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release inventory")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeInternal, "reserved quantity below release amount").
			WithDetails(map[string]any{"product_id": productID, "qty": qty})
	}
	return nil
}

// Commit permanently removes qty from the pool: reserved and total both
// drop, so available is untouched and the invariant holds.
func (l *ledger) Commit(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := l.handle(tx).WithContext(ctx).Exec(`
		UPDATE inventory_items
		SET reserved_qty = reserved_qty - ?,
			total_qty = total_qty - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ? AND variant_key = ? AND reserved_qty >= ?
	`, qty, qty, productID, variantKey, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "commit inventory")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeInternal, "reserved quantity below commit amount").
			WithDetails(map[string]any{"product_id": productID, "qty": qty})
	}
	return nil
}

// SetTotal adjusts the stock pool to a new total. The delta lands entirely
// on available, and the guard rejects removing stock that is currently
// reserved by live reservations.
func (l *ledger) SetTotal(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, totalQty int) (*models.InventoryItem, error) {
	if totalQty < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total quantity must not be negative")
	}

	db := l.handle(tx).WithContext(ctx)

	res := db.Exec(`
		UPDATE inventory_items
		SET available_qty = available_qty + (? - total_qty),
			total_qty = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ? AND variant_key = ? AND available_qty + (? - total_qty) >= 0
	`, totalQty, totalQty, productID, variantKey, totalQty)
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "set inventory total")
	}
	if res.RowsAffected == 0 {
		var existing models.InventoryItem
		err := db.Where("product_id = ? AND variant_key = ?", productID, variantKey).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			item := models.InventoryItem{
				ProductID:    productID,
				VariantKey:   variantKey,
				TotalQty:     totalQty,
				AvailableQty: totalQty,
			}
			if createErr := db.Create(&item).Error; createErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, createErr, "create inventory item")
			}
			return &item, nil
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load inventory item")
		}
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientStock, "cannot reduce stock below reserved quantity")
	}

	return l.GetAvailability(ctx, productID, variantKey)
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryItem tracks stock counters per product/variant.
// Invariant: available_qty + reserved_qty == total_qty on every committed row.
type InventoryItem struct {
	ProductID    uuid.UUID `gorm:"column:product_id;type:uuid;primaryKey"`
	VariantKey   string    `gorm:"column:variant_key;primaryKey;default:''"`
	TotalQty     int       `gorm:"column:total_qty;not null;default:0"`
	AvailableQty int       `gorm:"column:available_qty;not null;default:0"`
	ReservedQty  int       `gorm:"column:reserved_qty;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

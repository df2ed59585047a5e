package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the read-only catalog row the settlement engine consumes.
// Prices are snapshotted onto orders at creation time and never re-read.
type Product struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	SellerID       uuid.UUID `gorm:"column:seller_id;type:uuid;not null;index"`
	Title          string    `gorm:"column:title;not null"`
	UnitPriceCents int64     `gorm:"column:unit_price_cents;not null"`
	Active         bool      `gorm:"column:active;not null;default:true"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

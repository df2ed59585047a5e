package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// Reservation is a time-bounded claim on stock owned by a cart. Only the
// reservation service mutates it; commit is driven by order confirmation.
type Reservation struct {
	ID         uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	CartID     uuid.UUID               `gorm:"column:cart_id;type:uuid;not null;index"`
	ProductID  uuid.UUID               `gorm:"column:product_id;type:uuid;not null;index"`
	VariantKey string                  `gorm:"column:variant_key;not null;default:''"`
	Qty        int                     `gorm:"column:qty;not null"`
	Status     enums.ReservationStatus `gorm:"column:status;not null;default:'active';index"`
	ExpiresAt  time.Time               `gorm:"column:expires_at;not null;index"`
	CreatedAt  time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

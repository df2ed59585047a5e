package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// Earning is one seller's net share of one order. The fee percentage is
// snapshotted at order time; platform rate changes never rewrite old rows.
// Unique on (order_id, seller_id) so a retried confirmation cannot create
// duplicates.
type Earning struct {
	ID                 uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID            uuid.UUID           `gorm:"column:order_id;type:uuid;not null;uniqueIndex:idx_earnings_order_seller"`
	SellerID           uuid.UUID           `gorm:"column:seller_id;type:uuid;not null;uniqueIndex:idx_earnings_order_seller;index"`
	TotalCents         int64               `gorm:"column:total_cents;not null"`
	PlatformFeePercent decimal.Decimal     `gorm:"column:platform_fee_percent;type:numeric(5,2);not null"`
	PlatformFeeCents   int64               `gorm:"column:platform_fee_cents;not null"`
	SellerCents        int64               `gorm:"column:seller_cents;not null"`
	Status             enums.EarningStatus `gorm:"column:status;not null;default:'pending_clearing';index"`
	EligibleAt         time.Time           `gorm:"column:eligible_at;not null;index"`
	ReversedAt         *time.Time          `gorm:"column:reversed_at"`
	CreatedAt          time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

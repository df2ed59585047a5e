package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// PayoutRequest draws down a specific set of available earnings. The drawn
// rows are tracked through PayoutEarning join rows so a reject/cancel can
// return exactly what was reserved.
type PayoutRequest struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	SellerID    uuid.UUID          `gorm:"column:seller_id;type:uuid;not null;index"`
	AmountCents int64              `gorm:"column:amount_cents;not null"`
	Status      enums.PayoutStatus `gorm:"column:status;not null;default:'pending';index"`
	Earnings    []PayoutEarning    `gorm:"foreignKey:PayoutRequestID;constraint:OnDelete:CASCADE"`
	RequestedAt time.Time          `gorm:"column:requested_at;not null"`
	DecidedAt   *time.Time         `gorm:"column:decided_at"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// PayoutEarning links a payout request to one earning row it reserved.
type PayoutEarning struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	PayoutRequestID uuid.UUID `gorm:"column:payout_request_id;type:uuid;not null;index"`
	EarningID       uuid.UUID `gorm:"column:earning_id;type:uuid;not null;uniqueIndex"`
	AmountCents     int64     `gorm:"column:amount_cents;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

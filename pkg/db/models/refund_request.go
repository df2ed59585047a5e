package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// RefundRequest is the source of truth for a refund; the order only carries
// a read-only projection of it. At most one non-rejected request may exist
// per order.
type RefundRequest struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID     uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	PaymentRef  string             `gorm:"column:payment_ref;not null"`
	BuyerID     uuid.UUID          `gorm:"column:buyer_id;type:uuid;not null;index"`
	AmountCents int64              `gorm:"column:amount_cents;not null"`
	Type        enums.RefundType   `gorm:"column:type;not null"`
	Status      enums.RefundStatus `gorm:"column:status;not null;default:'pending';index"`
	Reason      string             `gorm:"column:reason;not null"`
	Notes       *string            `gorm:"column:notes"`
	ApprovedBy  *uuid.UUID         `gorm:"column:approved_by;type:uuid"`
	DecidedAt   *time.Time         `gorm:"column:decided_at"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

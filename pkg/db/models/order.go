package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// Order is a confirmed purchase. Rows are only persisted once payment has
// unambiguously succeeded; there is no durable "payment in flight" order.
type Order struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID        uuid.UUID           `gorm:"column:buyer_id;type:uuid;not null;index"`
	Status         enums.OrderStatus   `gorm:"column:status;not null;default:'pending';index"`
	PaymentStatus  enums.PaymentStatus `gorm:"column:payment_status;not null;default:'unpaid'"`
	TotalCents     int64               `gorm:"column:total_cents;not null"`
	PaymentRef     *string             `gorm:"column:payment_ref"`
	TrackingNumber *string             `gorm:"column:tracking_number"`
	Carrier        *string             `gorm:"column:carrier"`
	Items          []OrderItem         `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	// Refund is a read-only projection of the order's live refund request,
	// recomputed on load. The refund_requests row is the source of truth.
	Refund *RefundRequest `gorm:"-"`
	ConfirmedAt    *time.Time          `gorm:"column:confirmed_at"`
	ShippedAt      *time.Time          `gorm:"column:shipped_at"`
	DeliveredAt    *time.Time          `gorm:"column:delivered_at"`
	CancelledAt    *time.Time          `gorm:"column:cancelled_at"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

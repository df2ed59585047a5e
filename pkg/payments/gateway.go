package payments

import (
	"context"

	"github.com/google/uuid"
)

// CaptureParams describes a single payment capture for an order total.
type CaptureParams struct {
	OrderID     uuid.UUID
	BuyerID     uuid.UUID
	SourceID    string
	AmountCents int64
	Currency    string
}

// CaptureResult carries the gateway's reference for a successful capture.
type CaptureResult struct {
	PaymentRef string
	Status     string
}

// RefundParams describes a refund against a previously captured payment.
type RefundParams struct {
	RefundRequestID uuid.UUID
	PaymentRef      string
	AmountCents     int64
	Currency        string
	Reason          string
}

// RefundResult carries the gateway's reference for an executed refund.
type RefundResult struct {
	RefundRef string
}

// Gateway is the payment processor boundary. Implementations must be safe
// for concurrent use and must bound every call with their own timeout.
type Gateway interface {
	Capture(ctx context.Context, params CaptureParams) (*CaptureResult, error)
	Refund(ctx context.Context, params RefundParams) (*RefundResult, error)
}

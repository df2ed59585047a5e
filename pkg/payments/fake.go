package payments

import (
	"context"
	"fmt"
	"sync"

	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
)

// FakeGateway is an in-memory Gateway for tests and local development. It
// records every call and replays the same result for a repeated idempotency
// scope (order id for captures, refund request id for refunds).
type FakeGateway struct {
	mu sync.Mutex

	captures map[string]*CaptureResult
	refunds  map[string]*RefundResult

	CaptureCalls []CaptureParams
	RefundCalls  []RefundParams

	FailCapture error
	FailRefund  error
}

// NewFakeGateway returns an empty fake ready for use.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		captures: make(map[string]*CaptureResult),
		refunds:  make(map[string]*RefundResult),
	}
}

func (f *FakeGateway) Capture(_ context.Context, params CaptureParams) (*CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CaptureCalls = append(f.CaptureCalls, params)
	if f.FailCapture != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, f.FailCapture, "capture payment failed")
	}

	key := params.OrderID.String()
	if existing, ok := f.captures[key]; ok {
		return existing, nil
	}
	result := &CaptureResult{
		PaymentRef: fmt.Sprintf("fake-payment-%s", key),
		Status:     "COMPLETED",
	}
	f.captures[key] = result
	return result, nil
}

func (f *FakeGateway) Refund(_ context.Context, params RefundParams) (*RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RefundCalls = append(f.RefundCalls, params)
	if f.FailRefund != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, f.FailRefund, "refund payment failed")
	}

	key := params.RefundRequestID.String()
	if existing, ok := f.refunds[key]; ok {
		return existing, nil
	}
	result := &RefundResult{
		RefundRef: fmt.Sprintf("fake-refund-%s", key),
	}
	f.refunds[key] = result
	return result, nil
}

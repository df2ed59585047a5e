package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	"github.com/mercato-dev/mercato-backend/pkg/config"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

func TestNewSquareGatewayValidation(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test"})
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  config.GatewayConfig
		want string
	}{
		{"missing token", config.GatewayConfig{Environment: "sandbox", LocationID: "L1"}, "access token"},
		{"missing location", config.GatewayConfig{Environment: "sandbox", AccessToken: "tok"}, "location id"},
		{"bad environment", config.GatewayConfig{Environment: "staging", AccessToken: "tok", LocationID: "L1"}, "environment"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSquareGateway(ctx, tc.cfg, logg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	if _, err := NewSquareGateway(ctx, config.GatewayConfig{AccessToken: "tok", LocationID: "L1"}, nil); err == nil {
		t.Fatalf("expected logger requirement error")
	}
}

func TestNewSquareGatewayDefaults(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test"})
	g, err := NewSquareGateway(context.Background(), config.GatewayConfig{
		AccessToken: "tok",
		LocationID:  "L1",
	}, logg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if g.Environment() != "sandbox" {
		t.Fatalf("expected sandbox default, got %s", g.Environment())
	}
	if g.captureTimeout != defaultCallTimeout || g.refundTimeout != defaultCallTimeout {
		t.Fatalf("expected default call timeouts")
	}

	g2, err := NewSquareGateway(context.Background(), config.GatewayConfig{
		AccessToken:    "tok",
		LocationID:     "L1",
		CaptureTimeout: 3 * time.Second,
		RefundTimeout:  7 * time.Second,
	}, logg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if g2.captureTimeout != 3*time.Second || g2.refundTimeout != 7*time.Second {
		t.Fatalf("configured timeouts not applied")
	}
}

func TestIdempotencyKeysAreStable(t *testing.T) {
	orderID := uuid.New()
	refundID := uuid.New()

	if captureIdempotencyKey(orderID) != captureIdempotencyKey(orderID) {
		t.Fatalf("capture key must be deterministic per order")
	}
	if !strings.HasPrefix(captureIdempotencyKey(orderID), "capture-") {
		t.Fatalf("capture key missing prefix")
	}
	if !strings.HasPrefix(refundIdempotencyKey(refundID), "refund-") {
		t.Fatalf("refund key missing prefix")
	}
}

func TestRedact(t *testing.T) {
	g := &SquareGateway{}
	if out := g.redact("source_id", "cnon:abc"); out != "[REDACTED]" {
		t.Fatalf("expected redacted value, got %v", out)
	}
	if v := g.redact("status", "ok"); v != "ok" {
		t.Fatalf("unexpected redaction for safe key")
	}
}

func TestDomainCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		code   pkgerrors.Code
	}{
		{http.StatusUnauthorized, pkgerrors.CodeUnauthorized},
		{http.StatusForbidden, pkgerrors.CodeForbidden},
		{http.StatusNotFound, pkgerrors.CodeNotFound},
		{http.StatusConflict, pkgerrors.CodeConflict},
		{http.StatusTooManyRequests, pkgerrors.CodeRateLimit},
		{http.StatusBadRequest, pkgerrors.CodeValidation},
		{http.StatusUnprocessableEntity, pkgerrors.CodeStateConflict},
		{http.StatusInternalServerError, pkgerrors.CodeDependency},
	}
	for _, tt := range tests {
		if got := domainCodeForStatus(tt.status); got != tt.code {
			t.Fatalf("status %d expected %s got %s", tt.status, tt.code, got)
		}
	}
}

func TestMapSquareError(t *testing.T) {
	g := &SquareGateway{}
	table := []struct {
		name     string
		status   int
		payload  string
		wantCode pkgerrors.Code
	}{
		{
			name:     "authentication error",
			status:   http.StatusUnauthorized,
			payload:  `{"errors":[{"category":"AUTHENTICATION_ERROR","code":"UNAUTHORIZED"}]}`,
			wantCode: pkgerrors.CodeUnauthorized,
		},
		{
			name:     "idempotency key reused",
			status:   http.StatusConflict,
			payload:  `{"errors":[{"category":"API_ERROR","code":"IDEMPOTENCY_KEY_REUSED"}]}`,
			wantCode: pkgerrors.CodeIdempotency,
		},
	}
	for _, tt := range table {
		err := sqcore.NewAPIError(tt.status, errors.New(tt.payload))
		mapped := g.mapSquareError(err, "operation")
		if mapped == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		typed := pkgerrors.As(mapped)
		if typed == nil {
			t.Fatalf("%s: result is not a domain error", tt.name)
		}
		if typed.Code() != tt.wantCode {
			t.Fatalf("%s: expected code %s, got %s", tt.name, tt.wantCode, typed.Code())
		}
	}
}

func TestExtractSquareErrors(t *testing.T) {
	g := &SquareGateway{}
	payload := `{"errors":[{"category":"API_ERROR","code":"BAD_REQUEST","detail":"oops"}]}`
	apiErr := sqcore.NewAPIError(http.StatusBadRequest, errors.New(payload))
	got := g.extractSquareErrors(apiErr)
	if len(got) != 1 {
		t.Fatalf("expected 1 error, got %d", len(got))
	}
	if got[0].GetCode() != sq.ErrorCodeBadRequest {
		t.Fatalf("unexpected error code %s", got[0].GetCode())
	}
}

func TestFakeGatewayIdempotency(t *testing.T) {
	fake := NewFakeGateway()
	ctx := context.Background()
	orderID := uuid.New()

	first, err := fake.Capture(ctx, CaptureParams{OrderID: orderID, AmountCents: 1000})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	second, err := fake.Capture(ctx, CaptureParams{OrderID: orderID, AmountCents: 1000})
	if err != nil {
		t.Fatalf("capture retry: %v", err)
	}
	if first.PaymentRef != second.PaymentRef {
		t.Fatalf("retried capture must replay the same payment ref")
	}
	if len(fake.CaptureCalls) != 2 {
		t.Fatalf("expected both calls recorded, got %d", len(fake.CaptureCalls))
	}

	fake.FailRefund = errors.New("gateway down")
	if _, err := fake.Refund(ctx, RefundParams{RefundRequestID: uuid.New(), AmountCents: 500}); err == nil {
		t.Fatalf("expected refund failure")
	}
}

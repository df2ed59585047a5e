package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/mercato-dev/mercato-backend/pkg/config"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	defaultCallTimeout = 15 * time.Second
)

var (
	errAccessTokenRequired = errors.New("square access token is required")
	errLocationRequired    = errors.New("square location id is required")
	errInvalidSquareEnv    = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("square logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// SquareGateway implements Gateway on top of the Square SDK with centralized
// auth, logging, idempotency, timeouts, and error mapping.
type SquareGateway struct {
	sdk            *sqclient.Client
	environment    string
	locationID     string
	baseURL        string
	captureTimeout time.Duration
	refundTimeout  time.Duration
	logger         *logger.Logger
}

// NewSquareGateway initializes the Square wrapper and validates the credentials.
func NewSquareGateway(ctx context.Context, cfg config.GatewayConfig, logg *logger.Logger) (*SquareGateway, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment)
	if err != nil {
		return nil, err
	}

	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}
	locationID := strings.TrimSpace(cfg.LocationID)
	if locationID == "" {
		return nil, errLocationRequired
	}

	baseURL := baseURLs[env]
	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURL),
		sqoption.WithToken(accessToken),
	)

	g := &SquareGateway{
		sdk:            sdk,
		environment:    env,
		locationID:     locationID,
		baseURL:        baseURL,
		captureTimeout: timeoutOrDefault(cfg.CaptureTimeout),
		refundTimeout:  timeoutOrDefault(cfg.RefundTimeout),
		logger:         logg,
	}

	logg.Info(ctx, "square gateway initialized")
	return g, nil
}

// Environment reports the normalized Square environment.
func (g *SquareGateway) Environment() string {
	if g == nil {
		return ""
	}
	return g.environment
}

// Capture charges the buyer's payment source for the full order total.
// The idempotency key is derived from the order id so a retried capture
// cannot double-charge.
func (g *SquareGateway) Capture(ctx context.Context, params CaptureParams) (*CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.captureTimeout)
	defer cancel()

	req := &sq.CreatePaymentRequest{
		IdempotencyKey: captureIdempotencyKey(params.OrderID),
		SourceID:       params.SourceID,
		LocationID:     ptrString(g.locationID),
		AmountMoney:    moneyPtr(params.AmountCents, params.Currency),
		ReferenceID:    ptrString(params.OrderID.String()),
	}
	g.log(ctx, "request", "capture_payment", map[string]any{
		"order_id": params.OrderID.String(),
		"amount":   params.AmountCents,
	})

	resp, err := g.sdk.Payments.Create(ctx, req)
	if err != nil {
		g.log(ctx, "error", "capture_payment", map[string]any{"error": err.Error()})
		return nil, g.mapSquareError(err, "capture payment")
	}

	payment := resp.GetPayment()
	result := &CaptureResult{
		PaymentRef: stringValue(payment.GetID()),
		Status:     stringValue(payment.GetStatus()),
	}
	g.log(ctx, "response", "capture_payment", map[string]any{
		"payment_id": result.PaymentRef,
		"status":     result.Status,
	})
	return result, nil
}

// Refund returns money against a captured payment. The idempotency key is
// derived from the refund request id so approval retries execute at most once.
func (g *SquareGateway) Refund(ctx context.Context, params RefundParams) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.refundTimeout)
	defer cancel()

	req := &sq.RefundPaymentRequest{
		IdempotencyKey: refundIdempotencyKey(params.RefundRequestID),
		PaymentID:      ptrString(params.PaymentRef),
		AmountMoney:    moneyPtr(params.AmountCents, params.Currency),
	}
	if trimmed := strings.TrimSpace(params.Reason); trimmed != "" {
		req.Reason = ptrString(trimmed)
	}
	g.log(ctx, "request", "refund_payment", map[string]any{
		"refund_request_id": params.RefundRequestID.String(),
		"amount":            params.AmountCents,
	})

	resp, err := g.sdk.Refunds.RefundPayment(ctx, req)
	if err != nil {
		g.log(ctx, "error", "refund_payment", map[string]any{"error": err.Error()})
		return nil, g.mapSquareError(err, "refund payment")
	}

	refund := resp.GetRefund()
	result := &RefundResult{RefundRef: refund.GetID()}
	g.log(ctx, "response", "refund_payment", map[string]any{
		"refund_id": result.RefundRef,
	})
	return result, nil
}

func captureIdempotencyKey(orderID uuid.UUID) string {
	return fmt.Sprintf("capture-%s", orderID)
}

func refundIdempotencyKey(refundRequestID uuid.UUID) string {
	return fmt.Sprintf("refund-%s", refundRequestID)
}

func (g *SquareGateway) log(ctx context.Context, phase, op string, fields map[string]any) {
	if g == nil || g.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = g.redact(k, v)
	}
	ctx = g.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		g.logger.Error(ctx, fmt.Sprintf("square %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		g.logger.Info(ctx, fmt.Sprintf("square %s", phase))
	}
}

func (g *SquareGateway) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "nonce", "token", "cvv", "cvc", "secret", "source", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func (g *SquareGateway) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		for _, sqErr := range g.extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			if sqErr.Code == sq.ErrorCodeIdempotencyKeyReused {
				code = pkgerrors.CodeIdempotency
				break
			}
			if sqErr.Category == sq.ErrorCategoryAuthenticationError {
				code = pkgerrors.CodeUnauthorized
				break
			}
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("square %s failed", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("square %s failed", op))
}

func (g *SquareGateway) extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusBadRequest:
		return pkgerrors.CodeValidation
	case http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func ptrString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func moneyPtr(amountCents int64, currency string) *sq.Money {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = "USD"
	}
	c := sq.Currency(code)
	return &sq.Money{
		Amount:   &amountCents,
		Currency: &c,
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultCallTimeout
	}
	return d
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	default:
		return "", errInvalidSquareEnv
	}
}

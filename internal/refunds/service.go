package refunds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/internal/orders"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
	"github.com/mercato-dev/mercato-backend/pkg/payments"
)

const refundCurrency = "USD"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type earningsReverser interface {
	Reverse(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, refundedCents int64) error
}

// Service owns the refund lifecycle. The RefundRequest row is the source of
// truth; the order's payment status only mirrors it.
type Service interface {
	Request(ctx context.Context, actor auth.Actor, input RequestInput) (*models.RefundRequest, error)
	Approve(ctx context.Context, actor auth.Actor, refundID uuid.UUID) (*models.RefundRequest, error)
	Reject(ctx context.Context, actor auth.Actor, refundID uuid.UUID, reason string) (*models.RefundRequest, error)
	Get(ctx context.Context, actor auth.Actor, refundID uuid.UUID) (*models.RefundRequest, error)
	ListMine(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.RefundRequest, error)
	ListPending(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.RefundRequest, error)
}

// RequestInput captures one buyer refund request.
type RequestInput struct {
	OrderID     uuid.UUID
	AmountCents int64
	Type        enums.RefundType
	Reason      string
}

type service struct {
	repo     Repository
	tx       txRunner
	orders   orders.Repository
	earnings earningsReverser
	gateway  payments.Gateway
	audit    audit.Recorder
	logg     *logger.Logger
}

// NewService builds the refund service with the required dependencies.
func NewService(
	repo Repository,
	tx txRunner,
	orderRepo orders.Repository,
	earnings earningsReverser,
	gateway payments.Gateway,
	recorder audit.Recorder,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("refund repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if orderRepo == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if earnings == nil {
		return nil, fmt.Errorf("earnings reverser required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		orders:   orderRepo,
		earnings: earnings,
		gateway:  gateway,
		audit:    recorder,
		logg:     logg,
	}, nil
}

// Request opens a refund against a paid order. At most one non-rejected
// request may exist per order; a full refund pins the amount to the order
// total, a partial one must stay within it.
func (s *service) Request(ctx context.Context, actor auth.Actor, input RequestInput) (*models.RefundRequest, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown refund type")
	}
	if strings.TrimSpace(input.Reason) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason required")
	}

	var request *models.RefundRequest
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.WithTx(tx).FindByID(ctx, input.OrderID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if !actor.Owns(order.BuyerID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
		}
		if order.PaymentStatus != enums.PaymentStatusPaid {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not paid").
				WithDetails(map[string]any{"payment_status": string(order.PaymentStatus)})
		}
		if order.PaymentRef == nil || *order.PaymentRef == "" {
			return pkgerrors.New(pkgerrors.CodeInternal, "paid order missing payment reference").
				WithDetails(map[string]any{"order_id": order.ID})
		}

		repo := s.repo.WithTx(tx)
		if existing, err := repo.FindNonRejectedByOrder(ctx, input.OrderID); err == nil && existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "a refund is already open for this order").
				WithDetails(map[string]any{"refund_id": existing.ID, "status": string(existing.Status)})
		} else if err != nil && err != gorm.ErrRecordNotFound {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing refunds")
		}

		amount := input.AmountCents
		if input.Type == enums.RefundTypeFull {
			amount = order.TotalCents
		} else if amount <= 0 || amount > order.TotalCents {
			return pkgerrors.New(pkgerrors.CodeValidation, "partial refund amount must be within the order total").
				WithDetails(map[string]any{"amount_cents": amount, "total_cents": order.TotalCents})
		}

		request = &models.RefundRequest{
			OrderID:     order.ID,
			PaymentRef:  *order.PaymentRef,
			BuyerID:     order.BuyerID,
			AmountCents: amount,
			Type:        input.Type,
			Status:      enums.RefundStatusPending,
			Reason:      input.Reason,
		}
		if err := repo.Create(ctx, request); err != nil {
			// The pre-check above races with concurrent submits; the partial
			// unique index on open refunds is the authority.
			if db.IsUniqueViolation(err, "idx_refund_requests_one_open_per_order") {
				return pkgerrors.New(pkgerrors.CodeConflict, "a refund is already open for this order")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionRefundRequested,
		Actor:      actor,
		TargetType: "refund_request",
		TargetID:   request.ID,
		Detail:     map[string]any{"order_id": request.OrderID, "amount_cents": request.AmountCents, "type": string(request.Type)},
	})
	return request, nil
}

// Approve executes an admin approval in three stages:
//
//  1. one transaction flips the request pending -> processing, the order
//     paid -> refunding, and claws back the earnings; an AlreadyPaidOut
//     conflict aborts everything;
//  2. the gateway refund runs outside any transaction; a failure leaves the
//     request at processing for manual follow-up, never auto-completed;
//  3. a second transaction flips processing -> completed and the order to
//     refunded.
//
// A decision against an already-decided request fails with AlreadyDecided
// and has no side effect.
func (s *service) Approve(ctx context.Context, actor auth.Actor, refundID uuid.UUID) (*models.RefundRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund decisions require admin role")
	}
	request, err := s.load(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if request.Status.IsDecided() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyDecided, "refund request already decided").
			WithDetails(map[string]any{"status": string(request.Status)})
	}
	if request.Status == enums.RefundStatusProcessing {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "refund is mid-flight and needs manual follow-up")
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, refundID, enums.RefundStatusPending, enums.RefundStatusProcessing, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "start refund processing")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeAlreadyDecided, "refund request already decided")
		}
		moved, err := s.orders.WithTx(tx).UpdatePaymentStatusIf(ctx, request.OrderID, enums.PaymentStatusPaid, enums.PaymentStatusRefunding)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order refunding")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order payment state changed concurrently")
		}
		return s.earnings.Reverse(ctx, tx, request.OrderID, request.AmountCents)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.gateway.Refund(ctx, payments.RefundParams{
		RefundRequestID: request.ID,
		PaymentRef:      request.PaymentRef,
		AmountCents:     request.AmountCents,
		Currency:        refundCurrency,
		Reason:          request.Reason,
	}); err != nil {
		// Earnings are already clawed back; the money has not moved. The
		// request stays at processing so an operator can retry the transfer.
		s.logg.Error(
			s.logg.WithFields(ctx, map[string]any{
				"refund_id":   refundID.String(),
				"payment_ref": request.PaymentRef,
			}),
			"gateway refund failed, request left processing", err)
		return nil, err
	}

	now := time.Now().UTC()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, refundID, enums.RefundStatusProcessing, enums.RefundStatusCompleted, map[string]any{
			"approved_by": actor.UserID,
			"decided_at":  now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete refund")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeInternal, "refund left processing unexpectedly").
				WithDetails(map[string]any{"refund_id": refundID})
		}
		moved, err := s.orders.WithTx(tx).UpdatePaymentStatusIf(ctx, request.OrderID, enums.PaymentStatusRefunding, enums.PaymentStatusRefunded)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order refunded")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeInternal, "order left refunding unexpectedly").
				WithDetails(map[string]any{"order_id": request.OrderID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionRefundApproved,
		Actor:      actor,
		TargetType: "refund_request",
		TargetID:   refundID,
		Detail:     map[string]any{"order_id": request.OrderID, "amount_cents": request.AmountCents},
	})
	return s.load(ctx, refundID)
}

// Reject closes a pending request without touching payment or earnings.
func (s *service) Reject(ctx context.Context, actor auth.Actor, refundID uuid.UUID, reason string) (*models.RefundRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund decisions require admin role")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rejection reason required")
	}
	request, err := s.load(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if request.Status.IsDecided() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyDecided, "refund request already decided").
			WithDetails(map[string]any{"status": string(request.Status)})
	}

	now := time.Now().UTC()
	flipped, err := s.repo.UpdateStatusIf(ctx, refundID, enums.RefundStatusPending, enums.RefundStatusRejected, map[string]any{
		"approved_by": actor.UserID,
		"decided_at":  now,
		"notes":       reason,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reject refund")
	}
	if !flipped {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyDecided, "refund request already decided")
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionRefundRejected,
		Actor:      actor,
		TargetType: "refund_request",
		TargetID:   refundID,
		Detail:     map[string]any{"order_id": request.OrderID, "reason": reason},
	})
	return s.load(ctx, refundID)
}

func (s *service) Get(ctx context.Context, actor auth.Actor, refundID uuid.UUID) (*models.RefundRequest, error) {
	request, err := s.load(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(request.BuyerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund does not belong to caller")
	}
	return request, nil
}

func (s *service) ListMine(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.RefundRequest, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	rows, err := s.repo.ListByBuyer(ctx, actor.UserID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refunds")
	}
	return rows, nil
}

func (s *service) ListPending(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.RefundRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund queue requires admin role")
	}
	rows, err := s.repo.ListByStatus(ctx, enums.RefundStatusPending, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending refunds")
	}
	return rows, nil
}

func (s *service) load(ctx context.Context, refundID uuid.UUID) (*models.RefundRequest, error) {
	if refundID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund id required")
	}
	request, err := s.repo.FindByID(ctx, refundID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund request not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load refund request")
	}
	return request, nil
}

package payouts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns the payout lifecycle. Its core concurrency guarantee mirrors
// the stock ledger: drawing an earning into a payout is a conditional flip
// available -> reserved_for_payout, so two concurrent requests can never
// spend the same earning.
type Service interface {
	Request(ctx context.Context, actor auth.Actor, input RequestInput) (*models.PayoutRequest, error)
	Approve(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error)
	ConfirmTransfer(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error)
	FailTransfer(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error)
	Reject(ctx context.Context, actor auth.Actor, payoutID uuid.UUID, reason string) (*models.PayoutRequest, error)
	CancelRequest(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error)
	Get(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error)
	ListSellerPayouts(ctx context.Context, actor auth.Actor, sellerID uuid.UUID, params pagination.Params) ([]models.PayoutRequest, error)
	ListPending(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.PayoutRequest, error)
}

// RequestInput captures one seller payout request.
type RequestInput struct {
	SellerID    uuid.UUID
	AmountCents int64
}

type service struct {
	repo           Repository
	tx             txRunner
	earnings       earnings.Repository
	minPayoutCents int64
	audit          audit.Recorder
	logg           *logger.Logger
}

// NewService builds the payout service with the required dependencies.
func NewService(
	repo Repository,
	tx txRunner,
	earningsRepo earnings.Repository,
	minPayoutCents int64,
	recorder audit.Recorder,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if earningsRepo == nil {
		return nil, fmt.Errorf("earnings repository required")
	}
	if minPayoutCents < 0 {
		return nil, fmt.Errorf("minimum payout must not be negative")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:           repo,
		tx:             tx,
		earnings:       earningsRepo,
		minPayoutCents: minPayoutCents,
		audit:          recorder,
		logg:           logg,
	}, nil
}

// Request draws available earnings oldest-eligible-first until the requested
// amount is covered, flipping each drawn row to reserved_for_payout. Whole
// earnings are drawn, so the payout amount is the drawn sum, which may
// slightly exceed the requested amount. If the seller's available balance
// cannot cover the request, everything rolls back and nothing stays
// reserved.
func (s *service) Request(ctx context.Context, actor auth.Actor, input RequestInput) (*models.PayoutRequest, error) {
	if input.SellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id required")
	}
	if !actor.Owns(input.SellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payouts do not belong to caller")
	}
	if input.AmountCents < s.minPayoutCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount below minimum payout").
			WithDetails(map[string]any{"amount_cents": input.AmountCents, "minimum_cents": s.minPayoutCents})
	}

	var request *models.PayoutRequest
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		earningsRepo := s.earnings.WithTx(tx)
		rows, err := earningsRepo.ListAvailableBySeller(ctx, input.SellerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list available earnings")
		}

		var (
			drawn      []models.PayoutEarning
			drawnCents int64
		)
		for _, earning := range rows {
			if drawnCents >= input.AmountCents {
				break
			}
			flipped, err := earningsRepo.UpdateStatusIf(ctx, earning.ID, enums.EarningStatusAvailable, enums.EarningStatusReservedForPayout)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve earning")
			}
			if !flipped {
				// Lost the race for this row; it no longer counts toward
				// the balance. Keep drawing from the rest.
				continue
			}
			drawn = append(drawn, models.PayoutEarning{
				EarningID:   earning.ID,
				AmountCents: earning.SellerCents,
			})
			drawnCents += earning.SellerCents
		}
		if drawnCents < input.AmountCents {
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "available balance below requested amount").
				WithDetails(map[string]any{"available_cents": drawnCents, "requested_cents": input.AmountCents})
		}

		request = &models.PayoutRequest{
			SellerID:    input.SellerID,
			AmountCents: drawnCents,
			Status:      enums.PayoutStatusPending,
			Earnings:    drawn,
			RequestedAt: time.Now().UTC(),
		}
		if err := s.repo.WithTx(tx).Create(ctx, request); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payout request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionPayoutRequested,
		Actor:      actor,
		TargetType: "payout_request",
		TargetID:   request.ID,
		Detail:     map[string]any{"seller_id": input.SellerID, "amount_cents": request.AmountCents},
	})
	return request, nil
}

// Approve moves a pending request into processing and makes sure every drawn
// earning is reserved. After a failed transfer reverted the earnings to
// available, a fresh approve re-reserves the same rows; if any of them was
// spent elsewhere in the meantime, the approve aborts.
func (s *service) Approve(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout decisions require admin role")
	}
	request, err := s.load(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if request.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyDecided, "payout request already decided").
			WithDetails(map[string]any{"status": string(request.Status)})
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, payoutID, enums.PayoutStatusPending, enums.PayoutStatusProcessing, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "start payout processing")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payout request is not pending").
				WithDetails(map[string]any{"status": string(request.Status)})
		}
		return s.ensureReserved(ctx, tx, request)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionPayoutApproved,
		Actor:      actor,
		TargetType: "payout_request",
		TargetID:   payoutID,
		Detail:     map[string]any{"amount_cents": request.AmountCents},
	})
	return s.load(ctx, payoutID)
}

// ConfirmTransfer records a successful external transfer: the request
// completes and the reserved earnings become paid.
func (s *service) ConfirmTransfer(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout decisions require admin role")
	}
	request, err := s.load(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, payoutID, enums.PayoutStatusProcessing, enums.PayoutStatusCompleted, map[string]any{
			"decided_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete payout")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payout is not processing").
				WithDetails(map[string]any{"status": string(request.Status)})
		}
		earningsRepo := s.earnings.WithTx(tx)
		for _, drawn := range request.Earnings {
			moved, err := earningsRepo.UpdateStatusIf(ctx, drawn.EarningID, enums.EarningStatusReservedForPayout, enums.EarningStatusPaid)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark earning paid")
			}
			if !moved {
				return pkgerrors.New(pkgerrors.CodeInternal, "drawn earning was not reserved").
					WithDetails(map[string]any{"earning_id": drawn.EarningID, "payout_id": payoutID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionPayoutCompleted,
		Actor:      actor,
		TargetType: "payout_request",
		TargetID:   payoutID,
		Detail:     map[string]any{"amount_cents": request.AmountCents},
	})
	return s.load(ctx, payoutID)
}

// FailTransfer records a failed external transfer: the earnings go back to
// available and the request returns to pending so it can be retried instead
// of stranding money at reserved_for_payout.
func (s *service) FailTransfer(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout decisions require admin role")
	}
	request, err := s.load(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, payoutID, enums.PayoutStatusProcessing, enums.PayoutStatusPending, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revert payout")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payout is not processing").
				WithDetails(map[string]any{"status": string(request.Status)})
		}
		return s.releaseDrawn(ctx, tx, request)
	})
	if err != nil {
		return nil, err
	}
	return s.load(ctx, payoutID)
}

// Reject closes a pending request and returns the drawn earnings to the
// seller's available balance.
func (s *service) Reject(ctx context.Context, actor auth.Actor, payoutID uuid.UUID, reason string) (*models.PayoutRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout decisions require admin role")
	}
	request, err := s.load(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if request.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyDecided, "payout request already decided").
			WithDetails(map[string]any{"status": string(request.Status)})
	}

	now := time.Now().UTC()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, payoutID, enums.PayoutStatusPending, enums.PayoutStatusRejected, map[string]any{
			"decided_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reject payout")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeAlreadyDecided, "payout request already decided")
		}
		return s.releaseDrawn(ctx, tx, request)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionPayoutRejected,
		Actor:      actor,
		TargetType: "payout_request",
		TargetID:   payoutID,
		Detail:     map[string]any{"reason": reason},
	})
	return s.load(ctx, payoutID)
}

// CancelRequest lets the seller withdraw a request that is still pending.
func (s *service) CancelRequest(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error) {
	request, err := s.load(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(request.SellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout does not belong to caller")
	}
	if request.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyDecided, "payout request already decided").
			WithDetails(map[string]any{"status": string(request.Status)})
	}

	now := time.Now().UTC()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		flipped, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, payoutID, enums.PayoutStatusPending, enums.PayoutStatusCancelled, map[string]any{
			"decided_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel payout")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payout can no longer be cancelled").
				WithDetails(map[string]any{"status": string(request.Status)})
		}
		return s.releaseDrawn(ctx, tx, request)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionPayoutCancelled,
		Actor:      actor,
		TargetType: "payout_request",
		TargetID:   payoutID,
	})
	return s.load(ctx, payoutID)
}

func (s *service) Get(ctx context.Context, actor auth.Actor, payoutID uuid.UUID) (*models.PayoutRequest, error) {
	request, err := s.load(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(request.SellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout does not belong to caller")
	}
	return request, nil
}

func (s *service) ListSellerPayouts(ctx context.Context, actor auth.Actor, sellerID uuid.UUID, params pagination.Params) ([]models.PayoutRequest, error) {
	if !actor.Owns(sellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payouts do not belong to caller")
	}
	rows, err := s.repo.ListBySeller(ctx, sellerID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payouts")
	}
	return rows, nil
}

func (s *service) ListPending(ctx context.Context, actor auth.Actor, params pagination.Params) ([]models.PayoutRequest, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "payout queue requires admin role")
	}
	rows, err := s.repo.ListByStatus(ctx, enums.PayoutStatusPending, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending payouts")
	}
	return rows, nil
}

// ensureReserved flips every drawn earning to reserved_for_payout, accepting
// rows that are already reserved (the normal first-approve case).
func (s *service) ensureReserved(ctx context.Context, tx *gorm.DB, request *models.PayoutRequest) error {
	earningsRepo := s.earnings.WithTx(tx)
	for _, drawn := range request.Earnings {
		flipped, err := earningsRepo.UpdateStatusIf(ctx, drawn.EarningID, enums.EarningStatusAvailable, enums.EarningStatusReservedForPayout)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve earning")
		}
		if flipped {
			continue
		}
		earning, err := earningsRepo.FindByID(ctx, drawn.EarningID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load earning")
		}
		if earning.Status != enums.EarningStatusReservedForPayout {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "drawn earning no longer available").
				WithDetails(map[string]any{"earning_id": drawn.EarningID, "status": string(earning.Status)})
		}
	}
	return nil
}

func (s *service) releaseDrawn(ctx context.Context, tx *gorm.DB, request *models.PayoutRequest) error {
	earningsRepo := s.earnings.WithTx(tx)
	for _, drawn := range request.Earnings {
		flipped, err := earningsRepo.UpdateStatusIf(ctx, drawn.EarningID, enums.EarningStatusReservedForPayout, enums.EarningStatusAvailable)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release earning")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeInternal, "drawn earning was not reserved").
				WithDetails(map[string]any{"earning_id": drawn.EarningID, "payout_id": request.ID})
		}
	}
	return nil
}

func (s *service) load(ctx context.Context, payoutID uuid.UUID) (*models.PayoutRequest, error) {
	if payoutID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payout id required")
	}
	request, err := s.repo.FindByID(ctx, payoutID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payout request not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout request")
	}
	return request, nil
}

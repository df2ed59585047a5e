package earnings

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

var oneHundred = decimal.NewFromInt(100)

// Service is the earnings ledger: one earning per order+seller pair with a
// fee percentage snapshotted at order time.
type Service interface {
	CreateForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, items []models.OrderItem) error
	Reverse(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, refundedCents int64) error
	PromoteCleared(ctx context.Context, now time.Time) (int64, error)
	ListSellerEarnings(ctx context.Context, actor auth.Actor, sellerID uuid.UUID, params pagination.Params) ([]models.Earning, error)
	AvailableBalance(ctx context.Context, actor auth.Actor, sellerID uuid.UUID) (int64, error)
}

type service struct {
	repo           Repository
	feePercent     decimal.Decimal
	clearingWindow time.Duration
}

// NewService builds the earnings ledger with the platform policy snapshot
// inputs.
func NewService(repo Repository, feePercent string, clearingWindow time.Duration) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("earnings repository required")
	}
	pct, err := decimal.NewFromString(feePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid platform fee percent %q: %w", feePercent, err)
	}
	if pct.IsNegative() || pct.GreaterThan(oneHundred) {
		return nil, fmt.Errorf("platform fee percent must be within [0,100]")
	}
	if clearingWindow <= 0 {
		return nil, fmt.Errorf("clearing window must be positive")
	}
	return &service{
		repo:           repo,
		feePercent:     pct,
		clearingWindow: clearingWindow,
	}, nil
}

// CreateForOrder writes one earning per distinct seller in the order.
// Duplicate inserts for the same (order, seller) pair are ignored, so a
// retried confirmation step cannot double-create earnings.
func (s *service) CreateForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, items []models.OrderItem) error {
	if order == nil || order.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	if len(items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order items required")
	}

	totals := make(map[uuid.UUID]int64)
	for _, item := range items {
		totals[item.SellerID] += item.TotalCents
	}

	sellers := make([]uuid.UUID, 0, len(totals))
	for sellerID := range totals {
		sellers = append(sellers, sellerID)
	}
	sort.Slice(sellers, func(i, j int) bool { return sellers[i].String() < sellers[j].String() })

	eligibleAt := time.Now().UTC().Add(s.clearingWindow)
	rows := make([]models.Earning, 0, len(sellers))
	for _, sellerID := range sellers {
		total := totals[sellerID]
		fee := s.feeFor(total)
		rows = append(rows, models.Earning{
			OrderID:            order.ID,
			SellerID:           sellerID,
			TotalCents:         total,
			PlatformFeePercent: s.feePercent,
			PlatformFeeCents:   fee,
			SellerCents:        total - fee,
			Status:             enums.EarningStatusPendingClearing,
			EligibleAt:         eligibleAt,
		})
	}

	if err := s.repo.WithTx(tx).CreateIgnoreDuplicates(ctx, rows); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create earnings")
	}
	return nil
}

// Reverse claws back an order's earnings proportionally to the refunded
// amount. A full refund zeroes each earning and marks it reversed; a partial
// refund reduces the amounts but leaves the status alone. Earnings already
// reserved for payout or paid fail with AlreadyPaidOut.
func (s *service) Reverse(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, refundedCents int64) error {
	if orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if refundedCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}

	repo := s.repo.WithTx(tx)
	rows, err := repo.FindByOrder(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load earnings")
	}
	if len(rows) == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "no earnings for order")
	}

	var orderTotal int64
	for _, earning := range rows {
		if !earning.Status.IsReversible() {
			return pkgerrors.New(pkgerrors.CodeAlreadyPaidOut, "earning already drawn into a payout").
				WithDetails(map[string]any{"earning_id": earning.ID, "status": string(earning.Status)})
		}
		orderTotal += earning.TotalCents
	}
	if orderTotal <= 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "earnings already fully reversed")
	}

	reversible := []enums.EarningStatus{enums.EarningStatusPendingClearing, enums.EarningStatusAvailable}

	full := refundedCents >= orderTotal
	now := time.Now().UTC()
	ratio := decimal.NewFromInt(refundedCents).Div(decimal.NewFromInt(orderTotal))

	for _, earning := range rows {
		if full {
			ok, err := repo.MarkReversedIf(ctx, earning.ID, now, reversible)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reverse earning")
			}
			if !ok {
				return pkgerrors.New(pkgerrors.CodeAlreadyPaidOut, "earning already drawn into a payout").
					WithDetails(map[string]any{"earning_id": earning.ID})
			}
			continue
		}

		reduceBy := decimal.NewFromInt(earning.TotalCents).Mul(ratio).Round(0).IntPart()
		newTotal := earning.TotalCents - reduceBy
		if newTotal < 0 {
			newTotal = 0
		}
		newFee := s.feeForWith(earning.PlatformFeePercent, newTotal)
		ok, err := repo.ReduceAmountsIf(ctx, earning.ID, newTotal, newFee, newTotal-newFee, reversible)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reduce earning")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeAlreadyPaidOut, "earning already drawn into a payout").
				WithDetails(map[string]any{"earning_id": earning.ID})
		}
	}
	return nil
}

func (s *service) PromoteCleared(ctx context.Context, now time.Time) (int64, error) {
	promoted, err := s.repo.PromoteCleared(ctx, now)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "promote cleared earnings")
	}
	return promoted, nil
}

func (s *service) ListSellerEarnings(ctx context.Context, actor auth.Actor, sellerID uuid.UUID, params pagination.Params) ([]models.Earning, error) {
	if !actor.Owns(sellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "earnings do not belong to caller")
	}
	rows, err := s.repo.ListBySeller(ctx, sellerID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list earnings")
	}
	return rows, nil
}

func (s *service) AvailableBalance(ctx context.Context, actor auth.Actor, sellerID uuid.UUID) (int64, error) {
	if !actor.Owns(sellerID) {
		return 0, pkgerrors.New(pkgerrors.CodeForbidden, "earnings do not belong to caller")
	}
	total, err := s.repo.SumBySellerAndStatus(ctx, sellerID, enums.EarningStatusAvailable)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum available earnings")
	}
	return total, nil
}

func (s *service) feeFor(totalCents int64) int64 {
	return s.feeForWith(s.feePercent, totalCents)
}

func (s *service) feeForWith(percent decimal.Decimal, totalCents int64) int64 {
	return decimal.NewFromInt(totalCents).Mul(percent).Div(oneHundred).Round(0).IntPart()
}

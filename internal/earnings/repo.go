package earnings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

// Repository persists seller earnings. Creation is idempotent on
// (order_id, seller_id); status flips are guarded by the expected prior
// status so concurrent payout/refund flows race safely.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateIgnoreDuplicates(ctx context.Context, earnings []models.Earning) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Earning, error)
	FindByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Earning, error)
	ListAvailableBySeller(ctx context.Context, sellerID uuid.UUID) ([]models.Earning, error)
	ListBySeller(ctx context.Context, sellerID uuid.UUID, params pagination.Params) ([]models.Earning, error)
	SumBySellerAndStatus(ctx context.Context, sellerID uuid.UUID, status enums.EarningStatus) (int64, error)
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to enums.EarningStatus) (bool, error)
	ReduceAmountsIf(ctx context.Context, id uuid.UUID, totalCents, feeCents, sellerCents int64, expected []enums.EarningStatus) (bool, error)
	MarkReversedIf(ctx context.Context, id uuid.UUID, reversedAt time.Time, expected []enums.EarningStatus) (bool, error)
	PromoteCleared(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an earnings repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateIgnoreDuplicates(ctx context.Context, earnings []models.Earning) error {
	if len(earnings) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "seller_id"}},
			DoNothing: true,
		}).
		Create(&earnings).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Earning, error) {
	var earning models.Earning
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&earning).Error
	if err != nil {
		return nil, err
	}
	return &earning, nil
}

func (r *repository) FindByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Earning, error) {
	var earnings []models.Earning
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seller_id ASC").
		Find(&earnings).Error
	if err != nil {
		return nil, err
	}
	return earnings, nil
}

// ListAvailableBySeller returns available earnings oldest-eligible-first,
// the deterministic draw-down order for payout requests.
func (r *repository) ListAvailableBySeller(ctx context.Context, sellerID uuid.UUID) ([]models.Earning, error) {
	var earnings []models.Earning
	err := r.db.WithContext(ctx).
		Where("seller_id = ? AND status = ?", sellerID, enums.EarningStatusAvailable).
		Order("eligible_at ASC, id ASC").
		Find(&earnings).Error
	if err != nil {
		return nil, err
	}
	return earnings, nil
}

func (r *repository) ListBySeller(ctx context.Context, sellerID uuid.UUID, params pagination.Params) ([]models.Earning, error) {
	q := r.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit))

	if cursor, err := pagination.ParseCursor(params.Cursor); err == nil && cursor != nil {
		q = q.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	var earnings []models.Earning
	if err := q.Find(&earnings).Error; err != nil {
		return nil, err
	}
	return earnings, nil
}

func (r *repository) SumBySellerAndStatus(ctx context.Context, sellerID uuid.UUID, status enums.EarningStatus) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Earning{}).
		Where("seller_id = ? AND status = ?", sellerID, status).
		Select("COALESCE(SUM(seller_cents), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to enums.EarningStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Earning{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) ReduceAmountsIf(ctx context.Context, id uuid.UUID, totalCents, feeCents, sellerCents int64, expected []enums.EarningStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Earning{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(map[string]any{
			"total_cents":        totalCents,
			"platform_fee_cents": feeCents,
			"seller_cents":       sellerCents,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) MarkReversedIf(ctx context.Context, id uuid.UUID, reversedAt time.Time, expected []enums.EarningStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Earning{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(map[string]any{
			"status":             enums.EarningStatusReversed,
			"total_cents":        0,
			"platform_fee_cents": 0,
			"seller_cents":       0,
			"reversed_at":        reversedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PromoteCleared flips earnings past their clearing window to available,
// skipping any order that still has a refund under review. One guarded
// UPDATE, safe to run concurrently with user traffic.
func (r *repository) PromoteCleared(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE earnings
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND eligible_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM refund_requests
			WHERE refund_requests.order_id = earnings.order_id
			  AND refund_requests.status IN (?, ?)
		  )
	`,
		enums.EarningStatusAvailable,
		enums.EarningStatusPendingClearing,
		now,
		enums.RefundStatusPending,
		enums.RefundStatusProcessing,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

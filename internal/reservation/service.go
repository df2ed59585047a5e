package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// StockLedger is the slice of the inventory ledger the reservation
// manager drives.
type StockLedger interface {
	Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error
	Commit(ctx context.Context, tx *gorm.DB, productID uuid.UUID, variantKey string, qty int) error
}

// Service manages TTL-bounded stock claims. Mutating methods accept an
// optional transaction so callers composing larger operations (cart add,
// order confirmation) stay atomic; a nil tx runs standalone.
type Service interface {
	Reserve(ctx context.Context, tx *gorm.DB, input ReserveInput) (*models.Reservation, error)
	Extend(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID, newQty int) (*models.Reservation, error)
	Release(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error
	Commit(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error
	Get(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ReserveInput captures a new stock claim for a cart.
type ReserveInput struct {
	CartID     uuid.UUID
	ProductID  uuid.UUID
	VariantKey string
	Qty        int
}

type service struct {
	repo   Repository
	tx     txRunner
	ledger StockLedger
	ttl    time.Duration
	logger *logger.Logger
}

// NewService builds the reservation manager with the required dependencies.
func NewService(repo Repository, tx txRunner, ledger StockLedger, ttl time.Duration, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("reservation ttl must be positive")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		ledger: ledger,
		ttl:    ttl,
		logger: logg,
	}, nil
}

func (s *service) run(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.tx.WithTx(ctx, fn)
}

func (s *service) Reserve(ctx context.Context, tx *gorm.DB, input ReserveInput) (*models.Reservation, error) {
	if input.CartID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart id required")
	}
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if input.Qty <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	var created *models.Reservation
	err := s.run(ctx, tx, func(tx *gorm.DB) error {
		if err := s.ledger.Reserve(ctx, tx, input.ProductID, input.VariantKey, input.Qty); err != nil {
			return err
		}
		reservation := &models.Reservation{
			CartID:     input.CartID,
			ProductID:  input.ProductID,
			VariantKey: input.VariantKey,
			Qty:        input.Qty,
			Status:     enums.ReservationStatusActive,
			ExpiresAt:  time.Now().UTC().Add(s.ttl),
		}
		saved, err := s.repo.WithTx(tx).Create(ctx, reservation)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create reservation")
		}
		created = saved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Extend adjusts a reservation to a new quantity by applying the delta to
// the ledger. An insufficient-stock increase leaves the reservation at its
// prior quantity. The TTL window restarts on every successful extend.
func (s *service) Extend(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID, newQty int) (*models.Reservation, error) {
	if reservationID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation id required")
	}
	if newQty <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	var updated *models.Reservation
	err := s.run(ctx, tx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		reservation, err := repo.FindByID(ctx, reservationID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
		}
		if reservation.Status != enums.ReservationStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "reservation is not active")
		}

		delta := newQty - reservation.Qty
		switch {
		case delta > 0:
			if err := s.ledger.Reserve(ctx, tx, reservation.ProductID, reservation.VariantKey, delta); err != nil {
				return err
			}
		case delta < 0:
			if err := s.ledger.Release(ctx, tx, reservation.ProductID, reservation.VariantKey, -delta); err != nil {
				return err
			}
		}

		expiresAt := time.Now().UTC().Add(s.ttl)
		res := tx.WithContext(ctx).
			Model(&models.Reservation{}).
			Where("id = ?", reservation.ID).
			Updates(map[string]any{"qty": newQty, "expires_at": expiresAt})
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update reservation")
		}

		reservation.Qty = newQty
		reservation.ExpiresAt = expiresAt
		updated = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Release returns a reservation's quantity to the available pool. Releasing
// a reservation that is already released, expired, or committed is a no-op.
func (s *service) Release(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error {
	if reservationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "reservation id required")
	}

	return s.run(ctx, tx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		reservation, err := repo.FindByID(ctx, reservationID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
		}
		if reservation.Status.IsTerminal() {
			return nil
		}

		flipped, err := repo.UpdateStatusIf(ctx, reservation.ID, enums.ReservationStatusActive, enums.ReservationStatusReleased)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release reservation")
		}
		if !flipped {
			// Lost the race to another releaser or the sweep; their release
			// already returned the stock.
			return nil
		}
		return s.ledger.Release(ctx, tx, reservation.ProductID, reservation.VariantKey, reservation.Qty)
	})
}

// Commit permanently converts an active reservation into a stock decrement.
// Only the order lifecycle calls this, exactly once, on payment success;
// a commit against a non-active reservation is an invariant breach.
func (s *service) Commit(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error {
	if reservationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "reservation id required")
	}

	return s.run(ctx, tx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		reservation, err := repo.FindByID(ctx, reservationID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
		}

		flipped, err := repo.UpdateStatusIf(ctx, reservation.ID, enums.ReservationStatusActive, enums.ReservationStatusCommitted)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "commit reservation")
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeInternal, "commit of non-active reservation").
				WithDetails(map[string]any{
					"reservation_id": reservation.ID,
					"status":         string(reservation.Status),
				})
		}
		return s.ledger.Commit(ctx, tx, reservation.ProductID, reservation.VariantKey, reservation.Qty)
	})
}

func (s *service) Get(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	reservation, err := s.repo.FindByID(ctx, reservationID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
	}
	return reservation, nil
}

// ExpireDue releases reservations whose TTL has lapsed. Each row is handled
// in its own transaction through the same guarded release path as explicit
// release, so the sweep is safe to run alongside user traffic.
func (s *service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.ListExpiredActive(ctx, now, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired reservations")
	}

	expired := 0
	var errs []error
	for _, reservation := range due {
		res := reservation
		flipped := false
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			ok, err := repo.UpdateStatusIf(ctx, res.ID, enums.ReservationStatusActive, enums.ReservationStatusExpired)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire reservation")
			}
			if !ok {
				// Released, committed, or expired by someone else since listing.
				return nil
			}
			flipped = true
			return s.ledger.Release(ctx, tx, res.ProductID, res.VariantKey, res.Qty)
		})
		if err != nil {
			// A single bad row must not stall the rest of the sweep.
			errs = append(errs, fmt.Errorf("expire reservation %s: %w", res.ID, err))
			continue
		}
		if flipped {
			expired++
		}
	}
	return expired, multierr.Combine(errs...)
}

package cart

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/reservation"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// reservationManager is the slice of the reservation service the cart drives.
// Reserving stock is a precondition of a successful add, never a best-effort
// side effect: no cart item exists without a live reservation behind it.
type reservationManager interface {
	Reserve(ctx context.Context, tx *gorm.DB, input reservation.ReserveInput) (*models.Reservation, error)
	Extend(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID, newQty int) (*models.Reservation, error)
	Release(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error
}

type productLoader interface {
	FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error)
}

// Service manages a buyer's open cart.
type Service interface {
	GetCart(ctx context.Context, actor auth.Actor) (*models.CartRecord, error)
	AddItem(ctx context.Context, actor auth.Actor, input AddItemInput) (*models.CartItem, error)
	UpdateItem(ctx context.Context, actor auth.Actor, itemID uuid.UUID, qty int) (*models.CartItem, error)
	RemoveItem(ctx context.Context, actor auth.Actor, itemID uuid.UUID) error
	Clear(ctx context.Context, actor auth.Actor) error
	ExtendReservation(ctx context.Context, actor auth.Actor, reservationID uuid.UUID, qty int) (*models.Reservation, error)
}

// AddItemInput captures one add-to-cart request.
type AddItemInput struct {
	ProductID  uuid.UUID
	VariantKey string
	Qty        int
}

type service struct {
	repo         Repository
	tx           txRunner
	reservations reservationManager
	catalog      productLoader
}

// NewService builds a cart service with the required dependencies.
func NewService(repo Repository, tx txRunner, reservations reservationManager, catalog productLoader) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if reservations == nil {
		return nil, fmt.Errorf("reservation manager required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog loader required")
	}
	return &service{
		repo:         repo,
		tx:           tx,
		reservations: reservations,
		catalog:      catalog,
	}, nil
}

func (s *service) GetCart(ctx context.Context, actor auth.Actor) (*models.CartRecord, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	cart, err := s.repo.FindActiveByBuyer(ctx, actor.UserID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &models.CartRecord{BuyerID: actor.UserID, Status: enums.CartStatusActive}, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}
	return cart, nil
}

func (s *service) AddItem(ctx context.Context, actor auth.Actor, input AddItemInput) (*models.CartItem, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if input.Qty <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	var result *models.CartItem
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		product, err := s.catalog.FindProduct(ctx, input.ProductID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
		}
		if !product.Active {
			return pkgerrors.New(pkgerrors.CodeValidation, "product is not available")
		}

		cart, err := repo.FindActiveByBuyer(ctx, actor.UserID)
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
			}
			cart, err = repo.Create(ctx, &models.CartRecord{BuyerID: actor.UserID, Status: enums.CartStatusActive})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create cart")
			}
		}

		existing, err := repo.FindItemByProduct(ctx, cart.ID, input.ProductID, input.VariantKey)
		if err != nil && err != gorm.ErrRecordNotFound {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart item")
		}

		if existing != nil && err == nil {
			newQty := existing.Qty + input.Qty
			if _, err := s.reservations.Extend(ctx, tx, existing.ReservationID, newQty); err != nil {
				return err
			}
			if err := repo.UpdateItemQty(ctx, existing.ID, newQty); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cart item")
			}
			existing.Qty = newQty
			result = existing
			return nil
		}

		reserved, err := s.reservations.Reserve(ctx, tx, reservation.ReserveInput{
			CartID:     cart.ID,
			ProductID:  input.ProductID,
			VariantKey: input.VariantKey,
			Qty:        input.Qty,
		})
		if err != nil {
			return err
		}

		item := &models.CartItem{
			CartID:         cart.ID,
			ProductID:      input.ProductID,
			VariantKey:     input.VariantKey,
			Qty:            input.Qty,
			UnitPriceCents: product.UnitPriceCents,
			ReservationID:  reserved.ID,
		}
		saved, err := repo.CreateItem(ctx, item)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create cart item")
		}
		result = saved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) UpdateItem(ctx context.Context, actor auth.Actor, itemID uuid.UUID, qty int) (*models.CartItem, error) {
	if itemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id required")
	}
	if qty <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	var result *models.CartItem
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		item, err := s.ownedItem(ctx, repo, actor, itemID)
		if err != nil {
			return err
		}
		if _, err := s.reservations.Extend(ctx, tx, item.ReservationID, qty); err != nil {
			return err
		}
		if err := repo.UpdateItemQty(ctx, item.ID, qty); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cart item")
		}
		item.Qty = qty
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) RemoveItem(ctx context.Context, actor auth.Actor, itemID uuid.UUID) error {
	if itemID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "item id required")
	}

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		item, err := s.ownedItem(ctx, repo, actor, itemID)
		if err != nil {
			return err
		}
		if err := s.reservations.Release(ctx, tx, item.ReservationID); err != nil {
			return err
		}
		if err := repo.DeleteItem(ctx, item.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete cart item")
		}
		return nil
	})
}

func (s *service) Clear(ctx context.Context, actor auth.Actor) error {
	if !actor.IsValid() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := repo.FindActiveByBuyer(ctx, actor.UserID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
		}
		for _, item := range cart.Items {
			if err := s.reservations.Release(ctx, tx, item.ReservationID); err != nil {
				return err
			}
			if err := repo.DeleteItem(ctx, item.ID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete cart item")
			}
		}
		return nil
	})
}

func (s *service) ExtendReservation(ctx context.Context, actor auth.Actor, reservationID uuid.UUID, qty int) (*models.Reservation, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if reservationID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation id required")
	}

	var result *models.Reservation
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		item, err := repo.FindItemByReservation(ctx, reservationID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart item")
		}
		cart, err := repo.FindByID(ctx, item.CartID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
		}
		if !actor.Owns(cart.BuyerID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "reservation does not belong to caller")
		}
		if cart.Status != enums.CartStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "cart is not active")
		}

		// Zero or negative quantity means a pure TTL refresh at the
		// current quantity.
		newQty := qty
		if newQty <= 0 {
			newQty = item.Qty
		}
		reserved, err := s.reservations.Extend(ctx, tx, reservationID, newQty)
		if err != nil {
			return err
		}
		if newQty != item.Qty {
			if err := repo.UpdateItemQty(ctx, item.ID, newQty); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cart item")
			}
		}
		result = reserved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) ownedItem(ctx context.Context, repo Repository, actor auth.Actor, itemID uuid.UUID) (*models.CartItem, error) {
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	item, err := repo.FindItem(ctx, itemID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart item")
	}
	cart, err := repo.FindByID(ctx, item.CartID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}
	if !actor.Owns(cart.BuyerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "cart does not belong to caller")
	}
	if cart.Status != enums.CartStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cart is not active")
	}
	return item, nil
}

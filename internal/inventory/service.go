package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercato-dev/mercato-backend/internal/audit"
	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productLoader interface {
	FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error)
}

// Service exposes the stock operations reachable over HTTP. All counter
// mutations still go through the ledger's guarded writes.
type Service interface {
	Availability(ctx context.Context, productID uuid.UUID, variantKey string) (*models.InventoryItem, error)
	SetTotal(ctx context.Context, actor auth.Actor, productID uuid.UUID, variantKey string, totalQty int) (*models.InventoryItem, error)
}

type service struct {
	ledger  Ledger
	tx      txRunner
	catalog productLoader
	audit   audit.Recorder
}

// NewService builds the inventory service with the required dependencies.
func NewService(ledger Ledger, tx txRunner, catalog productLoader, recorder audit.Recorder) (Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog loader required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	return &service{ledger: ledger, tx: tx, catalog: catalog, audit: recorder}, nil
}

func (s *service) Availability(ctx context.Context, productID uuid.UUID, variantKey string) (*models.InventoryItem, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	return s.ledger.GetAvailability(ctx, productID, variantKey)
}

func (s *service) SetTotal(ctx context.Context, actor auth.Actor, productID uuid.UUID, variantKey string, totalQty int) (*models.InventoryItem, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if totalQty < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total quantity cannot be negative")
	}

	product, err := s.catalog.FindProduct(ctx, productID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if !actor.Owns(product.SellerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "product does not belong to caller")
	}

	var item *models.InventoryItem
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		item, err = s.ledger.SetTotal(ctx, tx, productID, variantKey, totalQty)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     enums.AuditActionInventoryAdjusted,
		Actor:      actor,
		TargetType: "product",
		TargetID:   productID,
		Detail: map[string]any{
			"variant_key":   variantKey,
			"total_qty":     item.TotalQty,
			"available_qty": item.AvailableQty,
			"reserved_qty":  item.ReservedQty,
		},
	})
	return item, nil
}

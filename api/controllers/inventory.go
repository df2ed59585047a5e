package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/api/middleware"
	"github.com/mercato-dev/mercato-backend/api/responses"
	"github.com/mercato-dev/mercato-backend/api/validators"
	inventorysvc "github.com/mercato-dev/mercato-backend/internal/inventory"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

// InventoryAvailability returns the current stock counters for a product.
func InventoryAvailability(svc inventorysvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}

		productID, err := pathUUID(r, "productID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		variantKey := validators.SanitizeString(r.URL.Query().Get("variant_key"), 64)
		item, err := svc.Availability(r.Context(), productID, variantKey)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newInventoryResponse(item))
	}
}

// SellerInventorySet resets a product's total stock, preserving reserved
// units.
func SellerInventorySet(svc inventorysvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}

		productID, err := pathUUID(r, "productID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload setInventoryRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		item, err := svc.SetTotal(r.Context(), actor, productID, validators.SanitizeString(payload.VariantKey, 64), payload.TotalQty)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newInventoryResponse(item))
	}
}

type setInventoryRequest struct {
	VariantKey string `json:"variant_key"`
	TotalQty   int    `json:"total_qty" validate:"min=0"`
}

type inventoryResponse struct {
	ProductID    uuid.UUID `json:"product_id"`
	VariantKey   string    `json:"variant_key,omitempty"`
	TotalQty     int       `json:"total_qty"`
	AvailableQty int       `json:"available_qty"`
	ReservedQty  int       `json:"reserved_qty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newInventoryResponse(item *models.InventoryItem) inventoryResponse {
	return inventoryResponse{
		ProductID:    item.ProductID,
		VariantKey:   item.VariantKey,
		TotalQty:     item.TotalQty,
		AvailableQty: item.AvailableQty,
		ReservedQty:  item.ReservedQty,
		UpdatedAt:    item.UpdatedAt,
	}
}

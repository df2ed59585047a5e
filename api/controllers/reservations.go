package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/api/middleware"
	"github.com/mercato-dev/mercato-backend/api/responses"
	"github.com/mercato-dev/mercato-backend/api/validators"
	cartsvc "github.com/mercato-dev/mercato-backend/internal/cart"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
)

// ReservationExtend refreshes a reservation's hold, optionally resizing it.
// A zero or omitted qty keeps the current quantity.
func ReservationExtend(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}

		reservationID, err := pathUUID(r, "reservationID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload extendReservationRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		reservation, err := svc.ExtendReservation(r.Context(), actor, reservationID, payload.Qty)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newReservationResponse(reservation))
	}
}

type extendReservationRequest struct {
	Qty int `json:"qty" validate:"min=0"`
}

type reservationResponse struct {
	ID         uuid.UUID `json:"id"`
	CartID     uuid.UUID `json:"cart_id"`
	ProductID  uuid.UUID `json:"product_id"`
	VariantKey string    `json:"variant_key,omitempty"`
	Qty        int       `json:"qty"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func newReservationResponse(reservation *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:         reservation.ID,
		CartID:     reservation.CartID,
		ProductID:  reservation.ProductID,
		VariantKey: reservation.VariantKey,
		Qty:        reservation.Qty,
		Status:     string(reservation.Status),
		ExpiresAt:  reservation.ExpiresAt,
		CreatedAt:  reservation.CreatedAt,
	}
}

package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/api/middleware"
	"github.com/mercato-dev/mercato-backend/api/responses"
	earningsvc "github.com/mercato-dev/mercato-backend/internal/earnings"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

// SellerEarningsList returns the caller's earnings, newest first.
func SellerEarningsList(svc earningsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "earnings service unavailable"))
			return
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		earnings, err := svc.ListSellerEarnings(r.Context(), actor, actor.UserID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newEarningListResponse(earnings, params.Limit))
	}
}

// SellerBalance returns the caller's payout-eligible balance.
func SellerBalance(svc earningsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "earnings service unavailable"))
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		balance, err := svc.AvailableBalance(r.Context(), actor, actor.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, balanceResponse{
			SellerID:       actor.UserID,
			AvailableCents: balance,
		})
	}
}

type balanceResponse struct {
	SellerID       uuid.UUID `json:"seller_id"`
	AvailableCents int64     `json:"available_cents"`
}

type earningResponse struct {
	ID               uuid.UUID  `json:"id"`
	OrderID          uuid.UUID  `json:"order_id"`
	TotalCents       int64      `json:"total_cents"`
	PlatformFeeCents int64      `json:"platform_fee_cents"`
	SellerCents      int64      `json:"seller_cents"`
	Status           string     `json:"status"`
	EligibleAt       time.Time  `json:"eligible_at"`
	ReversedAt       *time.Time `json:"reversed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type earningListResponse struct {
	Earnings   []earningResponse `json:"earnings"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func newEarningListResponse(earnings []models.Earning, limit int) earningListResponse {
	limit = pagination.NormalizeLimit(limit)
	next := ""
	if len(earnings) > limit {
		earnings = earnings[:limit]
		last := earnings[len(earnings)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	out := make([]earningResponse, 0, len(earnings))
	for _, earning := range earnings {
		out = append(out, earningResponse{
			ID:               earning.ID,
			OrderID:          earning.OrderID,
			TotalCents:       earning.TotalCents,
			PlatformFeeCents: earning.PlatformFeeCents,
			SellerCents:      earning.SellerCents,
			Status:           string(earning.Status),
			EligibleAt:       earning.EligibleAt,
			ReversedAt:       earning.ReversedAt,
			CreatedAt:        earning.CreatedAt,
		})
	}
	return earningListResponse{Earnings: out, NextCursor: next}
}

package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/api/middleware"
	"github.com/mercato-dev/mercato-backend/api/responses"
	"github.com/mercato-dev/mercato-backend/api/validators"
	payoutsvc "github.com/mercato-dev/mercato-backend/internal/payouts"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

// PayoutCreate draws available earnings into a new payout request.
func PayoutCreate(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		var payload createPayoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		payout, err := svc.Request(r.Context(), actor, payoutsvc.RequestInput{
			SellerID:    actor.UserID,
			AmountCents: payload.AmountCents,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newPayoutResponse(payout))
	}
}

// PayoutFetch returns one payout request visible to the caller.
func PayoutFetch(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		payoutID, err := pathUUID(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		payout, err := svc.Get(r.Context(), actor, payoutID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPayoutResponse(payout))
	}
}

// PayoutList returns the caller's payout requests, newest first.
func PayoutList(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		payouts, err := svc.ListSellerPayouts(r.Context(), actor, actor.UserID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPayoutListResponse(payouts, params.Limit))
	}
}

// PayoutCancel withdraws a still-pending payout request.
func PayoutCancel(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		payoutID, err := pathUUID(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		payout, err := svc.CancelRequest(r.Context(), actor, payoutID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPayoutResponse(payout))
	}
}

// AdminPayoutList returns pending payout requests, oldest first.
func AdminPayoutList(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		payouts, err := svc.ListPending(r.Context(), actor, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPayoutListResponse(payouts, params.Limit))
	}
}

// AdminPayoutDecision approves or rejects a pending payout request.
func AdminPayoutDecision(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		payoutID, err := pathUUID(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload payoutDecisionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		var payout *models.PayoutRequest
		switch payload.Decision {
		case "approve":
			payout, err = svc.Approve(r.Context(), actor, payoutID)
		case "reject":
			payout, err = svc.Reject(r.Context(), actor, payoutID, validators.SanitizeString(payload.Reason, 512))
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "decision must be approve or reject")
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPayoutResponse(payout))
	}
}

// AdminPayoutTransfer records the outcome of the external transfer for an
// approved payout: completed pays the drawn earnings, failed returns them.
func AdminPayoutTransfer(svc payoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		payoutID, err := pathUUID(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload payoutTransferRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		var payout *models.PayoutRequest
		switch payload.Result {
		case "completed":
			payout, err = svc.ConfirmTransfer(r.Context(), actor, payoutID)
		case "failed":
			payout, err = svc.FailTransfer(r.Context(), actor, payoutID)
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "result must be completed or failed")
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPayoutResponse(payout))
	}
}

type createPayoutRequest struct {
	AmountCents int64 `json:"amount_cents" validate:"required,min=1"`
}

type payoutDecisionRequest struct {
	Decision string `json:"decision" validate:"required"`
	Reason   string `json:"reason"`
}

type payoutTransferRequest struct {
	Result string `json:"result" validate:"required"`
}

type payoutResponse struct {
	ID          uuid.UUID               `json:"id"`
	SellerID    uuid.UUID               `json:"seller_id"`
	AmountCents int64                   `json:"amount_cents"`
	Status      string                  `json:"status"`
	Earnings    []payoutEarningResponse `json:"earnings,omitempty"`
	RequestedAt time.Time               `json:"requested_at"`
	DecidedAt   *time.Time              `json:"decided_at,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

type payoutEarningResponse struct {
	EarningID   uuid.UUID `json:"earning_id"`
	AmountCents int64     `json:"amount_cents"`
}

type payoutListResponse struct {
	Payouts    []payoutResponse `json:"payouts"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func newPayoutResponse(payout *models.PayoutRequest) payoutResponse {
	earnings := make([]payoutEarningResponse, 0, len(payout.Earnings))
	for _, drawn := range payout.Earnings {
		earnings = append(earnings, payoutEarningResponse{
			EarningID:   drawn.EarningID,
			AmountCents: drawn.AmountCents,
		})
	}
	return payoutResponse{
		ID:          payout.ID,
		SellerID:    payout.SellerID,
		AmountCents: payout.AmountCents,
		Status:      string(payout.Status),
		Earnings:    earnings,
		RequestedAt: payout.RequestedAt,
		DecidedAt:   payout.DecidedAt,
		CreatedAt:   payout.CreatedAt,
		UpdatedAt:   payout.UpdatedAt,
	}
}

func newPayoutListResponse(payouts []models.PayoutRequest, limit int) payoutListResponse {
	limit = pagination.NormalizeLimit(limit)
	next := ""
	if len(payouts) > limit {
		payouts = payouts[:limit]
		last := payouts[len(payouts)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	out := make([]payoutResponse, 0, len(payouts))
	for i := range payouts {
		out = append(out, newPayoutResponse(&payouts[i]))
	}
	return payoutListResponse{Payouts: out, NextCursor: next}
}

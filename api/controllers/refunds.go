package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/api/middleware"
	"github.com/mercato-dev/mercato-backend/api/responses"
	"github.com/mercato-dev/mercato-backend/api/validators"
	refundsvc "github.com/mercato-dev/mercato-backend/internal/refunds"
	"github.com/mercato-dev/mercato-backend/pkg/db/models"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
	pkgerrors "github.com/mercato-dev/mercato-backend/pkg/errors"
	"github.com/mercato-dev/mercato-backend/pkg/logger"
	"github.com/mercato-dev/mercato-backend/pkg/pagination"
)

// RefundCreate opens a refund request against a paid order.
func RefundCreate(svc refundsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		var payload createRefundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input, err := payload.toInput()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		refund, err := svc.Request(r.Context(), actor, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newRefundResponse(refund))
	}
}

// RefundFetch returns one refund request visible to the caller.
func RefundFetch(svc refundsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		refundID, err := pathUUID(r, "refundID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		refund, err := svc.Get(r.Context(), actor, refundID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newRefundResponse(refund))
	}
}

// RefundList returns the caller's refund requests, newest first.
func RefundList(svc refundsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		refunds, err := svc.ListMine(r.Context(), actor, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newRefundListResponse(refunds, params.Limit))
	}
}

// AdminRefundList returns pending refund requests, oldest first.
func AdminRefundList(svc refundsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		refunds, err := svc.ListPending(r.Context(), actor, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newRefundListResponse(refunds, params.Limit))
	}
}

// AdminRefundDecision approves or rejects a pending refund request.
func AdminRefundDecision(svc refundsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		refundID, err := pathUUID(r, "refundID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload refundDecisionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(r.Context())
		var refund *models.RefundRequest
		switch payload.Decision {
		case "approve":
			refund, err = svc.Approve(r.Context(), actor, refundID)
		case "reject":
			refund, err = svc.Reject(r.Context(), actor, refundID, validators.SanitizeString(payload.Reason, 512))
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "decision must be approve or reject")
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newRefundResponse(refund))
	}
}

type createRefundRequest struct {
	OrderID     uuid.UUID `json:"order_id" validate:"required"`
	Type        string    `json:"type" validate:"required"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason" validate:"required,min=3,max=512"`
}

func (r createRefundRequest) toInput() (refundsvc.RequestInput, error) {
	refundType, err := enums.ParseRefundType(r.Type)
	if err != nil {
		return refundsvc.RequestInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid refund type")
	}
	return refundsvc.RequestInput{
		OrderID:     r.OrderID,
		AmountCents: r.AmountCents,
		Type:        refundType,
		Reason:      validators.SanitizeString(r.Reason, 512),
	}, nil
}

type refundDecisionRequest struct {
	Decision string `json:"decision" validate:"required"`
	Reason   string `json:"reason"`
}

type refundResponse struct {
	ID          uuid.UUID  `json:"id"`
	OrderID     uuid.UUID  `json:"order_id"`
	BuyerID     uuid.UUID  `json:"buyer_id"`
	AmountCents int64      `json:"amount_cents"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason"`
	Notes       *string    `json:"notes,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type refundListResponse struct {
	Refunds    []refundResponse `json:"refunds"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func newRefundResponse(refund *models.RefundRequest) refundResponse {
	return refundResponse{
		ID:          refund.ID,
		OrderID:     refund.OrderID,
		BuyerID:     refund.BuyerID,
		AmountCents: refund.AmountCents,
		Type:        string(refund.Type),
		Status:      string(refund.Status),
		Reason:      refund.Reason,
		Notes:       refund.Notes,
		DecidedAt:   refund.DecidedAt,
		CreatedAt:   refund.CreatedAt,
		UpdatedAt:   refund.UpdatedAt,
	}
}

func newRefundListResponse(refunds []models.RefundRequest, limit int) refundListResponse {
	limit = pagination.NormalizeLimit(limit)
	next := ""
	if len(refunds) > limit {
		refunds = refunds[:limit]
		last := refunds[len(refunds)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	out := make([]refundResponse, 0, len(refunds))
	for i := range refunds {
		out = append(out, newRefundResponse(&refunds[i]))
	}
	return refundListResponse{Refunds: out, NextCursor: next}
}

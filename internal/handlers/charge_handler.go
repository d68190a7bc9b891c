package handlers

import (
	"context"
	"net/http"
	"time"

	"ledger-service/internal/services"
)

type ChargeService interface {
	RecalculateInterest(ctx context.Context, communityID, chargeID int64, asOf time.Time) (*services.AccrualOutcome, error)
	AccrueCommunity(ctx context.Context, communityID int64, asOf time.Time) (*services.BatchAccrualResult, error)
}

type ChargeHandler struct {
	chargeService ChargeService
}

func NewChargeHandler(chargeService ChargeService) *ChargeHandler {
	return &ChargeHandler{chargeService: chargeService}
}

func (h *ChargeHandler) RecalculateInterest(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	chargeID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}
	asOf, err := asOfParam(r.URL.Query().Get("as_of"))
	if err != nil {
		respondWithError(w, err)
		return
	}

	outcome, err := h.chargeService.RecalculateInterest(r.Context(), communityID, chargeID, asOf)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}

// AccrueCommunity runs the accrual batch on demand. Individual charge
// failures are part of a 200 response.
func (h *ChargeHandler) AccrueCommunity(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathCommunityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	asOf, err := asOfParam(r.URL.Query().Get("as_of"))
	if err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.chargeService.AccrueCommunity(r.Context(), communityID, asOf)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

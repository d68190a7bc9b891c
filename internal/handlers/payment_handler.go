package handlers

import (
	"context"
	"net/http"
	"time"

	"ledger-service/internal/gateway"
	"ledger-service/internal/models"
	"ledger-service/internal/services"
	"ledger-service/internal/validator"
)

type PaymentService interface {
	Register(ctx context.Context, req services.RegisterPaymentRequest) (*services.RegisterPaymentResult, error)
	Get(ctx context.Context, communityID, paymentID int64) (*models.Payment, error)
	GatewayStatus(ctx context.Context, communityID, paymentID int64, provider string) (*gateway.StatusResult, error)
	Apply(ctx context.Context, communityID, paymentID int64, chargeIDs []int64) (*services.ApplyResult, error)
	Reverse(ctx context.Context, communityID, paymentID int64) (*services.ReverseResult, error)
	ApplyCredit(ctx context.Context, communityID, unitID int64) (*services.CreditResult, error)
}

type PaymentHandler struct {
	paymentService PaymentService
}

func NewPaymentHandler(paymentService PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

type registerPaymentBody struct {
	UnitID    int64  `json:"unit_id" validate:"required,gt=0"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Method    string `json:"method" validate:"required,max=32"`
	Reference string `json:"reference" validate:"max=128"`
	Provider  string `json:"provider,omitempty" validate:"max=32"`
}

type applyPaymentBody struct {
	ChargeIDs []int64 `json:"charge_ids,omitempty" validate:"dive,gt=0"`
}

type paymentResponse struct {
	Payment *models.Payment       `json:"payment"`
	Gateway *gateway.StatusResult `json:"gateway,omitempty"`
}

func (h *PaymentHandler) Register(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	var body registerPaymentBody
	if err := decodeRequest(r, &body); err != nil {
		respondWithError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, body.Date)

	result, err := h.paymentService.Register(r.Context(), services.RegisterPaymentRequest{
		CommunityID: communityID,
		UnitID:      body.UnitID,
		Amount:      body.Amount,
		Date:        date,
		Method:      body.Method,
		Reference:   body.Reference,
		Provider:    body.Provider,
	})
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

// Get returns a payment; with ?provider= it also asks that gateway for the
// payment's status.
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	paymentID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}

	payment, err := h.paymentService.Get(r.Context(), communityID, paymentID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	resp := paymentResponse{Payment: payment}

	if provider := r.URL.Query().Get("provider"); provider != "" {
		status, err := h.paymentService.GatewayStatus(r.Context(), communityID, paymentID, provider)
		if err != nil {
			respondWithError(w, err)
			return
		}
		resp.Gateway = status
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) Apply(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	paymentID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}

	var body applyPaymentBody
	err = decodeJSON(r, &body, true)
	if err == nil {
		err = validator.ValidateRequest(body)
	}
	if err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.paymentService.Apply(r.Context(), communityID, paymentID, body.ChargeIDs)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *PaymentHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	paymentID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.paymentService.Reverse(r.Context(), communityID, paymentID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *PaymentHandler) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	unitID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.paymentService.ApplyCredit(r.Context(), communityID, unitID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

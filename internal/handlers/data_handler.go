package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/services"
)

// maxWebhookBody bounds provider notification payloads.
const maxWebhookBody = 1 << 16

type DataIngestionService interface {
	IngestBankTransactions(ctx context.Context, communityID int64, transactions []services.BankTransactionInput) (*services.IngestionResult, error)
	HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*services.WebhookResult, error)
}

type DataHandler struct {
	dataIngestionService DataIngestionService
}

func NewDataHandler(dataIngestionService DataIngestionService) *DataHandler {
	return &DataHandler{dataIngestionService: dataIngestionService}
}

func (h *DataHandler) IngestBankTransactions(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathCommunityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	var transactions []services.BankTransactionInput
	if err := decodeJSON(r, &transactions, false); err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.dataIngestionService.IngestBankTransactions(r.Context(), communityID, transactions)
	if err != nil {
		respondWithError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusPartialContent
	}
	respondWithJSON(w, status, result)
}

// Webhook receives a gateway notification. The signature header depends on
// the provider.
func (h *DataHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, ierr.WithError(err).
			WithHint("Could not read webhook payload").
			Mark(ierr.ErrValidation))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}

	result, err := h.dataIngestionService.HandleWebhook(r.Context(), provider, payload, signature)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

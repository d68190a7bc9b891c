package handlers

import (
	"context"
	"net/http"
	"time"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

type BillingRunService interface {
	Create(ctx context.Context, req services.CreateBillingRunRequest) (*services.BillingRunDetail, error)
	Refresh(ctx context.Context, communityID, runID int64) (*services.BillingRunDetail, error)
	Get(ctx context.Context, communityID, runID int64) (*services.BillingRunDetail, error)
	Preview(ctx context.Context, communityID, runID int64) (*services.PreviewResult, error)
	GenerateCharges(ctx context.Context, communityID, runID int64) (*services.GenerateResult, error)
	Close(ctx context.Context, communityID, runID int64) (*models.BillingRun, error)
	Void(ctx context.Context, communityID, runID int64) (*models.BillingRun, error)
	ListCharges(ctx context.Context, communityID, runID int64) ([]*models.Charge, error)
}

type BillingRunHandler struct {
	billingRunService BillingRunService
}

func NewBillingRunHandler(billingRunService BillingRunService) *BillingRunHandler {
	return &BillingRunHandler{billingRunService: billingRunService}
}

type createBillingRunBody struct {
	Period  string `json:"period" validate:"required,period"`
	DueDate string `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// alreadyGeneratedResponse is the conflict body of a repeated generation:
// the error plus the charges that already exist.
type alreadyGeneratedResponse struct {
	ierr.ErrorResponse
	*services.GenerateResult
}

func (h *BillingRunHandler) Create(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	var body createBillingRunBody
	if err := decodeRequest(r, &body); err != nil {
		respondWithError(w, err)
		return
	}

	req := services.CreateBillingRunRequest{CommunityID: communityID, Period: body.Period}
	if body.DueDate != "" {
		due, _ := time.Parse(dateLayout, body.DueDate)
		req.DueDate = &due
	}

	detail, err := h.billingRunService.Create(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, detail)
}

// runAction resolves community and run id and hands them to fn.
func (h *BillingRunHandler) runAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, communityID, runID int64) (any, error)) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	runID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}

	result, err := fn(r.Context(), communityID, runID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *BillingRunHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, communityID, runID int64) (any, error) {
		return h.billingRunService.Get(ctx, communityID, runID)
	})
}

func (h *BillingRunHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, communityID, runID int64) (any, error) {
		return h.billingRunService.Refresh(ctx, communityID, runID)
	})
}

func (h *BillingRunHandler) Preview(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, communityID, runID int64) (any, error) {
		return h.billingRunService.Preview(ctx, communityID, runID)
	})
}

func (h *BillingRunHandler) GenerateCharges(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	runID, err := pathID(r, "id")
	if err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.billingRunService.GenerateCharges(r.Context(), communityID, runID)
	if ierr.Is(err, ierr.ErrAlreadyGenerated) && result != nil {
		respondWithJSON(w, http.StatusConflict, alreadyGeneratedResponse{
			ErrorResponse:  ierr.NewErrorResponse(err),
			GenerateResult: result,
		})
		return
	}
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *BillingRunHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, communityID, runID int64) (any, error) {
		return h.billingRunService.Close(ctx, communityID, runID)
	})
}

func (h *BillingRunHandler) Void(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, communityID, runID int64) (any, error) {
		return h.billingRunService.Void(ctx, communityID, runID)
	})
}

func (h *BillingRunHandler) ListCharges(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, func(ctx context.Context, communityID, runID int64) (any, error) {
		return h.billingRunService.ListCharges(ctx, communityID, runID)
	})
}

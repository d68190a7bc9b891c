package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

type ReconciliationService interface {
	Run(ctx context.Context, communityID int64, period string, asOf time.Time) (*services.ReconciliationResult, error)
	ListRecords(ctx context.Context, communityID int64, period string) ([]*models.ReconciliationRecord, error)
	GetRun(ctx context.Context, communityID int64, batchID string) (*models.ReconciliationRun, error)
}

type ReconciliationHandler struct {
	reconciliationService ReconciliationService
	processingMutex       sync.Mutex
	activeProcesses       map[string]bool
}

func NewReconciliationHandler(reconciliationService ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{
		reconciliationService: reconciliationService,
		activeProcesses:       make(map[string]bool),
	}
}

type runReconciliationBody struct {
	Period string `json:"period" validate:"required,period"`
	AsOf   string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathCommunityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	var body runReconciliationBody
	if err := decodeRequest(r, &body); err != nil {
		respondWithError(w, err)
		return
	}
	asOf, err := asOfParam(body.AsOf)
	if err != nil {
		respondWithError(w, err)
		return
	}

	processKey := fmt.Sprintf("%d_%s", communityID, body.Period)

	h.processingMutex.Lock()
	if h.activeProcesses[processKey] {
		h.processingMutex.Unlock()
		respondWithError(w, ierr.NewErrorf("reconciliation %s already running", processKey).
			WithHint("Reconciliation for this period is already in progress").
			Mark(ierr.ErrConflict))
		return
	}
	h.activeProcesses[processKey] = true
	h.processingMutex.Unlock()

	defer func() {
		h.processingMutex.Lock()
		delete(h.activeProcesses, processKey)
		h.processingMutex.Unlock()
	}()

	result, err := h.reconciliationService.Run(r.Context(), communityID, body.Period, asOf)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *ReconciliationHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	communityID, err := pathCommunityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		respondWithError(w, ierr.NewError("missing period").
			WithHint("period query parameter is required (YYYY-MM)").
			Mark(ierr.ErrValidation))
		return
	}

	records, err := h.reconciliationService.ListRecords(r.Context(), communityID, period)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *ReconciliationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	communityID, err := communityID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	batchID := strings.TrimSpace(mux.Vars(r)["batch_id"])
	if batchID == "" {
		respondWithError(w, ierr.NewError("missing batch id").
			WithHint("Batch ID is required").
			Mark(ierr.ErrValidation))
		return
	}

	run, err := h.reconciliationService.GetRun(r.Context(), communityID, batchID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	ierr "ledger-service/internal/errors"
	"ledger-service/internal/validator"
)

// CommunityHeader carries the caller's community, set by the auth layer.
const CommunityHeader = "X-Community-ID"

const dateLayout = "2006-01-02"

type Handlers struct {
	BillingRuns    *BillingRunHandler
	Charges        *ChargeHandler
	Payments       *PaymentHandler
	Reconciliation *ReconciliationHandler
	Data           *DataHandler
}

func SetupRouter(h *Handlers, log *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(log))

	router.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	// Billing runs
	api.HandleFunc("/emisiones", h.BillingRuns.Create).Methods(http.MethodPost)
	api.HandleFunc("/emisiones/{id:[0-9]+}", h.BillingRuns.Get).Methods(http.MethodGet)
	api.HandleFunc("/emisiones/{id:[0-9]+}/refrescar", h.BillingRuns.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/emisiones/{id:[0-9]+}/previsualizar-prorrateo", h.BillingRuns.Preview).Methods(http.MethodGet)
	api.HandleFunc("/emisiones/{id:[0-9]+}/generar-cargos", h.BillingRuns.GenerateCharges).Methods(http.MethodPost)
	api.HandleFunc("/emisiones/{id:[0-9]+}/cerrar", h.BillingRuns.Close).Methods(http.MethodPost)
	api.HandleFunc("/emisiones/{id:[0-9]+}/anular", h.BillingRuns.Void).Methods(http.MethodPost)
	api.HandleFunc("/emisiones/{id:[0-9]+}/cargos", h.BillingRuns.ListCharges).Methods(http.MethodGet)

	// Charges
	api.HandleFunc("/cargos/{id:[0-9]+}/recalcular-interes", h.Charges.RecalculateInterest).Methods(http.MethodPost)
	api.HandleFunc("/comunidades/{id:[0-9]+}/recalcular-interes", h.Charges.AccrueCommunity).Methods(http.MethodPost)

	// Payments
	api.HandleFunc("/pagos", h.Payments.Register).Methods(http.MethodPost)
	api.HandleFunc("/pagos/{id:[0-9]+}", h.Payments.Get).Methods(http.MethodGet)
	api.HandleFunc("/pagos/{id:[0-9]+}/aplicar", h.Payments.Apply).Methods(http.MethodPost)
	api.HandleFunc("/pagos/{id:[0-9]+}/reversar", h.Payments.Reverse).Methods(http.MethodPost)
	api.HandleFunc("/unidades/{id:[0-9]+}/aplicar-saldo", h.Payments.ApplyCredit).Methods(http.MethodPost)

	// Reconciliation
	api.HandleFunc("/conciliaciones/comunidad/{id:[0-9]+}/ejecutar", h.Reconciliation.Run).Methods(http.MethodPost)
	api.HandleFunc("/conciliaciones/comunidad/{id:[0-9]+}", h.Reconciliation.ListRecords).Methods(http.MethodGet)
	api.HandleFunc("/conciliaciones/comunidad/{id:[0-9]+}/transacciones", h.Data.IngestBankTransactions).Methods(http.MethodPost)
	api.HandleFunc("/conciliaciones/lotes/{batch_id}", h.Reconciliation.GetRun).Methods(http.MethodGet)

	// Gateway notifications are authenticated by signature, not by header.
	api.HandleFunc("/webhooks/{provider}", h.Data.Webhook).Methods(http.MethodPost)

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if rec.status >= http.StatusInternalServerError {
				log.Error("request failed", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// communityID reads the caller's community from the request header.
func communityID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(CommunityHeader))
	if raw == "" {
		return 0, ierr.NewError("missing community header").
			WithHintf("%s header is required", CommunityHeader).
			Mark(ierr.ErrValidation)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ierr.NewErrorf("invalid community header %q", raw).
			WithHintf("%s must be a positive integer", CommunityHeader).
			Mark(ierr.ErrValidation)
	}
	return id, nil
}

// pathCommunityID resolves a community given in the path. It has to be the
// caller's own community.
func pathCommunityID(r *http.Request) (int64, error) {
	caller, err := communityID(r)
	if err != nil {
		return 0, err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return 0, err
	}
	if id != caller {
		return 0, ierr.NewErrorf("community %d not found", id).
			WithHint("Community not found").
			Mark(ierr.ErrNotFound)
	}
	return id, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ierr.NewErrorf("invalid %s %q", name, raw).
			WithHintf("Invalid %s", name).
			Mark(ierr.ErrValidation)
	}
	return id, nil
}

// asOfParam reads an optional as_of date, defaulting to today (UTC).
func asOfParam(raw string) (time.Time, error) {
	if raw == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, ierr.WithError(err).
			WithHint("Invalid as_of format. Use YYYY-MM-DD").
			Mark(ierr.ErrValidation)
	}
	return t, nil
}

// decodeJSON decodes a JSON body into dst. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// decodeRequest decodes and validates a request struct.
func decodeRequest(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst, false); err != nil {
		return err
	}
	return validator.ValidateRequest(dst)
}

func respondWithError(w http.ResponseWriter, err error) {
	respondWithJSON(w, ierr.HTTPStatusFromErr(err), ierr.NewErrorResponse(err))
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":"system_error","message":"Error marshaling JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

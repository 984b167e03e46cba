/**
 * @description
 * HTTP handlers for the settlement-service: merchant-facing transaction monitoring
 * and internal invoice reconciliation triggers.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/monitor"
)

const healthPingTimeout = 2 * time.Second

// TransactionRegistry is the part of monitor.Registry the handlers use.
type TransactionRegistry interface {
	AddTransaction(ctx context.Context, req domain.AddTransactionRequest) (domain.TransactionRecord, error)
	GetTransaction(hash string) (domain.TransactionRecord, error)
	ListTransactions() []domain.TransactionRecord
	IsMonitoring(hash string) bool
	StopMonitoring(hash string)
}

// Reconciler is the part of app.ReconciliationService the handlers use.
type Reconciler interface {
	OnPaymentCompleted(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error)
	OnPaymentStatusChanged(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error)
	ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.ReconcileResult, error)
}

// Pinger checks a backing dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the services that handlers will interact with.
type Handler struct {
	registry   TransactionRegistry
	reconciler Reconciler
	db         Pinger
}

// NewHandler creates a new Handler. db may be nil.
func NewHandler(registry TransactionRegistry, reconciler Reconciler, db Pinger) *Handler {
	return &Handler{registry: registry, reconciler: reconciler, db: db}
}

type addTransactionRequest struct {
	TxHash                string          `json:"txHash"`
	Chain                 string          `json:"chain"`
	FromAddress           string          `json:"fromAddress"`
	ToAddress             string          `json:"toAddress"`
	Amount                decimal.Decimal `json:"amount"`
	TokenSymbol           string          `json:"tokenSymbol"`
	RequiredConfirmations int             `json:"requiredConfirmations"`
}

type transactionView struct {
	domain.TransactionRecord
	ExplorerURL string `json:"explorerUrl"`
	Monitoring  bool   `json:"monitoring"`
}

func (h *Handler) view(record domain.TransactionRecord) transactionView {
	return transactionView{
		TransactionRecord: record,
		ExplorerURL:       domain.ExplorerURL(record.Chain, record.TxHash),
		Monitoring:        h.registry.IsMonitoring(record.TxHash),
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			log.Printf("level=warn component=api msg=\"health check failed\" err=%v", err)
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleAddTransaction(w http.ResponseWriter, r *http.Request) {
	var req addTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	chain, ok := domain.ParseChain(req.Chain)
	if !ok {
		http.Error(w, "Unsupported chain", http.StatusBadRequest)
		return
	}
	if req.RequiredConfirmations < 0 {
		http.Error(w, "requiredConfirmations must not be negative", http.StatusBadRequest)
		return
	}

	record, err := h.registry.AddTransaction(r.Context(), domain.AddTransactionRequest{
		TxHash:                req.TxHash,
		Chain:                 chain,
		FromAddress:           req.FromAddress,
		ToAddress:             req.ToAddress,
		Amount:                req.Amount,
		TokenSymbol:           req.TokenSymbol,
		RequiredConfirmations: req.RequiredConfirmations,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	merchantID, _ := MerchantFromContext(r.Context())
	log.Printf("level=info component=api msg=\"transaction submitted\" merchant_id=%s tx_hash=%s chain=%s", merchantID, record.TxHash, record.Chain)
	respondWithJSON(w, http.StatusCreated, h.view(record))
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	statusFilter := domain.TxStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))

	records := h.registry.ListTransactions()
	views := make([]transactionView, 0, len(records))
	for _, record := range records {
		if statusFilter != "" && record.Status != statusFilter {
			continue
		}
		views = append(views, h.view(record))
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	record, err := h.registry.GetTransaction(chi.URLParam(r, "hash"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.view(record))
}

func (h *Handler) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	record, err := h.registry.GetTransaction(hash)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	h.registry.StopMonitoring(hash)
	// Re-read so the response carries any tick that finished while stopping.
	if latest, err := h.registry.GetTransaction(hash); err == nil {
		record = latest
	}
	respondWithJSON(w, http.StatusOK, h.view(record))
}

func (h *Handler) handlePaymentCompleted(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	result, err := h.reconciler.OnPaymentCompleted(r.Context(), paymentID)
	if err != nil {
		log.Printf("level=error component=api msg=\"payment completion reconciliation failed\" payment_id=%s err=%v", paymentID, err)
		writeReconcileError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePaymentStatusChanged(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	result, err := h.reconciler.OnPaymentStatusChanged(r.Context(), paymentID)
	if err != nil {
		log.Printf("level=error component=api msg=\"payment status reconciliation failed\" payment_id=%s err=%v", paymentID, err)
		writeReconcileError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	result, err := h.reconciler.ReconcileInvoice(r.Context(), invoiceID)
	if err != nil {
		log.Printf("level=error component=api msg=\"invoice reconciliation failed\" invoice_id=%s err=%v", invoiceID, err)
		writeReconcileError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		http.Error(w, "Invalid ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrInvalidTransaction), errors.Is(err, monitor.ErrUnsupportedChain):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, monitor.ErrNotFound):
		http.Error(w, "Transaction not found", http.StatusNotFound)
	case errors.Is(err, monitor.ErrAlreadyTracked):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, monitor.ErrRegistryClosed):
		http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
	default:
		log.Printf("level=error component=api msg=\"registry call failed\" err=%v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeReconcileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, app.ErrReconciliationConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

/**
 * @description
 * Scheduled job implementations for the settlement-service. The reconciliation sweep
 * re-derives the status of every open invoice that has payments, catching payment
 * events that were lost or processed while the service was down.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/domain"
)

const sweepTimeout = 5 * time.Minute

// InvoiceLister lists invoices the sweep should look at.
type InvoiceLister interface {
	ListReconcilableInvoiceIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// InvoiceReconciler recomputes the status of one invoice.
type InvoiceReconciler interface {
	ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.ReconcileResult, error)
}

// SweepSummary counts the outcomes of one sweep run.
type SweepSummary struct {
	Scanned   int
	Changed   int
	Conflicts int
	Failed    int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	invoices   InvoiceLister
	reconciler InvoiceReconciler
	logger     *slog.Logger
	config     config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(invoices InvoiceLister, reconciler InvoiceReconciler, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		invoices:   invoices,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
	}
}

// ReconcileOpenInvoices is the cron entry point for the reconciliation sweep.
func (j *Jobs) ReconcileOpenInvoices() {
	j.logger.Info("starting invoice reconciliation sweep")
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	summary, err := j.RunReconcileSweep(ctx)
	if err != nil {
		j.logger.Error("invoice reconciliation sweep failed", "error", err)
		return
	}

	j.logger.Info("invoice reconciliation sweep finished",
		"scanned", summary.Scanned,
		"changed", summary.Changed,
		"conflicts", summary.Conflicts,
		"failed", summary.Failed,
	)
}

// RunReconcileSweep reconciles up to RECONCILE_SWEEP_LIMIT invoices. Per-invoice
// failures are logged and counted; only a failed listing or a cancelled ctx aborts.
func (j *Jobs) RunReconcileSweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary

	ids, err := j.invoices.ListReconcilableInvoiceIDs(ctx, j.config.ReconcileSweepLimit)
	if err != nil {
		return summary, err
	}
	if len(ids) == 0 {
		j.logger.Info("no open invoices to reconcile")
		return summary, nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++

		result, err := j.reconciler.ReconcileInvoice(ctx, id)
		switch {
		case err == nil:
			if result != nil && result.Changed {
				summary.Changed++
				j.logger.Info("invoice status corrected by sweep", "invoice_id", id, "from", result.PreviousStatus, "to", result.Status)
			}
		case errors.Is(err, ErrReconciliationConflict):
			summary.Conflicts++
			j.logger.Warn("invoice busy; leaving it for the next sweep", "invoice_id", id, "error", err)
		case errors.Is(err, ErrNotFound):
			j.logger.Warn("invoice disappeared during sweep", "invoice_id", id)
		default:
			summary.Failed++
			j.logger.Error("failed to reconcile invoice", "invoice_id", id, "error", err)
		}
	}

	return summary, nil
}

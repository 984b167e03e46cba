/**
 * @description
 * This file defines the persistence contracts of the settlement-service. Payments and
 * invoices belong to the payment-processing side; this service reads them and only
 * writes an invoice's status, always as a compare-and-set. Tracked transactions are
 * owned here and persisted so that monitoring can resume after a restart.
 *
 * @dependencies
 * - github.com/google/uuid: Payment and invoice identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// PaymentRepository is the payment/invoice store consumed by reconciliation.
type PaymentRepository interface {
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error)
	ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error)
	// UpdateInvoiceStatus writes to only if the stored status is still from and
	// reports whether the row was updated.
	UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, from, to domain.InvoiceStatus) (bool, error)
	// ListReconcilableInvoiceIDs returns invoices that have at least one payment
	// and a status the settlement rule may change, least recently updated first.
	ListReconcilableInvoiceIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// TransactionRepository persists tracked chain transactions.
type TransactionRepository interface {
	// SaveTrackedTransaction upserts a record. Writes never replace a terminal
	// record or a newer one.
	SaveTrackedTransaction(ctx context.Context, record domain.TransactionRecord) error
	ListActiveTrackedTransactions(ctx context.Context) ([]domain.TransactionRecord, error)
}

// Repository is everything the service needs from its database.
type Repository interface {
	PaymentRepository
	TransactionRepository
	Ping(ctx context.Context) error
}

func reconcilableStatuses() []string {
	return []string{
		string(domain.InvoiceStatusUnpaid),
		string(domain.InvoiceStatusPartiallyPaid),
		string(domain.InvoiceStatusPaid),
	}
}

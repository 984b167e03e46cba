/**
 * @description
 * Payment and invoice models consumed by the reconciliation flow. Both entities are
 * owned by the payment-processing side of the widget; this service reads payments
 * and only ever writes an invoice's settlement status.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the processing state of a merchant payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid        InvoiceStatus = "unpaid"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusCancelled     InvoiceStatus = "cancelled"
)

// Reconcilable reports whether the settlement rule may overwrite this status.
// Overdue and cancelled are controlled elsewhere and never touched here.
func (s InvoiceStatus) Reconcilable() bool {
	switch s {
	case InvoiceStatusUnpaid, InvoiceStatusPartiallyPaid, InvoiceStatusPaid:
		return true
	default:
		return false
	}
}

// Payment is a single payment made through the widget.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	InvoiceID *uuid.UUID      `json:"invoice_id,omitempty"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Status    PaymentStatus   `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Invoice is a merchant invoice settled by one or more payments.
type Invoice struct {
	ID        uuid.UUID       `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    InvoiceStatus   `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SettledAmount sums amount_usd over completed payments.
func SettledAmount(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, payment := range payments {
		if payment.Status != PaymentStatusCompleted {
			continue
		}
		total = total.Add(payment.AmountUSD)
	}
	return total
}

// DeriveInvoiceStatus applies the settlement rule to a settled sum.
// A zero sum is always unpaid, even against a zero-amount invoice.
func DeriveInvoiceStatus(settled, target decimal.Decimal) InvoiceStatus {
	switch {
	case !settled.IsPositive():
		return InvoiceStatusUnpaid
	case settled.GreaterThanOrEqual(target):
		return InvoiceStatusPaid
	default:
		return InvoiceStatusPartiallyPaid
	}
}

// ReconcileResult describes the outcome of one invoice recomputation.
type ReconcileResult struct {
	PaymentID      *uuid.UUID      `json:"payment_id,omitempty"`
	InvoiceID      *uuid.UUID      `json:"invoice_id,omitempty"`
	PreviousStatus InvoiceStatus   `json:"previous_status,omitempty"`
	Status         InvoiceStatus   `json:"status,omitempty"`
	SettledAmount  decimal.Decimal `json:"settled_amount"`
	Changed        bool            `json:"changed"`
	Skipped        bool            `json:"skipped"`
	SkipReason     string          `json:"skip_reason,omitempty"`
	Attempts       int             `json:"attempts"`
}

// PaymentStatusEvent is consumed from the broker when the payment processor
// durably changes a payment's status.
type PaymentStatusEvent struct {
	EventID    string    `json:"event_id"`
	PaymentID  string    `json:"payment_id"`
	InvoiceID  string    `json:"invoice_id,omitempty"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// InvoiceStatusEvent is published after reconciliation writes a new invoice status.
type InvoiceStatusEvent struct {
	EventID        string          `json:"event_id"`
	InvoiceID      uuid.UUID       `json:"invoice_id"`
	PreviousStatus InvoiceStatus   `json:"previous_status"`
	Status         InvoiceStatus   `json:"status"`
	SettledAmount  decimal.Decimal `json:"settled_amount"`
	InvoiceAmount  decimal.Decimal `json:"invoice_amount"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// NormalizePaymentStatus maps processor vocabulary onto PaymentStatus.
func NormalizePaymentStatus(raw string) PaymentStatus {
	status := strings.TrimSpace(strings.ToLower(raw))
	switch status {
	case "successful", "success", "completed", "settled":
		return PaymentStatusCompleted
	case "failed", "failure", "refunded", "reversed", "cancelled":
		return PaymentStatusFailed
	case "initiated", "processing":
		return PaymentStatusProcessing
	case "pending":
		return PaymentStatusPending
	default:
		return PaymentStatus(status)
	}
}

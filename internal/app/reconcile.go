/**
 * @description
 * This file implements invoice reconciliation: recomputing an invoice's settlement
 * status from the full set of completed payments that reference it.
 *
 * @notes
 * - Each recompute runs under a per-invoice lock and writes with a compare-and-set,
 *   re-reading everything on a CAS miss.
 * - Overdue and cancelled invoices are controlled elsewhere and never written here.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/lock"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

const (
	RoutingKeyInvoiceStatusUpdated = "invoice.status.updated"

	defaultReconcileAttempts = 3
	defaultReconcileBackoff  = 150 * time.Millisecond
	defaultLockTimeout       = 10 * time.Second
	publishTimeout           = 5 * time.Second
)

// ReconcileOptions tunes the retry budget and lock wait of a ReconciliationService.
type ReconcileOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	LockTimeout  time.Duration
	Exchange     string
}

// ReconciliationService keeps invoice statuses consistent with their completed payments.
type ReconciliationService struct {
	repo      store.PaymentRepository
	locker    lock.Locker
	publisher rabbitmq.Publisher
	exchange  string

	maxAttempts  int
	retryBackoff time.Duration
	lockTimeout  time.Duration
}

// NewReconciliationService wires a service. A nil locker falls back to an
// in-process keyed mutex; a nil publisher disables invoice events.
func NewReconciliationService(repo store.PaymentRepository, locker lock.Locker, publisher rabbitmq.Publisher, opts ReconcileOptions) *ReconciliationService {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultReconcileAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultReconcileBackoff
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	return &ReconciliationService{
		repo:         repo,
		locker:       locker,
		publisher:    publisher,
		exchange:     opts.Exchange,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		lockTimeout:  opts.LockTimeout,
	}
}

// OnPaymentCompleted reconciles the invoice of a payment that has just been
// durably marked completed. Payments without an invoice, or that are not
// completed, are skipped.
func (s *ReconciliationService) OnPaymentCompleted(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error) {
	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return skipped(paymentID, payment.InvoiceID, fmt.Sprintf("payment status is %s", payment.Status)), nil
	}
	return s.reconcileForPayment(ctx, payment)
}

// OnPaymentStatusChanged reconciles the invoice of a payment after any status
// change, so that a completed payment later failed or refunded downgrades the
// invoice again.
func (s *ReconciliationService) OnPaymentStatusChanged(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error) {
	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.reconcileForPayment(ctx, payment)
}

func (s *ReconciliationService) reconcileForPayment(ctx context.Context, payment *domain.Payment) (*domain.ReconcileResult, error) {
	if payment.InvoiceID == nil {
		return skipped(payment.ID, nil, "payment has no invoice"), nil
	}

	result, err := s.ReconcileInvoice(ctx, *payment.InvoiceID)
	if err != nil {
		return nil, err
	}
	paymentID := payment.ID
	result.PaymentID = &paymentID
	return result, nil
}

// ReconcileInvoice recomputes and, if needed, writes the status of one invoice.
func (s *ReconciliationService) ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.ReconcileResult, error) {
	lockCtx, cancelLock := context.WithTimeout(ctx, s.lockTimeout)
	release, err := s.locker.Lock(lockCtx, invoiceID.String())
	cancelLock()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: invoice %s: %v", ErrReconciliationConflict, invoiceID, err)
		}
		return nil, fmt.Errorf("acquire invoice lock: %w", err)
	}
	defer release()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, done, err := s.reconcileOnce(ctx, invoiceID, attempt)
		if err != nil || done {
			return result, err
		}

		log.Printf("level=warn component=reconciliation msg=\"invoice status changed concurrently; retrying\" invoice_id=%s attempt=%d max_attempts=%d", invoiceID, attempt, s.maxAttempts)
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryBackoff):
		}
	}

	return nil, fmt.Errorf("%w: invoice %s still contended after %d attempts", ErrReconciliationConflict, invoiceID, s.maxAttempts)
}

// reconcileOnce runs one read-sum-write pass. done is false only when the CAS
// write lost to a concurrent writer.
func (s *ReconciliationService) reconcileOnce(ctx context.Context, invoiceID uuid.UUID, attempt int) (*domain.ReconcileResult, bool, error) {
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			return nil, true, fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
		}
		return nil, true, fmt.Errorf("load invoice: %w", err)
	}

	id := invoice.ID
	result := &domain.ReconcileResult{
		InvoiceID:      &id,
		PreviousStatus: invoice.Status,
		Status:         invoice.Status,
		SettledAmount:  decimal.Zero,
		Attempts:       attempt,
	}
	if !invoice.Status.Reconcilable() {
		result.Skipped = true
		result.SkipReason = fmt.Sprintf("invoice status %s is managed externally", invoice.Status)
		return result, true, nil
	}

	payments, err := s.repo.ListPaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, true, fmt.Errorf("list invoice payments: %w", err)
	}

	settled := domain.SettledAmount(payments)
	target := domain.DeriveInvoiceStatus(settled, invoice.Amount)
	result.SettledAmount = settled
	result.Status = target

	if target == invoice.Status {
		return result, true, nil
	}

	updated, err := s.repo.UpdateInvoiceStatus(ctx, invoiceID, invoice.Status, target)
	if err != nil {
		return nil, true, fmt.Errorf("update invoice status: %w", err)
	}
	if !updated {
		return nil, false, nil
	}

	result.Changed = true
	log.Printf("level=info component=reconciliation msg=\"invoice status updated\" invoice_id=%s from=%s to=%s settled_usd=%s invoice_usd=%s", invoiceID, invoice.Status, target, settled.StringFixed(2), invoice.Amount.StringFixed(2))
	s.publishStatusUpdated(ctx, invoice, target, settled)
	return result, true, nil
}

func (s *ReconciliationService) loadPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return payment, nil
}

func (s *ReconciliationService) publishStatusUpdated(ctx context.Context, invoice *domain.Invoice, status domain.InvoiceStatus, settled decimal.Decimal) {
	if s.publisher == nil || s.exchange == "" {
		return
	}
	event := domain.InvoiceStatusEvent{
		EventID:        uuid.NewString(),
		InvoiceID:      invoice.ID,
		PreviousStatus: invoice.Status,
		Status:         status,
		SettledAmount:  settled,
		InvoiceAmount:  invoice.Amount,
		OccurredAt:     time.Now().UTC(),
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, s.exchange, RoutingKeyInvoiceStatusUpdated, event); err != nil {
		log.Printf("level=warn component=reconciliation msg=\"invoice status event publish failed\" invoice_id=%s err=%v", invoice.ID, err)
	}
}

func skipped(paymentID uuid.UUID, invoiceID *uuid.UUID, reason string) *domain.ReconcileResult {
	return &domain.ReconcileResult{
		PaymentID:     &paymentID,
		InvoiceID:     invoiceID,
		SettledAmount: decimal.Zero,
		Skipped:       true,
		SkipReason:    reason,
	}
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
)

func newTestSQLiteRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteRepository(db)
}

func seedInvoice(t *testing.T, repo *SQLiteRepository, amount string, status domain.InvoiceStatus) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := repo.CreateInvoice(context.Background(), domain.Invoice{
		ID:     id,
		Amount: decimal.RequireFromString(amount),
		Status: status,
	})
	if err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}
	return id
}

func seedPayment(t *testing.T, repo *SQLiteRepository, invoiceID *uuid.UUID, amount string, status domain.PaymentStatus) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := repo.CreatePayment(context.Background(), domain.Payment{
		ID:        id,
		InvoiceID: invoiceID,
		AmountUSD: decimal.RequireFromString(amount),
		Status:    status,
	})
	if err != nil {
		t.Fatalf("CreatePayment returned error: %v", err)
	}
	return id
}

func TestSQLiteRepository_PaymentsAndInvoices(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	invoiceID := seedInvoice(t, repo, "100.00", domain.InvoiceStatusUnpaid)
	linked := seedPayment(t, repo, &invoiceID, "60.10", domain.PaymentStatusCompleted)
	seedPayment(t, repo, &invoiceID, "39.90", domain.PaymentStatusPending)
	standalone := seedPayment(t, repo, nil, "5", domain.PaymentStatusCompleted)

	payment, err := repo.GetPayment(ctx, linked)
	if err != nil {
		t.Fatalf("GetPayment returned error: %v", err)
	}
	if payment.InvoiceID == nil || *payment.InvoiceID != invoiceID {
		t.Fatalf("expected payment to reference invoice %s, got %v", invoiceID, payment.InvoiceID)
	}
	if !payment.AmountUSD.Equal(decimal.RequireFromString("60.1")) {
		t.Fatalf("expected amount 60.1, got %s", payment.AmountUSD)
	}

	other, err := repo.GetPayment(ctx, standalone)
	if err != nil {
		t.Fatalf("GetPayment returned error: %v", err)
	}
	if other.InvoiceID != nil {
		t.Fatalf("expected no invoice reference, got %v", other.InvoiceID)
	}

	payments, err := repo.ListPaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		t.Fatalf("ListPaymentsByInvoice returned error: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}

	invoice, err := repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		t.Fatalf("GetInvoice returned error: %v", err)
	}
	if invoice.Status != domain.InvoiceStatusUnpaid || !invoice.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}

	if _, err := repo.GetPayment(ctx, uuid.New()); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := repo.GetInvoice(ctx, uuid.New()); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
	if err := repo.SetPaymentStatus(ctx, uuid.New(), domain.PaymentStatusFailed); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound from SetPaymentStatus, got %v", err)
	}
}

func TestSQLiteRepository_UpdateInvoiceStatusIsCompareAndSet(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	invoiceID := seedInvoice(t, repo, "100", domain.InvoiceStatusUnpaid)

	updated, err := repo.UpdateInvoiceStatus(ctx, invoiceID, domain.InvoiceStatusUnpaid, domain.InvoiceStatusPartiallyPaid)
	if err != nil || !updated {
		t.Fatalf("expected first CAS to succeed, got updated=%t err=%v", updated, err)
	}

	updated, err = repo.UpdateInvoiceStatus(ctx, invoiceID, domain.InvoiceStatusUnpaid, domain.InvoiceStatusPaid)
	if err != nil {
		t.Fatalf("UpdateInvoiceStatus returned error: %v", err)
	}
	if updated {
		t.Fatal("expected stale CAS to be rejected")
	}

	invoice, _ := repo.GetInvoice(ctx, invoiceID)
	if invoice.Status != domain.InvoiceStatusPartiallyPaid {
		t.Fatalf("expected partially_paid, got %s", invoice.Status)
	}
}

func TestSQLiteRepository_ListReconcilableInvoiceIDs(t *testing.T) {
	repo := newTestSQLiteRepository(t)

	open := seedInvoice(t, repo, "10", domain.InvoiceStatusUnpaid)
	seedPayment(t, repo, &open, "1", domain.PaymentStatusCompleted)

	overdue := seedInvoice(t, repo, "10", domain.InvoiceStatusOverdue)
	seedPayment(t, repo, &overdue, "1", domain.PaymentStatusCompleted)

	seedInvoice(t, repo, "10", domain.InvoiceStatusUnpaid)

	ids, err := repo.ListReconcilableInvoiceIDs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListReconcilableInvoiceIDs returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != open {
		t.Fatalf("expected only the open invoice with payments, got %v", ids)
	}
}

func TestSQLiteRepository_TrackedTransactions(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pending := domain.TransactionRecord{
		TxHash:                "0xabc",
		Chain:                 domain.ChainPolygon,
		FromAddress:           "0xfrom",
		ToAddress:             "0xto",
		Amount:                decimal.RequireFromString("1.000000000000000001"),
		TokenSymbol:           "USDC",
		RequiredConfirmations: 64,
		Status:                domain.TxStatusPending,
		CreatedAt:             created,
		UpdatedAt:             created,
	}

	block := uint64(123456)
	processing := pending
	processing.Status = domain.TxStatusProcessing
	processing.Confirmations = 10
	processing.BlockNumber = &block
	processing.UpdatedAt = created.Add(5 * time.Second)

	if err := repo.SaveTrackedTransaction(ctx, processing); err != nil {
		t.Fatalf("SaveTrackedTransaction returned error: %v", err)
	}
	// The initial pending write arrives late and must not roll the row back.
	if err := repo.SaveTrackedTransaction(ctx, pending); err != nil {
		t.Fatalf("SaveTrackedTransaction returned error: %v", err)
	}

	active, err := repo.ListActiveTrackedTransactions(ctx)
	if err != nil {
		t.Fatalf("ListActiveTrackedTransactions returned error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active record, got %d", len(active))
	}
	got := active[0]
	if got.Status != domain.TxStatusProcessing || got.Confirmations != 10 {
		t.Fatalf("expected processing/10, got %s/%d", got.Status, got.Confirmations)
	}
	if got.BlockNumber == nil || *got.BlockNumber != block {
		t.Fatalf("expected block %d, got %v", block, got.BlockNumber)
	}
	if !got.Amount.Equal(pending.Amount) {
		t.Fatalf("expected amount %s, got %s", pending.Amount, got.Amount)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %s, got %s", created, got.CreatedAt)
	}

	confirmed := processing
	confirmed.Status = domain.TxStatusConfirmed
	confirmed.Confirmations = 64
	confirmed.UpdatedAt = created.Add(time.Minute)
	if err := repo.SaveTrackedTransaction(ctx, confirmed); err != nil {
		t.Fatalf("SaveTrackedTransaction returned error: %v", err)
	}

	late := processing
	late.UpdatedAt = created.Add(2 * time.Minute)
	if err := repo.SaveTrackedTransaction(ctx, late); err != nil {
		t.Fatalf("SaveTrackedTransaction returned error: %v", err)
	}

	active, err = repo.ListActiveTrackedTransactions(ctx)
	if err != nil {
		t.Fatalf("ListActiveTrackedTransactions returned error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected the confirmed row to stay terminal, got %d active", len(active))
	}
}

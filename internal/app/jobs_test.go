package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/domain"
)

type stubInvoiceLister struct {
	ids   []uuid.UUID
	limit int
	err   error
}

func (s *stubInvoiceLister) ListReconcilableInvoiceIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	s.limit = limit
	return s.ids, s.err
}

type scriptedInvoiceReconciler struct {
	outcomes map[uuid.UUID]error
	changed  map[uuid.UUID]bool
	calls    int
}

func (s *scriptedInvoiceReconciler) ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.ReconcileResult, error) {
	s.calls++
	if err := s.outcomes[invoiceID]; err != nil {
		return nil, err
	}
	return &domain.ReconcileResult{InvoiceID: &invoiceID, Changed: s.changed[invoiceID], Status: domain.InvoiceStatusPaid}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobs_RunReconcileSweepCountsOutcomes(t *testing.T) {
	changed, unchanged, busy, gone, broken := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	lister := &stubInvoiceLister{ids: []uuid.UUID{changed, unchanged, busy, gone, broken}}
	reconciler := &scriptedInvoiceReconciler{
		outcomes: map[uuid.UUID]error{
			busy:   fmt.Errorf("%w: invoice busy", ErrReconciliationConflict),
			gone:   fmt.Errorf("%w: invoice", ErrNotFound),
			broken: errors.New("db down"),
		},
		changed: map[uuid.UUID]bool{changed: true},
	}
	jobs := NewJobs(lister, reconciler, discardLogger(), config.Config{ReconcileSweepLimit: 25})

	summary, err := jobs.RunReconcileSweep(context.Background())
	if err != nil {
		t.Fatalf("RunReconcileSweep returned error: %v", err)
	}
	if lister.limit != 25 {
		t.Fatalf("expected limit 25, got %d", lister.limit)
	}
	want := SweepSummary{Scanned: 5, Changed: 1, Conflicts: 1, Failed: 1}
	if summary != want {
		t.Fatalf("expected %+v, got %+v", want, summary)
	}
}

func TestJobs_RunReconcileSweepListingError(t *testing.T) {
	lister := &stubInvoiceLister{err: errors.New("db down")}
	reconciler := &scriptedInvoiceReconciler{}
	jobs := NewJobs(lister, reconciler, discardLogger(), config.Config{ReconcileSweepLimit: 10})

	if _, err := jobs.RunReconcileSweep(context.Background()); err == nil {
		t.Fatal("expected listing error to be returned")
	}
	if reconciler.calls != 0 {
		t.Fatalf("expected no reconciliations, got %d", reconciler.calls)
	}
}

func TestJobs_RunReconcileSweepStopsOnCancel(t *testing.T) {
	lister := &stubInvoiceLister{ids: []uuid.UUID{uuid.New(), uuid.New()}}
	reconciler := &scriptedInvoiceReconciler{}
	jobs := NewJobs(lister, reconciler, discardLogger(), config.Config{ReconcileSweepLimit: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := jobs.RunReconcileSweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if reconciler.calls != 0 {
		t.Fatalf("expected no reconciliations after cancel, got %d", reconciler.calls)
	}
}

func TestJobs_SweepAgainstStoreSettlesMissedInvoice(t *testing.T) {
	repo := newTestStore(t)
	svc := NewReconciliationService(repo, nil, nil, ReconcileOptions{})

	invoiceID := createInvoice(t, repo, "50", domain.InvoiceStatusUnpaid)
	createPayment(t, repo, invoiceID, "50", domain.PaymentStatusCompleted)

	jobs := NewJobs(repo, svc, discardLogger(), config.Config{ReconcileSweepLimit: 10})
	jobs.ReconcileOpenInvoices()

	if got := invoiceStatus(t, repo, invoiceID); got != domain.InvoiceStatusPaid {
		t.Fatalf("expected sweep to mark invoice paid, got %s", got)
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	jobs := NewJobs(&stubInvoiceLister{}, &scriptedInvoiceReconciler{}, discardLogger(), config.Config{})
	scheduler := NewScheduler(jobs, discardLogger(), config.Config{ReconcileSweepSchedule: "not a schedule"})
	if err := scheduler.Start(); err == nil {
		t.Fatal("expected an invalid schedule to be rejected")
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	jobs := NewJobs(&stubInvoiceLister{}, &scriptedInvoiceReconciler{}, discardLogger(), config.Config{})
	scheduler := NewScheduler(jobs, discardLogger(), config.Config{ReconcileSweepSchedule: "*/10 * * * *"})
	if err := scheduler.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	<-scheduler.Stop().Done()
}

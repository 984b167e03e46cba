/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository interface.
 * The payments and invoices tables are owned by the payment processor; the
 * tracked_transactions table is owned by this service and created by EnsureSchema.
 *
 * @notes
 * - NUMERIC columns are read as text and parsed with shopspring/decimal so that
 *   amounts never pass through float64.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// EnsureSchema creates the tables owned by this service.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracked_transactions (
			tx_hash TEXT PRIMARY KEY,
			chain TEXT NOT NULL,
			from_address TEXT NOT NULL DEFAULT '',
			to_address TEXT NOT NULL DEFAULT '',
			amount NUMERIC(78, 18) NOT NULL DEFAULT 0,
			token_symbol TEXT NOT NULL DEFAULT '',
			required_confirmations INTEGER NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			block_number BIGINT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_transactions_status ON tracked_transactions(status)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `
		SELECT id, invoice_id, amount_usd::text, status::text, updated_at
		FROM payments
		WHERE id = $1
	`
	var (
		payment   domain.Payment
		amountRaw string
		status    string
	)
	err := r.db.QueryRow(ctx, query, paymentID).Scan(&payment.ID, &payment.InvoiceID, &amountRaw, &status, &payment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return nil, fmt.Errorf("parse amount_usd for payment %s: %w", paymentID, err)
	}
	payment.AmountUSD = amount
	payment.Status = domain.NormalizePaymentStatus(status)
	return &payment, nil
}

// GetInvoice retrieves an invoice by its ID.
func (r *PostgresRepository) GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	query := `
		SELECT id, amount::text, status::text, updated_at
		FROM invoices
		WHERE id = $1
	`
	var (
		invoice   domain.Invoice
		amountRaw string
		status    string
	)
	err := r.db.QueryRow(ctx, query, invoiceID).Scan(&invoice.ID, &amountRaw, &status, &invoice.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return nil, fmt.Errorf("parse amount for invoice %s: %w", invoiceID, err)
	}
	invoice.Amount = amount
	invoice.Status = domain.InvoiceStatus(status)
	return &invoice, nil
}

// ListPaymentsByInvoice returns every payment that references invoiceID, whatever its status.
func (r *PostgresRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error) {
	query := `
		SELECT id, invoice_id, amount_usd::text, status::text, updated_at
		FROM payments
		WHERE invoice_id = $1
		ORDER BY updated_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		var (
			payment   domain.Payment
			amountRaw string
			status    string
		)
		if err := rows.Scan(&payment.ID, &payment.InvoiceID, &amountRaw, &status, &payment.UpdatedAt); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountRaw)
		if err != nil {
			return nil, fmt.Errorf("parse amount_usd for payment %s: %w", payment.ID, err)
		}
		payment.AmountUSD = amount
		payment.Status = domain.NormalizePaymentStatus(status)
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// UpdateInvoiceStatus performs a compare-and-set on the invoice status.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, from, to domain.InvoiceStatus) (bool, error) {
	query := `
		UPDATE invoices
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status::text = $2
	`
	tag, err := r.db.Exec(ctx, query, invoiceID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListReconcilableInvoiceIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT i.id
		FROM invoices i
		WHERE i.status::text = ANY($1)
		  AND EXISTS (SELECT 1 FROM payments p WHERE p.invoice_id = i.id)
		ORDER BY i.updated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, reconcilableStatuses(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveTrackedTransaction upserts a tracked transaction. A write carrying an older
// timestamp, or one aimed at a terminal row, is ignored.
func (r *PostgresRepository) SaveTrackedTransaction(ctx context.Context, record domain.TransactionRecord) error {
	query := `
		INSERT INTO tracked_transactions (
			tx_hash, chain, from_address, to_address, amount, token_symbol,
			required_confirmations, confirmations, status, block_number, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tx_hash) DO UPDATE SET
			confirmations = GREATEST(tracked_transactions.confirmations, EXCLUDED.confirmations),
			status = EXCLUDED.status,
			block_number = COALESCE(EXCLUDED.block_number, tracked_transactions.block_number),
			updated_at = EXCLUDED.updated_at
		WHERE tracked_transactions.status NOT IN ('confirmed', 'failed')
		  AND tracked_transactions.updated_at <= EXCLUDED.updated_at
		  AND NOT (EXCLUDED.status = 'pending' AND tracked_transactions.status <> 'pending')
	`
	_, err := r.db.Exec(ctx, query,
		record.TxHash,
		string(record.Chain),
		record.FromAddress,
		record.ToAddress,
		record.Amount.String(),
		record.TokenSymbol,
		record.RequiredConfirmations,
		record.Confirmations,
		string(record.Status),
		blockNumberParam(record.BlockNumber),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save tracked transaction %s: %w", record.TxHash, err)
	}
	return nil
}

func (r *PostgresRepository) ListActiveTrackedTransactions(ctx context.Context) ([]domain.TransactionRecord, error) {
	query := `
		SELECT tx_hash, chain, from_address, to_address, amount::text, token_symbol,
		       required_confirmations, confirmations, status, block_number, created_at, updated_at
		FROM tracked_transactions
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		var (
			record    domain.TransactionRecord
			chain     string
			status    string
			amountRaw string
			block     *int64
		)
		if err := rows.Scan(
			&record.TxHash,
			&chain,
			&record.FromAddress,
			&record.ToAddress,
			&amountRaw,
			&record.TokenSymbol,
			&record.RequiredConfirmations,
			&record.Confirmations,
			&status,
			&block,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountRaw)
		if err != nil {
			return nil, fmt.Errorf("parse amount for %s: %w", record.TxHash, err)
		}
		record.Amount = amount
		record.Chain = domain.Chain(chain)
		record.Status = domain.TxStatus(status)
		record.BlockNumber = blockNumberFromParam(block)
		records = append(records, record)
	}
	return records, rows.Err()
}

func blockNumberParam(block *uint64) *int64 {
	if block == nil || *block > math.MaxInt64 {
		return nil
	}
	v := int64(*block)
	return &v
}

func blockNumberFromParam(block *int64) *uint64 {
	if block == nil || *block < 0 {
		return nil
	}
	v := uint64(*block)
	return &v
}

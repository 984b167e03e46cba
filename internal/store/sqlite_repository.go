package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so that stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (or creates) a SQLite database at dsn and ensures every table
// exists. Pass ":memory:" for an in-memory database. The pool is limited to one
// connection, which serializes writers and keeps an in-memory database shared.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return db, nil
}

func createSQLiteTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			invoice_id TEXT REFERENCES invoices(id),
			amount_usd TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_invoice ON payments(invoice_id)`,
		`CREATE TABLE IF NOT EXISTS tracked_transactions (
			tx_hash TEXT PRIMARY KEY,
			chain TEXT NOT NULL,
			from_address TEXT NOT NULL DEFAULT '',
			to_address TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '0',
			token_symbol TEXT NOT NULL DEFAULT '',
			required_confirmations INTEGER NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			block_number INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_transactions_status ON tracked_transactions(status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// SQLiteRepository implements Repository on database/sql with the modernc driver.
// It backs local runs and tests, and owns the payments and invoices tables itself.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateInvoice inserts an invoice. Only used to seed local databases.
func (r *SQLiteRepository) CreateInvoice(ctx context.Context, invoice domain.Invoice) error {
	if invoice.UpdatedAt.IsZero() {
		invoice.UpdatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invoices (id, amount, status, updated_at) VALUES (?,?,?,?)`,
		invoice.ID.String(), invoice.Amount.String(), string(invoice.Status), formatTime(invoice.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// CreatePayment inserts a payment. Only used to seed local databases.
func (r *SQLiteRepository) CreatePayment(ctx context.Context, payment domain.Payment) error {
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = r.now()
	}
	var invoiceID any
	if payment.InvoiceID != nil {
		invoiceID = payment.InvoiceID.String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (id, invoice_id, amount_usd, status, updated_at) VALUES (?,?,?,?,?)`,
		payment.ID.String(), invoiceID, payment.AmountUSD.String(), string(payment.Status), formatTime(payment.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// SetPaymentStatus changes a payment's status. Only used to seed local databases.
func (r *SQLiteRepository) SetPaymentStatus(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(r.now()), paymentID.String(),
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, invoice_id, amount_usd, status, updated_at FROM payments WHERE id = ?`,
		paymentID.String(),
	)
	payment, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

func (r *SQLiteRepository) GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	var id, amountRaw, status, updatedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, amount, status, updated_at FROM invoices WHERE id = ?`,
		invoiceID.String(),
	).Scan(&id, &amountRaw, &status, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}

	invoice := domain.Invoice{Status: domain.InvoiceStatus(status)}
	if invoice.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse invoice id: %w", err)
	}
	if invoice.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return nil, fmt.Errorf("parse amount for invoice %s: %w", id, err)
	}
	if invoice.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *SQLiteRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, invoice_id, amount_usd, status, updated_at FROM payments WHERE invoice_id = ? ORDER BY updated_at, id`,
		invoiceID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

func (r *SQLiteRepository) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, from, to domain.InvoiceStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(r.now()), invoiceID.String(), string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ListReconcilableInvoiceIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := reconcilableStatuses()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT i.id FROM invoices i
		WHERE i.status IN (`+placeholders+`)
		  AND EXISTS (SELECT 1 FROM payments p WHERE p.invoice_id = i.id)
		ORDER BY i.updated_at ASC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse invoice id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepository) SaveTrackedTransaction(ctx context.Context, record domain.TransactionRecord) error {
	var block any
	if param := blockNumberParam(record.BlockNumber); param != nil {
		block = *param
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tracked_transactions (
			tx_hash, chain, from_address, to_address, amount, token_symbol,
			required_confirmations, confirmations, status, block_number, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tx_hash) DO UPDATE SET
			confirmations = MAX(tracked_transactions.confirmations, excluded.confirmations),
			status = excluded.status,
			block_number = COALESCE(excluded.block_number, tracked_transactions.block_number),
			updated_at = excluded.updated_at
		WHERE tracked_transactions.status NOT IN ('confirmed', 'failed')
		  AND tracked_transactions.updated_at <= excluded.updated_at
		  AND NOT (excluded.status = 'pending' AND tracked_transactions.status <> 'pending')`,
		record.TxHash, string(record.Chain), record.FromAddress, record.ToAddress,
		record.Amount.String(), record.TokenSymbol, record.RequiredConfirmations,
		record.Confirmations, string(record.Status), block,
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save tracked transaction %s: %w", record.TxHash, err)
	}
	return nil
}

func (r *SQLiteRepository) ListActiveTrackedTransactions(ctx context.Context) ([]domain.TransactionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tx_hash, chain, from_address, to_address, amount, token_symbol,
		        required_confirmations, confirmations, status, block_number, created_at, updated_at
		FROM tracked_transactions
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		var (
			record                   domain.TransactionRecord
			chain, status, amountRaw string
			createdAt, updatedAt     string
			block                    sql.NullInt64
		)
		if err := rows.Scan(
			&record.TxHash, &chain, &record.FromAddress, &record.ToAddress, &amountRaw,
			&record.TokenSymbol, &record.RequiredConfirmations, &record.Confirmations,
			&status, &block, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		if record.Amount, err = decimal.NewFromString(amountRaw); err != nil {
			return nil, fmt.Errorf("parse amount for %s: %w", record.TxHash, err)
		}
		if record.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		record.Chain = domain.Chain(chain)
		record.Status = domain.TxStatus(status)
		if block.Valid {
			record.BlockNumber = blockNumberFromParam(&block.Int64)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		id, amountRaw, status, updatedAt string
		invoiceID                        sql.NullString
	)
	if err := row.Scan(&id, &invoiceID, &amountRaw, &status, &updatedAt); err != nil {
		return nil, err
	}

	var (
		payment domain.Payment
		err     error
	)
	if payment.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse payment id: %w", err)
	}
	if invoiceID.Valid && invoiceID.String != "" {
		parsed, err := uuid.Parse(invoiceID.String)
		if err != nil {
			return nil, fmt.Errorf("parse invoice id of payment %s: %w", id, err)
		}
		payment.InvoiceID = &parsed
	}
	if payment.AmountUSD, err = decimal.NewFromString(amountRaw); err != nil {
		return nil, fmt.Errorf("parse amount_usd for payment %s: %w", id, err)
	}
	if payment.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	payment.Status = domain.NormalizePaymentStatus(status)
	return &payment, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
		}
	}
	return t.UTC(), nil
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}

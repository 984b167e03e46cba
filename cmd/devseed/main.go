/**
 * @description
 * Script to seed a local SQLite settlement database with invoices and payments, and to
 * complete payments the way the payment processor would, so that reconciliation can be
 * exercised end to end without the processor.
 *
 * Usage:
 *   go run ./cmd/devseed invoice <amount-usd>
 *   go run ./cmd/devseed payment <invoice-id> <amount-usd>
 *   go run ./cmd/devseed complete <payment-id>
 *
 * Example:
 *   go run ./cmd/devseed invoice 100
 *   go run ./cmd/devseed payment 0b6f0b9e-4d8c-4a57-9e3f-2f1d8a3f3c11 60
 *
 * @dependencies
 * - Environment variables: DATABASE_URL (sqlite://path), SETTLEMENT_SERVICE_URL, INTERNAL_API_KEY
 */

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
)

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  go run ./cmd/devseed invoice <amount-usd>")
	fmt.Println("  go run ./cmd/devseed payment <invoice-id> <amount-usd>")
	fmt.Println("  go run ./cmd/devseed complete <payment-id>")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	// Load environment variables from .env files if they exist
	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "sqlite://settlement.db"
		fmt.Println("Using default database:", dsn)
	}
	if !strings.HasPrefix(dsn, "sqlite://") {
		log.Fatal("devseed only writes to sqlite:// databases; refusing to touch a shared database")
	}

	db, err := store.OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	repo := store.NewSQLiteRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "invoice":
		amount := mustAmount(os.Args[2])
		id := uuid.New()
		if err := repo.CreateInvoice(ctx, domain.Invoice{ID: id, Amount: amount, Status: domain.InvoiceStatusUnpaid}); err != nil {
			log.Fatalf("Failed to create invoice: %v", err)
		}
		fmt.Printf("Created invoice %s for %s USD\n", id, amount.StringFixed(2))

	case "payment":
		if len(os.Args) != 4 {
			usage()
		}
		invoiceID, err := uuid.Parse(os.Args[2])
		if err != nil {
			log.Fatalf("Invalid invoice ID: %v", err)
		}
		if _, err := repo.GetInvoice(ctx, invoiceID); err != nil {
			log.Fatalf("Failed to fetch invoice: %v", err)
		}
		amount := mustAmount(os.Args[3])
		id := uuid.New()
		err = repo.CreatePayment(ctx, domain.Payment{ID: id, InvoiceID: &invoiceID, AmountUSD: amount, Status: domain.PaymentStatusPending})
		if err != nil {
			log.Fatalf("Failed to create payment: %v", err)
		}
		fmt.Printf("Created pending payment %s for %s USD on invoice %s\n", id, amount.StringFixed(2), invoiceID)

	case "complete":
		paymentID, err := uuid.Parse(os.Args[2])
		if err != nil {
			log.Fatalf("Invalid payment ID: %v", err)
		}
		completePayment(ctx, repo, paymentID)

	default:
		usage()
	}
}

func completePayment(ctx context.Context, repo *store.SQLiteRepository, paymentID uuid.UUID) {
	payment, err := repo.GetPayment(ctx, paymentID)
	if err != nil {
		log.Fatalf("Failed to fetch payment: %v", err)
	}

	fmt.Printf("Payment Details:\n")
	fmt.Printf("  ID: %s\n", payment.ID)
	fmt.Printf("  Amount: %s USD\n", payment.AmountUSD.StringFixed(2))
	fmt.Printf("  Status: %s\n", payment.Status)
	if payment.InvoiceID != nil {
		fmt.Printf("  Invoice: %s\n", *payment.InvoiceID)
	}

	fmt.Printf("\nMark this payment completed? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Cancelled.")
		os.Exit(0)
	}

	if err := repo.SetPaymentStatus(ctx, paymentID, domain.PaymentStatusCompleted); err != nil {
		log.Fatalf("Failed to update payment: %v", err)
	}
	fmt.Printf("Payment %s marked completed\n", paymentID)

	baseURL := strings.TrimRight(os.Getenv("SETTLEMENT_SERVICE_URL"), "/")
	if baseURL == "" {
		fmt.Println("SETTLEMENT_SERVICE_URL not set; the next reconciliation sweep will pick this up.")
		return
	}

	body, err := notifyCompleted(ctx, baseURL, os.Getenv("INTERNAL_API_KEY"), paymentID)
	if err != nil {
		log.Fatalf("Failed to trigger reconciliation: %v", err)
	}
	fmt.Printf("Reconciliation result: %s\n", body)
}

// notifyCompleted calls the service's internal completion endpoint.
func notifyCompleted(ctx context.Context, baseURL, apiKey string, paymentID uuid.UUID) (string, error) {
	url := fmt.Sprintf("%s/internal/payments/%s/completed", baseURL, paymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Internal-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("settlement service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func mustAmount(raw string) decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || amount.IsNegative() {
		log.Fatalf("Invalid amount %q: must be a non-negative decimal", raw)
	}
	return amount
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

const (
	RoutingKeyPaymentCompleted = "payment.status.completed"
	RoutingKeyPaymentFailed    = "payment.status.failed"
	RoutingKeyPaymentRefunded  = "payment.status.refunded"

	consumerProcessTimeout = 15 * time.Second
)

// PaymentReconciler is the part of ReconciliationService the consumer drives.
type PaymentReconciler interface {
	OnPaymentCompleted(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error)
	OnPaymentStatusChanged(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error)
}

// PaymentStatusConsumer turns payment status events from the broker into
// invoice reconciliation.
type PaymentStatusConsumer struct {
	reconciler PaymentReconciler
}

func NewPaymentStatusConsumer(reconciler PaymentReconciler) *PaymentStatusConsumer {
	return &PaymentStatusConsumer{reconciler: reconciler}
}

// HandleMessage returns false only for failures worth redelivering: lock
// contention, an exhausted retry budget or a store error. Malformed events and
// unknown payments are acknowledged and dropped.
func (c *PaymentStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	paymentID, err := uuid.Parse(strings.TrimSpace(event.PaymentID))
	if err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"invalid payment id; dropping\" event_id=%s payment_id=%q", event.EventID, event.PaymentID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerProcessTimeout)
	defer cancel()

	status := domain.NormalizePaymentStatus(event.Status)
	var result *domain.ReconcileResult
	if status == domain.PaymentStatusCompleted {
		result, err = c.reconciler.OnPaymentCompleted(ctx, paymentID)
	} else {
		result, err = c.reconciler.OnPaymentStatusChanged(ctx, paymentID)
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("level=warn component=payment_consumer msg=\"payment or invoice not found; acknowledging\" event_id=%s payment_id=%s err=%v", event.EventID, paymentID, err)
			return true
		}
		log.Printf("level=error component=payment_consumer msg=\"reconciliation failed; re-queuing\" event_id=%s payment_id=%s status=%s err=%v", event.EventID, paymentID, status, err)
		return false
	}

	if result != nil && result.Skipped {
		log.Printf("level=info component=payment_consumer msg=\"reconciliation skipped\" event_id=%s payment_id=%s reason=%q", event.EventID, paymentID, result.SkipReason)
	}
	return true
}

// Bindings maps the consumed routing keys onto HandleMessage.
func (c *PaymentStatusConsumer) Bindings() map[string]rabbitmq.HandlerFunc {
	return map[string]rabbitmq.HandlerFunc{
		RoutingKeyPaymentCompleted: c.HandleMessage,
		RoutingKeyPaymentFailed:    c.HandleMessage,
		RoutingKeyPaymentRefunded:  c.HandleMessage,
	}
}

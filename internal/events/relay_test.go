package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	rabbitmq.Publisher

	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func TestBrokerRelay_PublishesEveryEventKind(t *testing.T) {
	publisher := &recordingPublisher{}
	d := NewDispatcher()
	relay := NewBrokerRelay(publisher, "settlement_events", 0)
	relay.Attach(d)
	relay.Start()

	d.EmitStatusChanged(domain.StatusChangedEvent{TxHash: "0x1", Status: domain.TxStatusProcessing})
	d.EmitConfirmed(domain.ConfirmedEvent{TxHash: "0x1", Confirmations: 12})
	d.EmitError(domain.ErrorEvent{TxHash: "0x2", Message: "reverted", Terminal: true})
	relay.Close()

	if len(publisher.published) != 3 {
		t.Fatalf("expected 3 published messages, got %d", len(publisher.published))
	}
	wantKeys := []string{RoutingKeyStatusChanged, RoutingKeyConfirmed, RoutingKeyError}
	for i, msg := range publisher.published {
		if msg.exchange != "settlement_events" {
			t.Fatalf("unexpected exchange %q", msg.exchange)
		}
		if msg.routingKey != wantKeys[i] {
			t.Fatalf("expected routing key %q at %d, got %q", wantKeys[i], i, msg.routingKey)
		}
	}
	if event, ok := publisher.published[1].body.(domain.ConfirmedEvent); !ok || event.Confirmations != 12 {
		t.Fatalf("unexpected confirmed payload: %#v", publisher.published[1].body)
	}
	if got := d.SubscriberCount(); got != 0 {
		t.Fatalf("expected relay to detach on close, %d subscribers left", got)
	}
}

func TestBrokerRelay_PublishFailureDoesNotReachEmitter(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher()
	relay := NewBrokerRelay(publisher, "settlement_events", 4)
	relay.Attach(d)
	relay.Start()

	d.EmitError(domain.ErrorEvent{TxHash: "0x3", Message: "rpc timeout"})
	relay.Close()
	relay.Close()

	if len(publisher.published) != 1 {
		t.Fatalf("expected one publish attempt, got %d", len(publisher.published))
	}
}

func TestBrokerRelay_DropsWhenBufferFull(t *testing.T) {
	publisher := &recordingPublisher{}
	d := NewDispatcher()
	relay := NewBrokerRelay(publisher, "settlement_events", 1)
	relay.Attach(d)

	d.EmitStatusChanged(domain.StatusChangedEvent{TxHash: "0x4"})
	d.EmitStatusChanged(domain.StatusChangedEvent{TxHash: "0x5"})

	relay.Start()
	relay.Close()

	if len(publisher.published) != 1 {
		t.Fatalf("expected the overflow event to be dropped, got %d publishes", len(publisher.published))
	}
	if event := publisher.published[0].body.(domain.StatusChangedEvent); event.TxHash != "0x4" {
		t.Fatalf("expected the first event to survive, got %s", event.TxHash)
	}
}

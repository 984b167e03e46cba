package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

const (
	RoutingKeyStatusChanged = "transaction.status.changed"
	RoutingKeyConfirmed     = "transaction.confirmed"
	RoutingKeyError         = "transaction.error"

	defaultRelayBuffer  = 256
	relayPublishTimeout = 5 * time.Second
)

type outbound struct {
	routingKey string
	txHash     string
	body       interface{}
}

// BrokerRelay forwards dispatcher events to a RabbitMQ topic exchange. Handlers
// only enqueue, so a slow broker never stalls a poll task; when the buffer is
// full the event is dropped with a warning.
type BrokerRelay struct {
	publisher rabbitmq.Publisher
	exchange  string

	mu          sync.RWMutex
	closed      bool
	queue       chan outbound
	unsubscribe []func()

	done chan struct{}
}

func NewBrokerRelay(publisher rabbitmq.Publisher, exchange string, buffer int) *BrokerRelay {
	if buffer <= 0 {
		buffer = defaultRelayBuffer
	}
	return &BrokerRelay{
		publisher: publisher,
		exchange:  exchange,
		queue:     make(chan outbound, buffer),
		done:      make(chan struct{}),
	}
}

// Attach subscribes the relay to every event kind of d.
func (r *BrokerRelay) Attach(d *Dispatcher) {
	unsubs := []func(){
		d.OnStatusChange(func(event domain.StatusChangedEvent) {
			r.enqueue(outbound{routingKey: RoutingKeyStatusChanged, txHash: event.TxHash, body: event})
		}),
		d.OnConfirmation(func(event domain.ConfirmedEvent) {
			r.enqueue(outbound{routingKey: RoutingKeyConfirmed, txHash: event.TxHash, body: event})
		}),
		d.OnError(func(event domain.ErrorEvent) {
			r.enqueue(outbound{routingKey: RoutingKeyError, txHash: event.TxHash, body: event})
		}),
	}

	r.mu.Lock()
	r.unsubscribe = append(r.unsubscribe, unsubs...)
	r.mu.Unlock()
}

// Start launches the publishing loop.
func (r *BrokerRelay) Start() {
	go r.run()
}

func (r *BrokerRelay) run() {
	defer close(r.done)
	for msg := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		if err := r.publisher.Publish(ctx, r.exchange, msg.routingKey, msg.body); err != nil {
			log.Printf("level=warn component=event_relay msg=\"publish failed\" exchange=%s routing_key=%s tx_hash=%s err=%v", r.exchange, msg.routingKey, msg.txHash, err)
		}
		cancel()
	}
}

func (r *BrokerRelay) enqueue(msg outbound) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	select {
	case r.queue <- msg:
	default:
		log.Printf("level=warn component=event_relay msg=\"relay buffer full; dropping event\" routing_key=%s tx_hash=%s", msg.routingKey, msg.txHash)
	}
}

// Close detaches from the dispatcher, then publishes whatever is still buffered
// before returning. Start must have been called.
func (r *BrokerRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubs := r.unsubscribe
	r.unsubscribe = nil
	close(r.queue)
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	<-r.done
}

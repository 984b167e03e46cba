/**
 * @description
 * Typed fan-out of monitor events to subscriber callbacks. Each event kind has its
 * own topic; every handler call is isolated so that one failing subscriber never
 * stops the others or reaches the poll loop that raised the event.
 *
 * @notes
 * - Handlers run synchronously on the poll goroutine of the transaction that raised
 *   the event. They must not call Registry.StopMonitoring or Registry.StopAll
 *   directly; hand off to another goroutine instead.
 * - The no-event-after-stop guarantee is provided by the poller, which checks its
 *   cancellation before every emit and is joined by Stop.
 */

package events

import (
	"log"
	"sync"

	"github.com/transfa/settlement-service/internal/domain"
)

// Handler receives one event.
type Handler[E any] func(event E)

type subscription[E any] struct {
	id      uint64
	handler Handler[E]
}

type topic[E any] struct {
	name string

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[E]
}

func (t *topic[E]) subscribe(handler Handler[E]) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscription[E]{id: id, handler: handler})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

func (t *topic[E]) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.subs {
		if sub.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *topic[E]) publish(event E) {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	for _, sub := range subs {
		t.deliver(sub, event)
	}
}

func (t *topic[E]) deliver(sub subscription[E], event E) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("level=error component=dispatcher msg=\"event handler panicked\" topic=%s subscriber=%d panic=%v", t.name, sub.id, rec)
		}
	}()
	sub.handler(event)
}

func (t *topic[E]) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Dispatcher fans monitor events out to registered handlers. The zero value is
// not usable; create one with NewDispatcher.
type Dispatcher struct {
	statusChanged *topic[domain.StatusChangedEvent]
	confirmed     *topic[domain.ConfirmedEvent]
	errors        *topic[domain.ErrorEvent]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		statusChanged: &topic[domain.StatusChangedEvent]{name: "status_changed"},
		confirmed:     &topic[domain.ConfirmedEvent]{name: "confirmed"},
		errors:        &topic[domain.ErrorEvent]{name: "error"},
	}
}

// OnStatusChange registers a handler and returns a func that removes it.
func (d *Dispatcher) OnStatusChange(handler Handler[domain.StatusChangedEvent]) func() {
	return d.statusChanged.subscribe(handler)
}

// OnConfirmation registers a handler and returns a func that removes it.
func (d *Dispatcher) OnConfirmation(handler Handler[domain.ConfirmedEvent]) func() {
	return d.confirmed.subscribe(handler)
}

// OnError registers a handler and returns a func that removes it.
func (d *Dispatcher) OnError(handler Handler[domain.ErrorEvent]) func() {
	return d.errors.subscribe(handler)
}

func (d *Dispatcher) EmitStatusChanged(event domain.StatusChangedEvent) {
	d.statusChanged.publish(event)
}

func (d *Dispatcher) EmitConfirmed(event domain.ConfirmedEvent) {
	d.confirmed.publish(event)
}

func (d *Dispatcher) EmitError(event domain.ErrorEvent) {
	d.errors.publish(event)
}

// SubscriberCount returns the number of handlers across all event kinds.
func (d *Dispatcher) SubscriberCount() int {
	return d.statusChanged.size() + d.confirmed.size() + d.errors.size()
}

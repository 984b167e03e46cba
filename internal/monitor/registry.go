/**
 * @description
 * This file implements the transaction registry: the single concurrency-safe store of
 * tracked transactions and the owner of their poll tasks. Each hash maps to exactly
 * one entry holding both the last-known record and the handle of its poll goroutine,
 * so the two can never drift apart.
 *
 * @notes
 * - Records are never removed. Stopping a hash only detaches its poller.
 * - StopMonitoring and StopAll join the affected goroutines before returning, which is
 *   what guarantees that no event for those hashes fires afterwards.
 */

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

var (
	ErrAlreadyTracked       = errors.New("transaction already tracked")
	ErrNotFound             = errors.New("transaction not found")
	ErrUnsupportedChain     = errors.New("unsupported chain")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrRegistryClosed       = errors.New("registry closed")
	ErrTransientObservation = errors.New("transient observer error")
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultObserveTimeout = 10 * time.Second
	persistTimeout        = 5 * time.Second
)

// ChainObserver reports the on-chain state of a transaction hash.
type ChainObserver interface {
	Observe(ctx context.Context, hash string, chain domain.Chain) (domain.Observation, error)
}

// Emitter receives the events produced by poll tasks.
type Emitter interface {
	EmitStatusChanged(event domain.StatusChangedEvent)
	EmitConfirmed(event domain.ConfirmedEvent)
	EmitError(event domain.ErrorEvent)
}

// TransactionStore persists tracked records so monitoring survives restarts.
type TransactionStore interface {
	SaveTrackedTransaction(ctx context.Context, record domain.TransactionRecord) error
}

// Options configures a Registry.
type Options struct {
	PollInterval   time.Duration
	ObserveTimeout time.Duration
	Chains         map[domain.Chain]domain.ChainParams
	Store          TransactionStore
}

type entry struct {
	record domain.TransactionRecord
	poller *poller
}

// Registry tracks transactions and runs one poll task per active hash.
type Registry struct {
	observer ChainObserver
	emitter  Emitter
	store    TransactionStore

	pollInterval   time.Duration
	observeTimeout time.Duration
	chains         map[domain.Chain]domain.ChainParams

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	now func() time.Time
}

// NewRegistry creates a registry. The observer and emitter are required.
func NewRegistry(observer ChainObserver, emitter Emitter, opts Options) *Registry {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	observeTimeout := opts.ObserveTimeout
	if observeTimeout <= 0 {
		observeTimeout = defaultObserveTimeout
	}
	chains := opts.Chains
	if len(chains) == 0 {
		chains = domain.DefaultChainParams()
	}

	return &Registry{
		observer:       observer,
		emitter:        emitter,
		store:          opts.Store,
		pollInterval:   pollInterval,
		observeTimeout: observeTimeout,
		chains:         chains,
		entries:        make(map[string]*entry),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// AddTransaction starts tracking a transaction. The new record is pending with zero
// confirmations and its poll task is already running when AddTransaction returns.
func (r *Registry) AddTransaction(ctx context.Context, req domain.AddTransactionRequest) (domain.TransactionRecord, error) {
	hash := normalizeHash(req.TxHash)
	if hash == "" {
		return domain.TransactionRecord{}, fmt.Errorf("%w: transaction hash is required", ErrInvalidTransaction)
	}
	params, ok := r.chains[req.Chain]
	if !ok {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %q", ErrUnsupportedChain, req.Chain)
	}
	if req.Amount.IsNegative() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidTransaction)
	}

	required := req.RequiredConfirmations
	if required <= 0 {
		required = params.RequiredConfirmations
	}
	if required <= 0 {
		required = 1
	}

	now := r.now()
	record := domain.TransactionRecord{
		TxHash:                hash,
		Chain:                 req.Chain,
		FromAddress:           strings.TrimSpace(req.FromAddress),
		ToAddress:             strings.TrimSpace(req.ToAddress),
		Amount:                req.Amount,
		TokenSymbol:           strings.ToUpper(strings.TrimSpace(req.TokenSymbol)),
		RequiredConfirmations: required,
		Confirmations:         0,
		Status:                domain.TxStatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.TransactionRecord{}, ErrRegistryClosed
	}
	if _, exists := r.entries[hash]; exists {
		r.mu.Unlock()
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s", ErrAlreadyTracked, hash)
	}
	e := &entry{record: record}
	r.entries[hash] = e
	r.startLocked(e)
	r.mu.Unlock()

	r.persist(ctx, record)
	log.Printf("level=info component=registry msg=\"monitoring started\" tx_hash=%s chain=%s required_confirmations=%d", hash, record.Chain, required)

	return record.Clone(), nil
}

// Restore re-registers previously persisted records, resuming polling for every
// record that has not reached a terminal state. Hashes already present are skipped.
func (r *Registry) Restore(records []domain.TransactionRecord) int {
	started := 0

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	for _, record := range records {
		hash := normalizeHash(record.TxHash)
		if hash == "" {
			continue
		}
		if _, exists := r.entries[hash]; exists {
			continue
		}
		if _, ok := r.chains[record.Chain]; !ok {
			log.Printf("level=warn component=registry msg=\"skipping restored transaction on unsupported chain\" tx_hash=%s chain=%s", hash, record.Chain)
			continue
		}
		record.TxHash = hash
		if record.RequiredConfirmations <= 0 {
			record.RequiredConfirmations = r.chains[record.Chain].RequiredConfirmations
		}
		e := &entry{record: record.Clone()}
		r.entries[hash] = e
		if !record.Status.IsTerminal() {
			r.startLocked(e)
			started++
		}
	}
	r.mu.Unlock()

	if started > 0 {
		log.Printf("level=info component=registry msg=\"monitoring resumed\" count=%d", started)
	}
	return started
}

// GetTransaction returns a copy of the last-known record for hash.
func (r *Registry) GetTransaction(hash string) (domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[normalizeHash(hash)]
	if !ok {
		return domain.TransactionRecord{}, ErrNotFound
	}
	return e.record.Clone(), nil
}

// ListTransactions returns a point-in-time copy of every record, oldest first.
func (r *Registry) ListTransactions() []domain.TransactionRecord {
	r.mu.Lock()
	records := make([]domain.TransactionRecord, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.record.Clone())
	}
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].TxHash < records[j].TxHash
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// IsMonitoring reports whether hash currently has an active poll task.
func (r *Registry) IsMonitoring(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[normalizeHash(hash)]
	return ok && e.poller != nil
}

// StopMonitoring cancels the poll task for hash and waits for it to exit.
// It is idempotent and keeps the last-known record. It must not be called
// synchronously from an event handler for the same hash.
func (r *Registry) StopMonitoring(hash string) {
	r.mu.Lock()
	e, ok := r.entries[normalizeHash(hash)]
	var p *poller
	if ok {
		p = e.poller
		e.poller = nil
	}
	r.mu.Unlock()

	if p == nil {
		return
	}
	p.stop()
	log.Printf("level=info component=registry msg=\"monitoring stopped\" tx_hash=%s", p.hash)
}

// StopAll cancels every active poll task and waits for all of them to exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	pollers := make([]*poller, 0, len(r.entries))
	for _, e := range r.entries {
		if e.poller != nil {
			pollers = append(pollers, e.poller)
			e.poller = nil
		}
	}
	r.mu.Unlock()

	for _, p := range pollers {
		p.cancel()
	}
	for _, p := range pollers {
		<-p.done
	}
	if len(pollers) > 0 {
		log.Printf("level=info component=registry msg=\"all monitoring stopped\" count=%d", len(pollers))
	}
}

// Close rejects further additions and stops every poll task.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.StopAll()
}

// startLocked launches the poll task for e. Callers hold r.mu; the task's first
// tick blocks on the lock until they release it.
func (r *Registry) startLocked(e *entry) {
	p := newPoller(r, e.record.TxHash, e.record.Chain, e.record.RequiredConfirmations)
	e.poller = p
	go p.run()
}

// snapshot returns the current record for a poller's hash.
func (r *Registry) snapshot(hash string) (domain.TransactionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[hash]
	if !ok {
		return domain.TransactionRecord{}, false
	}
	return e.record.Clone(), true
}

// apply writes a transition to the stored record on behalf of p. Writes from a
// poller that has been detached are dropped.
func (r *Registry) apply(p *poller, t Transition) (domain.TransactionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.hash]
	if !ok || e.poller != p || e.record.Status.IsTerminal() {
		return domain.TransactionRecord{}, false
	}

	e.record.Status = t.Status
	if t.Confirmations > e.record.Confirmations {
		e.record.Confirmations = t.Confirmations
	}
	if t.BlockNumber != nil {
		block := *t.BlockNumber
		e.record.BlockNumber = &block
	}
	e.record.UpdatedAt = r.now()
	return e.record.Clone(), true
}

// detach clears the poller handle once a task ends on its own.
func (r *Registry) detach(p *poller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p.hash]; ok && e.poller == p {
		e.poller = nil
	}
}

func (r *Registry) persist(ctx context.Context, record domain.TransactionRecord) {
	if r.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := r.store.SaveTrackedTransaction(persistCtx, record); err != nil {
		log.Printf("level=warn component=registry msg=\"persist tracked transaction failed\" tx_hash=%s status=%s err=%v", record.TxHash, record.Status, err)
	}
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

// poller is the poll task of a single tracked hash. Its ticks run strictly one
// after another on one goroutine.
type poller struct {
	reg      *Registry
	hash     string
	chain    domain.Chain
	required int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPoller(reg *Registry, hash string, chain domain.Chain, required int) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		reg:      reg,
		hash:     hash,
		chain:    chain,
		required: required,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (p *poller) run() {
	defer close(p.done)
	defer p.reg.detach(p)

	if p.tick() {
		return
	}

	ticker := time.NewTicker(p.reg.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.tick() {
				return
			}
		}
	}
}

// stop cancels the task and waits for its goroutine to exit.
func (p *poller) stop() {
	p.cancel()
	<-p.done
}

// tick performs one observation and reports whether the task is finished.
func (p *poller) tick() bool {
	if p.ctx.Err() != nil {
		return true
	}

	current, ok := p.reg.snapshot(p.hash)
	if !ok || current.Status.IsTerminal() {
		return true
	}

	observeCtx, cancel := context.WithTimeout(p.ctx, p.reg.observeTimeout)
	obs, err := p.reg.observer.Observe(observeCtx, p.hash, p.chain)
	cancel()

	if p.ctx.Err() != nil {
		return true
	}

	if err != nil {
		transient := fmt.Errorf("%w: %v", ErrTransientObservation, err)
		log.Printf("level=warn component=poller msg=\"observation failed; retrying next tick\" tx_hash=%s chain=%s err=%v", p.hash, p.chain, err)
		p.emit(func(em Emitter) {
			em.EmitError(domain.ErrorEvent{
				TxHash:     p.hash,
				Chain:      p.chain,
				Message:    transient.Error(),
				OccurredAt: time.Now().UTC(),
			})
		})
		return false
	}

	next := NextStatus(current, obs, p.required)
	if !next.Changed(current) {
		return false
	}

	updated, ok := p.reg.apply(p, next)
	if !ok {
		return true
	}
	p.reg.persist(p.ctx, updated)

	log.Printf("level=info component=poller msg=\"status updated\" tx_hash=%s chain=%s from=%s to=%s confirmations=%d/%d", p.hash, p.chain, current.Status, updated.Status, updated.Confirmations, p.required)

	explorerURL := domain.ExplorerURL(p.chain, p.hash)
	now := time.Now().UTC()
	p.emit(func(em Emitter) {
		em.EmitStatusChanged(domain.StatusChangedEvent{
			TxHash:        p.hash,
			Chain:         p.chain,
			Status:        updated.Status,
			Confirmations: updated.Confirmations,
			ExplorerURL:   explorerURL,
			OccurredAt:    now,
		})
	})

	switch updated.Status {
	case domain.TxStatusConfirmed:
		p.emit(func(em Emitter) {
			em.EmitConfirmed(domain.ConfirmedEvent{
				TxHash:        p.hash,
				Chain:         p.chain,
				Confirmations: updated.Confirmations,
				BlockNumber:   updated.BlockNumber,
				ExplorerURL:   explorerURL,
				OccurredAt:    now,
			})
		})
		return true
	case domain.TxStatusFailed:
		p.emit(func(em Emitter) {
			em.EmitError(domain.ErrorEvent{
				TxHash:     p.hash,
				Chain:      p.chain,
				Message:    "transaction reverted on chain",
				Terminal:   true,
				OccurredAt: now,
			})
		})
		return true
	}
	return false
}

// emit delivers one event unless the task has been cancelled. A panicking
// emitter is logged and the poll loop carries on.
func (p *poller) emit(send func(Emitter)) {
	if p.reg.emitter == nil || p.ctx.Err() != nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("level=error component=poller msg=\"event emitter panicked\" tx_hash=%s panic=%v", p.hash, rec)
		}
	}()
	send(p.reg.emitter)
}

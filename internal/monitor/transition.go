package monitor

import "github.com/transfa/settlement-service/internal/domain"

// Transition is the state a record should move to after an observation.
type Transition struct {
	Status        domain.TxStatus
	Confirmations int
	BlockNumber   *uint64
}

// Changed reports whether t differs from the stored record in a way that
// must be written back and announced.
func (t Transition) Changed(current domain.TransactionRecord) bool {
	return t.Status != current.Status || t.Confirmations > current.Confirmations
}

// NextStatus derives the next lifecycle state of a tracked transaction from its
// stored state and the latest observation. It performs no I/O.
//
// Rules, in order: terminal states absorb everything; a revert fails the
// transaction; an unincluded transaction stays pending; an included one is
// processing until it reaches required confirmations, then confirmed.
// Confirmations never move backwards and status never moves backwards.
func NextStatus(current domain.TransactionRecord, obs domain.Observation, required int) Transition {
	if required <= 0 {
		required = 1
	}

	unchanged := Transition{
		Status:        current.Status,
		Confirmations: current.Confirmations,
		BlockNumber:   current.BlockNumber,
	}

	if current.Status.IsTerminal() {
		return unchanged
	}

	if obs.Reverted {
		return Transition{
			Status:        domain.TxStatusFailed,
			Confirmations: current.Confirmations,
			BlockNumber:   pickBlock(obs.BlockNumber, current.BlockNumber),
		}
	}

	if !obs.Included {
		// A processing transaction that drops out of view (reorg, lagging node)
		// keeps what was already recorded.
		if current.Status == domain.TxStatusPending {
			return Transition{Status: domain.TxStatusPending, Confirmations: 0, BlockNumber: current.BlockNumber}
		}
		return unchanged
	}

	confirmations := obs.Confirmations
	if confirmations < current.Confirmations {
		confirmations = current.Confirmations
	}

	status := domain.TxStatusProcessing
	if obs.Confirmations >= required {
		status = domain.TxStatusConfirmed
	}

	return Transition{
		Status:        status,
		Confirmations: confirmations,
		BlockNumber:   pickBlock(obs.BlockNumber, current.BlockNumber),
	}
}

func pickBlock(observed, stored *uint64) *uint64 {
	if observed != nil {
		block := *observed
		return &block
	}
	return stored
}

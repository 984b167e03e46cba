/**
 * @description
 * This file defines the domain models for on-chain transactions tracked by the
 * settlement-service: the tracked record itself, the observation reported by a
 * chain observer, and the events raised while a transaction moves toward finality.
 *
 * @notes
 * - JSON field names follow the payment widget's public contract (camelCase),
 *   which differs from the snake_case used by the payment and invoice models.
 * - Token amounts use decimal.Decimal so that 18-decimal token values survive
 *   round trips without float rounding.
 */

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies a supported ledger network.
type Chain string

const (
	ChainEthereum  Chain = "ethereum"
	ChainPolygon   Chain = "polygon"
	ChainBSC       Chain = "bsc"
	ChainArbitrum  Chain = "arbitrum"
	ChainOptimism  Chain = "optimism"
	ChainBase      Chain = "base"
	ChainAvalanche Chain = "avalanche"
)

// SupportedChains lists every chain the service knows how to watch.
var SupportedChains = []Chain{
	ChainEthereum,
	ChainPolygon,
	ChainBSC,
	ChainArbitrum,
	ChainOptimism,
	ChainBase,
	ChainAvalanche,
}

// ParseChain normalizes user input ("ETH", " Polygon ") into a Chain.
func ParseChain(raw string) (Chain, bool) {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch value {
	case "eth", "mainnet":
		value = string(ChainEthereum)
	case "matic":
		value = string(ChainPolygon)
	case "bnb", "binance":
		value = string(ChainBSC)
	case "arb":
		value = string(ChainArbitrum)
	case "op":
		value = string(ChainOptimism)
	case "avax":
		value = string(ChainAvalanche)
	}
	for _, chain := range SupportedChains {
		if string(chain) == value {
			return chain, true
		}
	}
	return "", false
}

// TxStatus is the lifecycle status of a tracked transaction.
type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusProcessing TxStatus = "processing"
	TxStatusConfirmed  TxStatus = "confirmed"
	TxStatusFailed     TxStatus = "failed"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// TransactionRecord is the last-known state of one watched transaction.
type TransactionRecord struct {
	TxHash                string          `json:"txHash"`
	Chain                 Chain           `json:"chain"`
	FromAddress           string          `json:"fromAddress"`
	ToAddress             string          `json:"toAddress"`
	Amount                decimal.Decimal `json:"amount"`
	TokenSymbol           string          `json:"tokenSymbol"`
	RequiredConfirmations int             `json:"requiredConfirmations"`
	Confirmations         int             `json:"confirmations"`
	Status                TxStatus        `json:"status"`
	BlockNumber           *uint64         `json:"blockNumber,omitempty"`
	CreatedAt             time.Time       `json:"timestamp"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with r.
func (r TransactionRecord) Clone() TransactionRecord {
	out := r
	if r.BlockNumber != nil {
		block := *r.BlockNumber
		out.BlockNumber = &block
	}
	return out
}

// AddTransactionRequest carries the caller-supplied details of a transaction to watch.
type AddTransactionRequest struct {
	TxHash                string          `json:"txHash"`
	Chain                 Chain           `json:"chain"`
	FromAddress           string          `json:"fromAddress"`
	ToAddress             string          `json:"toAddress"`
	Amount                decimal.Decimal `json:"amount"`
	TokenSymbol           string          `json:"tokenSymbol"`
	RequiredConfirmations int             `json:"requiredConfirmations,omitempty"`
}

// Observation is what a chain observer reports about a transaction hash.
type Observation struct {
	Included      bool
	Confirmations int
	BlockNumber   *uint64
	Reverted      bool
}

// StatusChangedEvent is raised whenever a record's status or confirmation count moves.
type StatusChangedEvent struct {
	TxHash        string    `json:"txHash"`
	Chain         Chain     `json:"chain"`
	Status        TxStatus  `json:"status"`
	Confirmations int       `json:"confirmations"`
	ExplorerURL   string    `json:"explorerUrl"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// ConfirmedEvent is raised exactly once, when a record reaches TxStatusConfirmed.
type ConfirmedEvent struct {
	TxHash        string    `json:"txHash"`
	Chain         Chain     `json:"chain"`
	Confirmations int       `json:"confirmations"`
	BlockNumber   *uint64   `json:"blockNumber,omitempty"`
	ExplorerURL   string    `json:"explorerUrl"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// ErrorEvent reports an observer failure (transient) or a failed transaction (terminal).
type ErrorEvent struct {
	TxHash     string    `json:"txHash"`
	Chain      Chain     `json:"chain"`
	Message    string    `json:"message"`
	Terminal   bool      `json:"terminal"`
	OccurredAt time.Time `json:"occurredAt"`
}

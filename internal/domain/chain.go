package domain

import (
	"strings"
	"time"
)

// ChainParams holds the finality settings for one chain.
type ChainParams struct {
	RequiredConfirmations int
	BlockTime             time.Duration
	ExplorerTxURL         string
}

var defaultChainParams = map[Chain]ChainParams{
	ChainEthereum:  {RequiredConfirmations: 12, BlockTime: 12 * time.Second, ExplorerTxURL: "https://etherscan.io/tx/"},
	ChainPolygon:   {RequiredConfirmations: 64, BlockTime: 2 * time.Second, ExplorerTxURL: "https://polygonscan.com/tx/"},
	ChainBSC:       {RequiredConfirmations: 15, BlockTime: 3 * time.Second, ExplorerTxURL: "https://bscscan.com/tx/"},
	ChainArbitrum:  {RequiredConfirmations: 20, BlockTime: 250 * time.Millisecond, ExplorerTxURL: "https://arbiscan.io/tx/"},
	ChainOptimism:  {RequiredConfirmations: 20, BlockTime: 2 * time.Second, ExplorerTxURL: "https://optimistic.etherscan.io/tx/"},
	ChainBase:      {RequiredConfirmations: 20, BlockTime: 2 * time.Second, ExplorerTxURL: "https://basescan.org/tx/"},
	ChainAvalanche: {RequiredConfirmations: 10, BlockTime: 2 * time.Second, ExplorerTxURL: "https://snowtrace.io/tx/"},
}

// DefaultChainParams returns a fresh copy of the built-in chain settings.
// The confirmation thresholds are starting points only; operators override
// them through REQUIRED_CONFIRMATIONS.
func DefaultChainParams() map[Chain]ChainParams {
	out := make(map[Chain]ChainParams, len(defaultChainParams))
	for chain, params := range defaultChainParams {
		out[chain] = params
	}
	return out
}

// ExplorerURL derives the block-explorer link for a transaction hash.
func ExplorerURL(chain Chain, txHash string) string {
	params, ok := defaultChainParams[chain]
	hash := strings.TrimSpace(txHash)
	if !ok || hash == "" {
		return ""
	}
	return params.ExplorerTxURL + hash
}

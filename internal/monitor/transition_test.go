package monitor

import (
	"testing"

	"github.com/transfa/settlement-service/internal/domain"
)

func blockPtr(v uint64) *uint64 {
	return &v
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		name        string
		current     domain.TransactionRecord
		obs         domain.Observation
		required    int
		wantStatus  domain.TxStatus
		wantConfs   int
		wantBlock   *uint64
		wantChanged bool
	}{
		{
			name:        "confirmed is absorbing",
			current:     domain.TransactionRecord{Status: domain.TxStatusConfirmed, Confirmations: 6},
			obs:         domain.Observation{Reverted: true},
			required:    6,
			wantStatus:  domain.TxStatusConfirmed,
			wantConfs:   6,
			wantChanged: false,
		},
		{
			name:        "failed is absorbing",
			current:     domain.TransactionRecord{Status: domain.TxStatusFailed},
			obs:         domain.Observation{Included: true, Confirmations: 20},
			required:    6,
			wantStatus:  domain.TxStatusFailed,
			wantConfs:   0,
			wantChanged: false,
		},
		{
			name:        "revert fails a pending transaction",
			current:     domain.TransactionRecord{Status: domain.TxStatusPending},
			obs:         domain.Observation{Included: true, Reverted: true, BlockNumber: blockPtr(100)},
			required:    6,
			wantStatus:  domain.TxStatusFailed,
			wantBlock:   blockPtr(100),
			wantChanged: true,
		},
		{
			name:        "revert fails a processing transaction and keeps confirmations",
			current:     domain.TransactionRecord{Status: domain.TxStatusProcessing, Confirmations: 3},
			obs:         domain.Observation{Reverted: true},
			required:    6,
			wantStatus:  domain.TxStatusFailed,
			wantConfs:   3,
			wantChanged: true,
		},
		{
			name:        "not included stays pending",
			current:     domain.TransactionRecord{Status: domain.TxStatusPending},
			obs:         domain.Observation{Included: false},
			required:    6,
			wantStatus:  domain.TxStatusPending,
			wantConfs:   0,
			wantChanged: false,
		},
		{
			name:        "processing that drops out of view is kept",
			current:     domain.TransactionRecord{Status: domain.TxStatusProcessing, Confirmations: 4, BlockNumber: blockPtr(7)},
			obs:         domain.Observation{Included: false},
			required:    6,
			wantStatus:  domain.TxStatusProcessing,
			wantConfs:   4,
			wantBlock:   blockPtr(7),
			wantChanged: false,
		},
		{
			name:        "included below threshold is processing",
			current:     domain.TransactionRecord{Status: domain.TxStatusPending},
			obs:         domain.Observation{Included: true, Confirmations: 2, BlockNumber: blockPtr(55)},
			required:    6,
			wantStatus:  domain.TxStatusProcessing,
			wantConfs:   2,
			wantBlock:   blockPtr(55),
			wantChanged: true,
		},
		{
			name:        "confirmations never regress",
			current:     domain.TransactionRecord{Status: domain.TxStatusProcessing, Confirmations: 4},
			obs:         domain.Observation{Included: true, Confirmations: 2},
			required:    6,
			wantStatus:  domain.TxStatusProcessing,
			wantConfs:   4,
			wantChanged: false,
		},
		{
			name:        "confirmation increase is a change",
			current:     domain.TransactionRecord{Status: domain.TxStatusProcessing, Confirmations: 4},
			obs:         domain.Observation{Included: true, Confirmations: 5},
			required:    6,
			wantStatus:  domain.TxStatusProcessing,
			wantConfs:   5,
			wantChanged: true,
		},
		{
			name:        "reaching the threshold confirms",
			current:     domain.TransactionRecord{Status: domain.TxStatusProcessing, Confirmations: 5},
			obs:         domain.Observation{Included: true, Confirmations: 6},
			required:    6,
			wantStatus:  domain.TxStatusConfirmed,
			wantConfs:   6,
			wantChanged: true,
		},
		{
			name:        "pending can confirm in one step",
			current:     domain.TransactionRecord{Status: domain.TxStatusPending},
			obs:         domain.Observation{Included: true, Confirmations: 30},
			required:    12,
			wantStatus:  domain.TxStatusConfirmed,
			wantConfs:   30,
			wantChanged: true,
		},
		{
			name:        "non-positive threshold means one confirmation",
			current:     domain.TransactionRecord{Status: domain.TxStatusPending},
			obs:         domain.Observation{Included: true, Confirmations: 1},
			required:    0,
			wantStatus:  domain.TxStatusConfirmed,
			wantConfs:   1,
			wantChanged: true,
		},
		{
			name:        "included with zero confirmations is processing",
			current:     domain.TransactionRecord{Status: domain.TxStatusPending},
			obs:         domain.Observation{Included: true, Confirmations: 0},
			required:    3,
			wantStatus:  domain.TxStatusProcessing,
			wantConfs:   0,
			wantChanged: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NextStatus(tc.current, tc.obs, tc.required)
			if got.Status != tc.wantStatus {
				t.Fatalf("expected status %q, got %q", tc.wantStatus, got.Status)
			}
			if got.Confirmations != tc.wantConfs {
				t.Fatalf("expected confirmations %d, got %d", tc.wantConfs, got.Confirmations)
			}
			if (got.BlockNumber == nil) != (tc.wantBlock == nil) {
				t.Fatalf("expected block %v, got %v", tc.wantBlock, got.BlockNumber)
			}
			if got.BlockNumber != nil && *got.BlockNumber != *tc.wantBlock {
				t.Fatalf("expected block %d, got %d", *tc.wantBlock, *got.BlockNumber)
			}
			if changed := got.Changed(tc.current); changed != tc.wantChanged {
				t.Fatalf("expected changed=%t, got %t", tc.wantChanged, changed)
			}
		})
	}
}

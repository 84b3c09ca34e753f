package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestLedger commits a new ledger holding the given balances.
func createTestLedger(t *testing.T, s *Store, userID string, balances map[karma.Path]float64) *karma.Ledger {
	t.Helper()
	p := karma.DefaultPolicy()
	l := karma.NewLedger(userID, p, testEpoch)
	for path, v := range balances {
		l.Credit(path, v, testEpoch)
	}
	l.Recompute(p)
	if err := s.Commit(context.Background(), Commit{Ledger: l}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return l
}

// createTestTransaction builds a reward transaction with minimal fields.
func createTestTransaction(id, userID string, value float64, at time.Time) karma.Transaction {
	return karma.Transaction{
		ID:     id,
		UserID: userID,
		Action: karma.CompletingLessons.String(),
		Path:   karma.DharmaPoints,
		Value:  value,
		Intent: karma.IntentLearn,
		Tier:   karma.TierLow,
		At:     at,
	}
}

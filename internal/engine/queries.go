package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// Ledger returns a user's stored ledger, without applying decay.
func (e *Engine) Ledger(ctx context.Context, userID string) (*karma.Ledger, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	l, err := e.backend.LoadLedger(ctx, userID)
	if err != nil {
		return nil, classify(userID, err)
	}
	return l, nil
}

// History returns up to limit of a user's most recent transactions, oldest
// first. A limit of zero or less returns everything.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]karma.Transaction, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	if _, err := e.backend.LoadLedger(ctx, userID); err != nil {
		return nil, classify(userID, err)
	}
	txs, err := e.backend.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	return txs, nil
}

// UserStats summarizes one user.
type UserStats struct {
	// Ledger is decayed to now. The stored ledger is not changed.
	Ledger         *karma.Ledger
	Merit          float64
	DemeritScore   float64
	NetKarma       float64
	Realm          string
	Transactions   int
	PendingPlans   int
	CompletedPlans int
	Rebirths       int
}

// UserStats reports a user's standing as of now.
func (e *Engine) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	stored, err := e.backend.LoadLedger(ctx, userID)
	if err != nil {
		return nil, classify(userID, err)
	}

	l := stored.Clone()
	karma.ApplyDecay(l, e.policy, e.clock.Now())
	l.Recompute(e.policy)

	txs, err := e.backend.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	plans, err := e.backend.ListPlans(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", userID, err)
	}
	recs, err := e.backend.ListRebirths(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rebirths %s: %w", userID, err)
	}

	net := karma.NetKarma(l.Balances, e.policy)
	st := &UserStats{
		Ledger:       l,
		Merit:        karma.Merit(l.Balances, e.policy),
		DemeritScore: karma.DemeritScore(l.Balances, e.policy),
		NetKarma:     net,
		Realm:        e.policy.AssignRealm(net).Realm,
		Transactions: len(txs),
		Rebirths:     len(recs),
	}
	for _, p := range plans {
		if p.Status == karma.PlanCompleted {
			st.CompletedPlans++
		} else {
			st.PendingPlans++
		}
	}
	return st, nil
}

// SystemStats returns record counts across all users.
func (e *Engine) SystemStats(ctx context.Context) (store.Stats, error) {
	st, err := e.backend.Stats(ctx)
	if err != nil {
		return store.Stats{}, fmt.Errorf("system stats: %w", err)
	}
	return st, nil
}

// ImportResult is the outcome of Import.
type ImportResult struct {
	Ledger *karma.Ledger
	Issues []karma.DecodeIssue
}

// Import creates a ledger from a legacy ledger document. Fields that cannot
// be read are zeroed, reported in the result and logged. Importing over an
// existing ledger is a conflict.
func (e *Engine) Import(ctx context.Context, data []byte) (*ImportResult, error) {
	l, issues, err := karma.DecodeLegacyLedger(data, e.policy, e.clock.Now())
	if err != nil {
		return nil, invalidInput("", err)
	}
	for _, is := range issues {
		e.logger.Warn("legacy field unreadable, treated as zero",
			"user_id", l.UserID,
			"field", is.Field,
			"reason", is.Reason,
		)
	}

	unlock := e.locks.lock(l.UserID)
	defer unlock()

	err = e.backend.Commit(ctx, store.Commit{Ledger: l})
	if errors.Is(err, karma.ErrStaleLedger) {
		return nil, &Error{
			Code:    ErrCodeConflict,
			Message: "ledger already exists",
			UserID:  l.UserID,
			Err:     err,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("import ledger %s: %w", l.UserID, err)
	}

	e.logger.Info("ledger imported", "user_id", l.UserID, "issues", len(issues))
	return &ImportResult{Ledger: l, Issues: issues}, nil
}

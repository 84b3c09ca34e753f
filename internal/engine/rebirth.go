package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// DeathResult is the outcome of RecordDeath.
type DeathResult struct {
	Record karma.RebirthRecord
	// Ledger is the ledger of the next life.
	Ledger *karma.Ledger
}

// RecordDeath ends a life. Balances are decayed to now, the realm and
// carryover are computed from net karma, and the immutable rebirth record
// is appended in the same commit that resets the ledger for its next life.
func (e *Engine) RecordDeath(ctx context.Context, userID string) (*DeathResult, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}

	var rec karma.RebirthRecord
	l, err := e.mutate(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		karma.ApplyDecay(l, e.policy, now)
		r, err := karma.NewRebirthRecord(l, e.policy, now)
		if err != nil {
			return nil, err
		}
		karma.ApplyCarryover(l, r.Carryover, e.policy, now)
		rec = r
		return &store.Commit{Rebirth: &r}, nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Rebirths.WithLabelValues(rec.Realm).Inc()
	e.logger.Info("rebirth recorded",
		"user_id", userID,
		"realm", rec.Realm,
		"net_karma", rec.NetKarma,
		"rebirth_count", l.RebirthCount,
	)
	return &DeathResult{Record: rec, Ledger: l}, nil
}

// Rebirths returns a user's rebirth records, oldest first.
func (e *Engine) Rebirths(ctx context.Context, userID string) ([]karma.RebirthRecord, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	if _, err := e.backend.LoadLedger(ctx, userID); err != nil {
		return nil, classify(userID, err)
	}
	recs, err := e.backend.ListRebirths(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rebirths %s: %w", userID, err)
	}
	return recs, nil
}

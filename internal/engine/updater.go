package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// Updater owns the value table. Updates are serialized, so concurrent
// events from different users never lose a cell update in memory.
// Persistence is best effort: a failed save is logged and counted, and the
// in-memory table stays authoritative for the life of the process.
type Updater struct {
	mu      sync.Mutex
	table   *karma.ValueTable
	policy  karma.Policy
	backend store.Backend
	logger  *slog.Logger
	metrics *Metrics
}

// NewUpdater loads the persisted table, or starts from zeros when none is
// stored, the store is unreachable, or the stored table does not match the
// policy's roles and columns.
func NewUpdater(ctx context.Context, backend store.Backend, p karma.Policy, logger *slog.Logger, m *Metrics) *Updater {
	u := &Updater{policy: p, backend: backend, logger: logger, metrics: m}

	t, err := backend.LoadValueTable(ctx)
	switch {
	case err != nil:
		logger.Warn("value table unavailable, starting empty", "error", err)
	case t == nil:
		logger.Debug("no value table stored, starting empty")
	case !t.Conforms(p):
		logger.Warn("stored value table does not match policy, resetting",
			"roles", t.Roles, "actions", t.Actions)
		t = nil
	}
	if t == nil || err != nil {
		t = karma.NewValueTableFor(p)
	}
	u.table = t
	return u
}

// Step applies one TD update and persists the table.
func (u *Updater) Step(ctx context.Context, role string, a karma.Action, reward float64, balances map[karma.Path]float64, rewardPath karma.Path, now time.Time) karma.StepResult {
	u.mu.Lock()
	defer u.mu.Unlock()

	res := karma.Step(u.table, u.policy, role, a, reward, balances, rewardPath)
	u.persist(ctx, res, now)
	return res
}

// AtonementStep applies the update for a completed atonement.
func (u *Updater) AtonementStep(ctx context.Context, role string, sev karma.Severity, balances map[karma.Path]float64, now time.Time) karma.StepResult {
	u.mu.Lock()
	defer u.mu.Unlock()

	res := karma.AtonementStep(u.table, u.policy, role, sev, balances)
	u.persist(ctx, res, now)
	return res
}

// Snapshot returns a copy of the current table.
func (u *Updater) Snapshot() *karma.ValueTable {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.table.Clone()
}

// persist must be called with mu held.
func (u *Updater) persist(ctx context.Context, res karma.StepResult, now time.Time) {
	if !res.Updated {
		return
	}
	u.table.UpdatedAt = now
	if err := u.backend.SaveValueTable(ctx, u.table); err != nil {
		u.metrics.TableSaveErrors.Inc()
		u.logger.Warn("value table not persisted", "error", err)
	}
}

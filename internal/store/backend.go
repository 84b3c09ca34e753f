package store

import (
	"context"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
)

// Backend is the persistence contract the engine runs on. Store (SQLite)
// and badgerstore.Store implement it.
//
// Read methods return karma.ErrLedgerNotFound, karma.ErrPlanNotFound or
// karma.ErrDebtNotFound (wrapped) for missing records, and empty slices,
// never nil, for empty lists.
type Backend interface {
	LoadLedger(ctx context.Context, userID string) (*karma.Ledger, error)
	LoadPlan(ctx context.Context, planID string) (*karma.Plan, error)
	ListPlans(ctx context.Context, userID string, status karma.PlanStatus) ([]karma.Plan, error)
	ListAppeals(ctx context.Context, userID string) ([]karma.Appeal, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]karma.Transaction, error)
	ListRebirths(ctx context.Context, userID string) ([]karma.RebirthRecord, error)
	LoadDebt(ctx context.Context, debtID string) (*karma.Debt, error)
	// ListDebts returns the debts where userID is the given party, in
	// creation order. An empty status matches every debt.
	ListDebts(ctx context.Context, userID string, side DebtSide, status karma.DebtStatus) ([]karma.Debt, error)
	Stats(ctx context.Context) (Stats, error)

	// Commit writes everything in c atomically. Each ledger (c.Ledger and
	// every peer) is written only if its stored version still equals its
	// Version (0 for a ledger that must not exist yet); otherwise
	// karma.ErrStaleLedger is returned and nothing is written. On success
	// every written ledger's Version is advanced.
	Commit(ctx context.Context, c Commit) error

	// IncrementBalance atomically adds delta to one balance of an existing
	// ledger and returns the new amount. It advances the ledger version so
	// concurrent read-modify-write commits retry.
	IncrementBalance(ctx context.Context, userID string, path karma.Path, delta float64, at time.Time) (float64, error)

	// LoadValueTable returns nil, nil when no table has been saved.
	LoadValueTable(ctx context.Context) (*karma.ValueTable, error)
	// SaveValueTable replaces the singleton table.
	SaveValueTable(ctx context.Context, t *karma.ValueTable) error

	Close() error
}

// Commit is one atomic unit of work for a single user.
type Commit struct {
	Ledger       *karma.Ledger
	Transactions []karma.Transaction
	// Plans are inserted or, when the id exists, have their progress,
	// proofs and status replaced.
	Plans   []karma.Plan
	Appeals []karma.Appeal
	Rebirth *karma.RebirthRecord
	// Debts are inserted or, when the id exists, have their amount,
	// status, repayments and successor replaced.
	Debts []karma.Debt
	// Peers are further ledgers written under the same version check, for
	// operations that move balances between users.
	Peers []*karma.Ledger
}

// DebtSide selects which party of a debt a listing matches.
type DebtSide string

const (
	SideDebtor   DebtSide = "debtor"
	SideReceiver DebtSide = "receiver"
)

// Stats are system-wide record counts.
type Stats struct {
	Users          int64 `json:"users"`
	Transactions   int64 `json:"transactions"`
	PendingPlans   int64 `json:"pending_plans"`
	CompletedPlans int64 `json:"completed_plans"`
	Appeals        int64 `json:"appeals"`
	Rebirths       int64 `json:"rebirths"`
	ActiveDebts    int64 `json:"active_debts"`
}

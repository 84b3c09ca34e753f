package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
)

func TestCommit_NewLedger(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	l := createTestLedger(t, s, "u1", map[karma.Path]float64{karma.DharmaPoints: 12})
	if l.Version != 1 {
		t.Errorf("Version = %d, want 1", l.Version)
	}

	var role string
	var version int64
	if err := s.db.QueryRow("SELECT role, version FROM users WHERE user_id = 'u1'").Scan(&role, &version); err != nil {
		t.Fatalf("query user: %v", err)
	}
	if role != "learner" {
		t.Errorf("role = %q, want learner", role)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	var amount float64
	if err := s.db.QueryRow("SELECT amount FROM balances WHERE user_id = 'u1' AND path = 'DharmaPoints'").Scan(&amount); err != nil {
		t.Fatalf("query balance: %v", err)
	}
	if amount != 12 {
		t.Errorf("amount = %v, want 12", amount)
	}

	// A second create of the same user must fail.
	dup := karma.NewLedger("u1", karma.DefaultPolicy(), testEpoch)
	if err := s.Commit(ctx, Commit{Ledger: dup}); !errors.Is(err, karma.ErrStaleLedger) {
		t.Errorf("duplicate create error = %v, want ErrStaleLedger", err)
	}
}

func TestCommit_RequiresLedger(t *testing.T) {
	s := createTestStore(t)
	if err := s.Commit(context.Background(), Commit{}); err == nil {
		t.Error("expected error for commit without ledger")
	}
}

func TestCommit_CompareAndSet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestLedger(t, s, "u1", nil)

	a, err := s.LoadLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	b, err := s.LoadLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}

	a.Credit(karma.SevaPoints, 5, testEpoch)
	if err := s.Commit(ctx, Commit{Ledger: a}); err != nil {
		t.Fatalf("first Commit() failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Version = %d, want 2", a.Version)
	}

	b.Credit(karma.SevaPoints, 7, testEpoch)
	tx := createTestTransaction("tx-lost", "u1", 7, testEpoch)
	err = s.Commit(ctx, Commit{Ledger: b, Transactions: []karma.Transaction{tx}})
	if !errors.Is(err, karma.ErrStaleLedger) {
		t.Fatalf("stale Commit() error = %v, want ErrStaleLedger", err)
	}
	if b.Version != 1 {
		t.Errorf("stale commit advanced Version to %d", b.Version)
	}

	// Nothing from the rejected commit is visible.
	got, err := s.LoadLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	if got.Balance(karma.SevaPoints) != 5 {
		t.Errorf("SevaPoints = %v, want 5", got.Balance(karma.SevaPoints))
	}
	txs, err := s.ListTransactions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListTransactions() failed: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("len(transactions) = %d, want 0", len(txs))
	}
}

func TestCommit_StaleUnknownUser(t *testing.T) {
	s := createTestStore(t)
	l := karma.NewLedger("ghost", karma.DefaultPolicy(), testEpoch)
	l.Version = 3
	if err := s.Commit(context.Background(), Commit{Ledger: l}); !errors.Is(err, karma.ErrStaleLedger) {
		t.Errorf("Commit() error = %v, want ErrStaleLedger", err)
	}
}

func TestCommit_ReplacesBalances(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	l := createTestLedger(t, s, "u1", map[karma.Path]float64{
		karma.DharmaPoints: 3,
		karma.PaapMinor:    2,
	})

	delete(l.Balances, karma.PaapMinor)
	delete(l.Meta, karma.PaapMinor)
	if err := s.Commit(ctx, Commit{Ledger: l}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := s.LoadLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	if _, ok := got.Balances[karma.PaapMinor]; ok {
		t.Error("removed balance still present")
	}
	if got.Balance(karma.DharmaPoints) != 3 {
		t.Errorf("DharmaPoints = %v, want 3", got.Balance(karma.DharmaPoints))
	}
}

func TestCommit_TransactionIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	l := createTestLedger(t, s, "u1", nil)

	tx := createTestTransaction("tx-1", "u1", 1, testEpoch)
	for i := 0; i < 2; i++ {
		if err := s.Commit(ctx, Commit{Ledger: l, Transactions: []karma.Transaction{tx}}); err != nil {
			t.Fatalf("Commit() %d failed: %v", i, err)
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM transactions WHERE id = 'tx-1'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCommit_PlanUpsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := createTestLedger(t, s, "u1", nil)

	plan, err := karma.NewPlan("plan-1", "u1", karma.Cheat, karma.SeverityMinor, p, testEpoch)
	if err != nil {
		t.Fatalf("NewPlan() failed: %v", err)
	}
	if err := s.Commit(ctx, Commit{Ledger: l, Plans: []karma.Plan{*plan}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	for r, need := range plan.Requirements {
		sub := karma.Submission{Type: r, Amount: need, Proof: "done", Ref: "r-" + string(r)}
		if _, err := plan.Submit(sub, p, testEpoch.Add(time.Hour)); err != nil {
			t.Fatalf("Submit(%s) failed: %v", r, err)
		}
	}
	if plan.Status != karma.PlanCompleted {
		t.Fatalf("plan status = %q, want completed", plan.Status)
	}
	if err := s.Commit(ctx, Commit{Ledger: l, Plans: []karma.Plan{*plan}}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := s.LoadPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("LoadPlan() failed: %v", err)
	}
	if got.Status != karma.PlanCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if len(got.Proofs) != len(plan.Proofs) {
		t.Errorf("len(Proofs) = %d, want %d", len(got.Proofs), len(plan.Proofs))
	}
	if !got.CompletedAt.Equal(plan.CompletedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, plan.CompletedAt)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM atonement_plans").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("plan rows = %d, want 1", count)
	}
}

func TestIncrementBalance(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestLedger(t, s, "u1", nil)

	at := testEpoch.Add(time.Minute)
	got, err := s.IncrementBalance(ctx, "u1", karma.SevaPoints, 2.5, at)
	if err != nil {
		t.Fatalf("IncrementBalance() failed: %v", err)
	}
	if got != 2.5 {
		t.Errorf("amount = %v, want 2.5", got)
	}
	got, err = s.IncrementBalance(ctx, "u1", karma.SevaPoints, 1.5, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("IncrementBalance() failed: %v", err)
	}
	if got != 4 {
		t.Errorf("amount = %v, want 4", got)
	}

	l, err := s.LoadLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	if l.Version != 3 {
		t.Errorf("Version = %d, want 3", l.Version)
	}
	meta := l.Meta[karma.SevaPoints]
	if !meta.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v (first nonzero touch)", meta.CreatedAt, at)
	}
	if !meta.LastUpdate.Equal(at.Add(time.Minute)) {
		t.Errorf("LastUpdate = %v, want %v", meta.LastUpdate, at.Add(time.Minute))
	}
}

func TestIncrementBalance_UnknownUser(t *testing.T) {
	s := createTestStore(t)
	_, err := s.IncrementBalance(context.Background(), "ghost", karma.SevaPoints, 1, testEpoch)
	if !errors.Is(err, karma.ErrLedgerNotFound) {
		t.Errorf("error = %v, want ErrLedgerNotFound", err)
	}
}

func TestSaveValueTable_Replaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := karma.DefaultPolicy()

	vt := karma.NewValueTableFor(p)
	if err := s.SaveValueTable(ctx, vt); err != nil {
		t.Fatalf("SaveValueTable() failed: %v", err)
	}
	vt.Q[0][0] = 0.75
	vt.UpdatedAt = testEpoch
	if err := s.SaveValueTable(ctx, vt); err != nil {
		t.Fatalf("SaveValueTable() failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM value_table").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
	if err := s.SaveValueTable(ctx, nil); err == nil {
		t.Error("expected error saving nil table")
	}
}

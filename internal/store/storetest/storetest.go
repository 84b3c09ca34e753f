// Package storetest is a conformance suite for store.Backend
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// Epoch is the fixed instant the suite stamps records with.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Run exercises open against the Backend contract. open must return a fresh,
// empty backend; the suite closes it.
func Run(t *testing.T, open func(t *testing.T) store.Backend) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"LedgerRoundTrip", testLedgerRoundTrip},
		{"NotFound", testNotFound},
		{"CompareAndSet", testCompareAndSet},
		{"IncrementBalance", testIncrementBalance},
		{"IncrementForcesRetry", testIncrementForcesRetry},
		{"ConcurrentIncrements", testConcurrentIncrements},
		{"HistoryOrder", testHistoryOrder},
		{"PlanLifecycle", testPlanLifecycle},
		{"Appeals", testAppeals},
		{"Rebirths", testRebirths},
		{"ValueTable", testValueTable},
		{"Stats", testStats},
		{"UserIsolation", testUserIsolation},
		{"Debts", testDebts},
		{"PeerCommit", testPeerCommit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { b.Close() })
			tt.fn(t, b)
		})
	}
}

func newLedger(t *testing.T, b store.Backend, userID string) *karma.Ledger {
	t.Helper()
	p := karma.DefaultPolicy()
	l := karma.NewLedger(userID, p, Epoch)
	require.NoError(t, b.Commit(context.Background(), store.Commit{Ledger: l}))
	require.Equal(t, int64(1), l.Version)
	return l
}

func tx(id, userID string, value float64) karma.Transaction {
	return karma.Transaction{
		ID:     id,
		UserID: userID,
		Action: karma.HelpingPeers.String(),
		Path:   karma.SevaPoints,
		Value:  value,
		Intent: karma.IntentAssist,
		Tier:   karma.TierMedium,
		At:     Epoch,
	}
}

func testLedgerRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	p := karma.DefaultPolicy()

	l := karma.NewLedger("u1", p, Epoch)
	l.Credit(karma.DharmaPoints, 7.5, Epoch)
	l.Credit(karma.PaapMaha, 1, Epoch.Add(time.Hour))
	l.Credit(karma.RnanubandhanMinor, 2, Epoch)
	l.Offenses = append(l.Offenses, karma.Offense{At: Epoch, Level: 1, Value: -2})
	l.RebirthCount = 1
	l.Recompute(p)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l}))

	got, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, l.Balances, got.Balances)
	assert.Equal(t, l.Meta, got.Meta)
	assert.Equal(t, l.Offenses, got.Offenses)
	assert.Equal(t, l.Role, got.Role)
	assert.Equal(t, 1, got.RebirthCount)
	assert.True(t, got.LastDecay.Equal(Epoch))
	assert.Equal(t, int64(1), got.Version)
}

func testNotFound(t *testing.T, b store.Backend) {
	ctx := context.Background()

	_, err := b.LoadLedger(ctx, "ghost")
	assert.ErrorIs(t, err, karma.ErrLedgerNotFound)

	_, err = b.LoadPlan(ctx, "ghost-plan")
	assert.ErrorIs(t, err, karma.ErrPlanNotFound)

	_, err = b.LoadDebt(ctx, "ghost-debt")
	assert.ErrorIs(t, err, karma.ErrDebtNotFound)

	_, err = b.IncrementBalance(ctx, "ghost", karma.SevaPoints, 1, Epoch)
	assert.ErrorIs(t, err, karma.ErrLedgerNotFound)

	plans, err := b.ListPlans(ctx, "ghost", "")
	require.NoError(t, err)
	assert.NotNil(t, plans)
	assert.Empty(t, plans)

	txs, err := b.ListTransactions(ctx, "ghost", 0)
	require.NoError(t, err)
	assert.NotNil(t, txs)
	assert.Empty(t, txs)

	vt, err := b.LoadValueTable(ctx)
	require.NoError(t, err)
	assert.Nil(t, vt)
}

func testCompareAndSet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newLedger(t, b, "u1")

	dup := karma.NewLedger("u1", karma.DefaultPolicy(), Epoch)
	assert.ErrorIs(t, b.Commit(ctx, store.Commit{Ledger: dup}), karma.ErrStaleLedger)

	a, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	c, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)

	a.Credit(karma.DharmaPoints, 5, Epoch)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: a}))
	assert.Equal(t, int64(2), a.Version)

	c.Credit(karma.DharmaPoints, 9, Epoch)
	err = b.Commit(ctx, store.Commit{Ledger: c, Transactions: []karma.Transaction{tx("lost", "u1", 9)}})
	assert.ErrorIs(t, err, karma.ErrStaleLedger)
	assert.Equal(t, int64(1), c.Version)

	got, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Balance(karma.DharmaPoints))

	txs, err := b.ListTransactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs, "rejected commit wrote nothing")
}

func testIncrementBalance(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newLedger(t, b, "u1")

	at := Epoch.Add(time.Minute)
	v, err := b.IncrementBalance(ctx, "u1", karma.PaapMinor, 1.5, at)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = b.IncrementBalance(ctx, "u1", karma.PaapMinor, 2, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	got, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3.5, got.Balance(karma.PaapMinor))
	assert.True(t, got.Meta[karma.PaapMinor].CreatedAt.Equal(at))
	assert.True(t, got.Meta[karma.PaapMinor].LastUpdate.Equal(at.Add(time.Minute)))
	assert.Equal(t, int64(3), got.Version)
}

func testIncrementForcesRetry(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newLedger(t, b, "u1")

	l, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)

	_, err = b.IncrementBalance(ctx, "u1", karma.SevaPoints, 1, Epoch)
	require.NoError(t, err)

	l.Credit(karma.DharmaPoints, 1, Epoch)
	assert.ErrorIs(t, b.Commit(ctx, store.Commit{Ledger: l}), karma.ErrStaleLedger)
}

func testConcurrentIncrements(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newLedger(t, b, "u1")

	const workers, each = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*each)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := b.IncrementBalance(ctx, "u1", karma.SevaPoints, 1, Epoch); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(workers*each), got.Balance(karma.SevaPoints))
}

func testHistoryOrder(t *testing.T, b store.Backend) {
	ctx := context.Background()
	l := newLedger(t, b, "u1")

	var txs []karma.Transaction
	for i := 0; i < 6; i++ {
		txs = append(txs, tx(fmt.Sprintf("tx-%d", 9-i), "u1", float64(i)))
	}
	txs[0].Metadata = map[string]string{"k": "v"}
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Transactions: txs[:3]}))
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Transactions: txs[3:]}))
	// Re-sending an id is a no-op.
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Transactions: txs[:1]}))

	got, err := b.ListTransactions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i := range got {
		assert.Equal(t, txs[i].ID, got[i].ID)
		assert.True(t, got[i].At.Equal(Epoch))
	}
	assert.Equal(t, "v", got[0].Metadata["k"])
	assert.NotNil(t, got[1].Metadata)

	recent, err := b.ListTransactions(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, txs[4].ID, recent[0].ID)
	assert.Equal(t, txs[5].ID, recent[1].ID)
}

func testPlanLifecycle(t *testing.T, b store.Backend) {
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := newLedger(t, b, "u1")

	first, err := karma.NewPlan("plan-b", "u1", karma.Theft, karma.SeverityMedium, p, Epoch)
	require.NoError(t, err)
	second, err := karma.NewPlan("plan-a", "u1", karma.Cheat, karma.SeverityMinor, p, Epoch)
	require.NoError(t, err)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Plans: []karma.Plan{*first, *second}}))

	for r, need := range second.Requirements {
		_, err := second.Submit(karma.Submission{Type: r, Amount: need, Proof: "ok", Ref: "ref"}, p, Epoch.Add(time.Hour))
		require.NoError(t, err)
	}
	require.Equal(t, karma.PlanCompleted, second.Status)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Plans: []karma.Plan{*second}}))

	got, err := b.LoadPlan(ctx, "plan-a")
	require.NoError(t, err)
	assert.Equal(t, karma.PlanCompleted, got.Status)
	assert.Equal(t, second.Progress, got.Progress)
	assert.Equal(t, second.Requirements, got.Requirements)
	assert.Len(t, got.Proofs, len(second.Proofs))
	assert.True(t, got.CompletedAt.Equal(Epoch.Add(time.Hour)))
	assert.Equal(t, karma.Cheat, got.Action)

	all, err := b.ListPlans(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "plan-b", all[0].ID, "creation order survives an update")
	assert.Equal(t, "plan-a", all[1].ID)

	pending, err := b.ListPlans(ctx, "u1", karma.PlanPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "plan-b", pending[0].ID)
}

func testAppeals(t *testing.T, b store.Backend) {
	ctx := context.Background()
	l := newLedger(t, b, "u1")

	a := karma.Appeal{ID: "ap-1", UserID: "u1", Action: karma.FalseSpeech, Severity: karma.SeverityMinor, PlanID: "plan-1", Status: karma.PlanPending, CreatedAt: Epoch}
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Appeals: []karma.Appeal{a}}))
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Appeals: []karma.Appeal{a}}))

	got, err := b.ListAppeals(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, a.Action, got[0].Action)
	assert.Equal(t, a.PlanID, got[0].PlanID)
	assert.True(t, got[0].CreatedAt.Equal(Epoch))
}

func testRebirths(t *testing.T, b store.Backend) {
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := newLedger(t, b, "u1")
	l.Credit(karma.PunyaTokens, 100, Epoch)
	l.Credit(karma.SanchitaKarma, 4, Epoch)

	rec, err := karma.NewRebirthRecord(l, p, Epoch)
	require.NoError(t, err)
	karma.ApplyCarryover(l, rec.Carryover, p, Epoch)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Rebirth: &rec}))

	got, err := b.ListRebirths(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])

	after, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, after.RebirthCount)
	assert.Equal(t, 4.0, after.Balance(karma.SanchitaKarma))
}

func testValueTable(t *testing.T, b store.Backend) {
	ctx := context.Background()
	p := karma.DefaultPolicy()

	vt := karma.NewValueTableFor(p)
	vt.Q[2][0] = 1.25
	vt.UpdatedAt = Epoch
	require.NoError(t, b.SaveValueTable(ctx, vt))

	vt.Q[2][0] = 2.5
	require.NoError(t, b.SaveValueTable(ctx, vt))

	got, err := b.LoadValueTable(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Conforms(p))
	assert.Equal(t, 2.5, got.Q[2][0])
	assert.True(t, got.UpdatedAt.Equal(Epoch))

	assert.Error(t, b.SaveValueTable(ctx, nil))
}

func testStats(t *testing.T, b store.Backend) {
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := newLedger(t, b, "u1")
	newLedger(t, b, "u2")

	plan, err := karma.NewPlan("plan-1", "u1", karma.Cheat, karma.SeverityMinor, p, Epoch)
	require.NoError(t, err)
	done := *plan
	done.ID = "plan-2"
	done.Status = karma.PlanCompleted
	done.CompletedAt = Epoch

	require.NoError(t, b.Commit(ctx, store.Commit{
		Ledger:       l,
		Transactions: []karma.Transaction{tx("t1", "u1", 1), tx("t2", "u1", 2)},
		Plans:        []karma.Plan{*plan, done},
		Appeals:      []karma.Appeal{{ID: "a1", UserID: "u1", Action: karma.Cheat, Severity: karma.SeverityMinor, PlanID: "plan-1", Status: karma.PlanPending, CreatedAt: Epoch}},
	}))

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Users: 2, Transactions: 2, PendingPlans: 1, CompletedPlans: 1, Appeals: 1}, st)
}

func testUserIsolation(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := newLedger(t, b, "a")
	ab := newLedger(t, b, "a/b")

	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: a, Transactions: []karma.Transaction{tx("ta", "a", 1)}}))
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: ab, Transactions: []karma.Transaction{tx("tab", "a/b", 1)}}))

	got, err := b.ListTransactions(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ta", got[0].ID)

	_, err = b.LoadLedger(ctx, "a/")
	assert.ErrorIs(t, err, karma.ErrLedgerNotFound)
}

func testDebts(t *testing.T, b store.Backend) {
	ctx := context.Background()
	l := newLedger(t, b, "u1")
	newLedger(t, b, "u2")

	first, err := karma.NewDebt("debt-b", "u1", "u2", "theft", karma.DebtMedium, 10, "bike", Epoch)
	require.NoError(t, err)
	second, err := karma.NewDebt("debt-a", "u1", "u2", "", karma.DebtMinor, 3, "", Epoch)
	require.NoError(t, err)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Debts: []karma.Debt{first, second}}))

	require.NoError(t, second.Repay(3, "", Epoch.Add(time.Hour)))
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: l, Debts: []karma.Debt{second}}))

	got, err := b.LoadDebt(ctx, "debt-a")
	require.NoError(t, err)
	assert.Equal(t, karma.DebtRepaid, got.Status)
	assert.Equal(t, 0.0, got.Amount)
	assert.Equal(t, 3.0, got.Original)
	require.Len(t, got.Repayments, 1)
	assert.Equal(t, karma.DefaultRepayMethod, got.Repayments[0].Method)
	assert.True(t, got.Repayments[0].At.Equal(Epoch.Add(time.Hour)))
	assert.True(t, got.CreatedAt.Equal(Epoch))

	owed, err := b.ListDebts(ctx, "u1", store.SideDebtor, "")
	require.NoError(t, err)
	require.Len(t, owed, 2)
	assert.Equal(t, "debt-b", owed[0].ID, "creation order survives an update")
	assert.Equal(t, "bike", owed[0].Description)
	assert.Equal(t, "debt-a", owed[1].ID)

	owing, err := b.ListDebts(ctx, "u2", store.SideReceiver, karma.DebtActive)
	require.NoError(t, err)
	require.Len(t, owing, 1)
	assert.Equal(t, "debt-b", owing[0].ID)

	none, err := b.ListDebts(ctx, "u2", store.SideDebtor, "")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = b.ListDebts(ctx, "u1", store.DebtSide("sideways"), "")
	assert.Error(t, err)

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ActiveDebts)
}

func testPeerCommit(t *testing.T, b store.Backend) {
	ctx := context.Background()
	from := newLedger(t, b, "u1")
	to := newLedger(t, b, "u2")
	newLedger(t, b, "u3")

	d, err := karma.NewDebt("debt-1", "u1", "u3", "", karma.DebtMinor, 4, "", Epoch)
	require.NoError(t, err)
	from.Credit(karma.RnanubandhanMinor, 4, Epoch)
	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: from, Debts: []karma.Debt{d}}))

	next, err := d.Transfer("debt-2", "u2", Epoch)
	require.NoError(t, err)
	from.Credit(karma.RnanubandhanMinor, -4, Epoch)
	to.Credit(karma.RnanubandhanMinor, 4, Epoch)

	stale := *to
	stale.Version = 7
	err = b.Commit(ctx, store.Commit{Ledger: from, Peers: []*karma.Ledger{&stale}, Debts: []karma.Debt{d, next}})
	assert.ErrorIs(t, err, karma.ErrStaleLedger)
	assert.Equal(t, int64(2), from.Version)

	_, err = b.LoadDebt(ctx, "debt-2")
	assert.ErrorIs(t, err, karma.ErrDebtNotFound, "rejected commit wrote nothing")
	kept, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, kept.Balance(karma.RnanubandhanMinor))

	require.NoError(t, b.Commit(ctx, store.Commit{Ledger: from, Peers: []*karma.Ledger{to}, Debts: []karma.Debt{d, next}}))
	assert.Equal(t, int64(3), from.Version)
	assert.Equal(t, int64(2), to.Version)

	gotFrom, err := b.LoadLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, gotFrom.Balance(karma.RnanubandhanMinor))
	gotTo, err := b.LoadLedger(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 4.0, gotTo.Balance(karma.RnanubandhanMinor))

	old, err := b.LoadDebt(ctx, "debt-1")
	require.NoError(t, err)
	assert.Equal(t, karma.DebtTransferred, old.Status)
	assert.Equal(t, "debt-2", old.TransferredTo)

	owed, err := b.ListDebts(ctx, "u2", store.SideDebtor, karma.DebtActive)
	require.NoError(t, err)
	require.Len(t, owed, 1)
	assert.Equal(t, "debt-2", owed[0].ID)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
)

func TestLoadLedger_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.LoadLedger(context.Background(), "ghost")
	if !errors.Is(err, karma.ErrLedgerNotFound) {
		t.Errorf("error = %v, want ErrLedgerNotFound", err)
	}
}

func TestLoadLedger_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := karma.DefaultPolicy()

	l := karma.NewLedger("u1", p, testEpoch)
	l.Credit(karma.PunyaTokens, 4.25, testEpoch)
	l.Credit(karma.PaapMedium, 2, testEpoch.Add(time.Hour))
	l.Offenses = append(l.Offenses, karma.Offense{At: testEpoch.Add(time.Hour), Level: 1, Value: -2})
	l.RebirthCount = 2
	l.Recompute(p)
	if err := s.Commit(ctx, Commit{Ledger: l}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := s.LoadLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	if got.Role != l.Role {
		t.Errorf("Role = %q, want %q", got.Role, l.Role)
	}
	if got.RebirthCount != 2 {
		t.Errorf("RebirthCount = %d, want 2", got.RebirthCount)
	}
	if !got.LastDecay.Equal(testEpoch) {
		t.Errorf("LastDecay = %v, want %v", got.LastDecay, testEpoch)
	}
	if got.Balance(karma.PunyaTokens) != 4.25 || got.Balance(karma.PaapMedium) != 2 {
		t.Errorf("Balances = %v", got.Balances)
	}
	if !got.Meta[karma.PaapMedium].CreatedAt.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("PaapMedium CreatedAt = %v", got.Meta[karma.PaapMedium].CreatedAt)
	}
	if len(got.Offenses) != 1 || got.Offenses[0].Level != 1 || got.Offenses[0].Value != -2 {
		t.Errorf("Offenses = %+v", got.Offenses)
	}
	if !got.Offenses[0].At.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("Offense At = %v", got.Offenses[0].At)
	}
}

func TestLoadLedger_EmptyOffenses(t *testing.T) {
	s := createTestStore(t)
	createTestLedger(t, s, "u1", nil)

	got, err := s.LoadLedger(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	if got.Offenses == nil {
		t.Error("Offenses should be empty slice, not nil")
	}
	if got.Balances == nil || got.Meta == nil {
		t.Error("Balances and Meta should be non-nil maps")
	}
}

func TestLoadPlan_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.LoadPlan(context.Background(), "missing")
	if !errors.Is(err, karma.ErrPlanNotFound) {
		t.Errorf("error = %v, want ErrPlanNotFound", err)
	}
}

func TestListPlans_FilterAndOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := createTestLedger(t, s, "u1", nil)

	var plans []karma.Plan
	for i, sev := range karma.Severities() {
		plan, err := karma.NewPlan(fmt.Sprintf("plan-%d", 3-i), "u1", karma.Cheat, sev, p, testEpoch)
		if err != nil {
			t.Fatalf("NewPlan() failed: %v", err)
		}
		plans = append(plans, *plan)
	}
	plans[1].Status = karma.PlanCompleted
	plans[1].CompletedAt = testEpoch
	if err := s.Commit(ctx, Commit{Ledger: l, Plans: plans}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	all, err := s.ListPlans(ctx, "u1", "")
	if err != nil {
		t.Fatalf("ListPlans() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Write order, not id order.
	for i, want := range []string{"plan-3", "plan-2", "plan-1"} {
		if all[i].ID != want {
			t.Errorf("all[%d].ID = %q, want %q", i, all[i].ID, want)
		}
	}

	pending, err := s.ListPlans(ctx, "u1", karma.PlanPending)
	if err != nil {
		t.Fatalf("ListPlans() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("len(pending) = %d, want 2", len(pending))
	}

	none, err := s.ListPlans(ctx, "nobody", "")
	if err != nil {
		t.Fatalf("ListPlans() failed: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("ListPlans(nobody) = %v, want empty slice", none)
	}
}

func TestListAppeals(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	l := createTestLedger(t, s, "u1", nil)

	appeals := []karma.Appeal{
		{ID: "a1", UserID: "u1", Action: karma.Theft, Severity: karma.SeverityMedium, PlanID: "p1", Status: karma.PlanPending, CreatedAt: testEpoch},
		{ID: "a2", UserID: "u1", Action: karma.Cheat, Severity: karma.SeverityMinor, PlanID: "p2", Status: karma.PlanPending, CreatedAt: testEpoch},
	}
	if err := s.Commit(ctx, Commit{Ledger: l, Appeals: appeals}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := s.ListAppeals(ctx, "u1")
	if err != nil {
		t.Fatalf("ListAppeals() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "a1" || got[0].Action != karma.Theft || got[0].Severity != karma.SeverityMedium {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].PlanID != "p2" {
		t.Errorf("got[1].PlanID = %q, want p2", got[1].PlanID)
	}
}

func TestListTransactions_DeterministicOrdering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	l := createTestLedger(t, s, "u1", nil)

	// Same timestamp everywhere; order must follow write order.
	var txs []karma.Transaction
	for i := 0; i < 5; i++ {
		txs = append(txs, createTestTransaction(fmt.Sprintf("tx-%d", 5-i), "u1", float64(i), testEpoch))
	}
	txs[0].Metadata = map[string]string{"source": "import"}
	if err := s.Commit(ctx, Commit{Ledger: l, Transactions: txs}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	all, err := s.ListTransactions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListTransactions() failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i := range all {
		if all[i].ID != txs[i].ID {
			t.Errorf("all[%d].ID = %q, want %q", i, all[i].ID, txs[i].ID)
		}
	}
	if all[0].Metadata["source"] != "import" {
		t.Errorf("Metadata = %v", all[0].Metadata)
	}
	if all[1].Metadata == nil {
		t.Error("Metadata should be empty map, not nil")
	}

	recent, err := s.ListTransactions(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListTransactions() failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "tx-2" || recent[1].ID != "tx-1" {
		t.Errorf("recent = %v, want [tx-2 tx-1]", ids(recent))
	}
}

func TestListRebirths(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := createTestLedger(t, s, "u1", map[karma.Path]float64{karma.PunyaTokens: 200})

	rec, err := karma.NewRebirthRecord(l, p, testEpoch)
	if err != nil {
		t.Fatalf("NewRebirthRecord() failed: %v", err)
	}
	karma.ApplyCarryover(l, rec.Carryover, p, testEpoch)
	if err := s.Commit(ctx, Commit{Ledger: l, Rebirth: &rec}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := s.ListRebirths(ctx, "u1")
	if err != nil {
		t.Fatalf("ListRebirths() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != rec.ID || got[0].Realm != rec.Realm || got[0].NetKarma != rec.NetKarma {
		t.Errorf("got = %+v, want %+v", got[0], rec)
	}
	if !got[0].At.Equal(rec.At) {
		t.Errorf("At = %v, want %v", got[0].At, rec.At)
	}
}

func TestLoadValueTable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.LoadValueTable(ctx)
	if err != nil {
		t.Fatalf("LoadValueTable() failed: %v", err)
	}
	if got != nil {
		t.Fatalf("LoadValueTable() on empty store = %+v, want nil", got)
	}

	p := karma.DefaultPolicy()
	vt := karma.NewValueTableFor(p)
	vt.Q[1][2] = -0.3
	vt.UpdatedAt = testEpoch
	if err := s.SaveValueTable(ctx, vt); err != nil {
		t.Fatalf("SaveValueTable() failed: %v", err)
	}

	got, err = s.LoadValueTable(ctx)
	if err != nil {
		t.Fatalf("LoadValueTable() failed: %v", err)
	}
	if !got.Conforms(p) {
		t.Error("loaded table does not conform to the policy")
	}
	if got.Q[1][2] != -0.3 {
		t.Errorf("Q[1][2] = %v, want -0.3", got.Q[1][2])
	}
	if !got.UpdatedAt.Equal(testEpoch) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, testEpoch)
	}
}

func TestStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := karma.DefaultPolicy()
	l := createTestLedger(t, s, "u1", nil)
	createTestLedger(t, s, "u2", nil)

	plan, err := karma.NewPlan("plan-1", "u1", karma.Cheat, karma.SeverityMinor, p, testEpoch)
	if err != nil {
		t.Fatalf("NewPlan() failed: %v", err)
	}
	c := Commit{
		Ledger:       l,
		Transactions: []karma.Transaction{createTestTransaction("tx-1", "u1", 5, testEpoch)},
		Plans:        []karma.Plan{*plan},
		Appeals:      []karma.Appeal{{ID: "a1", UserID: "u1", Action: karma.Cheat, Severity: karma.SeverityMinor, PlanID: "plan-1", Status: karma.PlanPending, CreatedAt: testEpoch}},
	}
	if err := s.Commit(ctx, c); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	want := Stats{Users: 2, Transactions: 1, PendingPlans: 1, Appeals: 1}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}

func ids(txs []karma.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}

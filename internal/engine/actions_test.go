package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/karmaledger/internal/karma"
)

const day = 24 * time.Hour

func TestLogAction_FirstRewardOnEmptyLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.LogAction(ctx, ActionRequest{UserID: "alice", Action: "completing_lessons", Intensity: 1.0})
	require.NoError(t, err)

	want := karma.Transaction{
		ID:       "id-1",
		UserID:   "alice",
		Action:   "completing_lessons",
		Path:     karma.DharmaPoints,
		Value:    5,
		Intent:   karma.IntentLearn,
		Tier:     karma.TierLow,
		Metadata: map[string]string{"intensity": "1"},
		At:       epoch,
	}
	if diff := cmp.Diff(want, res.Transaction); diff != "" {
		t.Errorf("transaction mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 5.0, res.Ledger.Balance(karma.DharmaPoints))
	assert.Equal(t, 5.0, res.Merit)
	assert.Equal(t, "learner", res.Role)

	history, err := f.engine.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	if diff := cmp.Diff(want, history[0]); diff != "" {
		t.Errorf("stored transaction mismatch (-want +got):\n%s", diff)
	}

	l := f.ledger(t, "alice")
	assert.Equal(t, 5.0, l.Balance(karma.DharmaPoints))
	assert.Equal(t, epoch, l.Meta[karma.DharmaPoints].CreatedAt)
	assert.Equal(t, int64(1), l.Version)
}

func TestLogAction_Intensity(t *testing.T) {
	tests := []struct {
		name      string
		intensity float64
		want      float64
	}{
		{"zero means one", 0, 10},
		{"scaled up", 1.5, 15},
		{"scaled down", 0.5, 5},
		{"maximum", 2, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.engine.LogAction(context.Background(), ActionRequest{
				UserID:    "bob",
				Action:    "helping_peers",
				Intensity: tt.intensity,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Transaction.Value)
			assert.Equal(t, karma.TierMedium, res.Transaction.Tier)
			assert.Equal(t, tt.want, f.ledger(t, "bob").Balance(karma.SevaPoints))
		})
	}
}

func TestLogAction_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  ActionRequest
	}{
		{"empty user", ActionRequest{UserID: "", Action: "cheat"}},
		{"blank user", ActionRequest{UserID: "   ", Action: "cheat"}},
		{"unknown action", ActionRequest{UserID: "carol", Action: "meditate"}},
		{"intensity too high", ActionRequest{UserID: "carol", Action: "cheat", Intensity: 2.5}},
		{"negative intensity", ActionRequest{UserID: "carol", Action: "cheat", Intensity: -1}},
		{"NaN intensity", ActionRequest{UserID: "carol", Action: "cheat", Intensity: math.NaN()}},
		{"unknown role", ActionRequest{UserID: "carol", Action: "cheat", Role: "emperor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.engine.LogAction(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsInvalidInput(err), "got %v", err)

			_, err = f.backend.LoadLedger(context.Background(), "carol")
			assert.ErrorIs(t, err, karma.ErrLedgerNotFound)
		})
	}
}

func TestLogAction_EscalatesWithinWindow(t *testing.T) {
	f := newFixture(t)

	var last *ActionResult
	for i := 0; i < 3; i++ {
		last = f.log(t, "dave", "cheat")
		f.clock.Advance(day)
	}

	require.NotNil(t, last.Escalation)
	assert.Equal(t, 3, last.Escalation.Level)
	assert.Equal(t, -10.0, last.Transaction.Value)
	assert.Equal(t, karma.TierPenalty, last.Transaction.Tier)
	assert.Equal(t, "third_offense", last.Transaction.Metadata["punishment"])
	assert.Equal(t, "3", last.Transaction.Metadata["level"])

	l := f.ledger(t, "dave")
	assert.Equal(t, -17.0, l.Balance(karma.DharmaPoints))
	assert.Equal(t, 0.0, l.Balance(karma.PaapMedium))
	assert.Len(t, l.Offenses, 3)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.engine.metrics.Penalties.WithLabelValues("third_offense")))
	assert.Equal(t, 0.0, promtest.ToFloat64(f.engine.metrics.Demerits.WithLabelValues("medium")))
}

func TestLogAction_MaliciousPenaltyOnly(t *testing.T) {
	f := newFixture(t)

	res := f.log(t, "dina", "cheat")
	assert.Equal(t, -2.0, res.Transaction.Value)
	assert.Equal(t, karma.DharmaPoints, res.Transaction.Path)
	assert.Empty(t, res.Severity)
	assert.Zero(t, res.Demerit)
	assert.Nil(t, res.Plan)

	l := f.ledger(t, "dina")
	assert.Equal(t, -2.0, l.Balance(karma.DharmaPoints))
	for _, sev := range karma.Severities() {
		assert.Equal(t, 0.0, l.Balance(sev.PaapPath()), "severity %s", sev)
	}
	assert.Equal(t, -2.0, res.Merit)

	history, err := f.engine.History(context.Background(), "dina", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLogAction_WindowResets(t *testing.T) {
	f := newFixture(t)

	first := f.log(t, "erin", "cheat")
	assert.Equal(t, 1, first.Escalation.Level)

	f.clock.Advance(31 * day)
	again := f.log(t, "erin", "cheat")

	assert.Equal(t, 1, again.Escalation.Level)
	assert.Equal(t, -2.0, again.Transaction.Value)
	assert.Len(t, f.ledger(t, "erin").Offenses, 1)
}

func TestLogAction_RepeatOffenderDefault(t *testing.T) {
	f := newFixture(t)

	var last *ActionResult
	for i := 0; i < 6; i++ {
		last = f.log(t, "frank", "cheat")
	}
	assert.Equal(t, 6, last.Escalation.Level)
	assert.Equal(t, -100.0, last.Transaction.Value)
	assert.Equal(t, "repeat_offender", last.Transaction.Metadata["punishment"])
}

func TestLogAction_DemeritOnly(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.LogAction(context.Background(), ActionRequest{
		UserID:    "gina",
		Action:    "harm_others",
		Intensity: 2,
	})
	require.NoError(t, err)

	assert.Nil(t, res.Escalation)
	assert.Equal(t, karma.SeverityMaha, res.Severity)
	assert.Equal(t, 10.0, res.Demerit)
	assert.Equal(t, karma.TierDemerit, res.Transaction.Tier)
	assert.Equal(t, karma.PaapMaha, res.Transaction.Path)
	assert.Equal(t, karma.IntentHarmful, res.Transaction.Intent)
	assert.Equal(t, 10.0, f.ledger(t, "gina").Balance(karma.PaapMaha))
	assert.False(t, res.Step.Updated, "demerit-only actions are not table columns")
}

func TestLogAction_RoleProgression(t *testing.T) {
	f := newFixture(t)

	first := f.log(t, "hari", "selfless_service")
	assert.Equal(t, "learner", first.Role)

	second := f.log(t, "hari", "selfless_service")
	assert.Equal(t, "learner", second.PreviousRole)
	assert.Equal(t, "volunteer", second.Role)
	assert.Equal(t, 150.0, second.Merit)
	assert.Equal(t, karma.TierHigh, second.Transaction.Tier)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.engine.metrics.RoleChanges.WithLabelValues("volunteer")))
	assert.Equal(t, 2.0, promtest.ToFloat64(f.engine.metrics.Actions.WithLabelValues("selfless_service", "high")))
}

func TestLogAction_DecaysBeforeApplying(t *testing.T) {
	f := newFixture(t)

	f.log(t, "ira", "helping_peers")
	f.clock.Advance(10 * day)
	res := f.log(t, "ira", "helping_peers")

	want := 10*math.Pow(1-0.0005, 10) + 10
	assert.InDelta(t, want, res.Ledger.Balance(karma.SevaPoints), 1e-9)
	assert.Equal(t, []karma.Path{karma.SevaPoints}, res.Decay.Decayed)
}

func TestLogAction_KeepsCallerMetadata(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.LogAction(context.Background(), ActionRequest{
		UserID:   "jai",
		Action:   "solving_doubts",
		Context:  "forum",
		Note:     "answered three questions",
		Metadata: map[string]string{"thread": "42"},
	})
	require.NoError(t, err)

	history, err := f.engine.History(context.Background(), "jai", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "forum", history[0].Context)
	assert.Equal(t, "answered three questions", history[0].Note)
	assert.Equal(t, map[string]string{"thread": "42", "intensity": "1"}, history[0].Metadata)
	assert.Equal(t, res.Transaction.ID, history[0].ID)
}

func TestLogAction_AutoAppeal(t *testing.T) {
	f := newFixture(t, WithAutoAppeal(true))
	ctx := context.Background()

	res := f.log(t, "kala", "false_speech")
	require.NotNil(t, res.Plan)
	require.NotNil(t, res.Appeal)
	assert.Equal(t, karma.SeverityMinor, res.Plan.Severity)
	assert.Equal(t, res.Plan.ID, res.Appeal.PlanID)

	plans, err := f.engine.ListPlans(ctx, "kala", "pending")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, map[karma.Remediation]float64{karma.Jap: 108, karma.Tap: 1, karma.Bhakti: 1, karma.Daan: 10}, plans[0].Requirements)

	appeals, err := f.engine.ListAppeals(ctx, "kala")
	require.NoError(t, err)
	assert.Len(t, appeals, 1)

	rewarded := f.log(t, "kala", "completing_lessons")
	assert.Nil(t, rewarded.Plan)
}

func TestCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, "lila", "completing_lessons")

	res, err := f.engine.Credit(ctx, CreditRequest{UserID: "lila", Path: "SevaPoints", Delta: 100, Note: "migration"})
	require.NoError(t, err)

	assert.Equal(t, 100.0, res.Balance)
	assert.Equal(t, "learner", res.PreviousRole)
	assert.Equal(t, "volunteer", res.Role)
	assert.Equal(t, karma.TierCredit, res.Transaction.Tier)
	assert.Equal(t, karma.TxManualCredit, res.Transaction.Action)

	l := f.ledger(t, "lila")
	assert.Equal(t, "volunteer", l.Role)
	assert.Equal(t, 100.0, l.Balance(karma.SevaPoints))

	history, err := f.engine.History(ctx, "lila", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCredit_AfterExpiryKeepsFullAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, "olga", "completing_lessons")

	f.clock.Advance(400 * day)
	res, err := f.engine.Credit(ctx, CreditRequest{UserID: "olga", Path: "DharmaPoints", Delta: 50})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Balance)

	l := f.ledger(t, "olga")
	assert.Equal(t, f.clock.Now(), l.Meta[karma.DharmaPoints].CreatedAt)
	assert.Equal(t, f.clock.Now(), l.LastDecay)

	dec, err := f.engine.RunDecay(ctx, "olga")
	require.NoError(t, err)
	assert.False(t, dec.Report.Changed())
	assert.Equal(t, 50.0, f.ledger(t, "olga").Balance(karma.DharmaPoints))
}

func TestCredit_NotDecayedForTimeBeforeIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, "pia", "completing_lessons")

	f.clock.Advance(300 * day)
	_, err := f.engine.Credit(ctx, CreditRequest{UserID: "pia", Path: "SevaPoints", Delta: 100})
	require.NoError(t, err)

	_, err = f.engine.RunDecay(ctx, "pia")
	require.NoError(t, err)
	assert.Equal(t, 100.0, f.ledger(t, "pia").Balance(karma.SevaPoints))

	f.clock.Advance(10 * day)
	_, err = f.engine.RunDecay(ctx, "pia")
	require.NoError(t, err)
	assert.InDelta(t, 100*math.Pow(1-0.0005, 10), f.ledger(t, "pia").Balance(karma.SevaPoints), 1e-9)
}

func TestCredit_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, "mira", "completing_lessons")

	_, err := f.engine.Credit(ctx, CreditRequest{UserID: "nobody", Path: "SevaPoints", Delta: 1})
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = f.engine.Credit(ctx, CreditRequest{UserID: "mira", Path: "GoldCoins", Delta: 1})
	assert.True(t, IsInvalidInput(err), "got %v", err)

	_, err = f.engine.Credit(ctx, CreditRequest{UserID: "mira", Path: "SevaPoints", Delta: 0})
	assert.True(t, IsInvalidInput(err), "got %v", err)

	_, err = f.engine.Credit(ctx, CreditRequest{UserID: "mira", Path: "SevaPoints", Delta: math.Inf(1)})
	assert.True(t, IsInvalidInput(err), "got %v", err)
}

func TestRunDecay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.log(t, "nina", "completing_lessons")
	f.log(t, "nina", "helping_peers")

	t.Run("no elapsed time writes nothing", func(t *testing.T) {
		before := f.ledger(t, "nina").Version
		res, err := f.engine.RunDecay(ctx, "nina")
		require.NoError(t, err)
		assert.False(t, res.Report.Changed())
		assert.Equal(t, before, f.ledger(t, "nina").Version)
	})

	t.Run("decays rated balances", func(t *testing.T) {
		f.clock.Advance(100 * day)
		res, err := f.engine.RunDecay(ctx, "nina")
		require.NoError(t, err)

		l := f.ledger(t, "nina")
		assert.InDelta(t, 10*math.Pow(1-0.0005, 100), l.Balance(karma.SevaPoints), 1e-9)
		assert.Equal(t, 5.0, l.Balance(karma.DharmaPoints))
		assert.Equal(t, f.clock.Now(), l.LastDecay)
		assert.Equal(t, res.Ledger.Version, l.Version)
	})

	t.Run("expires at the horizon", func(t *testing.T) {
		f.clock.Advance(266 * day)
		res, err := f.engine.RunDecay(ctx, "nina")
		require.NoError(t, err)

		assert.Contains(t, res.Report.Expired, karma.DharmaPoints)
		assert.Contains(t, res.Report.Expired, karma.SevaPoints)
		l := f.ledger(t, "nina")
		assert.Equal(t, 0.0, l.Balance(karma.DharmaPoints))
		assert.Equal(t, 0.0, l.Balance(karma.SevaPoints))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.engine.RunDecay(ctx, "nobody")
		assert.True(t, IsNotFound(err))
	})
}

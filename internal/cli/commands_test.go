package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// runJSON runs a command against db with JSON output and decodes the data
// payload into v when the command succeeds.
func runJSON(t *testing.T, db string, v any, args ...string) (envelope, error) {
	t.Helper()
	out, err := run(t, append([]string{"--db", db, "--format", "json"}, args...)...)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env), "output: %s", out)
	if err == nil && v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env, err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "karma.db")
}

func TestLogAndShow(t *testing.T) {
	db := tempDB(t)

	var logged LogOutput
	_, err := runJSON(t, db, &logged, "log", "alice", "completing_lessons", "--note", "lesson 1", "--meta", "course=go101")
	require.NoError(t, err)
	assert.Equal(t, "DharmaPoints", logged.Transaction.Path)
	assert.Equal(t, 5.0, logged.Transaction.Value)
	assert.Equal(t, "lesson 1", logged.Transaction.Note)
	assert.Equal(t, "go101", logged.Transaction.Metadata["course"])
	assert.Equal(t, "learner", logged.Role)
	assert.Empty(t, logged.Punishment)

	var shown ShowOutput
	_, err = runJSON(t, db, &shown, "show", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", shown.Ledger.UserID)
	assert.Equal(t, 5.0, shown.Ledger.Balances["DharmaPoints"])
	assert.Equal(t, 5.0, shown.Merit)
	assert.Equal(t, "Mrityuloka", shown.Realm)
	assert.Equal(t, 1, shown.Transactions)
}

func TestLogText(t *testing.T) {
	db := tempDB(t)

	out, err := run(t, "--db", db, "log", "alice", "completing_lessons")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ alice completing_lessons: DharmaPoints +5")
	assert.Contains(t, out, "Role:       learner")
}

func TestLogRejected(t *testing.T) {
	db := tempDB(t)

	env, err := runJSON(t, db, nil, "log", "alice", "juggling")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	_, err = run(t, "--db", db, "log", "alice", "completing_lessons", "--meta", "broken")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCredit(t *testing.T) {
	db := tempDB(t)
	_, err := run(t, "--db", db, "log", "alice", "completing_lessons")
	require.NoError(t, err)

	var credited CreditOutput
	_, err = runJSON(t, db, &credited, "credit", "alice", "DharmaPoints", "55", "--note", "backfill")
	require.NoError(t, err)
	assert.Equal(t, 60.0, credited.Balance)
	assert.Equal(t, "volunteer", credited.Role)

	env, err := runJSON(t, db, nil, "credit", "nobody", "DharmaPoints", "1")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	env, err = runJSON(t, db, nil, "credit", "alice", "DharmaPoints", "lots")
	require.Error(t, err)
	assert.Equal(t, ErrCodeArgument, env.Error.Code)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPunishmentAndAtonement(t *testing.T) {
	db := tempDB(t)

	var logged LogOutput
	_, err := runJSON(t, db, &logged, "log", "bob", "cheat")
	require.NoError(t, err)
	assert.Equal(t, 1, logged.Level)
	assert.Equal(t, "first_offense", logged.Punishment)
	assert.Empty(t, logged.Severity)
	assert.Zero(t, logged.Demerit)
	assert.Equal(t, -2.0, logged.Transaction.Value)

	var appealed AppealOutput
	_, err = runJSON(t, db, &appealed, "appeal", "bob", "cheat")
	require.NoError(t, err)
	assert.NotEmpty(t, appealed.AppealID)
	assert.Equal(t, "pending", appealed.Plan.Status)
	assert.Equal(t, map[string]float64{"Jap": 1008, "Tap": 3, "Bhakti": 3, "Daan": 50}, appealed.Plan.Requirements)

	var submitted SubmitOutput
	_, err = runJSON(t, db, &submitted, "atone", "submit", "bob", appealed.Plan.ID, "Jap", "1008", "--proof", "morning practice")
	require.NoError(t, err)
	assert.False(t, submitted.Completed)
	assert.Equal(t, 1008.0, submitted.Plan.Progress["Jap"])
	assert.Nil(t, submitted.Transaction)

	env, err := runJSON(t, db, nil, "atone", "submit", "bob", appealed.Plan.ID, "Daan", "50")
	require.Error(t, err, "Daan needs a reference")
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	var plans []planView
	_, err = runJSON(t, db, &plans, "atone", "list", "bob", "--status", "pending")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, appealed.Plan.ID, plans[0].ID)

	var created AppealOutput
	_, err = runJSON(t, db, &created, "atone", "plan", "bob", "false_speech")
	require.NoError(t, err)
	assert.Empty(t, created.AppealID)
	assert.Equal(t, "minor", created.Plan.Severity)

	_, err = runJSON(t, db, &plans, "atone", "list", "bob")
	require.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestCompleteAtonement(t *testing.T) {
	db := tempDB(t)
	_, err := run(t, "--db", db, "log", "carol", "false_speech", "--intensity", "2")
	require.NoError(t, err)

	var plan AppealOutput
	_, err = runJSON(t, db, &plan, "atone", "plan", "carol", "false_speech")
	require.NoError(t, err)

	for _, sub := range [][]string{{"Jap", "108"}, {"Tap", "1"}, {"Bhakti", "1"}} {
		_, err := run(t, "--db", db, "atone", "submit", "carol", plan.Plan.ID, sub[0], sub[1])
		require.NoError(t, err)
	}

	var done SubmitOutput
	_, err = runJSON(t, db, &done, "atone", "submit", "carol", plan.Plan.ID, "Daan", "10", "--ref", "tx-42")
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, 2.0, done.Reduction)
	require.NotNil(t, done.Transaction)
	assert.Equal(t, "PaapTokens.minor", done.Transaction.Path)
	assert.Equal(t, -2.0, done.Transaction.Value)

	var shown ShowOutput
	_, err = runJSON(t, db, &shown, "show", "carol")
	require.NoError(t, err)
	assert.NotContains(t, shown.Ledger.Balances, "PaapTokens.minor")
	assert.Equal(t, 1, shown.CompletedPlans)
}

func TestDeath(t *testing.T) {
	db := tempDB(t)
	_, err := run(t, "--db", db, "log", "bob", "cheat")
	require.NoError(t, err)

	var died DeathOutput
	_, err = runJSON(t, db, &died, "death", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Antarloka", died.Record.Realm)
	assert.Equal(t, 1, died.Ledger.RebirthCount)

	env, err := runJSON(t, db, nil, "death", "ghost")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestHistoryAndStats(t *testing.T) {
	db := tempDB(t)
	for _, action := range []string{"completing_lessons", "helping_peers", "solving_doubts"} {
		_, err := run(t, "--db", db, "log", "dana", action)
		require.NoError(t, err)
	}
	_, err := run(t, "--db", db, "log", "eli", "completing_lessons")
	require.NoError(t, err)

	var txs []transactionView
	_, err = runJSON(t, db, &txs, "history", "dana", "--limit", "2")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "helping_peers", txs[0].Action)
	assert.Equal(t, "solving_doubts", txs[1].Action)

	_, err = runJSON(t, db, &txs, "history", "dana", "--limit", "0")
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	var stats struct {
		Users        int64 `json:"users"`
		Transactions int64 `json:"transactions"`
	}
	_, err = runJSON(t, db, &stats, "stats")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Users)
	assert.Equal(t, int64(4), stats.Transactions)
}

func TestDecayCommand(t *testing.T) {
	db := tempDB(t)
	_, err := run(t, "--db", db, "log", "alice", "completing_lessons")
	require.NoError(t, err)

	var decayed DecayOutput
	_, err = runJSON(t, db, &decayed, "decay", "alice")
	require.NoError(t, err)
	assert.Equal(t, 5.0, decayed.Ledger.Balances["DharmaPoints"])
	assert.Empty(t, decayed.Expired)
}

func TestTableCommand(t *testing.T) {
	db := tempDB(t)

	var table TableOutput
	_, err := runJSON(t, db, &table, "table")
	require.NoError(t, err)
	assert.Equal(t, []string{"learner", "volunteer", "seva", "guru"}, table.Roles)
	assert.Equal(t, []string{"completing_lessons", "helping_peers", "solving_doubts", "selfless_service", "cheat"}, table.Actions)
	require.Len(t, table.Values["learner"], 5)
	assert.Equal(t, "completing_lessons", table.Best["guru"], "ties go to the first action")

	_, err = run(t, "--db", db, "log", "alice", "completing_lessons")
	require.NoError(t, err)
	_, err = runJSON(t, db, &table, "table")
	require.NoError(t, err)
	assert.Greater(t, table.Values["learner"][0], 0.0)
	assert.Equal(t, "completing_lessons", table.Best["learner"])

	out, err := run(t, "--db", db, "table")
	require.NoError(t, err)
	assert.Contains(t, out, "best")
}

func TestRedeemCommand(t *testing.T) {
	db := tempDB(t)
	_, err := run(t, "--db", db, "log", "alice", "completing_lessons")
	require.NoError(t, err)

	var redeemed RedeemOutput
	_, err = runJSON(t, db, &redeemed, "redeem", "alice", "DharmaPoints", "2", "--note", "snack")
	require.NoError(t, err)
	assert.Equal(t, 3.0, redeemed.Remaining)
	assert.Equal(t, -2.0, redeemed.Transaction.Value)
	assert.Equal(t, "redeem", redeemed.Transaction.Tier)
	assert.Equal(t, "snack", redeemed.Transaction.Note)

	env, err := runJSON(t, db, nil, "redeem", "alice", "DharmaPoints", "4")
	require.Error(t, err)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	env, err = runJSON(t, db, nil, "redeem", "alice", "DharmaPoints", "some")
	require.Error(t, err)
	assert.Equal(t, ErrCodeArgument, env.Error.Code)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := run(t, "--db", db, "redeem", "alice", "DharmaPoints", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ alice redeemed 1 DharmaPoints, 2 left")
}

func TestDebtCommands(t *testing.T) {
	db := tempDB(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := run(t, "--db", db, "log", u, "completing_lessons")
		require.NoError(t, err)
	}

	var created DebtOutput
	_, err := runJSON(t, db, &created, "debt", "create", "bob", "alice", "medium", "10", "--action", "theft", "--description", "bike")
	require.NoError(t, err)
	assert.Equal(t, "bob", created.Debt.DebtorID)
	assert.Equal(t, "active", created.Debt.Status)
	assert.Equal(t, "Rnanubandhan.medium", created.Transaction.Path)
	debtID := created.Debt.ID

	var shown ShowOutput
	_, err = runJSON(t, db, &shown, "show", "bob")
	require.NoError(t, err)
	assert.Equal(t, 10.0, shown.Ledger.Balances["Rnanubandhan.medium"])

	var repaid DebtOutput
	_, err = runJSON(t, db, &repaid, "debt", "repay", debtID, "4", "--method", "seva")
	require.NoError(t, err)
	assert.Equal(t, 6.0, repaid.Debt.Amount)
	assert.Equal(t, 1, repaid.Debt.Repayments)

	var moved TransferOutput
	_, err = runJSON(t, db, &moved, "debt", "transfer", debtID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "transferred", moved.Previous.Status)
	assert.Equal(t, "carol", moved.Debt.DebtorID)
	assert.Equal(t, 6.0, moved.Debt.Amount)

	var owing []debtView
	_, err = runJSON(t, db, &owing, "debt", "list", "alice", "--side", "owing", "--status", "active")
	require.NoError(t, err)
	require.Len(t, owing, 1)
	assert.Equal(t, moved.Debt.ID, owing[0].ID)

	var summary SummaryOutput
	_, err = runJSON(t, db, &summary, "debt", "summary", "carol")
	require.NoError(t, err)
	assert.Equal(t, 6.0, summary.TotalDebt)
	assert.Equal(t, []string{"alice"}, summary.Creditors)

	var stats map[string]any
	_, err = runJSON(t, db, &stats, "stats")
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats["active_debts"])

	env, err := runJSON(t, db, nil, "debt", "create", "bob", "bob", "minor", "1")
	require.Error(t, err)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	env, err = runJSON(t, db, nil, "debt", "repay", "ghost", "1")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	_, err = runJSON(t, db, nil, "debt", "list", "alice", "--side", "sideways")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := run(t, "--db", db, "debt", "list", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "transferred to "+moved.Debt.ID)
}

func TestImportCommand(t *testing.T) {
	db := tempDB(t)
	file := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"user_id": "legacy-1",
		"balances": {"DharmaPoints": 30, "SevaPoints": {"oops": 1}},
		"rebirth_count": 2
	}`), 0644))

	var imported ImportOutput
	_, err := runJSON(t, db, &imported, "import", file)
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", imported.Ledger.UserID)
	assert.Equal(t, 2, imported.Ledger.RebirthCount)
	assert.NotEmpty(t, imported.Issues)

	env, err := runJSON(t, db, nil, "import", file)
	require.Error(t, err)
	assert.Equal(t, "CONFLICT", env.Error.Code)

	env, err = runJSON(t, db, nil, "import", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeReadFile, env.Error.Code)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBadgerBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")

	_, err := run(t, "--db", dir, "--backend", "badger", "log", "alice", "completing_lessons")
	require.NoError(t, err)

	out, err := run(t, "--db", dir, "--backend", "badger", "--format", "json", "show", "alice")
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	var shown ShowOutput
	require.NoError(t, json.Unmarshal(env.Data, &shown))
	assert.Equal(t, 5.0, shown.Ledger.Balances["DharmaPoints"])
}

func TestPolicyFlag(t *testing.T) {
	db := tempDB(t)

	var logged LogOutput
	_, err := runJSON(t, db, &logged, "--policy", "../harness/testdata/policy", "log", "alice", "completing_lessons")
	require.NoError(t, err)
	assert.Equal(t, 7.0, logged.Transaction.Value)

	env, err := runJSON(t, db, nil, "--policy", filepath.Join(t.TempDir(), "none"), "stats")
	require.Error(t, err)
	assert.Equal(t, "E005", env.Error.Code)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulate(t *testing.T) {
	db := tempDB(t)

	var sim SimulateOutput
	_, err := runJSON(t, db, &sim, "simulate", "--users", "3", "--events", "40", "--workers", "4", "--seed", "7")
	require.NoError(t, err)
	assert.Equal(t, int64(40), sim.Logged+sim.Rejected)
	assert.Equal(t, float64(sim.Logged), sim.Counters["karmaledger_actions_total"])

	total := 0
	for _, n := range sim.Roles {
		total += n
	}
	assert.LessOrEqual(t, total, 3)
	assert.Positive(t, total)

	_, err = run(t, "--db", db, "simulate", "--users", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPlanEventsDeterministic(t *testing.T) {
	opts := &SimulateOptions{Users: 4, Events: 50, Seed: 11, Prefix: "u"}
	assert.Equal(t, planEvents(opts), planEvents(opts))

	for _, ev := range planEvents(opts) {
		assert.GreaterOrEqual(t, ev.intensity, 0.5)
		assert.LessOrEqual(t, ev.intensity, 2.0)
	}
}

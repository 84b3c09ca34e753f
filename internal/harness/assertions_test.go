package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceOf(ops ...string) *Result {
	r := NewResult()
	for i, op := range ops {
		r.Trace = append(r.Trace, TraceEvent{Seq: i + 1, Op: op, User: "alice", Outcome: map[string]any{}})
	}
	return r
}

func TestAssertTraceCount(t *testing.T) {
	r := traceOf(OpLog, OpAdvance, OpLog, OpDeath)

	assert.NoError(t, assertTraceCount(r, Assertion{Type: AssertTraceCount, Op: OpLog, Count: ptr(2)}))
	assert.NoError(t, assertTraceCount(r, Assertion{Type: AssertTraceCount, Op: OpCredit, Count: ptr(0)}))

	err := assertTraceCount(r, Assertion{Type: AssertTraceCount, Op: OpLog, Count: ptr(3)})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "2", ae.Actual)
	assert.Len(t, ae.Trace, 4)
}

func TestAssertTraceOrder(t *testing.T) {
	r := traceOf(OpLog, OpAppeal, OpAtone, OpAtone, OpDeath)

	tests := []struct {
		name string
		ops  []string
		ok   bool
	}{
		{"consecutive", []string{OpLog, OpAppeal}, true},
		{"gaps allowed", []string{OpLog, OpAtone, OpDeath}, true},
		{"repeated op", []string{OpAtone, OpAtone}, true},
		{"reversed", []string{OpDeath, OpLog}, false},
		{"absent op", []string{OpLog, OpCredit}, false},
		{"too many repeats", []string{OpAtone, OpAtone, OpAtone}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(r, Assertion{Type: AssertTraceOrder, Ops: tt.ops})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertionError_Message(t *testing.T) {
	err := &AssertionError{
		Type:     AssertBalance,
		Expected: "alice DharmaPoints = 5",
		Actual:   "3",
		Trace:    traceOf(OpLog).Trace,
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: balance")
	assert.Contains(t, msg, "Expected: alice DharmaPoints = 5")
	assert.Contains(t, msg, "Actual: 3")
	assert.Contains(t, msg, "[1] log alice")
}

func TestStateAssertions_Failures(t *testing.T) {
	flow := []Step{
		{Op: OpLog, User: "alice", Action: "completing_lessons"},
		{Op: OpLog, User: "alice", Action: "cheat"},
	}

	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "balance",
			assertion: Assertion{Type: AssertBalance, User: "alice", Path: "DharmaPoints", Value: ptr(5.0)},
			want:      "Actual: 3",
		},
		{
			name:      "role",
			assertion: Assertion{Type: AssertRole, User: "alice", Role: "guru"},
			want:      "Actual: learner",
		},
		{
			name:      "transactions",
			assertion: Assertion{Type: AssertTransactions, User: "alice", Count: ptr(3)},
			want:      "Actual: 2",
		},
		{
			name:      "plans",
			assertion: Assertion{Type: AssertPlans, User: "alice", Count: ptr(1)},
			want:      "Actual: 0",
		},
		{
			name:      "rebirth realm",
			assertion: Assertion{Type: AssertRebirths, User: "alice", Realm: "Swarga"},
			want:      "Actual: no rebirths",
		},
		{
			name:      "missing ledger",
			assertion: Assertion{Type: AssertRole, User: "ghost", Role: "learner"},
			want:      "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(&Scenario{
				Name:        tt.name,
				Description: "failing assertion",
				Flow:        flow,
				Assertions:  []Assertion{tt.assertion},
			})
			require.NoError(t, err)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.want)
		})
	}
}

func TestStateAssertions_Pass(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "pass",
		Description: "passing state assertions",
		Flow: []Step{
			{Op: OpLog, User: "alice", Action: "helping_peers"},
			{Op: OpPlan, User: "alice", Action: "theft"},
			{Op: OpDeath, User: "alice", Expect: &Expect{Realm: "Mrityuloka"}},
		},
		Assertions: []Assertion{
			{Type: AssertBalance, User: "alice", Path: "PunyaTokens", Value: ptr(1.2)},
			{Type: AssertPlans, User: "alice", Status: "pending", Count: ptr(1)},
			{Type: AssertRebirths, User: "alice", Count: ptr(1), Realm: "Mrityuloka"},
			{Type: AssertTraceOrder, Ops: []string{OpLog, OpPlan, OpDeath}},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

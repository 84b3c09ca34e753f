package harness

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/roach88/karmaledger/internal/karma"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s %v\n", event.Seq, event.Op, event.User, event.Action, event.Outcome)
	}

	return buf.String()
}

// evaluate dispatches one assertion. Trace assertions read the result;
// state assertions read the engine.
func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) error {
	switch a.Type {
	case AssertTraceCount:
		return assertTraceCount(result, a)
	case AssertTraceOrder:
		return assertTraceOrder(result, a)
	}

	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: result.Trace}
	}

	switch a.Type {
	case AssertBalance:
		l, err := h.engine.Ledger(ctx, a.User)
		if err != nil {
			return fail(fmt.Sprintf("ledger for %s", a.User), err.Error())
		}
		got := l.Balance(karma.Path(a.Path))
		if math.Abs(got-*a.Value) > valueTolerance {
			return fail(fmt.Sprintf("%s %s = %v", a.User, a.Path, *a.Value), fmt.Sprintf("%v", got))
		}

	case AssertRole:
		l, err := h.engine.Ledger(ctx, a.User)
		if err != nil {
			return fail(fmt.Sprintf("ledger for %s", a.User), err.Error())
		}
		if l.Role != a.Role {
			return fail(fmt.Sprintf("%s role %s", a.User, a.Role), l.Role)
		}

	case AssertTransactions:
		txs, err := h.engine.History(ctx, a.User, 0)
		if err != nil {
			return fail(fmt.Sprintf("history for %s", a.User), err.Error())
		}
		if len(txs) != *a.Count {
			return fail(fmt.Sprintf("%d transactions for %s", *a.Count, a.User), fmt.Sprintf("%d", len(txs)))
		}

	case AssertPlans:
		plans, err := h.engine.ListPlans(ctx, a.User, a.Status)
		if err != nil {
			return fail(fmt.Sprintf("plans for %s", a.User), err.Error())
		}
		if len(plans) != *a.Count {
			return fail(fmt.Sprintf("%d %s plans for %s", *a.Count, a.Status, a.User), fmt.Sprintf("%d", len(plans)))
		}

	case AssertRebirths:
		recs, err := h.engine.Rebirths(ctx, a.User)
		if err != nil {
			return fail(fmt.Sprintf("rebirths for %s", a.User), err.Error())
		}
		if a.Count != nil && len(recs) != *a.Count {
			return fail(fmt.Sprintf("%d rebirths for %s", *a.Count, a.User), fmt.Sprintf("%d", len(recs)))
		}
		if a.Realm != "" {
			if len(recs) == 0 {
				return fail(fmt.Sprintf("latest realm %s", a.Realm), "no rebirths")
			}
			if got := recs[len(recs)-1].Realm; got != a.Realm {
				return fail(fmt.Sprintf("latest realm %s", a.Realm), got)
			}
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// assertTraceCount checks that an op appears exactly Count times.
func assertTraceCount(result *Result, a Assertion) error {
	if got := result.Count(a.Op); got != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", a.Op, *a.Count),
			Actual:   fmt.Sprintf("%d", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertTraceOrder checks that ops appear in the given order.
// Ops don't need to be consecutive (intervening steps are allowed).
func assertTraceOrder(result *Result, a Assertion) error {
	next := 0
	for _, ev := range result.Trace {
		if next < len(a.Ops) && ev.Op == a.Ops[next] {
			next++
		}
	}
	if next == len(a.Ops) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("ops in order %v", a.Ops),
		Actual:   fmt.Sprintf("matched only %v", a.Ops[:next]),
		Trace:    result.Trace,
	}
}

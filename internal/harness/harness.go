package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/karmaledger/internal/engine"
	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/policy"
	"github.com/roach88/karmaledger/internal/store"
	"github.com/roach88/karmaledger/internal/store/badgerstore"
	"github.com/roach88/karmaledger/internal/testutil"
)

// valueTolerance absorbs float noise when comparing expected amounts.
const valueTolerance = 1e-9

// ErrCodeInternal marks a step error that carries no engine error code.
const ErrCodeInternal = "INTERNAL"

// Harness runs one scenario against a live engine.
type Harness struct {
	engine *engine.Engine
	clock  *testutil.FakeClock

	users    []string
	seen     map[string]bool
	lastPlan map[string]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh in-memory backend with a fake clock at the
// scenario start and sequential ids, so equal scenarios produce equal
// results on either backend.
//
// Execution flow:
// 1. Open the in-memory backend and load the policy
// 2. Execute setup steps (any failure aborts the run)
// 3. Execute flow steps, tracing each and checking its expectation
// 4. Evaluate assertions and collect the final ledger summaries
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	p := karma.DefaultPolicy()
	if dir := scenario.PolicyDir(); dir != "" {
		loaded, err := policy.Load(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		p = loaded
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := openBackend(scenario.Backend, p, logger)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := testutil.NewFakeClock(start)
	eng, err := engine.New(ctx, backend, p,
		engine.WithClock(clock),
		engine.WithIDGenerator(engine.NewSequenceGenerator("id")),
		engine.WithLogger(logger),
		engine.WithAutoAppeal(scenario.AutoAppeal),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	h := &Harness{
		engine:   eng,
		clock:    clock,
		seen:     make(map[string]bool),
		lastPlan: make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		if _, err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("setup step %d (%s) failed: %w", i, step.Op, err)
		}
	}

	for i, step := range scenario.Flow {
		outcome, err := h.execute(ctx, step)
		if err != nil {
			outcome = map[string]any{"error": errorCode(err)}
		}
		result.Trace = append(result.Trace, TraceEvent{
			Seq:     i + 1,
			Op:      step.Op,
			User:    step.User,
			Action:  step.Action,
			Outcome: outcome,
		})
		for _, msg := range checkExpect(step, outcome, err) {
			result.AddError(fmt.Sprintf("flow step %d (%s): %s", i+1, step.Op, msg))
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			result.AddError(fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}

	final, err := h.final(ctx)
	if err != nil {
		return nil, err
	}
	result.Final = final
	return result, nil
}

func openBackend(kind string, p karma.Policy, logger *slog.Logger) (store.Backend, error) {
	switch kind {
	case "", BackendSQLite:
		st, err := store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		return st, nil
	case BackendBadger:
		cfg := badgerstore.InMemoryConfig()
		cfg.Policy = p
		cfg.Logger = logger
		st, err := badgerstore.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory badger store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// execute runs one step and returns its traced outcome.
func (h *Harness) execute(ctx context.Context, st Step) (map[string]any, error) {
	if st.User != "" && !h.seen[st.User] {
		h.seen[st.User] = true
		h.users = append(h.users, st.User)
	}

	switch st.Op {
	case OpAdvance:
		h.clock.AdvanceDays(st.Days)
		return map[string]any{
			"days": st.Days,
			"now":  h.clock.Now().Format(time.RFC3339),
		}, nil

	case OpLog:
		res, err := h.engine.LogAction(ctx, engine.ActionRequest{
			UserID:    st.User,
			Action:    st.Action,
			Role:      st.Role,
			Intensity: st.Intensity,
		})
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"tx":    res.Transaction.ID,
			"path":  string(res.Transaction.Path),
			"value": res.Transaction.Value,
			"role":  res.Role,
		}
		if res.Escalation != nil {
			out["level"] = res.Escalation.Level
			out["punishment"] = res.Escalation.Penalty.Name
		}
		if res.Severity != "" {
			out["severity"] = string(res.Severity)
			out["demerit"] = res.Demerit
		}
		if res.Plan != nil {
			out["plan"] = res.Plan.ID
			h.lastPlan[st.User] = res.Plan.ID
		}
		return out, nil

	case OpCredit:
		res, err := h.engine.Credit(ctx, engine.CreditRequest{
			UserID: st.User,
			Path:   st.Path,
			Delta:  st.Delta,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"tx":      res.Transaction.ID,
			"path":    string(res.Transaction.Path),
			"value":   res.Transaction.Value,
			"balance": res.Balance,
			"role":    res.Role,
		}, nil

	case OpRedeem:
		res, err := h.engine.Redeem(ctx, engine.RedeemRequest{
			UserID: st.User,
			Path:   st.Path,
			Amount: st.Amount,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"tx":        res.Transaction.ID,
			"path":      string(res.Transaction.Path),
			"value":     res.Transaction.Value,
			"remaining": res.Remaining,
			"role":      res.Role,
		}, nil

	case OpDecay:
		res, err := h.engine.RunDecay(ctx, st.User)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"elapsed_days": res.Report.ElapsedDays,
			"decayed":      len(res.Report.Decayed),
			"expired":      len(res.Report.Expired),
			"role":         res.Role,
		}, nil

	case OpAppeal, OpPlan:
		open := h.engine.Appeal
		if st.Op == OpPlan {
			open = h.engine.CreatePlan
		}
		res, err := open(ctx, st.User, st.Action)
		if err != nil {
			return nil, err
		}
		h.lastPlan[st.User] = res.Plan.ID
		out := map[string]any{
			"plan":     res.Plan.ID,
			"severity": string(res.Plan.Severity),
		}
		if res.Appeal != nil {
			out["appeal"] = res.Appeal.ID
		}
		return out, nil

	case OpAtone:
		planID := st.Plan
		if planID == LastPlan {
			if id, ok := h.lastPlan[st.User]; ok {
				planID = id
			}
		}
		res, err := h.engine.SubmitAtonement(ctx, engine.AtonementRequest{
			UserID: st.User,
			PlanID: planID,
			Type:   st.Type,
			Amount: st.Amount,
			Ref:    st.Ref,
		})
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"plan":      res.Plan.ID,
			"completed": res.Completed,
			"role":      res.Role,
		}
		if res.Completed {
			out["reduction"] = res.Reduction
			if res.Transaction != nil {
				out["tx"] = res.Transaction.ID
			}
		}
		return out, nil

	case OpDeath:
		res, err := h.engine.RecordDeath(ctx, st.User)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"realm":           res.Record.Realm,
			"net_karma":       res.Record.NetKarma,
			"carryover_punya": res.Record.Carryover.Punya,
			"carryover_paap":  res.Record.Carryover.Paap,
			"rebirth_count":   res.Ledger.RebirthCount,
			"role":            res.Ledger.Role,
		}, nil
	}
	return nil, fmt.Errorf("unknown op %q", st.Op)
}

// final summarizes every ledger the scenario touched.
func (h *Harness) final(ctx context.Context) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(h.users))
	for _, user := range h.users {
		l, err := h.engine.Ledger(ctx, user)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read final ledger %s: %w", user, err)
		}
		balances := make(map[string]float64, len(l.Balances))
		for path, v := range l.Balances {
			if v != 0 {
				balances[string(path)] = v
			}
		}
		out[user] = map[string]any{
			"role":          l.Role,
			"balances":      balances,
			"rebirth_count": l.RebirthCount,
		}
	}
	return out, nil
}

// errorCode extracts the engine error code from err.
func errorCode(err error) string {
	var e *engine.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return ErrCodeInternal
}

// checkExpect compares a step outcome with its expectation and returns one
// message per mismatch.
func checkExpect(st Step, outcome map[string]any, err error) []string {
	exp := st.Expect
	if exp == nil || exp.Error == "" {
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
	}
	if exp == nil {
		return nil
	}
	if exp.Error != "" {
		if err == nil {
			return []string{fmt.Sprintf("expected error %s, step succeeded", exp.Error)}
		}
		if code := errorCode(err); code != exp.Error {
			return []string{fmt.Sprintf("expected error %s, got %s (%v)", exp.Error, code, err)}
		}
		return nil
	}

	var msgs []string
	if exp.Value != nil {
		got, ok := outcome["value"].(float64)
		if !ok {
			msgs = append(msgs, "expected a value, step produced none")
		} else if math.Abs(got-*exp.Value) > valueTolerance {
			msgs = append(msgs, fmt.Sprintf("value: expected %v, got %v", *exp.Value, got))
		}
	}
	if exp.Role != "" && outcome["role"] != exp.Role {
		msgs = append(msgs, fmt.Sprintf("role: expected %s, got %v", exp.Role, outcome["role"]))
	}
	if exp.Level != 0 && outcome["level"] != exp.Level {
		msgs = append(msgs, fmt.Sprintf("level: expected %d, got %v", exp.Level, outcome["level"]))
	}
	if exp.Completed != nil && outcome["completed"] != *exp.Completed {
		msgs = append(msgs, fmt.Sprintf("completed: expected %v, got %v", *exp.Completed, outcome["completed"]))
	}
	if exp.Realm != "" && outcome["realm"] != exp.Realm {
		msgs = append(msgs, fmt.Sprintf("realm: expected %s, got %v", exp.Realm, outcome["realm"]))
	}
	return msgs
}

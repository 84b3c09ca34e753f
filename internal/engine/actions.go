package engine

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"

	"github.com/roach88/karmaledger/internal/canon"
	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// ActionResult is the outcome of LogAction.
type ActionResult struct {
	Transaction  karma.Transaction
	Ledger       *karma.Ledger
	PreviousRole string
	Role         string
	Merit        float64
	Decay        karma.DecayReport

	// Escalation is set for the malicious action.
	Escalation *karma.Escalation
	// Severity and Demerit are set when the action accrued demerit. The
	// malicious action never does.
	Severity karma.Severity
	Demerit  float64

	Step karma.StepResult

	// Plan and Appeal are set when auto-appeal opened atonement.
	Plan   *karma.Plan
	Appeal *karma.Appeal
}

// LogAction records one action.
//
// The ledger is created on first use and decayed to now. Then:
//   - the malicious action is escalated (penalty by offense count in the
//     window); the penalty is its only cost
//   - a rewarded action credits base reward times intensity
//   - any other catalog action accrues severity demerit times intensity
//
// The role is recomputed, a transaction appended, and everything committed
// in one compare-and-set. The value table is updated afterwards, using the
// claimed role as the row.
func (e *Engine) LogAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if err := checkRequest(req.UserID, &req); err != nil {
		return nil, err
	}
	userID, err := normalizeUser(req.UserID)
	if err != nil {
		return nil, err
	}
	action, err := karma.ParseAction(req.Action)
	if err != nil {
		return nil, invalidInput(userID, err)
	}
	if req.Role != "" {
		if _, ok := e.policy.RoleIndex(req.Role); !ok {
			return nil, invalidInput(userID, fmt.Errorf("%w: %q", karma.ErrUnknownRole, req.Role))
		}
	}
	intensity := req.intensity()

	var (
		res    ActionResult
		before map[karma.Path]float64
	)
	l, err := e.mutate(ctx, userID, true, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		res = ActionResult{PreviousRole: l.Role}
		res.Decay = karma.ApplyDecay(l, e.policy, now)
		before = maps.Clone(l.Balances)

		tx := karma.Transaction{
			ID:       e.ids.Generate(),
			UserID:   userID,
			Action:   action.String(),
			Intent:   action.Intent(),
			Context:  req.Context,
			Note:     req.Note,
			Metadata: maps.Clone(req.Metadata),
			At:       now,
		}
		if tx.Metadata == nil {
			tx.Metadata = map[string]string{}
		}
		tx.Metadata["intensity"] = formatFloat(intensity)

		reward, rewarded := e.policy.Rewards[action]
		sev, demerit := e.policy.Classify(action)
		switch {
		case action == e.policy.MaliciousAction:
			esc := karma.Escalate(l, e.policy, now)
			res.Escalation = &esc
			tx.Path, tx.Value, tx.Tier = esc.Penalty.Path, esc.Penalty.Value, karma.TierPenalty
			tx.Metadata["punishment"] = esc.Penalty.Name
			tx.Metadata["level"] = strconv.Itoa(esc.Level)
		case rewarded:
			tx.Path, tx.Value, tx.Tier = reward.Path, reward.Value*intensity, karma.RewardTier(reward.Path)
			l.Credit(tx.Path, tx.Value, now)
		case demerit:
			res.Severity = sev
			res.Demerit = e.policy.DemeritAmount(sev, intensity)
			tx.Path, tx.Value, tx.Tier = sev.PaapPath(), res.Demerit, karma.TierDemerit
			tx.Metadata["severity"] = string(sev)
			l.Credit(tx.Path, tx.Value, now)
		default:
			return nil, fmt.Errorf("%w: %s has no reward or demerit in this policy", karma.ErrUnknownAction, action)
		}

		res.Role = l.Recompute(e.policy)
		res.Merit = karma.Merit(l.Balances, e.policy)
		res.Transaction = tx

		c := &store.Commit{Transactions: []karma.Transaction{tx}}
		if e.autoAppeal && demerit {
			plan, appeal, err := e.openAtonement(userID, action, sev, now)
			if err != nil {
				return nil, err
			}
			res.Plan, res.Appeal = plan, appeal
			c.Plans = []karma.Plan{*plan}
			c.Appeals = []karma.Appeal{*appeal}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	res.Ledger = l

	row := req.Role
	if row == "" {
		row = res.PreviousRole
	}
	res.Step = e.updater.Step(ctx, row, action, res.Transaction.Value, before, res.Transaction.Path, res.Transaction.At)

	e.metrics.Actions.WithLabelValues(action.String(), string(res.Transaction.Tier)).Inc()
	if res.Escalation != nil {
		e.metrics.Penalties.WithLabelValues(res.Escalation.Penalty.Name).Inc()
	}
	if res.Severity != "" {
		e.metrics.Demerits.WithLabelValues(string(res.Severity)).Inc()
	}
	if res.Plan != nil {
		e.metrics.Atonements.WithLabelValues("opened", string(res.Plan.Severity)).Inc()
	}
	e.noteRole(userID, res.PreviousRole, res.Role)

	e.logger.Info("action logged",
		"user_id", userID,
		"action", action.String(),
		"path", res.Transaction.Path,
		"value", res.Transaction.Value,
		"role", res.Role,
	)
	return &res, nil
}

// CreditResult is the outcome of Credit.
type CreditResult struct {
	Transaction  karma.Transaction
	Balance      float64
	PreviousRole string
	Role         string
}

// Credit adds a signed amount to one balance of an existing ledger.
//
// Under the user's lock the ledger is first decayed to now and that pass
// committed. The balance then moves by an atomic store increment, and the
// role is recomputed and the credit recorded as a transaction in a final
// commit.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if err := checkRequest(req.UserID, &req); err != nil {
		return nil, err
	}
	userID, err := normalizeUser(req.UserID)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(req.Delta) || math.IsInf(req.Delta, 0) {
		return nil, invalidInput(userID, fmt.Errorf("delta must be finite, got %v", req.Delta))
	}
	path := karma.Path(req.Path)
	if !e.policy.KnownPath(path) {
		return nil, invalidInput(userID, fmt.Errorf("%w: %q", karma.ErrUnknownPath, req.Path))
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	if _, err := e.settleLocked(ctx, userID); err != nil {
		return nil, err
	}
	balance, err := e.backend.IncrementBalance(ctx, userID, path, req.Delta, e.clock.Now())
	if err != nil {
		return nil, classify(userID, err)
	}

	var res CreditResult
	_, err = e.mutateLocked(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		res = CreditResult{PreviousRole: l.Role, Balance: l.Balance(path)}
		res.Role = l.Recompute(e.policy)
		res.Transaction = karma.Transaction{
			ID:       e.ids.Generate(),
			UserID:   userID,
			Action:   karma.TxManualCredit,
			Path:     path,
			Value:    req.Delta,
			Tier:     karma.TierCredit,
			Note:     req.Note,
			Metadata: map[string]string{"balance": formatFloat(balance)},
			At:       now,
		}
		return &store.Commit{Transactions: []karma.Transaction{res.Transaction}}, nil
	})
	if err != nil {
		return nil, err
	}

	e.noteRole(userID, res.PreviousRole, res.Role)
	e.logger.Info("balance credited",
		"user_id", userID,
		"path", path,
		"delta", req.Delta,
		"balance", res.Balance,
	)
	return &res, nil
}

// DecayResult is the outcome of RunDecay.
type DecayResult struct {
	Report       karma.DecayReport
	Ledger       *karma.Ledger
	PreviousRole string
	Role         string
}

// RunDecay decays and expires a user's balances up to now and persists the
// result. Nothing is written when no time has passed.
func (e *Engine) RunDecay(ctx context.Context, userID string) (*DecayResult, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}

	var res DecayResult
	l, err := e.mutate(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		res = DecayResult{PreviousRole: l.Role}
		res.Report = karma.ApplyDecay(l, e.policy, now)
		res.Role = l.Recompute(e.policy)
		if res.Report.ElapsedDays == 0 && !res.Report.Changed() && res.Role == res.PreviousRole {
			return nil, nil
		}
		return &store.Commit{}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Ledger = l

	e.noteRole(userID, res.PreviousRole, res.Role)
	e.logger.Debug("decay applied",
		"user_id", userID,
		"elapsed_days", res.Report.ElapsedDays,
		"decayed", len(res.Report.Decayed),
		"expired", len(res.Report.Expired),
	)
	return &res, nil
}

// settleLocked brings a ledger's decay up to now and commits the pass when
// time has moved. The caller holds the user's lock.
func (e *Engine) settleLocked(ctx context.Context, userID string) (karma.DecayReport, error) {
	var report karma.DecayReport
	_, err := e.mutateLocked(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		last := l.LastDecay
		report = karma.ApplyDecay(l, e.policy, now)
		if l.LastDecay.Equal(last) {
			return nil, nil
		}
		l.Recompute(e.policy)
		return &store.Commit{}, nil
	})
	return report, err
}

func (e *Engine) noteRole(userID, from, to string) {
	if from == to {
		return
	}
	e.metrics.RoleChanges.WithLabelValues(to).Inc()
	e.logger.Info("role changed", "user_id", userID, "from", from, "to", to)
}

// formatFloat renders metadata numbers in their shortest form.
func formatFloat(f float64) string {
	s, err := canon.FormatFloat(f)
	if err != nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return s
}

package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// AppealResult is the outcome of Appeal and CreatePlan. Appeal is nil for
// CreatePlan.
type AppealResult struct {
	Plan   *karma.Plan
	Appeal *karma.Appeal
}

// Appeal opens atonement for a demerit action: a plan with the severity's
// prescribed remediation and an appeal record pointing at it. The user must
// already have a ledger.
func (e *Engine) Appeal(ctx context.Context, userID, actionName string) (*AppealResult, error) {
	return e.prescribe(ctx, userID, actionName, true)
}

// CreatePlan prescribes an atonement plan for a demerit action without
// recording an appeal.
func (e *Engine) CreatePlan(ctx context.Context, userID, actionName string) (*AppealResult, error) {
	return e.prescribe(ctx, userID, actionName, false)
}

func (e *Engine) prescribe(ctx context.Context, userID, actionName string, appeal bool) (*AppealResult, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	action, err := karma.ParseAction(actionName)
	if err != nil {
		return nil, invalidInput(userID, err)
	}
	sev, ok := e.policy.Classify(action)
	if !ok {
		return nil, invalidInput(userID, fmt.Errorf("%w: %s", karma.ErrNotDemerit, action))
	}

	var res AppealResult
	_, err = e.mutate(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		plan, ap, err := e.openAtonement(userID, action, sev, now)
		if err != nil {
			return nil, err
		}
		res = AppealResult{Plan: plan}
		c := &store.Commit{Plans: []karma.Plan{*plan}}
		if appeal {
			res.Appeal = ap
			c.Appeals = []karma.Appeal{*ap}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Atonements.WithLabelValues("opened", string(sev)).Inc()
	e.logger.Info("atonement plan opened",
		"user_id", userID,
		"plan_id", res.Plan.ID,
		"action", action.String(),
		"severity", sev,
	)
	return &res, nil
}

func (e *Engine) openAtonement(userID string, a karma.Action, sev karma.Severity, now time.Time) (*karma.Plan, *karma.Appeal, error) {
	plan, err := karma.NewPlan(e.ids.Generate(), userID, a, sev, e.policy, now)
	if err != nil {
		return nil, nil, err
	}
	appeal := &karma.Appeal{
		ID:        e.ids.Generate(),
		UserID:    userID,
		Action:    a,
		Severity:  sev,
		PlanID:    plan.ID,
		Status:    karma.PlanPending,
		CreatedAt: now,
	}
	return plan, appeal, nil
}

// AtonementResult is the outcome of SubmitAtonement.
type AtonementResult struct {
	Plan *karma.Plan
	// Completed is true only for the submission that completed the plan.
	Completed bool
	// Reduction is the demerit actually removed on completion.
	Reduction   float64
	Transaction *karma.Transaction
	Role        string
	Step        karma.StepResult
	// Decay is the pass applied before the submission was recorded.
	Decay karma.DecayReport
}

// SubmitAtonement records remediation work against a plan. The ledger is
// decayed to now first. The submission that satisfies every requirement
// completes the plan and removes the severity's reduction from the demerit
// balance, never below zero. A
// completed plan rejects further submissions, so demerit is only ever
// reduced once per plan.
func (e *Engine) SubmitAtonement(ctx context.Context, req AtonementRequest) (*AtonementResult, error) {
	if err := checkRequest(req.UserID, &req); err != nil {
		return nil, err
	}
	userID, err := normalizeUser(req.UserID)
	if err != nil {
		return nil, err
	}
	kind, err := karma.ParseRemediation(req.Type)
	if err != nil {
		return nil, invalidInput(userID, err)
	}
	sub := karma.Submission{Type: kind, Amount: req.Amount, Proof: req.Proof, Ref: req.Ref}

	var (
		res    AtonementResult
		before map[karma.Path]float64
		role   string
	)
	_, err = e.mutate(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		plan, err := e.backend.LoadPlan(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		if plan.UserID != userID {
			return nil, fmt.Errorf("%w: %s", karma.ErrPlanNotFound, req.PlanID)
		}

		completed, err := plan.Submit(sub, e.policy, now)
		if err != nil {
			return nil, err
		}
		role = l.Role
		res = AtonementResult{Plan: plan, Completed: completed, Decay: karma.ApplyDecay(l, e.policy, now)}
		res.Role = l.Recompute(e.policy)
		c := &store.Commit{Plans: []karma.Plan{*plan}}
		if !completed {
			return c, nil
		}

		before = maps.Clone(l.Balances)
		res.Reduction = karma.CompleteAtonement(l, plan.Severity, e.policy, now)
		res.Role = l.Recompute(e.policy)
		tx := karma.Transaction{
			ID:     e.ids.Generate(),
			UserID: userID,
			Action: karma.TxAtonementCompleted,
			Path:   plan.Severity.PaapPath(),
			Value:  -res.Reduction,
			Tier:   karma.TierAtonement,
			Metadata: map[string]string{
				"plan_id":  plan.ID,
				"severity": string(plan.Severity),
				"action":   plan.Action.String(),
			},
			At: now,
		}
		res.Transaction = &tx
		c.Transactions = []karma.Transaction{tx}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Completed {
		e.logger.Debug("atonement progress recorded",
			"user_id", userID,
			"plan_id", res.Plan.ID,
			"type", kind,
			"amount", req.Amount,
		)
		return &res, nil
	}

	res.Step = e.updater.AtonementStep(ctx, role, res.Plan.Severity, before, res.Plan.CompletedAt)
	e.metrics.Atonements.WithLabelValues("completed", string(res.Plan.Severity)).Inc()
	e.noteRole(userID, role, res.Role)
	e.logger.Info("atonement completed",
		"user_id", userID,
		"plan_id", res.Plan.ID,
		"severity", res.Plan.Severity,
		"reduction", res.Reduction,
	)
	return &res, nil
}

// ListPlans returns a user's plans in creation order, optionally filtered
// by status ("" for all).
func (e *Engine) ListPlans(ctx context.Context, userID string, status string) ([]karma.Plan, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	st := karma.PlanStatus(status)
	switch st {
	case "", karma.PlanPending, karma.PlanCompleted:
	default:
		return nil, invalidInput(userID, fmt.Errorf("unknown plan status %q", status))
	}
	if _, err := e.backend.LoadLedger(ctx, userID); err != nil {
		return nil, classify(userID, err)
	}
	plans, err := e.backend.ListPlans(ctx, userID, st)
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", userID, err)
	}
	return plans, nil
}

// ListAppeals returns a user's appeals in creation order. Each appeal
// reports the current status of its plan.
func (e *Engine) ListAppeals(ctx context.Context, userID string) ([]karma.Appeal, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	if _, err := e.backend.LoadLedger(ctx, userID); err != nil {
		return nil, classify(userID, err)
	}
	appeals, err := e.backend.ListAppeals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list appeals %s: %w", userID, err)
	}
	plans, err := e.backend.ListPlans(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", userID, err)
	}
	status := make(map[string]karma.PlanStatus, len(plans))
	for _, p := range plans {
		status[p.ID] = p.Status
	}
	for i := range appeals {
		if st, ok := status[appeals[i].PlanID]; ok {
			appeals[i].Status = st
		}
	}
	return appeals, nil
}

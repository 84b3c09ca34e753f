package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// RedeemResult is the outcome of Redeem.
type RedeemResult struct {
	Transaction  karma.Transaction
	Remaining    float64
	Decay        karma.DecayReport
	PreviousRole string
	Role         string
}

// Redeem spends amount from one balance. The ledger is decayed to now
// first, and the balance must cover the amount.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if err := checkRequest(req.UserID, &req); err != nil {
		return nil, err
	}
	userID, err := normalizeUser(req.UserID)
	if err != nil {
		return nil, err
	}
	path := karma.Path(req.Path)
	if !e.policy.KnownPath(path) {
		return nil, invalidInput(userID, fmt.Errorf("%w: %q", karma.ErrUnknownPath, req.Path))
	}

	var res RedeemResult
	_, err = e.mutate(ctx, userID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		res = RedeemResult{PreviousRole: l.Role, Decay: karma.ApplyDecay(l, e.policy, now)}
		balance := l.Balance(path)
		if !(req.Amount <= balance) {
			return nil, fmt.Errorf("%w: %s holds %v, asked for %v", karma.ErrInsufficientBalance, path, balance, req.Amount)
		}
		l.Credit(path, -req.Amount, now)
		res.Remaining = l.Balance(path)
		res.Role = l.Recompute(e.policy)
		res.Transaction = karma.Transaction{
			ID:       e.ids.Generate(),
			UserID:   userID,
			Action:   karma.TxRedeem,
			Path:     path,
			Value:    -req.Amount,
			Tier:     karma.TierRedeem,
			Note:     req.Note,
			Metadata: map[string]string{"remaining": formatFloat(res.Remaining)},
			At:       now,
		}
		return &store.Commit{Transactions: []karma.Transaction{res.Transaction}}, nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Redemptions.WithLabelValues(string(path)).Inc()
	e.noteRole(userID, res.PreviousRole, res.Role)
	e.logger.Info("balance redeemed",
		"user_id", userID,
		"path", path,
		"amount", req.Amount,
		"remaining", res.Remaining,
	)
	return &res, nil
}

// DebtResult is the outcome of CreateDebt and RepayDebt.
type DebtResult struct {
	Debt        karma.Debt
	Transaction karma.Transaction
	Ledger      *karma.Ledger
}

// CreateDebt opens a debt and adds its amount to the debtor's
// Rnanubandhan balance for the debt's severity. Both users must exist.
func (e *Engine) CreateDebt(ctx context.Context, req DebtRequest) (*DebtResult, error) {
	if err := checkRequest(req.DebtorID, &req); err != nil {
		return nil, err
	}
	debtorID, err := normalizeUser(req.DebtorID)
	if err != nil {
		return nil, err
	}
	receiverID, err := normalizeUser(req.ReceiverID)
	if err != nil {
		return nil, err
	}
	if debtorID == receiverID {
		return nil, invalidInput(debtorID, fmt.Errorf("%w: %s", karma.ErrSelfDebt, debtorID))
	}
	sev, err := karma.ParseDebtSeverity(req.Severity)
	if err != nil {
		return nil, invalidInput(debtorID, err)
	}
	if _, err := e.backend.LoadLedger(ctx, receiverID); err != nil {
		return nil, classify(receiverID, err)
	}

	var res DebtResult
	l, err := e.mutate(ctx, debtorID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		karma.ApplyDecay(l, e.policy, now)
		d, err := karma.NewDebt(e.ids.Generate(), debtorID, receiverID, req.Action, sev, req.Amount, req.Description, now)
		if err != nil {
			return nil, err
		}
		l.Credit(sev.Path(), d.Amount, now)
		l.Recompute(e.policy)
		res = DebtResult{Debt: d, Transaction: debtTx(e.ids.Generate(), debtorID, karma.TxDebtCreated, d, d.Amount, now)}
		res.Transaction.Metadata["receiver_id"] = receiverID
		return &store.Commit{Transactions: []karma.Transaction{res.Transaction}, Debts: []karma.Debt{d}}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Ledger = l

	e.metrics.Debts.WithLabelValues("created", string(sev)).Inc()
	e.logger.Info("debt created",
		"debt_id", res.Debt.ID,
		"debtor_id", debtorID,
		"receiver_id", receiverID,
		"severity", sev,
		"amount", res.Debt.Amount,
	)
	return &res, nil
}

// RepayDebt records a payment against an active debt and removes the same
// amount from the debtor's Rnanubandhan balance, never taking it below zero.
func (e *Engine) RepayDebt(ctx context.Context, req RepayRequest) (*DebtResult, error) {
	if err := checkRequest("", &req); err != nil {
		return nil, err
	}
	d, err := e.backend.LoadDebt(ctx, req.DebtID)
	if err != nil {
		return nil, classify("", err)
	}
	debtorID := d.DebtorID

	var res DebtResult
	l, err := e.mutate(ctx, debtorID, false, func(l *karma.Ledger, now time.Time) (*store.Commit, error) {
		d, err := e.backend.LoadDebt(ctx, req.DebtID)
		if err != nil {
			return nil, err
		}
		karma.ApplyDecay(l, e.policy, now)
		if err := d.Repay(req.Amount, req.Method, now); err != nil {
			return nil, err
		}
		removed := debit(l, d.Severity.Path(), req.Amount, now)
		l.Recompute(e.policy)
		res = DebtResult{Debt: *d, Transaction: debtTx(e.ids.Generate(), debtorID, karma.TxDebtRepaid, *d, -removed, now)}
		res.Transaction.Metadata["method"] = d.Repayments[len(d.Repayments)-1].Method
		res.Transaction.Metadata["outstanding"] = formatFloat(d.Amount)
		return &store.Commit{Transactions: []karma.Transaction{res.Transaction}, Debts: []karma.Debt{*d}}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Ledger = l

	e.metrics.Debts.WithLabelValues("repaid", string(res.Debt.Severity)).Inc()
	e.logger.Info("debt repaid",
		"debt_id", res.Debt.ID,
		"debtor_id", debtorID,
		"amount", req.Amount,
		"outstanding", res.Debt.Amount,
		"status", res.Debt.Status,
	)
	return &res, nil
}

// TransferResult is the outcome of TransferDebt.
type TransferResult struct {
	// Previous is the original debt, now transferred.
	Previous karma.Debt
	// Debt is the successor owed by the new debtor.
	Debt         karma.Debt
	Transactions []karma.Transaction
}

// TransferDebt hands the outstanding amount of an active debt to a new
// debtor. Both ledgers and both debt records are written in one commit.
func (e *Engine) TransferDebt(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := checkRequest(req.NewDebtorID, &req); err != nil {
		return nil, err
	}
	newDebtorID, err := normalizeUser(req.NewDebtorID)
	if err != nil {
		return nil, err
	}
	d, err := e.backend.LoadDebt(ctx, req.DebtID)
	if err != nil {
		return nil, classify(newDebtorID, err)
	}
	fromID := d.DebtorID
	if fromID == newDebtorID {
		return nil, invalidInput(newDebtorID, fmt.Errorf("%w: %s already owes %s", karma.ErrSelfDebt, newDebtorID, d.ID))
	}

	// Lock in a fixed order so two opposite transfers cannot deadlock.
	users := []string{fromID, newDebtorID}
	slices.Sort(users)
	for _, u := range users {
		unlock := e.locks.lock(u)
		defer unlock()
	}

	var (
		res     TransferResult
		lastErr error
	)
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		c, err := e.transferOnce(ctx, req.DebtID, fromID, newDebtorID, &res)
		if err != nil {
			return nil, classify(newDebtorID, err)
		}
		err = e.backend.Commit(ctx, *c)
		if err == nil {
			lastErr = nil
			break
		}
		if !errors.Is(err, karma.ErrStaleLedger) {
			return nil, fmt.Errorf("commit debt transfer %s: %w", req.DebtID, err)
		}
		lastErr = err
		e.metrics.Retries.Inc()
		e.logger.Debug("ledger changed during transfer, retrying",
			"debt_id", req.DebtID,
			"attempt", attempt,
		)
	}
	if lastErr != nil {
		return nil, conflict(fromID, e.maxAttempts, lastErr)
	}

	e.metrics.Debts.WithLabelValues("transferred", string(res.Debt.Severity)).Inc()
	e.logger.Info("debt transferred",
		"debt_id", res.Previous.ID,
		"successor_id", res.Debt.ID,
		"from", fromID,
		"to", newDebtorID,
		"amount", res.Debt.Amount,
	)
	return &res, nil
}

// transferOnce builds the transfer commit from fresh reads.
func (e *Engine) transferOnce(ctx context.Context, debtID, fromID, toID string, res *TransferResult) (*store.Commit, error) {
	now := e.clock.Now()
	d, err := e.backend.LoadDebt(ctx, debtID)
	if err != nil {
		return nil, err
	}
	from, err := e.backend.LoadLedger(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := e.backend.LoadLedger(ctx, toID)
	if err != nil {
		return nil, err
	}

	next, err := d.Transfer(e.ids.Generate(), toID, now)
	if err != nil {
		return nil, err
	}
	path := d.Severity.Path()

	karma.ApplyDecay(from, e.policy, now)
	removed := debit(from, path, next.Amount, now)
	from.Recompute(e.policy)

	karma.ApplyDecay(to, e.policy, now)
	to.Credit(path, next.Amount, now)
	to.Recompute(e.policy)

	out := debtTx(e.ids.Generate(), fromID, karma.TxDebtTransferredOut, *d, -removed, now)
	out.Metadata["successor_id"] = next.ID
	out.Metadata["new_debtor_id"] = toID
	in := debtTx(e.ids.Generate(), toID, karma.TxDebtTransferredIn, next, next.Amount, now)
	in.Metadata["previous_debtor_id"] = fromID

	*res = TransferResult{Previous: *d, Debt: next, Transactions: []karma.Transaction{out, in}}
	return &store.Commit{
		Ledger:       from,
		Peers:        []*karma.Ledger{to},
		Transactions: res.Transactions,
		Debts:        []karma.Debt{*d, next},
	}, nil
}

// ListDebts returns the debts a user owes (SideDebtor) or is owed
// (SideReceiver), optionally filtered by status.
func (e *Engine) ListDebts(ctx context.Context, userID string, side store.DebtSide, status string) ([]karma.Debt, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	if side != store.SideDebtor && side != store.SideReceiver {
		return nil, invalidInput(userID, fmt.Errorf("unknown debt side %q", side))
	}
	st, err := karma.ParseDebtStatus(status)
	if err != nil {
		return nil, invalidInput(userID, err)
	}
	if _, err := e.backend.LoadLedger(ctx, userID); err != nil {
		return nil, classify(userID, err)
	}
	debts, err := e.backend.ListDebts(ctx, userID, side, st)
	if err != nil {
		return nil, fmt.Errorf("list debts %s: %w", userID, err)
	}
	return debts, nil
}

// DebtSummary folds a user's active debts in both directions.
func (e *Engine) DebtSummary(ctx context.Context, userID string) (*karma.DebtSummary, error) {
	owed, err := e.ListDebts(ctx, userID, store.SideDebtor, string(karma.DebtActive))
	if err != nil {
		return nil, err
	}
	userID, _ = normalizeUser(userID)
	owing, err := e.backend.ListDebts(ctx, userID, store.SideReceiver, karma.DebtActive)
	if err != nil {
		return nil, fmt.Errorf("list debts %s: %w", userID, err)
	}
	s := karma.SummarizeDebts(userID, owed, owing)
	return &s, nil
}

// debit removes up to amount from path without taking it below zero and
// returns what was removed. Decay may already have shrunk the balance.
func debit(l *karma.Ledger, path karma.Path, amount float64, now time.Time) float64 {
	removed := math.Min(amount, math.Max(l.Balance(path), 0))
	if removed > 0 {
		l.Credit(path, -removed, now)
	}
	return removed
}

func debtTx(id, userID, action string, d karma.Debt, value float64, now time.Time) karma.Transaction {
	return karma.Transaction{
		ID:     id,
		UserID: userID,
		Action: action,
		Path:   d.Severity.Path(),
		Value:  value,
		Tier:   karma.TierDebt,
		Note:   d.Description,
		Metadata: map[string]string{
			"debt_id":  d.ID,
			"severity": string(d.Severity),
		},
		At: now,
	}
}

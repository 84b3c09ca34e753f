package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/karmaledger/internal/karma"
)

// LoadLedger reads a ledger with its balances and metadata.
func (s *Store) LoadLedger(ctx context.Context, userID string) (*karma.Ledger, error) {
	var (
		l            karma.Ledger
		lastDecay    sql.NullInt64
		createdAt    sql.NullInt64
		offensesJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, role, last_decay, offenses, rebirth_count, created_at, version
		FROM users WHERE user_id = ?
	`, userID).Scan(&l.UserID, &l.Role, &lastDecay, &offensesJSON, &l.RebirthCount, &createdAt, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", karma.ErrLedgerNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", userID, err)
	}
	l.LastDecay = fromNanos(lastDecay)
	l.CreatedAt = fromNanos(createdAt)

	var offenses []offenseRow
	if err := unmarshalJSON("offenses", offensesJSON, &offenses); err != nil {
		return nil, err
	}
	l.Offenses = make([]karma.Offense, 0, len(offenses))
	for _, o := range offenses {
		l.Offenses = append(l.Offenses, karma.Offense{
			At:    fromNanos(sql.NullInt64{Int64: o.At, Valid: true}),
			Level: o.Level,
			Value: o.Value,
		})
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, amount, created_at, last_update
		FROM balances WHERE user_id = ?
		ORDER BY path ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load balances %s: %w", userID, err)
	}
	defer rows.Close()

	l.Balances = make(map[karma.Path]float64)
	l.Meta = make(map[karma.Path]karma.TokenMeta)
	for rows.Next() {
		var (
			path              string
			amount            float64
			created, lastUpdt sql.NullInt64
		)
		if err := rows.Scan(&path, &amount, &created, &lastUpdt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		p := karma.Path(path)
		l.Balances[p] = amount
		if created.Valid || lastUpdt.Valid {
			l.Meta[p] = karma.TokenMeta{CreatedAt: fromNanos(created), LastUpdate: fromNanos(lastUpdt)}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return &l, nil
}

const planColumns = `id, user_id, action, severity, requirements, progress, proofs, status, created_at, completed_at`

// LoadPlan reads one atonement plan.
func (s *Store) LoadPlan(ctx context.Context, planID string) (*karma.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM atonement_plans WHERE id = ?`, planID)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", karma.ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns a user's plans in creation order. An empty status
// matches every plan.
func (s *Store) ListPlans(ctx context.Context, userID string, status karma.PlanStatus) ([]karma.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM atonement_plans
		WHERE user_id = ? AND (? = '' OR status = ?)
		ORDER BY seq ASC
	`, userID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", userID, err)
	}
	defer rows.Close()

	plans := []karma.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (karma.Plan, error) {
	var (
		p                          karma.Plan
		action, severity, status   string
		reqs, progress, proofsJSON string
		createdAt                  int64
		completedAt                sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.UserID, &action, &severity, &reqs, &progress, &proofsJSON,
		&status, &createdAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return karma.Plan{}, err
		}
		return karma.Plan{}, fmt.Errorf("scan plan: %w", err)
	}

	a, err := karma.ParseAction(action)
	if err != nil {
		return karma.Plan{}, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	p.Action = a
	p.Severity = karma.Severity(severity)
	p.Status = karma.PlanStatus(status)
	p.CreatedAt = fromNanos(sql.NullInt64{Int64: createdAt, Valid: true})
	p.CompletedAt = fromNanos(completedAt)

	p.Requirements = map[karma.Remediation]float64{}
	p.Progress = map[karma.Remediation]float64{}
	if err := unmarshalJSON("plan requirements", reqs, &p.Requirements); err != nil {
		return karma.Plan{}, err
	}
	if err := unmarshalJSON("plan progress", progress, &p.Progress); err != nil {
		return karma.Plan{}, err
	}

	var proofs []proofRow
	if err := unmarshalJSON("plan proofs", proofsJSON, &proofs); err != nil {
		return karma.Plan{}, err
	}
	p.Proofs = make([]karma.Proof, 0, len(proofs))
	for _, pr := range proofs {
		p.Proofs = append(p.Proofs, karma.Proof{
			Type:        pr.Type,
			Amount:      pr.Amount,
			Text:        pr.Text,
			Ref:         pr.Ref,
			SubmittedAt: fromNanos(sql.NullInt64{Int64: pr.SubmittedAt, Valid: true}),
		})
	}
	return p, nil
}

// ListAppeals returns a user's appeals in the order they were filed.
func (s *Store) ListAppeals(ctx context.Context, userID string) ([]karma.Appeal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, severity, plan_id, status, created_at
		FROM appeals WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list appeals %s: %w", userID, err)
	}
	defer rows.Close()

	appeals := []karma.Appeal{}
	for rows.Next() {
		var (
			a                        karma.Appeal
			action, severity, status string
			createdAt                int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &action, &severity, &a.PlanID, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan appeal: %w", err)
		}
		if a.Action, err = karma.ParseAction(action); err != nil {
			return nil, fmt.Errorf("appeal %s: %w", a.ID, err)
		}
		a.Severity = karma.Severity(severity)
		a.Status = karma.PlanStatus(status)
		a.CreatedAt = fromNanos(sql.NullInt64{Int64: createdAt, Valid: true})
		appeals = append(appeals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appeals: %w", err)
	}
	return appeals, nil
}

// ListTransactions returns the most recent limit transactions for a user,
// oldest first. A limit of zero or less returns the full history.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]karma.Transaction, error) {
	query := `
		SELECT id, user_id, action, path, value, intent, tier, context, note, metadata, at
		FROM (
			SELECT seq, id, user_id, action, path, value, intent, tier, context, note, metadata, at
			FROM transactions WHERE user_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	txs := []karma.Transaction{}
	for rows.Next() {
		var (
			t                        karma.Transaction
			path, intent, tier, meta string
			at                       int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Action, &path, &t.Value, &intent, &tier,
			&t.Context, &t.Note, &meta, &at); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Path = karma.Path(path)
		t.Intent = karma.Intent(intent)
		t.Tier = karma.Tier(tier)
		t.At = fromNanos(sql.NullInt64{Int64: at, Valid: true})
		t.Metadata = map[string]string{}
		if err := unmarshalJSON("transaction metadata", meta, &t.Metadata); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// ListRebirths returns a user's rebirth records, earliest first.
func (s *Store) ListRebirths(ctx context.Context, userID string) ([]karma.RebirthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record FROM rebirths WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rebirths %s: %w", userID, err)
	}
	defer rows.Close()

	records := []karma.RebirthRecord{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan rebirth: %w", err)
		}
		rec, err := karma.DecodeRebirthRecord(id, []byte(doc))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rebirths: %w", err)
	}
	return records, nil
}

const debtColumns = `id, debtor_id, receiver_id, action, severity, amount, original, description,
	status, repayments, transferred_to, created_at, updated_at`

// LoadDebt reads one debt.
func (s *Store) LoadDebt(ctx context.Context, debtID string) (*karma.Debt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+debtColumns+` FROM debts WHERE id = ?`, debtID)
	d, err := scanDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", karma.ErrDebtNotFound, debtID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDebts returns the debts where userID is the given party, in creation
// order. An empty status matches every debt.
func (s *Store) ListDebts(ctx context.Context, userID string, side DebtSide, status karma.DebtStatus) ([]karma.Debt, error) {
	column := "debtor_id"
	switch side {
	case SideDebtor:
	case SideReceiver:
		column = "receiver_id"
	default:
		return nil, fmt.Errorf("list debts %s: unknown side %q", userID, side)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+debtColumns+` FROM debts
		WHERE `+column+` = ? AND (? = '' OR status = ?)
		ORDER BY seq ASC
	`, userID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list debts %s: %w", userID, err)
	}
	defer rows.Close()

	debts := []karma.Debt{}
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		debts = append(debts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debts: %w", err)
	}
	return debts, nil
}

func scanDebt(row scanner) (karma.Debt, error) {
	var (
		d                    karma.Debt
		severity, status     string
		repaymentsJSON       string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.DebtorID, &d.ReceiverID, &d.Action, &severity, &d.Amount, &d.Original,
		&d.Description, &status, &repaymentsJSON, &d.TransferredTo, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return karma.Debt{}, err
		}
		return karma.Debt{}, fmt.Errorf("scan debt: %w", err)
	}
	d.Severity = karma.DebtSeverity(severity)
	d.Status = karma.DebtStatus(status)
	d.CreatedAt = fromNanos(sql.NullInt64{Int64: createdAt, Valid: true})
	d.UpdatedAt = fromNanos(sql.NullInt64{Int64: updatedAt, Valid: true})

	var repayments []repaymentRow
	if err := unmarshalJSON("debt repayments", repaymentsJSON, &repayments); err != nil {
		return karma.Debt{}, err
	}
	d.Repayments = make([]karma.Repayment, 0, len(repayments))
	for _, r := range repayments {
		d.Repayments = append(d.Repayments, karma.Repayment{
			Amount: r.Amount,
			Method: r.Method,
			At:     fromNanos(sql.NullInt64{Int64: r.At, Valid: true}),
		})
	}
	return d, nil
}

// LoadValueTable returns the saved table, or nil when none exists.
func (s *Store) LoadValueTable(ctx context.Context) (*karma.ValueTable, error) {
	var (
		roles, actions, q string
		updatedAt         sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT roles, actions, q, updated_at FROM value_table WHERE id = 1
	`).Scan(&roles, &actions, &q, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load value table: %w", err)
	}

	t := &karma.ValueTable{UpdatedAt: fromNanos(updatedAt)}
	if err := unmarshalJSON("value table roles", roles, &t.Roles); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("value table actions", actions, &t.Actions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("value table", q, &t.Q); err != nil {
		return nil, err
	}
	return t, nil
}

// Stats counts records across every table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM atonement_plans WHERE status = 'pending'),
			(SELECT COUNT(*) FROM atonement_plans WHERE status = 'completed'),
			(SELECT COUNT(*) FROM appeals),
			(SELECT COUNT(*) FROM rebirths),
			(SELECT COUNT(*) FROM debts WHERE status = 'active')
	`).Scan(&st.Users, &st.Transactions, &st.PendingPlans, &st.CompletedPlans, &st.Appeals, &st.Rebirths,
		&st.ActiveDebts)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

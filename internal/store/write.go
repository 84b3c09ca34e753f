package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/karmaledger/internal/canon"
	"github.com/roach88/karmaledger/internal/karma"
)

type offenseRow struct {
	At    int64   `json:"at"`
	Level int     `json:"level"`
	Value float64 `json:"value"`
}

type proofRow struct {
	Type        karma.Remediation `json:"type"`
	Amount      float64           `json:"amount"`
	Text        string            `json:"text,omitempty"`
	Ref         string            `json:"ref,omitempty"`
	SubmittedAt int64             `json:"submitted_at"`
}

// Commit writes the ledger, its events and plan changes in one transaction.
// The ledger row is compare-and-set on version; see Backend.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	if c.Ledger == nil {
		return fmt.Errorf("commit: ledger is required")
	}
	l := c.Ledger

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ledgers := append([]*karma.Ledger{l}, c.Peers...)
	versions := make([]int64, len(ledgers))
	for i, lg := range ledgers {
		if lg == nil {
			return fmt.Errorf("commit: peer ledger %d is nil", i)
		}
		next, err := writeUser(ctx, tx, lg)
		if err != nil {
			return err
		}
		if err := writeBalances(ctx, tx, lg); err != nil {
			return err
		}
		versions[i] = next
	}
	for _, t := range c.Transactions {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, p := range c.Plans {
		if err := upsertPlan(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, a := range c.Appeals {
		if err := insertAppeal(ctx, tx, a); err != nil {
			return err
		}
	}
	if c.Rebirth != nil {
		if err := insertRebirth(ctx, tx, *c.Rebirth); err != nil {
			return err
		}
	}
	for _, d := range c.Debts {
		if err := upsertDebt(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for i, lg := range ledgers {
		lg.Version = versions[i]
	}
	return nil
}

// writeUser inserts or compare-and-sets the users row and returns the new
// version.
func writeUser(ctx context.Context, tx *sql.Tx, l *karma.Ledger) (int64, error) {
	offenses := make([]offenseRow, 0, len(l.Offenses))
	for _, o := range l.Offenses {
		offenses = append(offenses, offenseRow{At: o.At.UnixNano(), Level: o.Level, Value: o.Value})
	}
	offensesJSON, err := marshalJSON("offenses", offenses)
	if err != nil {
		return 0, err
	}

	if l.Version == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (user_id, role, last_decay, offenses, rebirth_count, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(user_id) DO NOTHING
		`, l.UserID, l.Role, nanos(l.LastDecay), offensesJSON, l.RebirthCount, nanos(l.CreatedAt))
		if err != nil {
			return 0, fmt.Errorf("insert user %s: %w", l.UserID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("%w: user %s already exists", karma.ErrStaleLedger, l.UserID)
		}
		return 1, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET role = ?, last_decay = ?, offenses = ?, rebirth_count = ?, version = version + 1
		WHERE user_id = ? AND version = ?
	`, l.Role, nanos(l.LastDecay), offensesJSON, l.RebirthCount, l.UserID, l.Version)
	if err != nil {
		return 0, fmt.Errorf("update user %s: %w", l.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: user %s changed since version %d", karma.ErrStaleLedger, l.UserID, l.Version)
	}
	return l.Version + 1, nil
}

// writeBalances replaces the user's balance rows. A path is stored when it
// has a balance or metadata.
func writeBalances(ctx context.Context, tx *sql.Tx, l *karma.Ledger) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE user_id = ?`, l.UserID); err != nil {
		return fmt.Errorf("clear balances %s: %w", l.UserID, err)
	}

	paths := make([]karma.Path, 0, len(l.Balances)+len(l.Meta))
	for p := range l.Balances {
		paths = append(paths, p)
	}
	for p := range l.Meta {
		if _, ok := l.Balances[p]; !ok {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)

	for _, p := range paths {
		meta := l.Meta[p]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (user_id, path, amount, created_at, last_update)
			VALUES (?, ?, ?, ?, ?)
		`, l.UserID, string(p), l.Balances[p], nanos(meta.CreatedAt), nanos(meta.LastUpdate))
		if err != nil {
			return fmt.Errorf("write balance %s/%s: %w", l.UserID, p, err)
		}
	}
	return nil
}

// insertTransaction is idempotent on id.
func insertTransaction(ctx context.Context, tx *sql.Tx, t karma.Transaction) error {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := marshalJSON("transaction metadata", metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, action, path, value, intent, tier, context, note, metadata, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.UserID, t.Action, string(t.Path), t.Value, string(t.Intent), string(t.Tier),
		t.Context, t.Note, metaJSON, t.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

func upsertPlan(ctx context.Context, tx *sql.Tx, p karma.Plan) error {
	reqs, err := marshalJSON("plan requirements", p.Requirements)
	if err != nil {
		return err
	}
	progress, err := marshalJSON("plan progress", p.Progress)
	if err != nil {
		return err
	}
	proofs := make([]proofRow, 0, len(p.Proofs))
	for _, pr := range p.Proofs {
		proofs = append(proofs, proofRow{
			Type:        pr.Type,
			Amount:      pr.Amount,
			Text:        pr.Text,
			Ref:         pr.Ref,
			SubmittedAt: pr.SubmittedAt.UnixNano(),
		})
	}
	proofsJSON, err := marshalJSON("plan proofs", proofs)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO atonement_plans
			(id, user_id, action, severity, requirements, progress, proofs, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			progress = excluded.progress,
			proofs = excluded.proofs,
			status = excluded.status,
			completed_at = excluded.completed_at
	`, p.ID, p.UserID, p.Action.String(), string(p.Severity), reqs, progress, proofsJSON,
		string(p.Status), p.CreatedAt.UnixNano(), nanos(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("write plan %s: %w", p.ID, err)
	}
	return nil
}

func insertAppeal(ctx context.Context, tx *sql.Tx, a karma.Appeal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO appeals (id, user_id, action, severity, plan_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, a.UserID, a.Action.String(), string(a.Severity), a.PlanID, string(a.Status), a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert appeal %s: %w", a.ID, err)
	}
	return nil
}

// insertRebirth stores the canonical document. Records are content
// addressed, so writing the same record twice is a no-op.
func insertRebirth(ctx context.Context, tx *sql.Tx, r karma.RebirthRecord) error {
	doc, err := canon.Marshal(r.Document())
	if err != nil {
		return fmt.Errorf("canonicalize rebirth %s: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rebirths (id, user_id, realm, record, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.UserID, r.Realm, string(doc), r.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert rebirth %s: %w", r.ID, err)
	}
	return nil
}

type repaymentRow struct {
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
	At     int64   `json:"at"`
}

func upsertDebt(ctx context.Context, tx *sql.Tx, d karma.Debt) error {
	repayments := make([]repaymentRow, 0, len(d.Repayments))
	for _, r := range d.Repayments {
		repayments = append(repayments, repaymentRow{Amount: r.Amount, Method: r.Method, At: r.At.UnixNano()})
	}
	repaymentsJSON, err := marshalJSON("debt repayments", repayments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO debts
			(id, debtor_id, receiver_id, action, severity, amount, original, description,
			 status, repayments, transferred_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			repayments = excluded.repayments,
			transferred_to = excluded.transferred_to,
			updated_at = excluded.updated_at
	`, d.ID, d.DebtorID, d.ReceiverID, d.Action, string(d.Severity), d.Amount, d.Original, d.Description,
		string(d.Status), repaymentsJSON, d.TransferredTo, d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("write debt %s: %w", d.ID, err)
	}
	return nil
}

// IncrementBalance adds delta to one balance in a single transaction. As
// with karma.Ledger.Credit, the age anchor is set the first time the
// balance becomes nonzero.
func (s *Store) IncrementBalance(ctx context.Context, userID string, path karma.Path, delta float64, at time.Time) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `UPDATE users SET version = version + 1 WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("bump version %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", karma.ErrLedgerNotFound, userID)
	}

	var anchor sql.NullInt64
	if delta != 0 {
		anchor = nanos(at)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, path, amount, created_at, last_update)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, path) DO UPDATE SET
			amount = amount + excluded.amount,
			created_at = CASE
				WHEN balances.created_at IS NULL AND balances.amount + excluded.amount != 0
				THEN excluded.last_update
				ELSE balances.created_at
			END,
			last_update = excluded.last_update
	`, userID, string(path), delta, anchor, nanos(at))
	if err != nil {
		return 0, fmt.Errorf("increment balance %s/%s: %w", userID, path, err)
	}

	var amount float64
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE user_id = ? AND path = ?
	`, userID, string(path)).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("read balance %s/%s: %w", userID, path, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return amount, nil
}

// SaveValueTable replaces the singleton value table.
func (s *Store) SaveValueTable(ctx context.Context, t *karma.ValueTable) error {
	if t == nil {
		return errors.New("save value table: table is nil")
	}
	roles, err := marshalJSON("value table roles", t.Roles)
	if err != nil {
		return err
	}
	actions, err := marshalJSON("value table actions", t.Actions)
	if err != nil {
		return err
	}
	q, err := marshalJSON("value table", t.Q)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO value_table (id, roles, actions, q, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			roles = excluded.roles,
			actions = excluded.actions,
			q = excluded.q,
			updated_at = excluded.updated_at
	`, roles, actions, q, nanos(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save value table: %w", err)
	}
	return nil
}

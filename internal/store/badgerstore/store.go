package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/karmaledger/internal/canon"
	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// LoadLedger reads a ledger. Unreadable balance fields are logged and read
// as zero.
func (s *Store) LoadLedger(ctx context.Context, userID string) (*karma.Ledger, error) {
	var l *karma.Ledger
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		l, err = s.getLedger(txn, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Store) getLedger(txn *badger.Txn, userID string) (*karma.Ledger, error) {
	data, err := getValue(txn, userKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", karma.ErrLedgerNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", userID, err)
	}
	l, issues, err := decodeLedger(data, s.policy)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", userID, err)
	}
	for _, issue := range issues {
		s.logger.Warn("ledger field unreadable, using zero",
			"user_id", userID,
			"field", issue.Field,
			"reason", issue.Reason)
	}
	return l, nil
}

// Commit writes c atomically. See store.Backend.
func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if c.Ledger == nil {
		return errors.New("commit: ledger is required")
	}
	ledgers := append([]*karma.Ledger{c.Ledger}, c.Peers...)
	for i, l := range ledgers {
		if l == nil {
			return fmt.Errorf("commit: peer ledger %d is nil", i)
		}
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, l := range ledgers {
			if err := s.putLedger(txn, l); err != nil {
				return err
			}
		}

		for _, t := range c.Transactions {
			if err := s.putTransaction(txn, t); err != nil {
				return err
			}
		}
		for _, p := range c.Plans {
			if err := s.putPlan(txn, p); err != nil {
				return err
			}
		}
		for _, a := range c.Appeals {
			if err := s.putAppeal(txn, a); err != nil {
				return err
			}
		}
		if c.Rebirth != nil {
			if err := s.putRebirth(txn, *c.Rebirth); err != nil {
				return err
			}
		}
		for _, d := range c.Debts {
			if err := s.putDebt(txn, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, l := range ledgers {
		l.Version++
	}
	return nil
}

// putLedger compare-and-sets one ledger document at l.Version+1.
func (s *Store) putLedger(txn *badger.Txn, l *karma.Ledger) error {
	current, err := s.currentVersion(txn, l.UserID)
	if err != nil {
		return err
	}
	if current != l.Version {
		if l.Version == 0 {
			return fmt.Errorf("%w: user %s already exists", karma.ErrStaleLedger, l.UserID)
		}
		return fmt.Errorf("%w: user %s changed since version %d", karma.ErrStaleLedger, l.UserID, l.Version)
	}
	data, err := encodeLedger(l, l.Version+1)
	if err != nil {
		return err
	}
	return txn.Set(userKey(l.UserID), data)
}

// currentVersion returns the stored version, or 0 when the user is absent.
func (s *Store) currentVersion(txn *badger.Txn, userID string) (int64, error) {
	data, err := getValue(txn, userKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", userID, err)
	}
	var doc struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("read version %s: %w", userID, err)
	}
	return doc.Version, nil
}

// nextSeq advances the global write counter.
func nextSeq(txn *badger.Txn) (uint64, error) {
	var n uint64
	data, err := getValue(txn, counterKey)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, fmt.Errorf("read counter: %w", err)
	default:
		n = binary.BigEndian.Uint64(data)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := txn.Set(counterKey, buf); err != nil {
		return 0, err
	}
	return n, nil
}

// claim marks id as written and reports whether it was new.
func claim(txn *badger.Txn, kind, id string) (bool, error) {
	key := idKey(kind, id)
	_, err := txn.Get(key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	return true, txn.Set(key, nil)
}

func (s *Store) putTransaction(txn *badger.Txn, t karma.Transaction) error {
	fresh, err := claim(txn, "tx", t.ID)
	if err != nil || !fresh {
		return err
	}
	seq, err := nextSeq(txn)
	if err != nil {
		return err
	}
	data, err := encode(fromTransaction(t))
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", t.ID, err)
	}
	return txn.Set(seqKey("tx", t.UserID, seq), data)
}

// putPlan inserts a plan or replaces an existing one in place, keeping its
// position in the user's plan order.
func (s *Store) putPlan(txn *badger.Txn, p karma.Plan) error {
	var seq uint64
	existing, err := getValue(txn, planKey(p.ID))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		if seq, err = nextSeq(txn); err != nil {
			return err
		}
		if err := txn.Set(seqKey("pidx", p.UserID, seq), []byte(p.ID)); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read plan %s: %w", p.ID, err)
	default:
		old, oldSeq, err := decodePlan(existing)
		if err != nil {
			return err
		}
		// Identity fields are immutable once written.
		p.UserID, p.Action, p.Severity = old.UserID, old.Action, old.Severity
		p.Requirements, p.CreatedAt = old.Requirements, old.CreatedAt
		seq = oldSeq
	}
	data, err := encodePlan(p, seq)
	if err != nil {
		return err
	}
	return txn.Set(planKey(p.ID), data)
}

func (s *Store) putAppeal(txn *badger.Txn, a karma.Appeal) error {
	fresh, err := claim(txn, "ap", a.ID)
	if err != nil || !fresh {
		return err
	}
	seq, err := nextSeq(txn)
	if err != nil {
		return err
	}
	data, err := encode(appealDoc{
		ID:        a.ID,
		UserID:    a.UserID,
		Action:    a.Action,
		Severity:  a.Severity,
		PlanID:    a.PlanID,
		Status:    a.Status,
		CreatedAt: a.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode appeal %s: %w", a.ID, err)
	}
	return txn.Set(seqKey("ap", a.UserID, seq), data)
}

func (s *Store) putRebirth(txn *badger.Txn, r karma.RebirthRecord) error {
	fresh, err := claim(txn, "rb", r.ID)
	if err != nil || !fresh {
		return err
	}
	seq, err := nextSeq(txn)
	if err != nil {
		return err
	}
	record, err := canon.Marshal(r.Document())
	if err != nil {
		return fmt.Errorf("canonicalize rebirth %s: %w", r.ID, err)
	}
	data, err := encode(rebirthDoc{ID: r.ID, Record: record})
	if err != nil {
		return fmt.Errorf("encode rebirth %s: %w", r.ID, err)
	}
	return txn.Set(seqKey("rb", r.UserID, seq), data)
}

// putDebt inserts a debt or replaces an existing one in place, keeping its
// position in both parties' debt order.
func (s *Store) putDebt(txn *badger.Txn, d karma.Debt) error {
	var seq uint64
	existing, err := getValue(txn, debtKey(d.ID))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		if seq, err = nextSeq(txn); err != nil {
			return err
		}
		if err := txn.Set(seqKey("dd", d.DebtorID, seq), []byte(d.ID)); err != nil {
			return err
		}
		if err := txn.Set(seqKey("dr", d.ReceiverID, seq), []byte(d.ID)); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read debt %s: %w", d.ID, err)
	default:
		old, oldSeq, err := decodeDebt(existing)
		if err != nil {
			return err
		}
		d.DebtorID, d.ReceiverID, d.Action, d.Severity = old.DebtorID, old.ReceiverID, old.Action, old.Severity
		d.Original, d.Description, d.CreatedAt = old.Original, old.Description, old.CreatedAt
		seq = oldSeq
	}
	data, err := encodeDebt(d, seq)
	if err != nil {
		return err
	}
	return txn.Set(debtKey(d.ID), data)
}

// IncrementBalance adds delta to one balance and advances the version.
func (s *Store) IncrementBalance(ctx context.Context, userID string, path karma.Path, delta float64, at time.Time) (float64, error) {
	var amount float64
	err := s.update(ctx, func(txn *badger.Txn) error {
		l, err := s.getLedger(txn, userID)
		if err != nil {
			return err
		}
		l.Credit(path, delta, at)
		amount = l.Balance(path)

		data, err := encodeLedger(l, l.Version+1)
		if err != nil {
			return err
		}
		return txn.Set(userKey(userID), data)
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// LoadPlan reads one atonement plan.
func (s *Store) LoadPlan(ctx context.Context, planID string) (*karma.Plan, error) {
	var plan karma.Plan
	err := s.view(ctx, func(txn *badger.Txn) error {
		data, err := getValue(txn, planKey(planID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", karma.ErrPlanNotFound, planID)
		}
		if err != nil {
			return fmt.Errorf("load plan %s: %w", planID, err)
		}
		plan, _, err = decodePlan(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlans returns a user's plans in creation order. An empty status
// matches every plan.
func (s *Store) ListPlans(ctx context.Context, userID string, status karma.PlanStatus) ([]karma.Plan, error) {
	plans := []karma.Plan{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, userPrefix("pidx", userID), func(v []byte) error {
			data, err := getValue(txn, planKey(string(v)))
			if err != nil {
				return fmt.Errorf("load plan %s: %w", v, err)
			}
			p, _, err := decodePlan(data)
			if err != nil {
				return err
			}
			if status == "" || p.Status == status {
				plans = append(plans, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return plans, nil
}

// ListAppeals returns a user's appeals in the order they were filed.
func (s *Store) ListAppeals(ctx context.Context, userID string) ([]karma.Appeal, error) {
	appeals := []karma.Appeal{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, userPrefix("ap", userID), func(v []byte) error {
			var doc appealDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode appeal: %w", err)
			}
			appeals = append(appeals, karma.Appeal{
				ID:        doc.ID,
				UserID:    doc.UserID,
				Action:    doc.Action,
				Severity:  doc.Severity,
				PlanID:    doc.PlanID,
				Status:    doc.Status,
				CreatedAt: fromNanos(doc.CreatedAt),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return appeals, nil
}

// ListTransactions returns the most recent limit transactions, oldest
// first. A limit of zero or less returns the full history.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]karma.Transaction, error) {
	txs := []karma.Transaction{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, userPrefix("tx", userID), func(v []byte) error {
			var doc transactionDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode transaction: %w", err)
			}
			txs = append(txs, toTransaction(doc))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}
	return txs, nil
}

// ListRebirths returns a user's rebirth records, earliest first.
func (s *Store) ListRebirths(ctx context.Context, userID string) ([]karma.RebirthRecord, error) {
	records := []karma.RebirthRecord{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, userPrefix("rb", userID), func(v []byte) error {
			var doc rebirthDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode rebirth: %w", err)
			}
			rec, err := karma.DecodeRebirthRecord(doc.ID, doc.Record)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LoadDebt reads one debt.
func (s *Store) LoadDebt(ctx context.Context, debtID string) (*karma.Debt, error) {
	var d karma.Debt
	err := s.view(ctx, func(txn *badger.Txn) error {
		data, err := getValue(txn, debtKey(debtID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", karma.ErrDebtNotFound, debtID)
		}
		if err != nil {
			return fmt.Errorf("load debt %s: %w", debtID, err)
		}
		d, _, err = decodeDebt(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDebts returns the debts where userID is the given party, in creation
// order. An empty status matches every debt.
func (s *Store) ListDebts(ctx context.Context, userID string, side store.DebtSide, status karma.DebtStatus) ([]karma.Debt, error) {
	prefix := "dd"
	switch side {
	case store.SideDebtor:
	case store.SideReceiver:
		prefix = "dr"
	default:
		return nil, fmt.Errorf("list debts %s: unknown side %q", userID, side)
	}
	debts := []karma.Debt{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, userPrefix(prefix, userID), func(v []byte) error {
			data, err := getValue(txn, debtKey(string(v)))
			if err != nil {
				return fmt.Errorf("load debt %s: %w", v, err)
			}
			d, _, err := decodeDebt(data)
			if err != nil {
				return err
			}
			if status == "" || d.Status == status {
				debts = append(debts, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return debts, nil
}

// LoadValueTable returns the saved table, or nil when none exists.
func (s *Store) LoadValueTable(ctx context.Context) (*karma.ValueTable, error) {
	var t *karma.ValueTable
	err := s.view(ctx, func(txn *badger.Txn) error {
		data, err := getValue(txn, valueTableKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load value table: %w", err)
		}
		var doc valueTableDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode value table: %w", err)
		}
		t = &karma.ValueTable{
			Roles:     doc.Roles,
			Actions:   doc.Actions,
			Q:         doc.Q,
			UpdatedAt: fromNanos(doc.UpdatedAt),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SaveValueTable replaces the singleton value table.
func (s *Store) SaveValueTable(ctx context.Context, t *karma.ValueTable) error {
	if t == nil {
		return errors.New("save value table: table is nil")
	}
	data, err := encode(valueTableDoc{
		Roles:     t.Roles,
		Actions:   t.Actions,
		Q:         t.Q,
		UpdatedAt: toNanos(t.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("encode value table: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(valueTableKey, data)
	})
}

// Stats counts records by scanning key prefixes.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.view(ctx, func(txn *badger.Txn) error {
		st.Users = countPrefix(txn, usersPrefix)
		st.Transactions = countPrefix(txn, []byte("tx/"))
		st.Appeals = countPrefix(txn, []byte("ap/"))
		st.Rebirths = countPrefix(txn, []byte("rb/"))
		err := scanPrefix(txn, []byte("debt/"), func(v []byte) error {
			d, _, err := decodeDebt(v)
			if err != nil {
				return err
			}
			if d.Status == karma.DebtActive {
				st.ActiveDebts++
			}
			return nil
		})
		if err != nil {
			return err
		}
		return scanPrefix(txn, []byte("plan/"), func(v []byte) error {
			p, _, err := decodePlan(v)
			if err != nil {
				return err
			}
			switch p.Status {
			case karma.PlanPending:
				st.PendingPlans++
			case karma.PlanCompleted:
				st.CompletedPlans++
			}
			return nil
		})
	})
	if err != nil {
		return store.Stats{}, err
	}
	return st, nil
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// scanPrefix calls fn with each value under prefix in key order.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var n int64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

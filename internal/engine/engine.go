package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/karmaledger/internal/karma"
	"github.com/roach88/karmaledger/internal/store"
)

// DefaultMaxAttempts bounds how many times one operation re-reads and
// re-commits a ledger that keeps changing underneath it.
const DefaultMaxAttempts = 5

// Engine is the karma ledger service.
//
// Thread-safety model:
//   - every method is safe to call from any goroutine
//   - operations on the same user are serialized by a per-user lock
//   - every ledger write is compare-and-set on the ledger version, and a
//     conflicting write (another process, or an atomic balance increment)
//     makes the whole operation retry on a fresh read
//   - the value table is owned by a single Updater that serializes updates
type Engine struct {
	backend     store.Backend
	policy      karma.Policy
	clock       Clock
	ids         IDGenerator
	logger      *slog.Logger
	registerer  prometheus.Registerer
	metrics     *Metrics
	updater     *Updater
	locks       *userLocks
	maxAttempts int
	autoAppeal  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithRegisterer registers the engine's metrics on reg. By default metrics
// are kept but not registered anywhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithMaxAttempts sets how many times a conflicting commit is attempted.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithAutoAppeal makes LogAction open an atonement plan and appeal for every
// demerit-classified action.
func WithAutoAppeal(on bool) Option {
	return func(e *Engine) {
		e.autoAppeal = on
	}
}

// New creates an Engine over backend. The value table is loaded once here;
// an unreachable or mismatched stored table is replaced by an empty one.
func New(ctx context.Context, backend store.Backend, p karma.Policy, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		backend:     backend,
		policy:      p,
		clock:       SystemClock{},
		ids:         UUIDv7Generator{},
		logger:      slog.Default(),
		locks:       newUserLocks(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}

	e.logger = e.logger.With("component", "engine")
	e.metrics = NewMetrics(e.registerer)
	e.updater = NewUpdater(ctx, backend, p, e.logger, e.metrics)
	return e, nil
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() karma.Policy {
	return e.policy
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// ValueTable returns a copy of the current value table.
func (e *Engine) ValueTable() *karma.ValueTable {
	return e.updater.Snapshot()
}

// mutation turns a freshly read ledger into one commit. It is called again
// on a fresh read when the commit loses a version race, so it must derive
// everything from its arguments. A nil commit means there is nothing to
// write.
type mutation func(l *karma.Ledger, now time.Time) (*store.Commit, error)

// mutate runs fn under the user's lock.
func (e *Engine) mutate(ctx context.Context, userID string, create bool, fn mutation) (*karma.Ledger, error) {
	unlock := e.locks.lock(userID)
	defer unlock()
	return e.mutateLocked(ctx, userID, create, fn)
}

// mutateLocked is mutate for callers already holding the user's lock.
// With create set, a missing ledger starts empty instead of failing.
func (e *Engine) mutateLocked(ctx context.Context, userID string, create bool, fn mutation) (*karma.Ledger, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		now := e.clock.Now()

		l, err := e.backend.LoadLedger(ctx, userID)
		if errors.Is(err, karma.ErrLedgerNotFound) && create {
			l, err = karma.NewLedger(userID, e.policy, now), nil
		}
		if err != nil {
			return nil, classify(userID, err)
		}

		c, err := fn(l, now)
		if err != nil {
			return nil, classify(userID, err)
		}
		if c == nil {
			return l, nil
		}
		c.Ledger = l

		err = e.backend.Commit(ctx, *c)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, karma.ErrStaleLedger) {
			return nil, fmt.Errorf("commit ledger %s: %w", userID, err)
		}
		lastErr = err
		e.metrics.Retries.Inc()
		e.logger.Debug("ledger changed during operation, retrying",
			"user_id", userID,
			"attempt", attempt,
		)
	}
	return nil, conflict(userID, e.maxAttempts, lastErr)
}

func normalizeUser(id string) (string, error) {
	userID, err := karma.NormalizeUserID(id)
	if err != nil {
		return "", invalidInput(id, err)
	}
	return userID, nil
}

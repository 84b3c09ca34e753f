package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades a ledger database from version-1 to version.
// Statements must be safe to re-run against a fresh schema.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order; PRAGMA user_version records the last
// one applied.
var migrations = []migration{
	{
		version: 1,
		name:    "index transaction history by user",
		stmts:   []string{`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, seq)`},
	},
	{
		version: 2,
		name:    "index appeals by user",
		stmts:   []string{`CREATE INDEX IF NOT EXISTS idx_appeals_user ON appeals(user_id, seq)`},
	},
	{
		version: 3,
		name:    "index debts by party",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_debts_debtor ON debts(debtor_id, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_debts_receiver ON debts(receiver_id, seq)`,
		},
	},
}

var currentSchemaVersion = migrations[len(migrations)-1].version

// ledgerPragmas configure every connection. WAL keeps readers off the
// writer's lock; foreign keys guard balances against orphaned users.
var ledgerPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is the SQLite ledger backend.
type Store struct {
	db *sql.DB
}

var _ Backend = (*Store)(nil)

// Open creates or opens the ledger database at path (":memory:" for a
// private in-memory database), then applies pragmas, the schema and any
// pending migrations. Opening an up-to-date database changes nothing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect ledger database %s: %w", path, err)
	}

	// One connection: SQLite has a single writer, and every ledger commit
	// below becomes serializable. An in-memory database also lives only as
	// long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection pool, for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func prepare(db *sql.DB) error {
	for _, pragma := range ledgerPragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return migrate(db)
}

// migrate applies each pending migration in its own transaction, bumping
// user_version with it.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

// pragma reads a pragma's current value.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}

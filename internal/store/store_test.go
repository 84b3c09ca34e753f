package store

import (
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.DB().Exec(`INSERT INTO users (user_id, role, last_decay, offenses, rebirth_count, created_at, version)
		VALUES ('alice', 'learner', 0, '{}', 0, 0, 1)`)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var n int
	require.NoError(t, s2.DB().QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "ledger.db"))
	assert.Error(t, err)
}

func TestClose_Twice(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var zero Store
	assert.NoError(t, zero.Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.pragma(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchema_Tables(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		table   string
		columns []string
	}{
		{"users", []string{"user_id", "role", "last_decay", "offenses", "rebirth_count", "created_at", "version"}},
		{"balances", []string{"user_id", "path", "amount", "created_at", "last_update"}},
		{"transactions", []string{"seq", "id", "user_id", "action", "path", "value", "intent", "tier", "context", "note", "metadata", "at"}},
		{"atonement_plans", []string{"id", "user_id", "action", "severity", "requirements", "progress", "status", "created_at"}},
		{"appeals", []string{"seq", "id", "user_id", "action", "severity", "plan_id", "status", "created_at"}},
		{"rebirths", []string{"seq", "id", "user_id", "realm", "record", "at"}},
		{"debts", []string{"seq", "id", "debtor_id", "receiver_id", "severity", "amount", "original", "status", "repayments", "transferred_to"}},
		{"value_table", []string{"id", "roles", "actions", "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			columns := tableColumns(t, s.DB(), tt.table)
			require.NotEmpty(t, columns, "table %s missing", tt.table)
			assert.Subset(t, columns, tt.columns)
		})
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		table string
		index string
	}{
		{"transactions", "idx_transactions_user"},
		{"appeals", "idx_appeals_user"},
		{"atonement_plans", "idx_plans_user"},
		{"rebirths", "idx_rebirths_user"},
		{"debts", "idx_debts_debtor"},
		{"debts", "idx_debts_receiver"},
	}
	for _, tt := range tests {
		assert.Contains(t, tableIndexes(t, s.DB(), tt.table), tt.index)
	}
}

func TestMigrate_UpgradesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(path)
	require.NoError(t, err)
	// Roll the database back to a pre-index layout.
	_, err = s.DB().Exec(`DROP INDEX idx_appeals_user`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(currentSchemaVersion), version)
	assert.Contains(t, tableIndexes(t, s.DB(), "appeals"), "idx_appeals_user")
}

func TestMigrate_CurrentVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestConstraints(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		stmt string
	}{
		{"balance without user", `INSERT INTO balances (user_id, path, amount) VALUES ('ghost', 'DharmaPoints', 1)`},
		{"unknown plan status", `INSERT INTO atonement_plans (id, user_id, action, severity, requirements, progress, status, created_at)
			VALUES ('p1', 'u1', 'cheat', 'minor', '{}', '{}', 'abandoned', 0)`},
		{"unknown debt status", `INSERT INTO debts (id, debtor_id, receiver_id, severity, amount, original, status, repayments, created_at, updated_at)
			VALUES ('d1', 'u1', 'u2', 'minor', 1, 1, 'forgiven', '[]', 0, 0)`},
		{"second value table row", `INSERT INTO value_table (id, roles, actions, q) VALUES (2, '[]', '[]', '[]')`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.DB().Exec(tt.stmt)
			assert.Error(t, err)
		})
	}
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()
	return scanNames(t, rows)
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?", table)
	require.NoError(t, err)
	defer rows.Close()
	return scanNames(t, rows)
}

func scanNames(t *testing.T, rows *sql.Rows) []string {
	t.Helper()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

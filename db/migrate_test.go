package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "recurring_rules", "rule_run_log", "rule_occurrences"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist after migrations", table)
	}
}

func TestMigrate(t *testing.T) {
	t.Run("records every migration", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, 4, count)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})
}

func TestGetStats(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)

	stats, err := GetStats(db)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rules)
	assert.Equal(t, 4, stats.Migrations)

	db.Close()
	_, err = GetStats(db)
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
}

func TestMigrate_RefusesNewerSchema(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("INSERT INTO schema_migrations (version) VALUES ('999')")
	require.NoError(t, err)

	err = Migrate(db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version 999")
}

func TestLoadMigrations_Ordered(t *testing.T) {
	steps, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "000", steps[0].version)
	assert.Equal(t, "003_create_rule_occurrences.sql", steps[3].file)
}

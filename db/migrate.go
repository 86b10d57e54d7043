package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/sym"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// migration is one embedded schema step, named NNN_description.sql.
type migration struct {
	version string
	file    string
}

// loadMigrations lists the embedded steps in version order.
func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list embedded migrations")
	}

	seen := make(map[string]string)
	var steps []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok || len(version) != 3 {
			return nil, errors.Newf("migration %s is not named NNN_description.sql", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, errors.Newf("migrations %s and %s share version %s", prev, name, version)
		}
		seen[version] = name
		steps = append(steps, migration{version: version, file: name})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// appliedVersions reads schema_migrations. A fresh database has no such
// table yet and reports nothing applied.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var tables int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&tables)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect schema")
	}
	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate brings the scheduler schema up to date, one transaction per step.
// A database carrying steps this binary does not know was written by a newer
// recurra and is refused rather than run against. logger may be nil.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	steps, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(steps))
	for _, m := range steps {
		known[m.version] = true
	}
	for v := range applied {
		if !known[v] {
			return errors.WithHint(
				errors.Newf("database has schema version %s, which this recurra does not know", v),
				"upgrade recurra or point database.path at another file")
		}
	}

	ran := 0
	for _, m := range steps {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		ran++
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.file, "version", m.version)
		}
	}

	if logger != nil && ran > 0 {
		logger.Infow("Schema up to date",
			"symbol", sym.DB,
			"applied", ran,
			"total_migrations", len(steps),
		)
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	body, err := migrationFS.ReadFile(path.Join(migrationDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin %s", m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "failed to apply %s", m.file)
	}
	// step 000 creates schema_migrations, so it can record itself here too
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "failed to record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "failed to commit %s", m.file)
}

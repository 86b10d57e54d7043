package db

import (
	"database/sql"

	"github.com/teranos/recurra/errors"
)

// Stats summarizes the scheduler tables for `recurra db stats`.
type Stats struct {
	Rules        int
	LiveRules    int
	RunLogRows   int
	Occurrences  int
	PendingClaim int
	Migrations   int
}

// GetStats counts rows in the scheduler tables.
func GetStats(db *sql.DB) (*Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int
		query string
	}{
		{&s.Rules, "SELECT COUNT(*) FROM recurring_rules"},
		{&s.LiveRules, "SELECT COUNT(*) FROM recurring_rules WHERE deleted_at IS NULL"},
		{&s.RunLogRows, "SELECT COUNT(*) FROM rule_run_log"},
		{&s.Occurrences, "SELECT COUNT(*) FROM rule_occurrences"},
		{&s.PendingClaim, "SELECT COUNT(*) FROM rule_occurrences WHERE status = 'pending'"},
		{&s.Migrations, "SELECT COUNT(*) FROM schema_migrations"},
	}
	for _, q := range queries {
		if err := db.QueryRow(q.query).Scan(q.dest); err != nil {
			if IsDatabaseClosed(err) {
				return nil, errors.Wrap(ErrDatabaseClosed, "failed to read stats")
			}
			return nil, errors.Wrapf(err, "failed to run %q", q.query)
		}
	}
	return &s, nil
}

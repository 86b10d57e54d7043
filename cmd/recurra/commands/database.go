package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/recurra/am"
	"github.com/teranos/recurra/db"
	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/ledger"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/rule"
	"github.com/teranos/recurra/pulse/runner"
)

// loadConfig loads and validates the configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	dbPath := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// app bundles what every rule and pulse command needs.
type app struct {
	cfg     *am.Config
	db      *sql.DB
	store   *rule.SQLiteStore
	manager *rule.Manager
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	store := rule.NewSQLiteStore(database,
		rule.WithRunLogLimit(cfg.Pulse.RunLogLimit),
		rule.WithClaimLease(cfg.ClaimLease()),
		rule.WithLogger(logger.ComponentLogger("store")),
	)
	return &app{
		cfg:     cfg,
		db:      database,
		store:   store,
		manager: rule.NewManager(store, logger.ComponentLogger("rules")),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// poster builds the ledger client from config, or the unconfigured
// poster when no endpoint is set.
func (a *app) poster() (ledger.Poster, error) {
	if !a.cfg.LedgerConfigured() {
		return ledger.Unconfigured{}, nil
	}
	p, err := ledger.NewHTTPPoster(ledger.HTTPConfig{
		BaseURL:        a.cfg.Ledger.BaseURL,
		APIToken:       a.cfg.Ledger.APIToken,
		Timeout:        a.cfg.LedgerTimeout(),
		MinAPIVersion:  a.cfg.Ledger.MinAPIVersion,
		AllowPrivateIP: a.cfg.Ledger.AllowPrivateIP,
	}, logger.ComponentLogger("ledger"))
	if err != nil {
		return nil, err
	}
	return ledger.NewRateLimited(p, a.cfg.Ledger.MaxRequestsPerMinute), nil
}

func (a *app) runner(observers ...runner.Observer) (*runner.Runner, error) {
	poster, err := a.poster()
	if err != nil {
		return nil, err
	}
	return runner.New(a.store, poster, runner.Config{
		Workers:    a.cfg.Pulse.Workers,
		MaxCatchUp: a.cfg.Pulse.MaxCatchUp,
	}, logger.ComponentLogger("runner"), observers...), nil
}

// resolveRule finds a rule by ID, falling back to its name.
func (a *app) resolveRule(ctx context.Context, ref string) (*rule.Rule, error) {
	r, err := a.store.Get(ctx, ref)
	if err == nil {
		return r, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, err
	}
	r, err = a.store.GetByName(ctx, ref)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, errors.WithHint(errors.NewNotFoundError("no rule with id or name %q", ref),
				"list rules with: recurra rule list")
		}
		return nil, err
	}
	return r, nil
}

// now is the wall clock used by commands, in UTC.
func now() time.Time {
	return time.Now().UTC()
}

package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/recurra/db"
	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage recurra database",
	Long: sym.DB + ` db — Manage the recurra database

Examples:
  recurra db migrate              # Apply pending migrations
  recurra db stats                # Show rule, run log and claim counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// OpenWithMigrations applies anything pending
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Printfln("%s Database at %s is up to date", sym.DB, cfg.GetDatabasePath())
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := db.GetStats(database)
	if err != nil {
		return errors.Wrap(err, "failed to read database statistics")
	}

	pterm.DefaultSection.Printfln("%s Database Statistics", sym.DB)
	rows := pterm.TableData{
		{"Database path", cfg.GetDatabasePath()},
		{"Rules", fmt.Sprint(stats.Rules)},
		{"Live rules", fmt.Sprint(stats.LiveRules)},
		{"Run log entries", fmt.Sprint(stats.RunLogRows)},
		{"Posted or claimed occurrences", fmt.Sprint(stats.Occurrences)},
		{"Pending claims", fmt.Sprint(stats.PendingClaim)},
		{"Migrations applied", fmt.Sprint(stats.Migrations)},
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

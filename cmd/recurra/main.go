package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/recurra/cmd/recurra/commands"
	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/sym"
)

var rootCmd = &cobra.Command{
	Use:   "recurra",
	Short: "recurra - Recurring expense and invoice scheduler",
	Long: `recurra - Recurring expense and invoice scheduler.

recurra keeps recurring rules (rent, retainers, subscriptions) and posts
each due occurrence to the ledger exactly once.

Available commands:
` + commandSummary() + `
Examples:
  recurra am init                  # Write a default ~/.recurra/am.toml
  recurra rule import rules.yaml   # Create or update rules from a file
  recurra rule list                # Show rules and their next run
  recurra pulse run --dry-run      # Preview what is due without posting
  recurra pulse start              # Run the scheduler in the foreground`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

// commandSummary renders one line per subsystem command with its symbol
func commandSummary() string {
	names := make([]string, 0, len(sym.CommandToSymbol))
	for name := range sym.CommandToSymbol {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %s %-6s - %s\n", sym.CommandToSymbol[name], name, sym.CommandDescriptions[name])
	}
	return b.String()
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.RuleCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commands.PrintError(err)
		os.Exit(1)
	}
}

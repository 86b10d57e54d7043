package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/recurrence"
	"github.com/teranos/recurra/pulse/rule"
	"github.com/teranos/recurra/pulse/runner"
	"github.com/teranos/recurra/sym"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the scheduler",
	Long: sym.Pulse + ` pulse — Run the recurring rule scheduler

Each run finds the rules that are due, posts every elapsed occurrence to
the ledger at most once, and advances each rule's next run. A failed
posting leaves the rule due and is retried on the next run.

Examples:
  recurra pulse run --dry-run          # Show what is due without posting
  recurra pulse run --at 2025-04-01    # Evaluate as of a date
  recurra pulse start                  # Run every minute (or pulse.cron) until Ctrl+C`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process due rules once",
	RunE:  runPulseRun,
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler loop in the foreground",
	RunE:  runPulseStart,
}

var (
	pulseDryRun bool
	pulseAt     string
)

func init() {
	pulseRunCmd.Flags().BoolVar(&pulseDryRun, "dry-run", false, "Report what would be posted without posting or advancing")
	pulseRunCmd.Flags().StringVar(&pulseAt, "at", "", "Evaluate due rules as of YYYY-MM-DD (default now)")

	PulseCmd.AddCommand(pulseRunCmd)
	PulseCmd.AddCommand(pulseStartCmd)
}

func runPulseRun(cmd *cobra.Command, args []string) error {
	at := now()
	if pulseAt != "" {
		d, err := recurrence.ParseDate(pulseAt)
		if err != nil {
			return err
		}
		at = d
	}
	mode := runner.ModeLive
	if pulseDryRun {
		mode = runner.ModeDryRun
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.runner()
	if err != nil {
		return err
	}
	results, err := run.RunDue(cmd.Context(), at, mode)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		pterm.Info.Printfln("%s Nothing due as of %s", sym.Pulse, recurrence.FormatDate(at))
		return nil
	}
	return renderResults(results)
}

func renderResults(results []runner.ExecutionResult) error {
	data := pterm.TableData{{"Rule", "Occurrence", "Outcome", "Amount", "Reference", "Detail"}}
	counts := map[rule.Outcome]int{}
	simulated := 0
	for _, r := range results {
		if r.Simulated {
			simulated++
		} else {
			counts[r.Outcome]++
		}
		amount := ""
		if r.Payload != nil {
			amount = r.Payload.Amount.StringFixed(2)
		}
		detail := ""
		if r.Err != nil {
			detail = r.Err.Error()
		}
		data = append(data, []string{
			r.RuleName,
			recurrence.FormatDate(r.ScheduledFor),
			outcomeStyle(r.Outcome, r.Simulated),
			amount,
			r.PostingReference,
			detail,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("%d succeeded, %d failed, %d skipped, %d simulated",
		counts[rule.OutcomeSuccess], counts[rule.OutcomeFailure],
		counts[rule.OutcomeSkippedDuplicate], simulated)
	return nil
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	log := logger.ComponentLogger("pulse")
	run, err := a.runner(runner.ObserverFunc(func(r runner.ExecutionResult) {
		if r.Err != nil {
			log.Warnw("Occurrence not posted", logger.FieldRuleID, r.RuleID, logger.FieldOccurrence, recurrence.FormatDate(r.ScheduledFor), logger.FieldOutcome, r.Outcome, logger.FieldError, r.Err)
			return
		}
		log.Infow("Occurrence processed", logger.FieldRuleID, r.RuleID, logger.FieldOccurrence, recurrence.FormatDate(r.ScheduledFor), logger.FieldOutcome, r.Outcome, logger.FieldPostingRef, r.PostingReference)
	}))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ticker, err := runner.NewTickerWithContext(ctx, run, runner.TickerConfig{
		Interval: a.cfg.TickerInterval(),
		Cron:     a.cfg.Pulse.Cron,
	}, log)
	if err != nil {
		return err
	}

	fmt.Printf("%s Starting scheduler\n", sym.PulseOpen)
	fmt.Printf("  Database: %s\n", a.cfg.GetDatabasePath())
	fmt.Printf("  Workers: %d\n", a.cfg.Pulse.Workers)
	if a.cfg.Pulse.Cron != "" {
		fmt.Printf("  Schedule: cron %q\n", a.cfg.Pulse.Cron)
	} else {
		fmt.Printf("  Schedule: every %v\n", a.cfg.TickerInterval())
	}
	if !a.cfg.LedgerConfigured() {
		pterm.Warning.Println("ledger.base_url is not set; every posting will fail until it is configured")
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	ticker.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	fmt.Printf("\n%s Shutting down, finishing in-flight postings...\n", sym.PulseClose)
	ticker.Stop()

	lastTick, ticks, counts := ticker.Stats()
	last := "never"
	if !lastTick.IsZero() {
		last = lastTick.UTC().Format("2006-01-02 15:04:05")
	}
	fmt.Printf("%s Scheduler stopped after %d runs (last %s): %d posted, %d failed\n",
		sym.PulseClose, ticks, last, counts[rule.OutcomeSuccess], counts[rule.OutcomeFailure])
	return nil
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/pulse/recurrence"
	"github.com/teranos/recurra/pulse/rule"
	"github.com/teranos/recurra/sym"
)

// RuleCmd represents the rule command
var RuleCmd = &cobra.Command{
	Use:   "rule",
	Short: sym.Rule + " Manage recurring rules",
	Long: sym.Rule + ` rule — Manage recurring expense and invoice rules

A rule posts its template to the ledger on every occurrence of its
cadence. Rules are addressed by ID or by name.

Examples:
  recurra rule create --name rent --kind EXPENSE --cadence MONTHLY \
      --day-of-month 1 --counterparty Landlord --amount 1200
  recurra rule create --name payroll --kind EXPENSE --cadence MONTHLY \
      --nth-week 5 --nth-weekday friday --counterparty Staff --amount 9000
  recurra rule list
  recurra rule pause rent --from 2025-07-01 --until 2025-09-01
  recurra rule preview rent --count 6
  recurra rule import rules.yaml`,
}

var ruleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a rule",
	RunE:  runRuleCreate,
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	RunE:  runRuleList,
}

var ruleShowCmd = &cobra.Command{
	Use:   "show <rule>",
	Short: "Show a rule with its recent run log",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleShow,
}

var ruleEditCmd = &cobra.Command{
	Use:   "edit <rule>",
	Short: "Change a rule's definition",
	Long: `Change a rule's definition. Only the flags given are changed.

When the schedule changes, the next run is recomputed from the new cadence.
An elapsed occurrence that was never posted is recorded as MISSED.`,
	Args: cobra.ExactArgs(1),
	RunE: runRuleEdit,
}

var rulePauseCmd = &cobra.Command{
	Use:   "pause <rule>",
	Short: "Pause a rule, indefinitely or for a date window",
	Long: `Pause a rule.

Without flags the rule is paused until resumed. With --from and/or --until
it is paused for the window [from, until); occurrences that fall due inside
the window wait and are posted once it ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulePause,
}

var ruleResumeCmd = &cobra.Command{
	Use:   "resume <rule>",
	Short: "Resume a paused rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleTransition("resume"),
}

var ruleActivateCmd = &cobra.Command{
	Use:   "activate <rule>",
	Short: "Re-activate an explicitly paused rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleTransition("activate"),
}

var ruleDeleteCmd = &cobra.Command{
	Use:   "delete <rule>",
	Short: "Delete a rule (its run log is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleTransition("delete"),
}

var ruleRescheduleCmd = &cobra.Command{
	Use:   "reschedule <rule> <YYYY-MM-DD>",
	Short: "Move a rule's next run to a date on its cadence",
	Args:  cobra.ExactArgs(2),
	RunE:  runRuleReschedule,
}

var rulePreviewCmd = &cobra.Command{
	Use:   "preview <rule>",
	Short: "List the occurrences after the next run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulePreview,
}

var ruleLogCmd = &cobra.Command{
	Use:   "log <rule>",
	Short: "Show a rule's run log, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleLog,
}

var ruleImportCmd = &cobra.Command{
	Use:   "import <file.yaml|file.toml>",
	Short: "Create or update rules from a file (matched by name)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleImport,
}

var (
	ruleListAll     bool
	ruleOutput      string
	rulePauseFrom   string
	rulePauseUntil  string
	rulePreviewN    int
	ruleLogLimit    int
	ruleImportCheck bool
)

func init() {
	addDefinitionFlags(ruleCreateCmd.Flags())
	addDefinitionFlags(ruleEditCmd.Flags())

	ruleListCmd.Flags().BoolVar(&ruleListAll, "all", false, "Include deleted rules")
	ruleShowCmd.Flags().StringVarP(&ruleOutput, "output", "o", "", "Output format: json, yaml (default table)")
	ruleLogCmd.Flags().StringVarP(&ruleOutput, "output", "o", "", "Output format: json, yaml (default table)")
	rulePauseCmd.Flags().StringVar(&rulePauseFrom, "from", "", "First paused date YYYY-MM-DD")
	rulePauseCmd.Flags().StringVar(&rulePauseUntil, "until", "", "First date active again YYYY-MM-DD")
	rulePreviewCmd.Flags().IntVarP(&rulePreviewN, "count", "n", 5, "Number of occurrences")
	ruleLogCmd.Flags().IntVarP(&ruleLogLimit, "limit", "n", 0, "Maximum entries (0 = all retained)")
	ruleImportCmd.Flags().BoolVar(&ruleImportCheck, "check", false, "Validate the file without writing")

	RuleCmd.AddCommand(ruleCreateCmd, ruleListCmd, ruleShowCmd, ruleEditCmd,
		rulePauseCmd, ruleResumeCmd, ruleActivateCmd, ruleDeleteCmd,
		ruleRescheduleCmd, rulePreviewCmd, ruleLogCmd, ruleImportCmd)
}

func runRuleCreate(cmd *cobra.Command, args []string) error {
	at := now()
	def, err := applyDefinitionFlags(cmd.Flags(), rule.Definition{StartDate: recurrence.Normalize(at)})
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.manager.Create(cmd.Context(), def, at)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Created %s (%s), %s, first run %s",
		r.Name, r.ID, r.Describe(), recurrence.FormatDate(r.NextRunAt))
	return nil
}

func runRuleList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rules, err := a.store.List(cmd.Context(), rule.ListFilter{IncludeDeleted: ruleListAll})
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		pterm.Info.Println("No rules yet. Create one with: recurra rule create")
		return nil
	}
	return renderRuleTable(rules, now())
}

func runRuleShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.resolveRule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if handled, err := printStructured(ruleView(r)); handled {
		return err
	}

	at := now()
	pterm.DefaultSection.Printfln("%s %s", sym.Rule, r.Name)
	rows := [][]string{
		{"ID", r.ID},
		{"Kind", string(r.Kind)},
		{"Schedule", r.Describe()},
		{"State", stateStyle(rule.StateAt(r, at))},
		{"Start", recurrence.FormatDate(r.StartDate)},
		{"End", formatDatePtr(r.EndDate)},
		{"Next run", recurrence.FormatDate(r.NextRunAt)},
		{"Last run", formatDatePtr(r.LastRunAt)},
		{"Pause window", formatDatePtr(r.PauseUntil) + " .. " + formatDatePtr(r.ResumeOn)},
		{"Counterparty", r.Template.Counterparty},
		{"Amount", r.Template.Amount.StringFixed(2)},
		{"Description", r.Template.Description},
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}

	if len(r.RunLog) > 0 {
		pterm.DefaultSection.Println("Run log")
		// RunLog is oldest first; show newest first like `rule log`
		recent := make([]rule.RunLogEntry, 0, len(r.RunLog))
		for i := len(r.RunLog) - 1; i >= 0; i-- {
			recent = append(recent, r.RunLog[i])
		}
		return renderRunLog(recent)
	}
	return nil
}

func runRuleEdit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	current, err := a.resolveRule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	def, err := applyDefinitionFlags(cmd.Flags(), current.Definition())
	if err != nil {
		return err
	}

	updated, err := a.manager.Edit(cmd.Context(), current.ID, def, now())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Updated %s, %s, next run %s",
		updated.Name, updated.Describe(), recurrence.FormatDate(updated.NextRunAt))
	return nil
}

func runRulePause(cmd *cobra.Command, args []string) error {
	from, err := parseOptionalDate(rulePauseFrom)
	if err != nil {
		return err
	}
	until, err := parseOptionalDate(rulePauseUntil)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.resolveRule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	paused, err := a.manager.Pause(cmd.Context(), r.ID, rule.PauseWindow{From: from, Until: until}, now())
	if err != nil {
		return err
	}

	if from == nil && until == nil {
		pterm.Success.Printfln("Paused %s until resumed", paused.Name)
	} else {
		pterm.Success.Printfln("Paused %s from %s until %s", paused.Name, formatDatePtr(paused.PauseUntil), formatDatePtr(paused.ResumeOn))
	}
	return nil
}

func runRuleTransition(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		r, err := a.resolveRule(ctx, args[0])
		if err != nil {
			return err
		}

		at := now()
		switch action {
		case "resume":
			_, err = a.manager.Resume(ctx, r.ID, at)
		case "activate":
			_, err = a.manager.Activate(ctx, r.ID, at)
		case "delete":
			err = a.manager.Delete(ctx, r.ID, at)
		default:
			err = errors.Newf("unknown action %q", action)
		}
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%s: %s", action, r.Name)
		return nil
	}
}

func runRuleReschedule(cmd *cobra.Command, args []string) error {
	date, err := recurrence.ParseDate(args[1])
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.resolveRule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	moved, err := a.manager.Reschedule(cmd.Context(), r.ID, date, now())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s next runs %s", moved.Name, recurrence.FormatDate(moved.NextRunAt))
	return nil
}

func runRulePreview(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.resolveRule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	run, err := a.runner()
	if err != nil {
		return err
	}
	dates, err := run.Preview(cmd.Context(), r.ID, rulePreviewN)
	if err != nil {
		return err
	}

	pterm.Info.Printfln("%s %s, %s, next run %s", sym.Preview, r.Name, r.Describe(), recurrence.FormatDate(r.NextRunAt))
	for _, d := range dates {
		note := ""
		if r.EndDate != nil && d.After(*r.EndDate) {
			note = " (after end date)"
		}
		pterm.Printfln("  %s %s%s", recurrence.FormatDate(d), d.Weekday().String()[:3], note)
	}
	return nil
}

func runRuleLog(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.resolveRule(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	run, err := a.runner()
	if err != nil {
		return err
	}
	entries, err := run.GetRunLog(cmd.Context(), r.ID, ruleLogLimit)
	if err != nil {
		return err
	}
	if handled, err := printStructured(entries); handled {
		return err
	}
	if len(entries) == 0 {
		pterm.Info.Printfln("%s has not run yet", r.Name)
		return nil
	}
	return renderRunLog(entries)
}

func runRuleImport(cmd *cobra.Command, args []string) error {
	file, err := rule.ParseFile(args[0])
	if err != nil {
		return err
	}
	if ruleImportCheck {
		for i, fr := range file.Rules {
			if _, err := fr.Definition(); err != nil {
				return errors.Wrapf(err, "rule %d (%s)", i+1, fr.Name)
			}
		}
		pterm.Success.Printfln("%s: %d rules valid", args[0], len(file.Rules))
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.manager.Import(cmd.Context(), file, now())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Imported %s: %d created, %d updated, %d unchanged",
		args[0], len(res.Created), len(res.Updated), len(res.Unchanged))
	return nil
}

// ruleDoc is the structured view of a rule for json/yaml output.
type ruleDoc struct {
	ID         string             `json:"id" yaml:"id"`
	Name       string             `json:"name" yaml:"name"`
	Kind       rule.Kind          `json:"kind" yaml:"kind"`
	Cadence    recurrence.Cadence `json:"cadence" yaml:"cadence"`
	Options    recurrence.Options `json:"options" yaml:"options"`
	StartDate  string             `json:"startDate" yaml:"startDate"`
	EndDate    string             `json:"endDate,omitempty" yaml:"endDate,omitempty"`
	PauseUntil string             `json:"pauseUntil,omitempty" yaml:"pauseUntil,omitempty"`
	ResumeOn   string             `json:"resumeOn,omitempty" yaml:"resumeOn,omitempty"`
	IsActive   bool               `json:"isActive" yaml:"isActive"`
	State      rule.State         `json:"state" yaml:"state"`
	NextRunAt  string             `json:"nextRunAt" yaml:"nextRunAt"`
	LastRunAt  string             `json:"lastRunAt,omitempty" yaml:"lastRunAt,omitempty"`
	Template   rule.Template      `json:"template" yaml:"template"`
}

func ruleView(r *rule.Rule) ruleDoc {
	doc := ruleDoc{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      r.Kind,
		Cadence:   r.Cadence,
		Options:   r.Options,
		StartDate: recurrence.FormatDate(r.StartDate),
		IsActive:  r.IsActive,
		State:     rule.StateAt(r, now()),
		NextRunAt: recurrence.FormatDate(r.NextRunAt),
		Template:  r.Template,
	}
	if r.EndDate != nil {
		doc.EndDate = recurrence.FormatDate(*r.EndDate)
	}
	if r.PauseUntil != nil {
		doc.PauseUntil = recurrence.FormatDate(*r.PauseUntil)
	}
	if r.ResumeOn != nil {
		doc.ResumeOn = recurrence.FormatDate(*r.ResumeOn)
	}
	if r.LastRunAt != nil {
		doc.LastRunAt = recurrence.FormatDate(*r.LastRunAt)
	}
	return doc
}

// printStructured prints v as json or yaml when --output asks for it.
func printStructured(v interface{}) (bool, error) {
	switch ruleOutput {
	case "":
		return false, nil
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, errors.Wrap(err, "failed to marshal JSON")
		}
		fmt.Println(string(data))
		return true, nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return true, errors.Wrap(err, "failed to marshal YAML")
		}
		fmt.Print(string(data))
		return true, nil
	default:
		return true, errors.NewInvalidRequestError("unsupported output %q (json, yaml)", ruleOutput)
	}
}

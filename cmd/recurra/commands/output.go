package commands

import (
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/pulse/recurrence"
	"github.com/teranos/recurra/pulse/rule"
)

// PrintError renders an error with its hints.
func PrintError(err error) {
	pterm.Error.Println(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		pterm.Info.Println(hint)
	}
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return recurrence.FormatDate(*t)
}

func stateStyle(s rule.State) string {
	switch s {
	case rule.StateActive:
		return pterm.FgGreen.Sprint(s)
	case rule.StatePaused:
		return pterm.FgYellow.Sprint(s)
	case rule.StateExpired:
		return pterm.FgGray.Sprint(s)
	default:
		return pterm.FgRed.Sprint(s)
	}
}

func outcomeStyle(o rule.Outcome, simulated bool) string {
	label := string(o)
	if simulated {
		label += " (dry run)"
	}
	switch o {
	case rule.OutcomeSuccess:
		return pterm.FgGreen.Sprint(label)
	case rule.OutcomeFailure:
		return pterm.FgRed.Sprint(label)
	default:
		return pterm.FgYellow.Sprint(label)
	}
}

func renderRuleTable(rules []*rule.Rule, at time.Time) error {
	data := pterm.TableData{{"ID", "Name", "Kind", "Schedule", "Next", "Last", "Amount", "State"}}
	for _, r := range rules {
		data = append(data, []string{
			r.ID,
			r.Name,
			string(r.Kind),
			r.Describe(),
			recurrence.FormatDate(r.NextRunAt),
			formatDatePtr(r.LastRunAt),
			r.Template.Amount.StringFixed(2),
			stateStyle(rule.StateAt(r, at)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderRunLog(entries []rule.RunLogEntry) error {
	data := pterm.TableData{{"At", "Occurrence", "Outcome", "Reference", "Detail"}}
	for _, e := range entries {
		data = append(data, []string{
			e.At.Format(time.RFC3339),
			recurrence.FormatDate(e.ScheduledFor),
			outcomeStyle(e.Outcome, e.Simulated),
			e.PostingReference,
			e.ErrorDetail,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

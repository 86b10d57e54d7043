package commands

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/pulse/recurrence"
	"github.com/teranos/recurra/pulse/rule"
)

// addDefinitionFlags registers the flags shared by `rule create` and `rule edit`.
func addDefinitionFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "Unique rule name")
	fs.String("kind", "", "EXPENSE or INVOICE")
	fs.String("cadence", "", "DAILY, WEEKLY, MONTHLY or ANNUAL")
	fs.Int("interval", 0, "Repeat every N periods (default 1)")
	fs.String("weekday", "", "Weekly: day of week (sunday..saturday or 0..6)")
	fs.Int("day-of-month", 0, "Monthly: day of month 1..31, clamped to short months")
	fs.Bool("end-of-month", false, "Monthly: last day of each month")
	fs.Int("nth-week", 0, "Monthly: week of month 1..5 (5 = last), with --nth-weekday")
	fs.String("nth-weekday", "", "Monthly: day of week for --nth-week")
	fs.String("start", "", "Start date YYYY-MM-DD (default today)")
	fs.String("end", "", "Optional end date YYYY-MM-DD (\"none\" clears it on edit)")
	fs.String("counterparty", "", "Customer or vendor")
	fs.String("amount", "", "Amount, e.g. 300.00")
	fs.String("description", "", "Posting description")
	fs.String("category", "", "Ledger category")
	fs.String("reference", "", "Posting reference")
	fs.StringToString("extra", nil, "Extra posting fields (key=value,...)")
}

var weekdayNames = map[string]int{
	"sunday": 0, "sun": 0,
	"monday": 1, "mon": 1,
	"tuesday": 2, "tue": 2,
	"wednesday": 3, "wed": 3,
	"thursday": 4, "thu": 4,
	"friday": 5, "fri": 5,
	"saturday": 6, "sat": 6,
}

// parseWeekday accepts a day name or 0..6 (Sunday = 0).
func parseWeekday(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, ok := weekdayNames[s]; ok {
		return n, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, errors.NewInvalidRequestError("invalid weekday %q (use sunday..saturday or 0..6)", s)
	}
	return n, nil
}

// applyDefinitionFlags overlays the flags the user set on base. Unset
// flags keep base's values, so edit only changes what was given.
func applyDefinitionFlags(fs *pflag.FlagSet, base rule.Definition) (rule.Definition, error) {
	def := base
	changed := fs.Changed
	str := func(name string) string { v, _ := fs.GetString(name); return v }
	num := func(name string) int { v, _ := fs.GetInt(name); return v }

	if changed("name") {
		def.Name = str("name")
	}
	if changed("kind") {
		k, err := rule.ParseKind(str("kind"))
		if err != nil {
			return def, err
		}
		def.Kind = k
	}
	if changed("cadence") {
		c, err := recurrence.ParseCadence(str("cadence"))
		if err != nil {
			return def, err
		}
		if c != def.Cadence {
			// Modifiers of the old cadence rarely make sense for the new one
			def.Options = recurrence.Options{Interval: def.Options.Interval}
		}
		def.Cadence = c
	}

	opts := def.Options
	if changed("interval") {
		opts.Interval = num("interval")
	}
	if changed("weekday") {
		wd, err := parseWeekday(str("weekday"))
		if err != nil {
			return def, err
		}
		opts.Weekday = &wd
	}
	if changed("day-of-month") {
		dom := num("day-of-month")
		opts.DayOfMonth = &dom
		opts.EndOfMonth = false
		opts.NthWeek, opts.NthWeekday = nil, nil
	}
	if changed("end-of-month") {
		opts.EndOfMonth, _ = fs.GetBool("end-of-month")
		if opts.EndOfMonth {
			opts.DayOfMonth = nil
			opts.NthWeek, opts.NthWeekday = nil, nil
		}
	}
	if changed("nth-week") {
		n := num("nth-week")
		opts.NthWeek = &n
		opts.DayOfMonth, opts.EndOfMonth = nil, false
	}
	if changed("nth-weekday") {
		wd, err := parseWeekday(str("nth-weekday"))
		if err != nil {
			return def, err
		}
		opts.NthWeekday = &wd
	}
	def.Options = opts

	if changed("start") {
		d, err := recurrence.ParseDate(str("start"))
		if err != nil {
			return def, err
		}
		def.StartDate = d
	}
	if changed("end") {
		if v := str("end"); strings.EqualFold(v, "none") || v == "" {
			def.EndDate = nil
		} else {
			d, err := recurrence.ParseDate(v)
			if err != nil {
				return def, err
			}
			def.EndDate = &d
		}
	}

	tmpl := def.Template
	if changed("counterparty") {
		tmpl.Counterparty = str("counterparty")
	}
	if changed("amount") {
		amt, err := decimal.NewFromString(str("amount"))
		if err != nil {
			return def, errors.NewInvalidRequestError("invalid amount %q", str("amount"))
		}
		tmpl.Amount = amt
	}
	if changed("description") {
		tmpl.Description = str("description")
	}
	if changed("category") {
		tmpl.Category = str("category")
	}
	if changed("reference") {
		tmpl.Reference = str("reference")
	}
	if changed("extra") {
		tmpl.Extra, _ = fs.GetStringToString("extra")
	}
	def.Template = tmpl

	return def, nil
}

// parseOptionalDate parses a --from/--until style flag; "" means unset.
func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := recurrence.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

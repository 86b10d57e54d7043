// Package sym defines canonical symbols for recurra's subsystems.
// These symbols are stable across log output and the CLI.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler loop and rule execution
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)

// Domain symbols.
const (
	Rule    = "↻" // recurring rule
	Ledger  = "⊞" // ledger poster
	Preview = "⋯" // dry-run and preview output
)

// SymbolToCommand maps a symbol to the CLI command that manages it.
var SymbolToCommand = map[string]string{
	Pulse: "pulse",
	DB:    "db",
	AM:    "am",
	Rule:  "rule",
}

// CommandToSymbol is the inverse of SymbolToCommand.
var CommandToSymbol = map[string]string{
	"pulse": Pulse,
	"db":    DB,
	"am":    AM,
	"rule":  Rule,
}

// CommandDescriptions holds the one-line help shown next to each symbol.
var CommandDescriptions = map[string]string{
	"pulse": "Scheduler loop that posts due occurrences",
	"db":    "Database and migrations",
	"am":    "Configuration",
	"rule":  "Recurring rule management",
}

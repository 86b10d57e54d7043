package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolToCommandAndCommandToSymbolAreBidirectional(t *testing.T) {
	for symbol, cmd := range SymbolToCommand {
		got, ok := CommandToSymbol[cmd]
		if !ok {
			t.Errorf("SymbolToCommand has %q → %q, but CommandToSymbol has no entry for %q", symbol, cmd, cmd)
			continue
		}
		if got != symbol {
			t.Errorf("bidirectional mismatch: SymbolToCommand[%q] = %q, but CommandToSymbol[%q] = %q", symbol, cmd, cmd, got)
		}
	}
	if len(SymbolToCommand) != len(CommandToSymbol) {
		t.Errorf("map size mismatch: %d vs %d", len(SymbolToCommand), len(CommandToSymbol))
	}
}

func TestCommandDescriptionsCoversAllCommands(t *testing.T) {
	for cmd := range CommandToSymbol {
		if CommandDescriptions[cmd] == "" {
			t.Errorf("command %q has no description", cmd)
		}
	}
}

func TestSymbolsAreSingleRune(t *testing.T) {
	for _, s := range []string{Pulse, PulseOpen, PulseClose, DB, AM, Rule, Ledger, Preview} {
		if utf8.RuneCountInString(s) != 1 {
			t.Errorf("symbol %q should be a single rune", s)
		}
	}
}

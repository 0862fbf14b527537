package testutil

import (
	"fmt"
	"testing"
)

// Expectation describes a single instruction that should appear in the
// emitted assembly.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(line Line) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations walks the assembly lines and ensures each expectation is
// satisfied in order starting at the first line. Extra instructions after all
// expectations are ignored.
func VerifyExpectations(t *testing.T, lines []Line, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("assembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\nline: %s", exp.Name, idx, err, line.Text)
		}
	}
}

// VerifySubsequence checks that the expectations match lines in order, with
// arbitrary instructions allowed in between.
func VerifySubsequence(t *testing.T, lines []Line, expect []Expectation) {
	t.Helper()
	next := 0
	for _, line := range lines {
		if next == len(expect) {
			return
		}
		if expect[next].match(line) == nil {
			next++
		}
	}
	if next < len(expect) {
		t.Fatalf("expectation %q not found in order after %d matches", expect[next].Name, next)
	}
}

package testutil

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"testing"
)

// Line represents a single instruction line of emitted assembly.
type Line struct {
	Text       string
	Normalized string
	Mnemonic   string
	Operands   []string
	// Address is the word address of the instruction: the listing prefix
	// when present, otherwise its position among instructions.
	Address int
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l Line) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// ParseAssembly splits emitted assembly into instruction lines, skipping
// labels, directives and comments.
func ParseAssembly(t *testing.T, text string) []Line {
	t.Helper()
	lines, err := parseAssembly(text)
	if err != nil {
		t.Fatalf("parse assembly: %v\n\n%s", err, text)
	}
	return lines
}

// Mnemonics returns the mnemonic of every line in order.
func Mnemonics(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Mnemonic)
	}
	return out
}

// Count returns how many lines use the given mnemonic.
func Count(lines []Line, mnemonic string) int {
	n := 0
	for _, l := range lines {
		if l.Mnemonic == mnemonic {
			n++
		}
	}
	return n
}

func parseAssembly(out string) ([]Line, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []Line
	for scanner.Scan() {
		raw := scanner.Text()
		address := len(lines)
		if !strings.HasPrefix(raw, "\t") {
			// Listing lines carry a hex address before the tab; everything
			// else starting in column zero is a label.
			colon := strings.IndexRune(raw, ':')
			if colon == -1 || !strings.HasPrefix(raw[colon+1:], "\t") {
				continue
			}
			v, err := strconv.ParseUint(raw[:colon], 16, 32)
			if err != nil {
				continue
			}
			address = int(v)
			raw = raw[colon+1:]
		}
		text := strings.TrimSpace(raw)
		if idx := strings.Index(text, "#"); idx >= 0 {
			text = strings.TrimSpace(text[:idx])
		}
		if text == "" || strings.HasPrefix(text, ".") {
			continue
		}
		fields := strings.Fields(text)
		mnemonic := strings.ToLower(fields[0])
		var operands []string
		if rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0])); rest != "" {
			for _, op := range strings.Split(rest, ",") {
				operands = append(operands, strings.TrimSpace(op))
			}
		}
		lines = append(lines, Line{
			Text:       text,
			Normalized: strings.Join(fields, " "),
			Mnemonic:   mnemonic,
			Operands:   operands,
			Address:    address,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}

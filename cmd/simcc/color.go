package main

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
)

// mnemonicWidth is the visible column the first operand starts at.
const mnemonicWidth = 8

var (
	labelStyle     = ansi.Style{}.Bold().ForegroundColor(ansi.Yellow)
	directiveStyle = ansi.Style{}.ForegroundColor(ansi.Blue)
	commentStyle   = ansi.Style{}.ForegroundColor(ansi.BrightBlack)
	addressStyle   = ansi.Style{}.Faint()
	mnemonicStyle  = ansi.Style{}.Bold().ForegroundColor(ansi.Cyan)
	registerStyle  = ansi.Style{}.ForegroundColor(ansi.Green)
	symbolStyle    = ansi.Style{}.ForegroundColor(ansi.Magenta)
)

// colorize styles emitted assembly for a terminal. Mnemonics are padded so
// operands line up once the escape sequences are stripped.
func colorize(text string) string {
	lines := strings.Split(text, "\n")
	for idx, line := range lines {
		lines[idx] = colorizeLine(line)
	}
	return strings.Join(lines, "\n")
}

func colorizeLine(line string) string {
	switch {
	case line == "":
		return line
	case strings.HasPrefix(line, "\t#"):
		return "\t" + commentStyle.Styled(line[1:])
	case strings.HasPrefix(line, "\t."):
		return "\t" + directiveStyle.Styled(line[1:])
	case !strings.HasPrefix(line, "\t") && strings.HasSuffix(line, ":"):
		return labelStyle.Styled(line)
	}

	var prefix, body string
	if addr, rest, ok := strings.Cut(line, ":\t"); ok && isHex(addr) {
		prefix, body = addressStyle.Styled(addr+":")+"\t", rest
	} else if rest, ok := strings.CutPrefix(line, "\t"); ok {
		prefix, body = "\t", rest
	} else {
		return line
	}

	mnemonic, operands, _ := strings.Cut(body, " ")
	if operands == "" {
		return prefix + mnemonicStyle.Styled(mnemonic)
	}
	parts := strings.Split(operands, ", ")
	for idx, op := range parts {
		parts[idx] = colorizeOperand(op)
	}
	return prefix + pad(mnemonicStyle.Styled(mnemonic), mnemonicWidth) + strings.Join(parts, ", ")
}

func colorizeOperand(op string) string {
	if op == "" {
		return op
	}
	if _, err := simasm.LookupRegister(op); err == nil {
		return registerStyle.Styled(op)
	}
	if _, err := strconv.ParseInt(op, 0, 64); err == nil {
		return op
	}
	return symbolStyle.Styled(op)
}

func pad(s string, width int) string {
	n := ansi.StringWidth(s)
	if n >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-n)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 16, 64)
	return err == nil
}

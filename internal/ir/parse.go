package ir

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseBody parses the line-oriented body syntax used by module files:
//
//	loop:
//	x = add a, b
//	y = load [p + i*4 + 8]
//	store %buf+4, y
//	if lt x, y goto loop
//	r = call f(x, c:i8:sext, byval(40,4) s)
//	ret r
//
// Blank lines and text after ';' are ignored.
func ParseBody(text string) (Method, error) {
	var body Method
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frag, err := parseStatement(line)
		if err != nil {
			return nil, fmt.Errorf("ir: line %d: %w", lineNo, err)
		}
		body = append(body, frag)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ir: scan body: %w", err)
	}
	return body, nil
}

func parseStatement(line string) (Fragment, error) {
	if name, ok := strings.CutSuffix(line, ":"); ok && isIdent(name) {
		return Label(name), nil
	}

	if dst, expr, ok := strings.Cut(line, "="); ok && isIdent(strings.TrimSpace(dst)) {
		dst = strings.TrimSpace(dst)
		src, err := parseExpr(Var(dst), strings.TrimSpace(expr))
		if err != nil {
			return nil, err
		}
		if call, ok := src.(CallFragment); ok {
			return call, nil
		}
		return Assign(Var(dst), src), nil
	}

	head, rest := splitWord(line)
	switch head {
	case "br":
		if !isIdent(rest) {
			return nil, fmt.Errorf("bad branch target %q", rest)
		}
		return Goto(Label(rest)), nil
	case "if":
		return parseIf(rest)
	case "ret":
		if rest == "" {
			return ReturnVoid(), nil
		}
		var values []any
		for _, part := range splitArgs(rest) {
			v, err := parseValue(part)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return Return(values...), nil
	case "store":
		parts := splitArgs(rest)
		if len(parts) != 2 {
			return nil, fmt.Errorf("store needs an address and a value")
		}
		mem, err := parseMemory(parts[0])
		if err != nil {
			return nil, err
		}
		v, err := parseValue(parts[1])
		if err != nil {
			return nil, err
		}
		return Assign(mem, v), nil
	case "call", "tail":
		cfg, err := parseCall(line)
		if err != nil {
			return nil, err
		}
		return CallWith(cfg), nil
	}

	return nil, fmt.Errorf("unknown statement %q", line)
}

func parseExpr(dst Var, expr string) (Fragment, error) {
	head, rest := splitWord(expr)
	if kind, ok := parseOpKind(head); ok && rest != "" {
		parts := splitArgs(rest)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s needs two operands", head)
		}
		l, err := parseValue(parts[0])
		if err != nil {
			return nil, err
		}
		r, err := parseValue(parts[1])
		if err != nil {
			return nil, err
		}
		return Op(kind, l, r), nil
	}
	switch head {
	case "load":
		return parseMemory(rest)
	case "addr":
		if name, ok := strings.CutPrefix(rest, "%"); ok {
			slot, disp, err := splitDisp(name)
			if err != nil {
				return nil, err
			}
			return LocalPtrFragment{Slot: Local(slot), Disp: disp}, nil
		}
		if name, ok := strings.CutPrefix(rest, "@"); ok && isIdent(name) {
			return GlobalPointerFragment{Name: name}, nil
		}
		return nil, fmt.Errorf("addr needs %%slot or @global, got %q", rest)
	case "frameaddr":
		depth, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("bad frame depth %q", rest)
		}
		return FrameAddress(depth), nil
	case "alloca":
		size, err := parseValue(rest)
		if err != nil {
			return nil, err
		}
		return Alloca(size), nil
	case "call", "tail":
		cfg, err := parseCall(expr)
		if err != nil {
			return nil, err
		}
		cfg.Result = dst
		if cfg.ResultType == Void {
			cfg.ResultType = I32
		}
		return CallFragment{CallConfig: cfg}, nil
	}
	return parseValue(expr)
}

func parseIf(rest string) (Fragment, error) {
	cond, target, ok := strings.Cut(rest, " goto ")
	if !ok {
		return nil, fmt.Errorf("if needs a goto target")
	}
	target = strings.TrimSpace(target)
	if !isIdent(target) {
		return nil, fmt.Errorf("bad branch target %q", target)
	}
	kindName, operands := splitWord(strings.TrimSpace(cond))
	kind, err := parseCompareKind(kindName)
	if err != nil {
		return nil, err
	}
	parts := splitArgs(operands)
	if len(parts) != 2 {
		return nil, fmt.Errorf("comparison needs two operands")
	}
	l, err := parseValue(parts[0])
	if err != nil {
		return nil, err
	}
	r, err := parseValue(parts[1])
	if err != nil {
		return nil, err
	}
	return BranchIf(CompareCondition{Kind: kind, Left: l, Right: r}, Label(target)), nil
}

// parseCall parses "[tail] call [cc(NAME)] callee(args) [: type]".
func parseCall(text string) (CallConfig, error) {
	var cfg CallConfig
	head, rest := splitWord(text)
	if head == "tail" {
		cfg.TailCall = true
		head, rest = splitWord(rest)
	}
	if head != "call" {
		return cfg, fmt.Errorf("expected call, got %q", head)
	}
	if strings.HasPrefix(rest, "cc(") {
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return cfg, fmt.Errorf("unterminated calling convention")
		}
		cfg.CallConv = rest[3:end]
		rest = strings.TrimSpace(rest[end+1:])
	}
	open := strings.IndexByte(rest, '(')
	closing := strings.LastIndexByte(rest, ')')
	if open <= 0 || closing < open {
		return cfg, fmt.Errorf("malformed call %q", text)
	}
	cfg.Target = strings.TrimSpace(rest[:open])
	if !isIdent(cfg.Target) {
		return cfg, fmt.Errorf("bad callee %q", cfg.Target)
	}
	if suffix := strings.TrimSpace(rest[closing+1:]); suffix != "" {
		typeName, ok := strings.CutPrefix(suffix, ":")
		if !ok {
			return cfg, fmt.Errorf("unexpected %q after call", suffix)
		}
		t, err := ParseType(typeName)
		if err != nil {
			return cfg, err
		}
		cfg.ResultType = t
	}
	for _, part := range splitArgs(rest[open+1 : closing]) {
		if part == "..." {
			cfg.VarArg = true
			continue
		}
		arg, err := parseCallArg(part)
		if err != nil {
			return cfg, err
		}
		cfg.Args = append(cfg.Args, arg)
	}
	return cfg, nil
}

func parseCallArg(text string) (CallArg, error) {
	arg := CallArg{Type: I32}
	if strings.HasPrefix(text, "byval(") {
		end := strings.IndexByte(text, ')')
		if end < 0 {
			return arg, fmt.Errorf("unterminated byval")
		}
		sizeText, alignText, _ := strings.Cut(text[len("byval("):end], ",")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 10, 64)
		if err != nil {
			return arg, fmt.Errorf("bad byval size %q", sizeText)
		}
		align := int64(4)
		if strings.TrimSpace(alignText) != "" {
			if align, err = strconv.ParseInt(strings.TrimSpace(alignText), 10, 64); err != nil {
				return arg, fmt.Errorf("bad byval alignment %q", alignText)
			}
		}
		arg.Type = Ptr
		arg.Flags = ArgFlags{ByVal: true, ByValSize: size, ByValAlign: align}
		text = strings.TrimSpace(text[end+1:])
	}
	fields := strings.Split(text, ":")
	v, err := parseValue(fields[0])
	if err != nil {
		return arg, err
	}
	arg.Value = v
	for _, attr := range fields[1:] {
		switch attr {
		case "sext", "signext":
			arg.Flags.SExt = true
		case "zext", "zeroext":
			arg.Flags.ZExt = true
		case "indirect":
			arg.Flags.Indirect = true
		default:
			t, err := ParseType(attr)
			if err != nil {
				return arg, err
			}
			arg.Type = t
		}
	}
	return arg, nil
}

// parseMemory accepts [base + index*scale + disp], [@global + disp] and
// %slot[+disp].
func parseMemory(text string) (MemoryFragment, error) {
	text = strings.TrimSpace(text)
	if name, ok := strings.CutPrefix(text, "%"); ok {
		slot, disp, err := splitDisp(name)
		if err != nil {
			return nil, err
		}
		return LocalMem{Slot: Local(slot), Disp: disp, Width: Width32}, nil
	}
	inner, ok := strings.CutPrefix(text, "[")
	if !ok {
		return nil, fmt.Errorf("bad memory operand %q", text)
	}
	inner, ok = strings.CutSuffix(inner, "]")
	if !ok {
		return nil, fmt.Errorf("unterminated memory operand %q", text)
	}

	var (
		base   string
		global string
		index  string
		scale  int64
		disp   int64
	)
	for _, term := range splitTerms(inner) {
		switch {
		case strings.HasPrefix(term, "@"):
			global = term[1:]
		case strings.Contains(term, "*"):
			idx, s, _ := strings.Cut(term, "*")
			n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
			if err != nil {
				return nil, fmt.Errorf("bad scale in %q", term)
			}
			index, scale = strings.TrimSpace(idx), n
		default:
			if n, err := strconv.ParseInt(term, 0, 64); err == nil {
				disp += n
			} else if isIdent(term) && base == "" {
				base = term
			} else {
				return nil, fmt.Errorf("bad address term %q", term)
			}
		}
	}

	var dispFrag Fragment
	if disp != 0 {
		dispFrag = Int32(disp)
	}
	switch {
	case global != "" && base == "" && index == "":
		return GlobalMem{Name: global, Disp: dispFrag, Width: Width32}, nil
	case global != "":
		return nil, fmt.Errorf("global addresses take no base register: %q", text)
	case index != "":
		if base == "" {
			return nil, fmt.Errorf("scaled index needs a base: %q", text)
		}
		return IndexMem{Base: Var(base), Index: Var(index), Scale: scale, Disp: dispFrag, Width: Width32}, nil
	case base != "":
		return MemVar{Base: Var(base), Disp: dispFrag, Width: Width32}, nil
	}
	return nil, fmt.Errorf("memory operand needs a base: %q", text)
}

func splitDisp(text string) (string, Fragment, error) {
	name, dispText, hasDisp := strings.Cut(text, "+")
	name = strings.TrimSpace(name)
	if !isIdent(name) {
		return "", nil, fmt.Errorf("bad slot name %q", name)
	}
	if !hasDisp {
		return name, nil, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(dispText), 0, 64)
	if err != nil {
		return "", nil, fmt.Errorf("bad displacement %q", dispText)
	}
	return name, Int32(n), nil
}

// splitTerms splits an address expression on '+' and '-', keeping the sign
// with numeric terms.
func splitTerms(expr string) []string {
	var terms []string
	var cur strings.Builder
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			terms = append(terms, strings.ReplaceAll(t, " ", ""))
		}
		cur.Reset()
	}
	for _, r := range expr {
		switch r {
		case '+':
			flush()
		case '-':
			flush()
			cur.WriteRune('-')
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return terms
}

func parseValue(text string) (Fragment, error) {
	text = strings.TrimSpace(text)
	if text == "undef" {
		return Undef(), nil
	}
	if n, err := strconv.ParseInt(text, 0, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return Int32(n), nil
		}
		return Int64(n), nil
	}
	if name, ok := strings.CutPrefix(text, "@"); ok && isIdent(name) {
		return GlobalPointerFragment{Name: name}, nil
	}
	if isIdent(text) {
		return Var(text), nil
	}
	return nil, fmt.Errorf("bad value %q", text)
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

// splitArgs splits on commas outside parentheses and brackets.
func splitArgs(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" || len(out) > 0 {
		out = append(out, tail)
	}
	return out
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

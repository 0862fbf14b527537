package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/asm/testutil"
	"github.com/tinyrange/simcc/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	b, err := NewBackend(opts)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func i32Params(names ...string) []ir.Param {
	params := make([]ir.Param, 0, len(names))
	for _, n := range names {
		params = append(params, ir.Param{Name: n, Type: ir.I32})
	}
	return params
}

func parseFunction(t *testing.T, name string, sig ir.Signature, body string) *ir.Function {
	t.Helper()
	method, err := ir.ParseBody(body)
	if err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	return &ir.Function{Name: name, Signature: sig, Body: method}
}

func compileLines(t *testing.T, b *Backend, fn *ir.Function) (asm.Program, []testutil.Line) {
	t.Helper()
	prog, err := b.CompileFunction(context.Background(), fn)
	if err != nil {
		t.Fatalf("compile %s: %v", fn.Name, err)
	}
	return prog, testutil.ParseAssembly(t, prog.String())
}

func expectExact(t *testing.T, lines []testutil.Line, want []string) {
	t.Helper()
	got := make([]string, 0, len(lines))
	for _, l := range lines {
		got = append(got, l.Normalized)
	}
	if !slices.Equal(got, want) {
		t.Fatalf("assembly mismatch\n got: %s\nwant: %s", strings.Join(got, "; "), strings.Join(want, "; "))
	}
}

func TestLeafFunctionHasNoFrame(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "add", ir.Signature{Params: i32Params("a", "b"), Results: []ir.Type{ir.I32}}, `
		s = add a, b
		ret s
	`)

	f, err := b.Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if f.Frame.HasFP {
		t.Fatalf("leaf function should not need a frame pointer")
	}
	if !f.Frame.IsLeaf {
		t.Fatalf("expected leaf function")
	}
	if f.Frame.StackSize != 0 {
		t.Fatalf("stack size = %d, want 0", f.Frame.StackSize)
	}
	_ = f.Machine.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
		if in.HasFlag(asm.FlagFrameSetup) || in.HasFlag(asm.FlagFrameDestroy) {
			t.Fatalf("unexpected frame instruction %s", in)
		}
		return nil
	})

	_, lines := compileLines(t, b, fn)
	expectExact(t, lines, []string{
		"add r10, r10, r11",
		"ret",
	})
}

func TestCalleeSavesAroundFramePointer(t *testing.T) {
	b := newTestBackend(t, Options{DisableFramePointerElim: true})
	fn := parseFunction(t, "keep", ir.Signature{Params: i32Params("a"), Results: []ir.Type{ir.I32}}, `
		x = add a, 1
		call g()
		ret x
	`)

	_, lines := compileLines(t, b, fn)
	expectExact(t, lines, []string{
		"addi r2, r2, -3",
		"st r1, r2, 2",
		"st r3, r2, 1",
		"st r5, r2, 0",
		"addi r3, r2, 3",
		"addi r10, r10, 1",
		"addi r5, r10, 0",
		"call g",
		"addi r10, r5, 0",
		"ld r5, r2, 0",
		"ld r3, r2, 1",
		"ld r1, r2, 2",
		"addi r2, r2, 3",
		"ret",
	})
}

func TestSpillOrderAndRestoreOrder(t *testing.T) {
	b := newTestBackend(t, Options{DisableFramePointerElim: true})
	fn := parseFunction(t, "keep", ir.Signature{Params: i32Params("a"), Results: []ir.Type{ir.I32}}, `
		x = add a, 1
		call g()
		ret x
	`)
	f, err := b.Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	var spills, restores []asm.Register
	_ = f.Machine.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
		switch {
		case in.Op == simasm.ST && in.HasFlag(asm.FlagFrameSetup):
			spills = append(spills, in.Operands[0].Reg)
		case in.Op == simasm.LD && in.HasFlag(asm.FlagFrameDestroy):
			restores = append(restores, in.Operands[0].Reg)
		}
		return nil
	})
	if !slices.IsSorted(spills) || len(spills) != 3 {
		t.Fatalf("spills = %v, want three in ascending order", spills)
	}
	reversed := slices.Clone(restores)
	slices.Reverse(reversed)
	if !slices.Equal(reversed, spills) {
		t.Fatalf("restores = %v, want reverse of spills %v", restores, spills)
	}
}

func TestFramePointerEstablishedAfterSpill(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "frame", ir.Signature{Results: []ir.Type{ir.I32}}, `
		p = frameaddr 0
		ret p
	`)

	_, lines := compileLines(t, b, fn)
	expectExact(t, lines, []string{
		"addi r2, r2, -2",
		"st r1, r2, 1",
		"st r3, r2, 0",
		"addi r3, r2, 2",
		"addi r10, r3, 0",
		"ld r3, r2, 0",
		"ld r1, r2, 1",
		"addi r2, r2, 2",
		"ret",
	})

	spill := slices.IndexFunc(lines, func(l testutil.Line) bool { return l.Normalized == "st r3, r2, 0" })
	establish := slices.IndexFunc(lines, func(l testutil.Line) bool { return strings.HasPrefix(l.Normalized, "addi r3,") })
	if spill < 0 || establish < spill {
		t.Fatalf("frame pointer written at %d before its spill at %d", establish, spill)
	}
}

func TestFrameAddressDepth(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "deep", ir.Signature{Results: []ir.Type{ir.I32}}, `
		p = frameaddr 1
		ret p
	`)
	_, err := b.Lower(fn)
	if !errors.Is(err, ErrFrameAddressDepth) {
		t.Fatalf("err = %v, want ErrFrameAddressDepth", err)
	}
}

func TestBranchesNeverCarryLessOrGreaterEqual(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "cmp", ir.Signature{Params: i32Params("a", "b"), Results: []ir.Type{ir.I32}}, `
		if lt a, b goto less
		ret 0
	less:
		ret 1
	`)
	_, lines := compileLines(t, b, fn)
	expectExact(t, lines, []string{
		"br.gt r11, r10, .Lcmp_less",
		"ldi r10, 0",
		"ret",
		"ldi r10, 1",
		"ret",
	})

	for _, kind := range []string{"eq", "ne", "lt", "le", "gt", "ge"} {
		t.Run(kind, func(t *testing.T) {
			fn := parseFunction(t, "cmp_"+kind, ir.Signature{Params: i32Params("a", "b")}, `
				if `+kind+` a, b goto out
				x = add a, b
			out:
				ret
			`)
			f, err := b.Lower(fn)
			if err != nil {
				t.Fatalf("Lower: %v", err)
			}
			_ = f.Machine.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
				if in.Op != simasm.BRCC {
					return nil
				}
				cc := simasm.CondCode(in.Operands[2].Imm)
				if cc == simasm.CondLT || cc == simasm.CondGE {
					t.Fatalf("branch carries %s", cc)
				}
				return nil
			})
		})
	}
}

func TestIfElseInvertsCondition(t *testing.T) {
	b := newTestBackend(t, Options{})
	body := ir.Method{
		ir.If(ir.IsGreaterOrEqual(ir.Var("a"), ir.Var("b")),
			ir.Return(ir.Var("a")),
			ir.Return(ir.Var("b")),
		),
	}
	fn := &ir.Function{
		Name:      "maxval",
		Signature: ir.Signature{Params: i32Params("a", "b"), Results: []ir.Type{ir.I32}},
		Body:      body,
	}
	f, err := b.Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	entry := f.Machine.Entry()
	br := entry.Instrs[len(entry.Instrs)-1]
	if br.Op != simasm.BRCC {
		t.Fatalf("entry ends with %s, want br", simasm.Mnemonic(br.Op))
	}
	// ge inverts to lt, which is then swapped to gt.
	if cc := simasm.CondCode(br.Operands[2].Imm); cc != simasm.CondGT {
		t.Fatalf("condition = %s, want gt", cc)
	}
	if br.Operands[0].Reg != simasm.R11 || br.Operands[1].Reg != simasm.R10 {
		t.Fatalf("operands = %s, %s; want swapped", br.Operands[0], br.Operands[1])
	}
}

func TestLoopKeepsValuesLive(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "sum", ir.Signature{Params: i32Params("n"), Results: []ir.Type{ir.I32}}, `
		acc = 0
		i = 0
	loop:
		if ge i, n goto done
		acc = add acc, i
		i = add i, 1
		br loop
	done:
		ret acc
	`)
	f, err := b.Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	// n, acc and i are all live across the back edge and must not share.
	var loopBlock *asm.Block
	for _, blk := range f.Machine.Blocks {
		if blk.Label == ".Lsum_loop" {
			loopBlock = blk
		}
	}
	if loopBlock == nil {
		t.Fatalf("loop block missing")
	}
	br := loopBlock.Instrs[0]
	if br.Op != simasm.BRCC || br.Operands[0].Reg == br.Operands[1].Reg {
		t.Fatalf("loop test %s compares a register with itself", br)
	}
	if !f.Frame.IsLeaf {
		t.Fatalf("loop without calls should be a leaf")
	}
}

func TestOutgoingArgumentsOverflowToStack(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "caller", ir.Signature{}, `
		call h(1, 2, 3, 4, 5, 6)
		ret
	`)
	prog, lines := compileLines(t, b, fn)
	expectExact(t, lines, []string{
		"addi r2, r2, -3",
		"st r1, r2, 2",
		"ldi r10, 1",
		"ldi r11, 2",
		"ldi r12, 3",
		"ldi r13, 4",
		"ldi r14, 5",
		"ldi r15, 6",
		"st r14, r2, 0",
		"st r15, r2, 1",
		"call h",
		"ld r1, r2, 2",
		"addi r2, r2, 3",
		"ret",
	})
	if got := prog.Symbols(); !slices.Equal(got, []string{"h"}) {
		t.Fatalf("symbols = %v, want [h]", got)
	}
}

func TestIncomingStackArguments(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "fifth", ir.Signature{Params: i32Params("a", "b", "c", "d", "e"), Results: []ir.Type{ir.I32}}, `
		ret e
	`)
	_, lines := compileLines(t, b, fn)
	// The fifth argument lives at the incoming stack pointer.
	expectExact(t, lines, []string{
		"ld r10, r2, 0",
		"ret",
	})
}

func TestByValCopy(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		threshold int64
		memcpy    bool
		loads     int
	}{
		{name: "inline at threshold", size: 32, memcpy: false, loads: 8 + 1},
		{name: "memcpy above threshold", size: 40, memcpy: true, loads: 1},
		{name: "raised threshold", size: 40, threshold: 64, memcpy: false, loads: 10 + 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, Options{InlineCopyThreshold: tc.threshold})
			sig := ir.Signature{Params: []ir.Param{{Name: "p", Type: ir.Ptr}}}
			fn := parseFunction(t, "pass", sig, "call take(byval("+itoa(tc.size)+") p)\nret\n")
			prog, lines := compileLines(t, b, fn)

			hasMemcpy := slices.Contains(prog.Symbols(), "memcpy")
			if hasMemcpy != tc.memcpy {
				t.Fatalf("memcpy referenced = %v, want %v\n%s", hasMemcpy, tc.memcpy, prog)
			}
			if got := testutil.Count(lines, "ld"); got != tc.loads {
				t.Fatalf("ld count = %d, want %d\n%s", got, tc.loads, prog)
			}
			if testutil.Count(lines, "call") != map[bool]int{true: 2, false: 1}[tc.memcpy] {
				t.Fatalf("unexpected call count\n%s", prog)
			}
		})
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestArgumentExtension(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "ext", ir.Signature{Params: i32Params("x")}, `
		call h(x:i8:sext, x:i16)
		ret
	`)
	_, lines := compileLines(t, b, fn)
	testutil.VerifySubsequence(t, lines, []testutil.Expectation{
		{Name: "sext mask", Mnemonic: "ldi", Contains: []string{"255"}},
		{Name: "sext and", Mnemonic: "and"},
		{Name: "sext sign", Mnemonic: "ldi", Contains: []string{"128"}},
		{Name: "sext xor", Mnemonic: "xor"},
		{Name: "sext sub", Mnemonic: "sub"},
		{Name: "zext mask hi", Mnemonic: "ldi"},
		{Name: "zext mask shift", Mnemonic: "shli"},
		{Name: "zext mask lo", Mnemonic: "addi", Contains: []string{"-1"}},
		{Name: "zext and", Mnemonic: "and"},
		{Name: "call", Mnemonic: "call", Contains: []string{"h"}},
	})
}

func TestDynamicAllocation(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "dyn", ir.Signature{}, `
		p = alloca 10
		store [p], 1
		ret
	`)
	f, err := b.Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if !f.Frame.HasFP || !f.Frame.HasVarSizedObjects {
		t.Fatalf("alloca should force a frame pointer")
	}
	_, lines := compileLines(t, b, fn)
	testutil.VerifySubsequence(t, lines, []testutil.Expectation{
		{Name: "frame", Mnemonic: "addi", Contains: []string{"addi r2, r2, -2"}},
		{Name: "fp", Mnemonic: "addi", Contains: []string{"addi r3, r2, 2"}},
		{Name: "alloca", Mnemonic: "addi", Contains: []string{"addi r2, r2, -3"}},
		{Name: "result", Mnemonic: "addi", Contains: []string{"r2, 0"}},
		{Name: "store", Mnemonic: "st"},
		{Name: "reset sp", Mnemonic: "addi", Contains: []string{"addi r2, r3, -2"}},
		{Name: "restore fp", Mnemonic: "ld", Contains: []string{"ld r3"}},
		{Name: "restore ra", Mnemonic: "ld", Contains: []string{"ld r1"}},
		{Name: "release", Mnemonic: "addi", Contains: []string{"addi r2, r2, 2"}},
		{Name: "ret", Mnemonic: "ret"},
	})
}

func TestDynamicAllocationWithRealignmentFails(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "realigned", ir.Signature{}, `
		p = alloca 16
		ret
	`)
	fn.Attrs.ForceRealign = true

	_, err := b.Lower(fn)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !errors.Is(err, ErrBasePointerRequired) || !errors.Is(err, ErrCannotRealign) {
		t.Fatalf("err = %v, want base pointer / realignment error", err)
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Func != "realigned" {
		t.Fatalf("err = %v, want FatalError naming the function", err)
	}
}

func TestAddressMaterialization(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		expect []testutil.Expectation
	}{
		{
			name: "small displacement",
			body: "x = load [p + 8]\nret x\n",
			expect: []testutil.Expectation{
				{Name: "load", Mnemonic: "ld", Contains: []string{"ld r10, r10, 2"}},
			},
		},
		{
			name: "large displacement",
			body: "x = load [p + 400000]\nret x\n",
			expect: []testutil.Expectation{
				{Name: "hi", Mnemonic: "ldi"},
				{Name: "shift", Mnemonic: "shli"},
				{Name: "add", Mnemonic: "add"},
				{Name: "load", Mnemonic: "ld", Contains: []string{", 0"}},
			},
		},
		{
			name: "word index",
			body: "x = load [p + i*4 + 4]\nret x\n",
			expect: []testutil.Expectation{
				{Name: "add", Mnemonic: "add", Contains: []string{"r10, r11"}},
				{Name: "load", Mnemonic: "ld", Contains: []string{", 1"}},
			},
		},
		{
			name: "scaled index",
			body: "x = load [p + i*8]\nret x\n",
			expect: []testutil.Expectation{
				{Name: "scale", Mnemonic: "ldi", Contains: []string{", 2"}},
				{Name: "mul", Mnemonic: "mul"},
				{Name: "add", Mnemonic: "add"},
				{Name: "load", Mnemonic: "ld"},
			},
		},
		{
			name: "global",
			body: "x = load [@counter + 8]\nret x\n",
			expect: []testutil.Expectation{
				{Name: "symbol", Mnemonic: "ldi", Contains: []string{"counter"}},
				{Name: "load", Mnemonic: "ld", Contains: []string{", 2"}},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, Options{})
			sig := ir.Signature{Params: i32Params("p", "i"), Results: []ir.Type{ir.I32}}
			_, lines := compileLines(t, b, parseFunction(t, "mem", sig, tc.body))
			testutil.VerifySubsequence(t, lines, tc.expect)
		})
	}
}

func TestLocalsAreAddressedFromStackPointer(t *testing.T) {
	b := newTestBackend(t, Options{})
	fn := parseFunction(t, "locals", ir.Signature{Results: []ir.Type{ir.I32}}, `
		store %buf+4, 7
		x = load %buf+4
		ret x
	`)
	fn.Locals = []ir.LocalConfig{{Name: "buf", Size: 10}}

	_, lines := compileLines(t, b, fn)
	expectExact(t, lines, []string{
		"addi r2, r2, -3",
		"ldi r10, 7",
		"st r10, r2, 1",
		"ld r10, r2, 1",
		"addi r2, r2, 3",
		"ret",
	})
}

func TestFatalConditions(t *testing.T) {
	tests := []struct {
		name string
		sig  ir.Signature
		body string
		want error
	}{
		{name: "vararg function", sig: ir.Signature{VarArg: true}, body: "ret\n", want: ErrVarArgs},
		{name: "vararg call", body: "call f(1, ...)\nret\n", want: ErrVarArgs},
		{name: "indirect argument", body: "call f(1:indirect)\nret\n", want: ErrIndirectArgument},
		{name: "i64 parameter", sig: ir.Signature{Params: []ir.Param{{Name: "x", Type: ir.I64}}}, body: "ret\n", want: ErrUnsupportedType},
		{name: "float argument", body: "call f(1:f32)\nret\n", want: ErrUnsupportedType},
		{name: "vector result", sig: ir.Signature{Results: []ir.Type{ir.V4I32}}, body: "ret 0\n", want: ErrUnsupportedType},
		{name: "calling convention", body: "call cc(swift) f()\nret\n", want: ErrUnsupportedCallConv},
		{name: "three results", sig: ir.Signature{Results: []ir.Type{ir.I32, ir.I32, ir.I32}}, body: "ret 1, 2, 3\n", want: ErrReturnTooLarge},
		{name: "tail call", body: "tail call f()\nret\n", want: ErrTailCall},
		{name: "unsigned divide", body: "x = udiv 1, 2\nret\n", want: ErrIllegalOperation},
		{name: "remainder", body: "x = srem 1, 2\nret\n", want: ErrIllegalOperation},
		{name: "variable shift", body: "y = 3\nx = shl 1, y\nret\n", want: ErrIllegalOperation},
		{name: "wide constant", body: "x = 8589934592\nret\n", want: ErrIllegalOperation},
		{name: "misaligned displacement", body: "p = 0\nx = load [p + 2]\nret\n", want: ErrIllegalOperation},
		{name: "undefined value", body: "x = add y, 1\nret\n", want: ErrUndefinedValue},
		{name: "missing return", sig: ir.Signature{Results: []ir.Type{ir.I32}}, body: "x = 1\n", want: ErrMissingReturn},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, Options{})
			_, err := b.CompileFunction(context.Background(), parseFunction(t, "bad", tc.sig, tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var fe *FatalError
			if !errors.As(err, &fe) || fe.Func != "bad" {
				t.Fatalf("err = %v, want FatalError for bad", err)
			}
		})
	}
}

func TestOutOfRegisters(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 14; i++ {
		body.WriteString("x" + itoa(int64(i)) + " = " + itoa(int64(i+1)) + "\n")
	}
	body.WriteString("s = add x0, x1\n")
	for i := 2; i < 14; i++ {
		body.WriteString("s = add s, x" + itoa(int64(i)) + "\n")
	}
	body.WriteString("ret s\n")

	b := newTestBackend(t, Options{})
	sig := ir.Signature{Results: []ir.Type{ir.I32}}
	_, err := b.Lower(parseFunction(t, "pressure", sig, body.String()))
	if !errors.Is(err, ErrOutOfRegisters) {
		t.Fatalf("err = %v, want ErrOutOfRegisters", err)
	}
}

func TestCompileFunctionHonoursCancellation(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.CompileFunction(ctx, parseFunction(t, "f", ir.Signature{}, "ret\n"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBuildModule(t *testing.T) {
	prog, err := ir.ParseModule([]byte(`
functions:
  - name: inc
    params:
      - {name: x, type: i32}
    result: [i32]
    body: |
      y = add x, 1
      ret y
  - name: main
    result: [i32]
    body: |
      r = call inc(41)
      ret r
globals:
  counter: {size: 8}
`))
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	b := newTestBackend(t, Options{Branch: simasm.BranchAddress})
	out, err := ir.Build(context.Background(), b, prog, ir.BuildOptions{Workers: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	text := out.String()
	incAt := strings.Index(text, "inc:")
	mainAt := strings.Index(text, "main:")
	if incAt < 0 || mainAt < incAt {
		t.Fatalf("functions out of order:\n%s", text)
	}
	if !strings.Contains(text, "\t.comm counter, 8, 4\n") {
		t.Fatalf("missing global:\n%s", text)
	}
	if !slices.Contains(out.Symbols(), "inc") {
		t.Fatalf("symbols = %v, want inc referenced", out.Symbols())
	}
}

func TestNewBackendRejectsNegativeThreshold(t *testing.T) {
	if _, err := NewBackend(Options{InlineCopyThreshold: -1}); err == nil {
		t.Fatalf("expected error")
	}
}

package sim

import (
	"errors"
	"testing"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir"
)

func TestFormalArgumentsOverflowToStack(t *testing.T) {
	cc := newCallingConv(simasm.NewTarget())
	res, err := cc.AnalyzeFormalArguments(ir.Signature{Params: i32Params("a", "b", "c", "d", "e", "f")})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(res.Locs) != 6 {
		t.Fatalf("locations = %d, want 6", len(res.Locs))
	}
	for idx, want := range simasm.ArgRegisters {
		if res.Locs[idx].Reg != want {
			t.Fatalf("argument %d in %s, want %s", idx, simasm.RegisterName(res.Locs[idx].Reg), simasm.RegisterName(want))
		}
	}
	for idx, want := range []int64{0, 4} {
		loc := res.Locs[4+idx]
		if loc.IsReg() || loc.Offset != want || loc.Size != 4 {
			t.Fatalf("argument %d = %+v, want stack offset %d", 4+idx, loc, want)
		}
	}
	if res.StackSize != 8 {
		t.Fatalf("stack size = %d, want 8", res.StackSize)
	}
}

func TestPromotion(t *testing.T) {
	tests := []struct {
		name  string
		typ   ir.Type
		flags ir.ArgFlags
		want  LocInfo
	}{
		{name: "i32", typ: ir.I32, want: LocFull},
		{name: "signed i8", typ: ir.I8, flags: ir.ArgFlags{SExt: true}, want: LocSExt},
		{name: "i16", typ: ir.I16, want: LocZExt},
		{name: "i1", typ: ir.I1, flags: ir.ArgFlags{ZExt: true}, want: LocZExt},
		{name: "pointer", typ: ir.Ptr, want: LocBCvt},
		{name: "byval", typ: ir.Ptr, flags: ir.ArgFlags{ByVal: true, ByValSize: 16}, want: LocBCvt},
	}
	cc := newCallingConv(simasm.NewTarget())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := cc.AnalyzeCallOperands(ir.CallConfig{
				Target: "f",
				Args:   []ir.CallArg{{Value: ir.Int32(0), Type: tc.typ, Flags: tc.flags}},
			})
			if err != nil {
				t.Fatalf("analyze: %v", err)
			}
			if got := res.Locs[0].Info; got != tc.want {
				t.Fatalf("info = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCallingConventionErrors(t *testing.T) {
	cc := newCallingConv(simasm.NewTarget())
	tests := []struct {
		name string
		sig  ir.Signature
		want error
	}{
		{name: "varargs", sig: ir.Signature{VarArg: true}, want: ErrVarArgs},
		{name: "indirect", sig: ir.Signature{Params: []ir.Param{{Name: "p", Type: ir.Ptr, Flags: ir.ArgFlags{Indirect: true}}}}, want: ErrIndirectArgument},
		{name: "i64", sig: ir.Signature{Params: []ir.Param{{Name: "x", Type: ir.I64}}}, want: ErrUnsupportedType},
		{name: "f32", sig: ir.Signature{Params: []ir.Param{{Name: "x", Type: ir.F32}}}, want: ErrUnsupportedType},
		{name: "vector", sig: ir.Signature{Params: []ir.Param{{Name: "x", Type: ir.V4I32}}}, want: ErrUnsupportedType},
		{name: "unknown convention", sig: ir.Signature{CallConv: "stdcall"}, want: ErrUnsupportedCallConv},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := cc.AnalyzeFormalArguments(tc.sig); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	for _, name := range []string{"", "c", "ccc", "fast", "fastcc"} {
		if _, err := cc.AnalyzeFormalArguments(ir.Signature{CallConv: name}); err != nil {
			t.Fatalf("convention %q rejected: %v", name, err)
		}
	}
	if _, err := cc.AnalyzeCallOperands(ir.CallConfig{Target: "f", VarArg: true}); !errors.Is(err, ErrVarArgs) {
		t.Fatalf("vararg call err = %v", err)
	}
}

func TestReturnLocations(t *testing.T) {
	cc := newCallingConv(simasm.NewTarget())

	locs, err := cc.AnalyzeReturn([]ir.Type{ir.I32, ir.I16})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(locs) != 2 || locs[0].Reg != simasm.R10 || locs[1].Reg != simasm.R11 {
		t.Fatalf("locations = %+v, want r10, r11", locs)
	}
	if locs[1].Info != LocZExt {
		t.Fatalf("i16 result info = %s, want zext", locs[1].Info)
	}

	three := []ir.Type{ir.I32, ir.I32, ir.I32}
	if _, err := cc.AnalyzeReturn(three); !errors.Is(err, ErrReturnTooLarge) {
		t.Fatalf("err = %v, want ErrReturnTooLarge", err)
	}
	if cc.CheckReturn(three) {
		t.Fatalf("CheckReturn accepted three results")
	}
	if !cc.CheckReturn([]ir.Type{ir.Ptr}) {
		t.Fatalf("CheckReturn rejected a pointer result")
	}

	none, err := cc.AnalyzeCallResult(ir.Void)
	if err != nil || none != nil {
		t.Fatalf("void result = %v, %v", none, err)
	}
	one, err := cc.AnalyzeCallResult(ir.I32)
	if err != nil || len(one) != 1 || one[0].Reg != simasm.R10 {
		t.Fatalf("i32 result = %+v, %v", one, err)
	}
	if one[0].Reg == asm.NoRegister {
		t.Fatalf("result not in a register")
	}
}

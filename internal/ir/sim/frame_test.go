package sim

import (
	"errors"
	"testing"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir"
)

func retOnly(name string) *Func {
	f := newFunc(name)
	f.Machine.Blocks = []*asm.Block{{Label: asm.Label(name), Instrs: []*asm.Instr{simasm.Ret()}}}
	return f
}

func layoutAndFinalize(m *frameManager, f *Func) error {
	if err := m.DetermineLayout(f); err != nil {
		return err
	}
	if err := m.DetermineCalleeSaves(f); err != nil {
		return err
	}
	return m.Finalize(f)
}

func TestFrameWordCount(t *testing.T) {
	tests := []struct {
		name    string
		sizes   []int64
		want    int64
		wantErr error
	}{
		{name: "empty", want: 0},
		{name: "one byte", sizes: []int64{1}, want: 1},
		{name: "one word", sizes: []int64{4}, want: 1},
		{name: "five bytes", sizes: []int64{5}, want: 2},
		{name: "mixed", sizes: []int64{4, 4, 1}, want: 3},
		{name: "largest", sizes: []int64{4 * simasm.MaxImm16}, want: simasm.MaxImm16},
		{name: "too large", sizes: []int64{4 * (simasm.MaxImm16 + 1)}, wantErr: ErrStackTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := retOnly("frame")
			for _, size := range tc.sizes {
				if _, err := f.Frame.CreateStackObject(size, 4); err != nil {
					t.Fatalf("CreateStackObject: %v", err)
				}
			}
			err := layoutAndFinalize(newFrameManager(discardLogger()), f)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("finalize: %v", err)
			}
			if f.Frame.StackSize != tc.want {
				t.Fatalf("words = %d, want %d", f.Frame.StackSize, tc.want)
			}
		})
	}
}

func TestEmptyFrameEmitsNothing(t *testing.T) {
	m := newFrameManager(discardLogger())
	f := retOnly("leaf")
	if err := layoutAndFinalize(m, f); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	for _, step := range []func(*Func) error{m.SpillCalleeSaves, m.EmitPrologue, m.RestoreCalleeSaves, m.EmitEpilogue} {
		if err := step(f); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if got := len(f.Machine.Entry().Instrs); got != 1 {
		t.Fatalf("instructions = %d, want only ret", got)
	}
	if !f.Frame.IsLeaf || f.Frame.HasFP {
		t.Fatalf("leaf = %v, hasFP = %v", f.Frame.IsLeaf, f.Frame.HasFP)
	}
}

func TestFrameMutatorsAfterFinalize(t *testing.T) {
	m := newFrameManager(discardLogger())
	f := retOnly("done")
	if err := layoutAndFinalize(m, f); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := f.Frame.CreateStackObject(4, 4); !errors.Is(err, ErrFrameFinalized) {
		t.Fatalf("CreateStackObject err = %v", err)
	}
	if err := f.Frame.NoteCall(8); !errors.Is(err, ErrFrameFinalized) {
		t.Fatalf("NoteCall err = %v", err)
	}
	if err := m.Finalize(f); !errors.Is(err, ErrFrameFinalized) {
		t.Fatalf("second Finalize err = %v", err)
	}
}

func TestResolveBeforeFinalize(t *testing.T) {
	m := newFrameManager(discardLogger())
	f := retOnly("early")
	fi, err := f.Frame.CreateStackObject(4, 4)
	if err != nil {
		t.Fatalf("CreateStackObject: %v", err)
	}
	if _, _, err := m.ResolveFrameIndex(f, fi); !errors.Is(err, ErrFrameNotFinalized) {
		t.Fatalf("err = %v, want ErrFrameNotFinalized", err)
	}
	if err := m.EmitPrologue(f); !errors.Is(err, ErrFrameNotFinalized) {
		t.Fatalf("EmitPrologue err = %v", err)
	}
}

func TestCalleeSaveResolutionIsStable(t *testing.T) {
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
	if len(f.Frame.CSI) == 0 {
		t.Fatalf("expected callee saves")
	}
	for idx, csi := range f.Frame.CSI {
		if idx > 0 && csi.FrameIndex != f.Frame.CSI[idx-1].FrameIndex+1 {
			t.Fatalf("callee-save frame indices not consecutive: %+v", f.Frame.CSI)
		}
		reg1, off1, err := b.Frames.ResolveFrameIndex(f, csi.FrameIndex)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		reg2, off2, err := b.Frames.ResolveFrameIndex(f, csi.FrameIndex)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if reg1 != reg2 || off1 != off2 {
			t.Fatalf("resolution changed: (%d,%d) then (%d,%d)", reg1, off1, reg2, off2)
		}
		if reg1 != simasm.SP {
			t.Fatalf("callee-save slot based on %s, want sp", simasm.RegisterName(reg1))
		}
		want := f.Frame.Objects[csi.FrameIndex].Offset/simasm.WordBytes + f.Frame.StackSize
		if off1 != want {
			t.Fatalf("offset = %d, want %d", off1, want)
		}
	}
}

func TestLocalsUseFramePointerWhenPresent(t *testing.T) {
	b := newTestBackend(t, Options{DisableFramePointerElim: true})
	fn := parseFunction(t, "fp", ir.Signature{}, `
		store %slot, 1
		ret
	`)
	fn.Locals = []ir.LocalConfig{{Name: "slot", Size: 4}}
	f, err := b.Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	var store *asm.Instr
	_ = f.Machine.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
		if in.Op == simasm.ST && !in.HasFlag(asm.FlagFrameSetup) {
			store = in
		}
		return nil
	})
	if store == nil {
		t.Fatalf("store missing")
	}
	// RA and FP occupy the two words below FP; the local is the third.
	if store.Operands[1].Reg != simasm.FP || store.Operands[2].Imm != -3 {
		t.Fatalf("store = %s %s, %s; want fp, -3", simasm.Mnemonic(store.Op), store.Operands[1], store.Operands[2])
	}
}

func TestCallFramePseudos(t *testing.T) {
	build := func(varSized bool) *Func {
		f := newFunc("calls")
		if varSized {
			if _, err := f.Frame.CreateVariableSizedObject(); err != nil {
				t.Fatalf("CreateVariableSizedObject: %v", err)
			}
		}
		f.Machine.Blocks = []*asm.Block{{Label: "calls", Instrs: []*asm.Instr{
			simasm.AdjCallStackDown(8),
			simasm.Call("h"),
			simasm.AdjCallStackUp(8),
			simasm.Ret(),
		}}}
		return f
	}
	m := newFrameManager(discardLogger())

	reserved := build(false)
	if err := m.EliminateCallFramePseudos(reserved); err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	if got := len(reserved.Machine.Entry().Instrs); got != 2 {
		t.Fatalf("reserved call frame left %d instructions, want 2", got)
	}

	dynamic := build(true)
	if err := m.EliminateCallFramePseudos(dynamic); err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	instrs := dynamic.Machine.Entry().Instrs
	if len(instrs) != 4 {
		t.Fatalf("got %d instructions, want 4", len(instrs))
	}
	for idx, want := range []int64{-2, 2} {
		in := instrs[idx*2]
		if in.Op != simasm.ADDi || in.Operands[0].Reg != simasm.SP || in.Operands[2].Imm != want {
			t.Fatalf("adjustment %d = %s, want addi sp, sp, %d", idx, in, want)
		}
	}
}

func TestEliminateFrameIndicesRange(t *testing.T) {
	m := newFrameManager(discardLogger())
	f := retOnly("far")
	fi, err := f.Frame.CreateStackObject(4, 4)
	if err != nil {
		t.Fatalf("CreateStackObject: %v", err)
	}
	entry := f.Machine.Entry()
	entry.Insert(0, simasm.Load(simasm.R10, asm.FI(fi), simasm.MaxImm16+1))
	if err := layoutAndFinalize(m, f); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := m.EliminateFrameIndices(f); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("err = %v, want ErrOffsetOutOfRange", err)
	}
}

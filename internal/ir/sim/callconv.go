package sim

import (
	"fmt"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir"
)

// LocInfo describes how a value is converted on its way into a location.
type LocInfo uint8

const (
	LocFull LocInfo = iota
	LocSExt
	LocZExt
	LocBCvt
	LocIndirect
)

func (l LocInfo) String() string {
	switch l {
	case LocFull:
		return "full"
	case LocSExt:
		return "sext"
	case LocZExt:
		return "zext"
	case LocBCvt:
		return "bcvt"
	case LocIndirect:
		return "indirect"
	}
	return fmt.Sprintf("locinfo(%d)", uint8(l))
}

// ArgLoc is the location assigned to one value. Stack locations are byte
// offsets from the stack pointer at the call.
type ArgLoc struct {
	ValNo  int
	Type   ir.Type
	Reg    asm.Register
	Offset int64
	Size   int64
	Info   LocInfo
}

func (l ArgLoc) IsReg() bool { return l.Reg != asm.NoRegister }

// CCResult is the outcome of analyzing an argument list.
type CCResult struct {
	Locs []ArgLoc
	// StackSize is the size in bytes of the stack argument area.
	StackSize int64
}

const stackSlotBytes = simasm.WordBytes

type callingConv struct {
	target *simasm.Target
}

func newCallingConv(target *simasm.Target) *callingConv {
	return &callingConv{target: target}
}

type ccState struct {
	regs       []asm.Register
	next       int
	stack      int64
	allowStack bool
	locs       []ArgLoc
}

func (s *ccState) assign(valNo int, t ir.Type, flags ir.ArgFlags) error {
	if flags.Indirect {
		return ErrIndirectArgument
	}
	info, err := locInfoFor(t, flags)
	if err != nil {
		return err
	}
	loc := ArgLoc{ValNo: valNo, Type: t, Reg: asm.NoRegister, Info: info}
	switch {
	case s.next < len(s.regs):
		loc.Reg = s.regs[s.next]
		s.next++
	case s.allowStack:
		loc.Offset = alignTo(s.stack, stackSlotBytes)
		loc.Size = stackSlotBytes
		s.stack = loc.Offset + stackSlotBytes
	default:
		return ErrReturnTooLarge
	}
	s.locs = append(s.locs, loc)
	return nil
}

// locInfoFor applies the promotion table: narrow integers widen to i32,
// pointers bit-cast to i32, wider and non-integer types are rejected.
func locInfoFor(t ir.Type, flags ir.ArgFlags) (LocInfo, error) {
	if flags.ByVal {
		return LocBCvt, nil
	}
	switch t {
	case ir.I1, ir.I8, ir.I16:
		if flags.SExt {
			return LocSExt, nil
		}
		return LocZExt, nil
	case ir.I32:
		return LocFull, nil
	case ir.Ptr:
		return LocBCvt, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

func checkCallConv(name string) error {
	switch name {
	case "", "c", "ccc", "fast", "fastcc":
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnsupportedCallConv, name)
}

// AnalyzeFormalArguments assigns locations to the incoming parameters of sig.
func (c *callingConv) AnalyzeFormalArguments(sig ir.Signature) (CCResult, error) {
	if sig.VarArg {
		return CCResult{}, ErrVarArgs
	}
	if err := checkCallConv(sig.CallConv); err != nil {
		return CCResult{}, err
	}
	st := &ccState{regs: simasm.ArgRegisters, allowStack: true}
	for idx, p := range sig.Params {
		if err := st.assign(idx, p.Type, p.Flags); err != nil {
			return CCResult{}, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
	}
	return CCResult{Locs: st.locs, StackSize: st.stack}, nil
}

// AnalyzeCallOperands assigns locations to the outgoing arguments of a call.
func (c *callingConv) AnalyzeCallOperands(call ir.CallConfig) (CCResult, error) {
	if call.VarArg {
		return CCResult{}, ErrVarArgs
	}
	if err := checkCallConv(call.CallConv); err != nil {
		return CCResult{}, err
	}
	st := &ccState{regs: simasm.ArgRegisters, allowStack: true}
	for idx, a := range call.Args {
		if err := st.assign(idx, a.Type, a.Flags); err != nil {
			return CCResult{}, fmt.Errorf("argument %d of call to %s: %w", idx, call.Target, err)
		}
	}
	return CCResult{Locs: st.locs, StackSize: st.stack}, nil
}

// AnalyzeReturn assigns return registers to the values a function returns.
func (c *callingConv) AnalyzeReturn(types []ir.Type) ([]ArgLoc, error) {
	st := &ccState{regs: simasm.ReturnRegisters}
	for idx, t := range types {
		if err := st.assign(idx, t, ir.ArgFlags{}); err != nil {
			return nil, err
		}
	}
	return st.locs, nil
}

// AnalyzeCallResult assigns the location a call's result arrives in.
func (c *callingConv) AnalyzeCallResult(t ir.Type) ([]ArgLoc, error) {
	if t == ir.Void {
		return nil, nil
	}
	return c.AnalyzeReturn([]ir.Type{t})
}

// CheckReturn reports whether types can be returned in registers.
func (c *callingConv) CheckReturn(types []ir.Type) bool {
	_, err := c.AnalyzeReturn(types)
	return err == nil
}

func alignTo(v, align int64) int64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

package sim

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
)

// FrameObject is one stack slot. Offsets are in bytes relative to the
// stack pointer on entry to the function; fixed objects (incoming stack
// arguments) sit at or above it, everything else below.
type FrameObject struct {
	Size       int64
	Align      int64
	Offset     int64
	Fixed      bool
	CalleeSave bool
	VarSized   bool
}

// CalleeSavedInfo pairs a saved register with its spill slot.
type CalleeSavedInfo struct {
	Reg        asm.Register
	FrameIndex int
}

// StackFrame is the per-function frame side table. It is built during
// selection, completed by the frame manager and frozen by Finalize.
type StackFrame struct {
	Objects []FrameObject
	// StackSize is the frame size in words once finalized.
	StackSize int64
	MaxAlign  int64
	CSI       []CalleeSavedInfo

	HasFP           bool
	HasBP           bool
	IsLeaf          bool
	VarArgsSaveSize int64

	HasCalls           bool
	AdjustsStack       bool
	FrameAddressTaken  bool
	HasVarSizedObjects bool
	SPReferenced       bool
	// MaxCallFrameSize is the largest outgoing argument area in bytes.
	MaxCallFrameSize int64

	ForceRealign  bool
	DisableFPElim bool

	finalized bool
}

func NewStackFrame() *StackFrame {
	return &StackFrame{MaxAlign: simasm.StackAlign}
}

func (s *StackFrame) Finalized() bool { return s.finalized }

func (s *StackFrame) mutable() error {
	if s.finalized {
		return ErrFrameFinalized
	}
	return nil
}

// CreateStackObject reserves a local slot of size bytes. Slots are word
// granular.
func (s *StackFrame) CreateStackObject(size, align int64) (int, error) {
	if err := s.mutable(); err != nil {
		return -1, err
	}
	if size <= 0 {
		return -1, fmt.Errorf("stack object size %d must be positive", size)
	}
	align = max(align, simasm.WordBytes)
	s.MaxAlign = max(s.MaxAlign, align)
	s.Objects = append(s.Objects, FrameObject{
		Size:  alignTo(size, simasm.WordBytes),
		Align: align,
	})
	return len(s.Objects) - 1, nil
}

// CreateFixedObject records an object at a known byte offset from the
// incoming stack pointer.
func (s *StackFrame) CreateFixedObject(size, offset int64) (int, error) {
	if err := s.mutable(); err != nil {
		return -1, err
	}
	if offset%simasm.WordBytes != 0 {
		return -1, fmt.Errorf("fixed object offset %d is not word aligned", offset)
	}
	s.Objects = append(s.Objects, FrameObject{
		Size:   alignTo(size, simasm.WordBytes),
		Align:  simasm.WordBytes,
		Offset: offset,
		Fixed:  true,
	})
	return len(s.Objects) - 1, nil
}

// CreateVariableSizedObject marks a run-time sized allocation.
func (s *StackFrame) CreateVariableSizedObject() (int, error) {
	if err := s.mutable(); err != nil {
		return -1, err
	}
	s.HasVarSizedObjects = true
	s.Objects = append(s.Objects, FrameObject{Align: simasm.WordBytes, VarSized: true})
	return len(s.Objects) - 1, nil
}

// NoteCall records a call site with an outgoing argument area of argBytes.
func (s *StackFrame) NoteCall(argBytes int64) error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.HasCalls = true
	s.AdjustsStack = true
	s.MaxCallFrameSize = max(s.MaxCallFrameSize, argBytes)
	return nil
}

// HasReservedCallFrame reports whether outgoing arguments live in the fixed
// frame rather than being pushed around each call.
func (s *StackFrame) HasReservedCallFrame() bool { return !s.HasVarSizedObjects }

func (s *StackFrame) NeedsRealignment() bool {
	return s.ForceRealign || s.MaxAlign > simasm.StackAlign
}

// empty is the condition under which no prologue or epilogue is emitted.
func (s *StackFrame) empty() bool {
	return s.StackSize == 0 && !s.AdjustsStack
}

func (s *StackFrame) isCalleeSaveIndex(fi int) bool {
	if len(s.CSI) == 0 {
		return false
	}
	return fi >= s.CSI[0].FrameIndex && fi <= s.CSI[len(s.CSI)-1].FrameIndex
}

type frameManager struct {
	logger *slog.Logger
}

func newFrameManager(logger *slog.Logger) *frameManager {
	return &frameManager{logger: logger}
}

// DetermineLayout decides whether the function needs a frame pointer or a
// base pointer and whether it is a leaf.
func (m *frameManager) DetermineLayout(f *Func) error {
	frame := f.Frame
	if err := frame.mutable(); err != nil {
		return err
	}

	_ = f.Machine.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
		if simasm.IsCall(in.Op) {
			frame.HasCalls = true
		}
		if slices.Contains(simasm.Uses(in), simasm.SP) || slices.Contains(simasm.Defs(in), simasm.SP) {
			frame.SPReferenced = true
		}
		return nil
	})

	realign := frame.NeedsRealignment()
	frame.HasFP = frame.DisableFPElim || frame.HasVarSizedObjects || frame.FrameAddressTaken || realign
	frame.HasBP = frame.HasVarSizedObjects && realign
	if frame.HasBP {
		return fmt.Errorf("%w: %w", ErrBasePointerRequired, ErrCannotRealign)
	}

	clobbersCSR := slices.ContainsFunc(f.Clobbered, func(r asm.Register) bool {
		return slices.Contains(simasm.CalleeSaved, r)
	})
	frame.IsLeaf = !frame.HasCalls && !frame.SPReferenced && !frame.HasFP && !clobbersCSR

	m.logger.Debug("frame layout",
		"func", f.Name,
		"hasFP", frame.HasFP,
		"leaf", frame.IsLeaf,
		"calls", frame.HasCalls,
		"varSized", frame.HasVarSizedObjects,
		"realign", realign,
	)
	return nil
}

// DetermineCalleeSaves chooses the registers the prologue must preserve and
// gives each a slot. Slots get consecutive frame indices in ascending
// register order.
func (m *frameManager) DetermineCalleeSaves(f *Func) error {
	frame := f.Frame
	if err := frame.mutable(); err != nil {
		return err
	}
	var regs []asm.Register
	for _, r := range simasm.CalleeSaved {
		save := slices.Contains(f.Clobbered, r)
		if frame.HasFP && (r == simasm.RA || r == simasm.FP) {
			save = true
		}
		if frame.HasBP && r == simasm.BP {
			save = true
		}
		if save {
			regs = append(regs, r)
		}
	}
	slices.Sort(regs)

	frame.CSI = frame.CSI[:0]
	for _, r := range regs {
		frame.Objects = append(frame.Objects, FrameObject{
			Size:       simasm.WordBytes,
			Align:      simasm.WordBytes,
			CalleeSave: true,
		})
		frame.CSI = append(frame.CSI, CalleeSavedInfo{Reg: r, FrameIndex: len(frame.Objects) - 1})
	}
	return nil
}

// Finalize assigns object offsets and fixes the frame size in words. The
// byte to word conversion happens here and nowhere else.
func (m *frameManager) Finalize(f *Func) error {
	frame := f.Frame
	if err := frame.mutable(); err != nil {
		return err
	}
	if frame.HasVarSizedObjects && frame.NeedsRealignment() {
		return ErrCannotRealign
	}

	var offset int64
	for _, csi := range frame.CSI {
		offset -= simasm.WordBytes
		frame.Objects[csi.FrameIndex].Offset = offset
	}
	for idx := range frame.Objects {
		obj := &frame.Objects[idx]
		if obj.Fixed || obj.CalleeSave || obj.VarSized {
			continue
		}
		offset = -alignTo(-offset+obj.Size, obj.Align)
		obj.Offset = offset
	}

	size := -offset
	if frame.HasReservedCallFrame() {
		size += frame.MaxCallFrameSize
	}
	size = alignTo(size, simasm.StackAlign)
	words := size / simasm.WordBytes
	if words > simasm.MaxImm16 {
		return fmt.Errorf("%w: %d words", ErrStackTooLarge, words)
	}
	frame.StackSize = words
	frame.finalized = true

	m.logger.Debug("frame finalized",
		"func", f.Name,
		"words", words,
		"calleeSaved", len(frame.CSI),
		"callFrame", frame.MaxCallFrameSize,
	)
	return nil
}

// SpillCalleeSaves stores every saved register at function entry in
// ascending register order.
func (m *frameManager) SpillCalleeSaves(f *Func) error {
	entry := f.Machine.Entry()
	if entry == nil || len(f.Frame.CSI) == 0 {
		return nil
	}
	spills := make([]*asm.Instr, 0, len(f.Frame.CSI))
	for _, csi := range f.Frame.CSI {
		spills = append(spills, simasm.Store(csi.Reg, asm.FI(csi.FrameIndex), 0).WithFlag(asm.FlagFrameSetup))
	}
	entry.Insert(0, spills...)
	return nil
}

// EmitPrologue allocates the frame ahead of the spills and establishes the
// frame pointer after them, so the caller's FP is saved before it changes.
func (m *frameManager) EmitPrologue(f *Func) error {
	frame := f.Frame
	if !frame.finalized {
		return ErrFrameNotFinalized
	}
	entry := f.Machine.Entry()
	if entry == nil || frame.empty() {
		return nil
	}

	pos := 0
	adjust, err := adjustReg(simasm.SP, simasm.SP, -frame.StackSize)
	if err != nil {
		return err
	}
	if adjust != nil {
		entry.Insert(0, adjust.WithFlag(asm.FlagFrameSetup))
		pos++
	}
	pos += len(frame.CSI)

	if frame.HasFP {
		establish, err := adjustReg(simasm.FP, simasm.SP, frame.StackSize-frame.VarArgsSaveSize/simasm.WordBytes)
		if err != nil {
			return err
		}
		if establish != nil {
			entry.Insert(pos, establish.WithFlag(asm.FlagFrameSetup))
		}
	}
	return nil
}

// RestoreCalleeSaves reloads the saved registers in reverse order before
// every return.
func (m *frameManager) RestoreCalleeSaves(f *Func) error {
	if len(f.Frame.CSI) == 0 {
		return nil
	}
	for _, b := range f.Machine.Blocks {
		pos, ok := returnPos(b)
		if !ok {
			continue
		}
		restores := make([]*asm.Instr, 0, len(f.Frame.CSI))
		for i := len(f.Frame.CSI) - 1; i >= 0; i-- {
			csi := f.Frame.CSI[i]
			restores = append(restores, simasm.Load(csi.Reg, asm.FI(csi.FrameIndex), 0).WithFlag(asm.FlagFrameDestroy))
		}
		b.Insert(pos, restores...)
	}
	return nil
}

// EmitEpilogue releases the frame immediately before each return. With
// variable-sized objects the stack pointer is first recovered from FP so
// the restores see the fixed layout.
func (m *frameManager) EmitEpilogue(f *Func) error {
	frame := f.Frame
	if !frame.finalized {
		return ErrFrameNotFinalized
	}
	if frame.empty() {
		return nil
	}
	for _, b := range f.Machine.Blocks {
		pos, ok := returnPos(b)
		if !ok {
			continue
		}
		if frame.HasVarSizedObjects {
			start := pos
			for start > 0 && b.Instrs[start-1].HasFlag(asm.FlagFrameDestroy) {
				start--
			}
			reset, err := adjustReg(simasm.SP, simasm.FP, -frame.StackSize)
			if err != nil {
				return err
			}
			if reset != nil {
				b.Insert(start, reset.WithFlag(asm.FlagFrameDestroy))
				pos++
			}
		}
		release, err := adjustReg(simasm.SP, simasm.SP, frame.StackSize)
		if err != nil {
			return err
		}
		if release != nil {
			b.Insert(pos, release.WithFlag(asm.FlagFrameDestroy))
		}
	}
	return nil
}

// EliminateCallFramePseudos removes the ADJCALLSTACK markers. Without a
// reserved call frame they become explicit stack pointer adjustments.
func (m *frameManager) EliminateCallFramePseudos(f *Func) error {
	reserved := f.Frame.HasReservedCallFrame()
	for _, b := range f.Machine.Blocks {
		out := b.Instrs[:0]
		for _, in := range b.Instrs {
			var sign int64
			switch in.Op {
			case simasm.ADJCALLSTACKDOWN:
				sign = -1
			case simasm.ADJCALLSTACKUP:
				sign = 1
			default:
				out = append(out, in)
				continue
			}
			if reserved {
				continue
			}
			size := in.Operands[0].Imm / simasm.WordBytes
			adjust, err := adjustReg(simasm.SP, simasm.SP, sign*size)
			if err != nil {
				return err
			}
			if adjust != nil {
				out = append(out, adjust)
			}
		}
		b.Instrs = out
	}
	return nil
}

// ResolveFrameIndex returns the base register and word offset that address
// frame index fi. Callee-save slots and leaf frames use SP; otherwise FP is
// used when present.
func (m *frameManager) ResolveFrameIndex(f *Func, fi int) (asm.Register, int64, error) {
	frame := f.Frame
	if !frame.finalized {
		return asm.NoRegister, 0, ErrFrameNotFinalized
	}
	if fi < 0 || fi >= len(frame.Objects) {
		return asm.NoRegister, 0, fmt.Errorf("frame index %d out of range", fi)
	}
	obj := frame.Objects[fi]
	if obj.VarSized {
		return asm.NoRegister, 0, fmt.Errorf("frame index %d is variable sized", fi)
	}
	words := obj.Offset / simasm.WordBytes

	switch {
	case frame.isCalleeSaveIndex(fi), frame.IsLeaf, !frame.HasFP:
		return simasm.SP, words + frame.StackSize, nil
	default:
		return simasm.FP, words, nil
	}
}

// EliminateFrameIndices rewrites every (frame index, immediate) operand
// pair into (base register, offset).
func (m *frameManager) EliminateFrameIndices(f *Func) error {
	return f.Machine.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
		for idx, op := range in.Operands {
			if !op.IsFrameIndex() {
				continue
			}
			if idx+1 >= len(in.Operands) || !in.Operands[idx+1].IsImm() {
				return fmt.Errorf("frame index %d without offset operand in %s", op.Index, simasm.Mnemonic(in.Op))
			}
			reg, off, err := m.ResolveFrameIndex(f, op.Index)
			if err != nil {
				return err
			}
			off += in.Operands[idx+1].Imm
			if !simasm.IsInt16(off) {
				return fmt.Errorf("%w: %d for frame index %d", ErrOffsetOutOfRange, off, op.Index)
			}
			in.Operands[idx] = asm.Reg(reg)
			in.Operands[idx+1] = asm.Imm(off)
		}
		return nil
	})
}

// adjustReg builds dst = src + words. It returns nil when the instruction
// would be a no-op.
func adjustReg(dst, src asm.Register, words int64) (*asm.Instr, error) {
	if dst == src && words == 0 {
		return nil, nil
	}
	if !simasm.IsInt16(words) {
		return nil, fmt.Errorf("%w: stack adjustment %d", ErrImmediateOutOfRange, words)
	}
	return simasm.AddImm(dst, src, words), nil
}

func returnPos(b *asm.Block) (int, bool) {
	if len(b.Instrs) == 0 {
		return 0, false
	}
	last := len(b.Instrs) - 1
	if !simasm.IsReturn(b.Instrs[last].Op) {
		return 0, false
	}
	return last, true
}

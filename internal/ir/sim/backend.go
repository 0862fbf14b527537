// Package sim lowers generic IR functions to sim machine code: calling
// convention analysis, instruction selection, register assignment, frame
// layout with prologue and epilogue insertion, and assembly emission.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir"
)

// TargetDescription is the immutable machine description.
type TargetDescription interface {
	RegisterName(r asm.Register) string
	LookupRegister(name string) (asm.Register, error)
	IsReserved(r asm.Register) bool
	IsCalleeSaved(r asm.Register) bool
	RegisterClass(c simasm.RegClass) ([]asm.Register, error)
	DataLayout() string
}

// CallingConvention assigns argument and return value locations.
type CallingConvention interface {
	AnalyzeFormalArguments(sig ir.Signature) (CCResult, error)
	AnalyzeCallOperands(call ir.CallConfig) (CCResult, error)
	AnalyzeReturn(types []ir.Type) ([]ArgLoc, error)
	AnalyzeCallResult(t ir.Type) ([]ArgLoc, error)
	CheckReturn(types []ir.Type) bool
}

// Selector lowers an IR function to machine instructions over virtual
// registers.
type Selector interface {
	Select(fn *ir.Function) (*Func, error)
}

// RegisterAssigner replaces virtual registers with physical ones and fills
// Func.Clobbered.
type RegisterAssigner interface {
	Assign(f *Func) error
}

// FrameManager owns the stack frame of a function. Its steps must run in
// the order they are declared.
type FrameManager interface {
	DetermineLayout(f *Func) error
	DetermineCalleeSaves(f *Func) error
	Finalize(f *Func) error
	SpillCalleeSaves(f *Func) error
	EmitPrologue(f *Func) error
	RestoreCalleeSaves(f *Func) error
	EmitEpilogue(f *Func) error
	EliminateCallFramePseudos(f *Func) error
	EliminateFrameIndices(f *Func) error
	ResolveFrameIndex(f *Func, fi int) (asm.Register, int64, error)
}

// Emitter renders a finished machine function.
type Emitter interface {
	EmitFunction(fn *asm.Function, opts simasm.EmitOptions) (asm.Program, error)
}

type emitterFunc func(fn *asm.Function, opts simasm.EmitOptions) (asm.Program, error)

func (f emitterFunc) EmitFunction(fn *asm.Function, opts simasm.EmitOptions) (asm.Program, error) {
	return f(fn, opts)
}

const DefaultInlineCopyThreshold = 32

type Options struct {
	Logger *slog.Logger
	// DisableFramePointerElim keeps a frame pointer in every function.
	DisableFramePointerElim bool
	// InlineCopyThreshold is the largest byval aggregate, in bytes, copied
	// inline instead of through memcpy. Zero selects the default.
	InlineCopyThreshold int64
	Branch              simasm.BranchMode
	Listing             bool
}

// Backend compiles IR functions for the sim target. It holds no mutable
// state and is safe for concurrent use.
type Backend struct {
	opts     Options
	logger   *slog.Logger
	Target   TargetDescription
	CC       CallingConvention
	Selector Selector
	Assigner RegisterAssigner
	Frames   FrameManager
	Emitter  Emitter
}

var _ ir.Backend = (*Backend)(nil)

// NewBackend builds the components in dependency order.
func NewBackend(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := opts.InlineCopyThreshold
	if threshold == 0 {
		threshold = DefaultInlineCopyThreshold
	}
	if threshold < 0 {
		return nil, fmt.Errorf("sim: inline copy threshold %d must not be negative", threshold)
	}

	target := simasm.NewTarget()
	cc := newCallingConv(target)
	assigner, err := newLinearScan(target)
	if err != nil {
		return nil, err
	}
	return &Backend{
		opts:   opts,
		logger: logger,
		Target: target,
		CC:     cc,
		Selector: newSelector(cc, selectOptions{
			disableFPElim:       opts.DisableFramePointerElim,
			inlineCopyThreshold: threshold,
		}),
		Assigner: assigner,
		Frames:   newFrameManager(logger),
		Emitter:  emitterFunc(simasm.EmitFunction),
	}, nil
}

// Lower runs fn through every stage except emission.
func (b *Backend) Lower(fn *ir.Function) (*Func, error) {
	name := "<nil>"
	if fn != nil {
		name = fn.Name
	}
	f, err := b.Selector.Select(fn)
	if err != nil {
		return nil, fatal(name, err)
	}
	if err := b.Assigner.Assign(f); err != nil {
		return nil, fatal(name, err)
	}
	if err := b.Frame(f); err != nil {
		return nil, fatal(name, err)
	}
	return f, nil
}

// Frame runs the frame manager over an assigned function.
func (b *Backend) Frame(f *Func) error {
	steps := []struct {
		name string
		run  func(*Func) error
	}{
		{"layout", b.Frames.DetermineLayout},
		{"callee saves", b.Frames.DetermineCalleeSaves},
		{"finalize", b.Frames.Finalize},
		{"spill", b.Frames.SpillCalleeSaves},
		{"prologue", b.Frames.EmitPrologue},
		{"restore", b.Frames.RestoreCalleeSaves},
		{"epilogue", b.Frames.EmitEpilogue},
		{"call frames", b.Frames.EliminateCallFramePseudos},
		{"frame indices", b.Frames.EliminateFrameIndices},
	}
	for _, step := range steps {
		if err := step.run(f); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// CompileFunction implements ir.Backend.
func (b *Backend) CompileFunction(ctx context.Context, fn *ir.Function) (asm.Program, error) {
	if err := ctx.Err(); err != nil {
		return asm.Program{}, err
	}
	f, err := b.Lower(fn)
	if err != nil {
		return asm.Program{}, err
	}
	prog, err := b.Emitter.EmitFunction(f.Machine, simasm.EmitOptions{
		Branch:  b.opts.Branch,
		Listing: b.opts.Listing,
	})
	if err != nil {
		return asm.Program{}, fatal(f.Name, err)
	}
	b.logger.Debug("compiled function", "func", f.Name, "words", prog.Words(), "frameWords", f.Frame.StackSize)
	return prog, nil
}

// EmitGlobals implements ir.Backend. Globals become common symbols.
func (b *Backend) EmitGlobals(globals map[string]ir.GlobalConfig) (asm.Program, error) {
	var sb strings.Builder
	sb.WriteString("\t.data\n")
	for _, name := range ir.SortedGlobals(globals) {
		g := globals[name]
		if g.Size <= 0 {
			return asm.Program{}, fmt.Errorf("sim: global %s: size %d must be positive", name, g.Size)
		}
		fmt.Fprintf(&sb, "\t.comm %s, %d, %d\n", name, g.Size, max(g.Align, simasm.WordBytes))
	}
	return asm.NewProgram([]byte(sb.String()), nil, 0), nil
}

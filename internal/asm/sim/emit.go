package sim

import (
	"fmt"
	"strings"

	"github.com/tinyrange/simcc/internal/asm"
)

// EmitOptions controls how EmitFunction renders a function.
type EmitOptions struct {
	Branch BranchMode
	// Listing prefixes every instruction with its word address.
	Listing bool
}

type emitter struct {
	lines   []string
	addr    int
	labels  map[asm.Label]int
	symbols []string
	seen    map[string]bool
	listing bool

	// resolved holds the label addresses from the sizing pass. It is nil
	// during the sizing pass itself.
	resolved map[asm.Label]int
}

func newEmitter(listing bool, resolved map[asm.Label]int) *emitter {
	return &emitter{
		labels:   make(map[asm.Label]int),
		seen:     make(map[string]bool),
		listing:  listing,
		resolved: resolved,
	}
}

// EmitInstruction implements asm.Context.
func (e *emitter) EmitInstruction(text string) {
	if e.listing {
		e.lines = append(e.lines, fmt.Sprintf("%04x:\t%s", e.addr, text))
	} else {
		e.lines = append(e.lines, "\t"+text)
	}
	e.addr++
}

// EmitDirective implements asm.Context.
func (e *emitter) EmitDirective(text string) {
	e.lines = append(e.lines, text)
}

// Address implements asm.Context.
func (e *emitter) Address() int { return e.addr }

// ReferenceSymbol implements asm.Context.
func (e *emitter) ReferenceSymbol(name string) {
	if e.seen[name] {
		return
	}
	e.seen[name] = true
	e.symbols = append(e.symbols, name)
}

// GetLabel implements asm.Context.
func (e *emitter) GetLabel(label asm.Label) (int, bool) {
	addr, ok := e.labels[label]
	return addr, ok
}

// SetLabel implements asm.Context.
func (e *emitter) SetLabel(label asm.Label) {
	e.labels[label] = e.addr
}

// ResolveLabel implements asm.Context. While sizing, every label resolves to
// the current address so instruction widths can be measured.
func (e *emitter) ResolveLabel(label asm.Label) (int, bool) {
	if e.resolved == nil {
		return e.addr, true
	}
	addr, ok := e.resolved[label]
	return addr, ok
}

// instruction is the fragment form of one machine instruction.
type instruction struct {
	in   *asm.Instr
	mode BranchMode
}

func (f instruction) Emit(ctx asm.Context) error {
	p := &printer{mode: f.mode, resolve: ctx.ResolveLabel}

	seq := []*asm.Instr{f.in}
	if IsPseudo(f.in.Op) {
		expanded, comment, ok, err := ExpandPseudo(f.in)
		if err != nil {
			return err
		}
		if ok {
			if comment != "" {
				ctx.EmitDirective("\t# " + comment)
			}
			seq = expanded
		}
	}

	for _, in := range seq {
		for _, o := range in.Operands {
			if sym, ok := o.Expr.(asm.Symbol); ok && o.IsExpr() {
				ctx.ReferenceSymbol(sym.Name)
			}
		}
		text, err := p.format(in, ctx.Address())
		if err != nil {
			return err
		}
		ctx.EmitInstruction(text)
	}
	return nil
}

// Fragment converts fn into its emission fragment: a header, then each block
// label followed by its instructions.
func Fragment(fn *asm.Function, mode BranchMode) asm.Fragment {
	frag := asm.Group{
		asm.Directive(".text"),
		asm.Directive(".globl " + fn.Name),
		asm.MarkLabel(asm.Label(fn.Name)),
	}
	for _, b := range fn.Blocks {
		if b.Label != "" && b.Label != asm.Label(fn.Name) {
			frag = append(frag, asm.MarkLabel(b.Label))
		}
		for _, in := range b.Instrs {
			frag = append(frag, instruction{in: in, mode: mode})
		}
	}
	return frag
}

// EmitFunction renders fn as assembly text. Branch targets are resolved
// against function-relative word addresses.
func EmitFunction(fn *asm.Function, opts EmitOptions) (asm.Program, error) {
	if fn == nil {
		return asm.Program{}, fmt.Errorf("sim: function must be non-nil")
	}
	frag := Fragment(fn, opts.Branch)

	sizing := newEmitter(false, nil)
	if err := frag.Emit(sizing); err != nil {
		return asm.Program{}, fmt.Errorf("sim: emit %s: %w", fn.Name, err)
	}

	em := newEmitter(opts.Listing, sizing.labels)
	if err := frag.Emit(em); err != nil {
		return asm.Program{}, fmt.Errorf("sim: emit %s: %w", fn.Name, err)
	}
	if em.addr != sizing.addr {
		return asm.Program{}, fmt.Errorf("sim: emit %s: size changed between passes (%d != %d)", fn.Name, sizing.addr, em.addr)
	}

	var sb strings.Builder
	for _, line := range em.lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return asm.NewProgram([]byte(sb.String()), em.symbols, em.addr), nil
}

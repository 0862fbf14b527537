package sim

import (
	"fmt"
	"slices"
	"sort"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
)

// linearScan assigns physical registers to the virtual registers of a
// selected function. It never spills: a function that needs more registers
// than the allocation order offers fails with ErrOutOfRegisters.
type linearScan struct {
	order []asm.Register
}

func newLinearScan(target *simasm.Target) (*linearScan, error) {
	order, err := target.RegisterClass(simasm.ClassGPR32)
	if err != nil {
		return nil, err
	}
	return &linearScan{order: order}, nil
}

type interval struct {
	reg      asm.Register
	start    int
	end      int
	firstDef int
	firstUse int
	assigned asm.Register
}

type segment struct {
	start, end int
}

// Assign rewrites f in place and records the registers it clobbers.
func (a *linearScan) Assign(f *Func) error {
	pruneDeadDefs(f.Machine)

	var instrs []*asm.Instr
	labelPos := make(map[asm.Label]int)
	for _, b := range f.Machine.Blocks {
		if b.Label != "" {
			labelPos[b.Label] = 2 * len(instrs)
		}
		instrs = append(instrs, b.Instrs...)
	}

	intervals := make(map[asm.Register]*interval)
	fixed := make(map[asm.Register][]segment)
	touch := func(r asm.Register, pos int, def bool) {
		it, ok := intervals[r]
		if !ok {
			it = &interval{reg: r, start: pos, end: pos, firstDef: -1, firstUse: -1}
			intervals[r] = it
		}
		it.start = min(it.start, pos)
		it.end = max(it.end, pos)
		if def && it.firstDef < 0 {
			it.firstDef = pos
		}
		if !def && it.firstUse < 0 {
			it.firstUse = pos
		}
	}
	physUse := func(r asm.Register, pos int) {
		segs := fixed[r]
		if len(segs) == 0 {
			fixed[r] = append(segs, segment{0, pos})
			return
		}
		segs[len(segs)-1].end = pos
	}
	physDef := func(r asm.Register, pos int) {
		fixed[r] = append(fixed[r], segment{pos, pos})
	}

	var loops []segment
	for idx, in := range instrs {
		use, def := 2*idx, 2*idx+1
		for _, r := range simasm.Uses(in) {
			if r.IsVirtual() {
				touch(r, use, false)
			} else {
				physUse(r, use)
			}
		}
		for _, r := range simasm.Defs(in) {
			if r.IsVirtual() {
				touch(r, def, true)
			} else {
				physDef(r, def)
			}
		}
		if op, ok := simasm.BranchOperand(in.Op); ok {
			if l, isLabel := in.Operands[op].Expr.(asm.Label); isLabel {
				if target, known := labelPos[l]; known && target <= use {
					loops = append(loops, segment{target, def})
				}
			}
		}
	}

	// Values live around a back edge stay live for the whole loop.
	for changed := true; changed; {
		changed = false
		for _, it := range intervals {
			for _, loop := range loops {
				if it.end < loop.start || it.start > loop.end {
					continue
				}
				liveIn := it.start < loop.start || (it.firstUse >= 0 && (it.firstDef < 0 || it.firstUse < it.firstDef))
				if !liveIn {
					continue
				}
				if it.start > loop.start {
					it.start = loop.start
					changed = true
				}
				if it.end < loop.end {
					it.end = loop.end
					changed = true
				}
			}
		}
	}

	sorted := make([]*interval, 0, len(intervals))
	for _, it := range intervals {
		sorted = append(sorted, it)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].start != sorted[j].start {
			return sorted[i].start < sorted[j].start
		}
		return sorted[i].reg < sorted[j].reg
	})

	var active []*interval
	for _, it := range sorted {
		active = slices.DeleteFunc(active, func(o *interval) bool { return o.end < it.start })
		it.assigned = asm.NoRegister
		for _, r := range a.order {
			if slices.ContainsFunc(active, func(o *interval) bool { return o.assigned == r }) {
				continue
			}
			if slices.ContainsFunc(fixed[r], func(s segment) bool { return s.start <= it.end && it.start <= s.end }) {
				continue
			}
			it.assigned = r
			break
		}
		if it.assigned == asm.NoRegister {
			return fmt.Errorf("%w: %s", ErrOutOfRegisters, it.reg)
		}
		active = append(active, it)
	}

	clobbered := make(map[asm.Register]bool)
	for _, b := range f.Machine.Blocks {
		out := b.Instrs[:0]
		for _, in := range b.Instrs {
			for idx, op := range in.Operands {
				if op.IsReg() && op.Reg.IsVirtual() {
					in.Operands[idx].Reg = intervals[op.Reg].assigned
				}
			}
			if in.Op == simasm.MOV && in.Operands[0].Reg == in.Operands[1].Reg {
				continue
			}
			for _, r := range simasm.Defs(in) {
				clobbered[r] = true
			}
			out = append(out, in)
		}
		b.Instrs = out
	}

	f.Clobbered = f.Clobbered[:0]
	for r := range clobbered {
		f.Clobbered = append(f.Clobbered, r)
	}
	slices.Sort(f.Clobbered)
	return nil
}

// pruneDeadDefs drops instructions whose only effect is a virtual register
// nobody reads, such as copies of unused parameters.
func pruneDeadDefs(fn *asm.Function) {
	for {
		used := make(map[asm.Register]bool)
		_ = fn.Walk(func(_ *asm.Block, _ int, in *asm.Instr) error {
			for _, r := range simasm.Uses(in) {
				used[r] = true
			}
			return nil
		})
		removed := false
		for _, b := range fn.Blocks {
			b.Instrs = slices.DeleteFunc(b.Instrs, func(in *asm.Instr) bool {
				if simasm.NumDefs(in.Op) != 1 || len(in.ImplicitDefs) > 0 || len(in.Operands) == 0 {
					return false
				}
				d := in.Operands[0]
				if !d.IsReg() || !d.Reg.IsVirtual() || used[d.Reg] {
					return false
				}
				removed = true
				return true
			})
		}
		if !removed {
			return
		}
	}
}

package sim

import (
	"fmt"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir"
)

// Func carries one function through the pipeline.
type Func struct {
	Name    string
	Machine *asm.Function
	Frame   *StackFrame
	// Clobbered lists the physical registers the body writes. It is filled
	// by register assignment, or by the caller when assignment happens
	// elsewhere.
	Clobbered []asm.Register

	nextVReg asm.Register
}

func newFunc(name string) *Func {
	return &Func{
		Name:     name,
		Machine:  &asm.Function{Name: name},
		Frame:    NewStackFrame(),
		nextVReg: asm.FirstVirtual,
	}
}

func (f *Func) newVReg() asm.Register {
	r := f.nextVReg
	f.nextVReg++
	return r
}

type selectOptions struct {
	disableFPElim       bool
	inlineCopyThreshold int64
}

type selector struct {
	cc   CallingConvention
	opts selectOptions
}

func newSelector(cc CallingConvention, opts selectOptions) *selector {
	return &selector{cc: cc, opts: opts}
}

// Select lowers fn into machine instructions over virtual registers.
func (s *selector) Select(fn *ir.Function) (*Func, error) {
	if err := fn.Validate(); err != nil {
		return nil, err
	}
	c := &compiler{
		sel:      s,
		fn:       fn,
		out:      newFunc(fn.Name),
		vars:     make(map[ir.Var]asm.Register),
		locals:   make(map[ir.Local]int),
		labels:   make(map[ir.Label]asm.Label),
		defined:  make(map[asm.Label]bool),
		branched: make(map[asm.Label]ir.Label),
	}
	c.out.Frame.ForceRealign = fn.Attrs.ForceRealign
	c.out.Frame.DisableFPElim = s.opts.disableFPElim || fn.Attrs.NoFramePointerElim
	if err := c.compile(); err != nil {
		return nil, err
	}
	return c.out, nil
}

// compiler holds the state of selecting one function.
type compiler struct {
	sel *selector
	fn  *ir.Function
	out *Func
	cur *asm.Block

	vars    map[ir.Var]asm.Register
	locals  map[ir.Local]int
	retLocs []ArgLoc

	labels   map[ir.Label]asm.Label
	defined  map[asm.Label]bool
	branched map[asm.Label]ir.Label
	internal int
}

func (c *compiler) compile() error {
	c.startBlock(asm.Label(c.fn.Name))

	retLocs, err := c.sel.cc.AnalyzeReturn(c.fn.Signature.Results)
	if err != nil {
		return fmt.Errorf("return: %w", err)
	}
	c.retLocs = retLocs

	for _, l := range c.fn.Locals {
		fi, err := c.out.Frame.CreateStackObject(l.Size, l.Align)
		if err != nil {
			return fmt.Errorf("local %s: %w", l.Name, err)
		}
		c.locals[ir.Local(l.Name)] = fi
	}

	if err := c.lowerFormalArguments(); err != nil {
		return err
	}

	for _, frag := range c.fn.Body {
		if err := c.compileFragment(frag); err != nil {
			return err
		}
	}

	if !c.terminated() {
		if len(c.fn.Signature.Results) != 0 {
			return ErrMissingReturn
		}
		c.emit(simasm.Ret())
	}

	for label, name := range c.branched {
		if !c.defined[label] {
			return fmt.Errorf("undefined label %q", name)
		}
	}
	return nil
}

func (c *compiler) lowerFormalArguments() error {
	res, err := c.sel.cc.AnalyzeFormalArguments(c.fn.Signature)
	if err != nil {
		return err
	}
	for _, loc := range res.Locs {
		p := c.fn.Signature.Params[loc.ValNo]
		v := c.out.newVReg()
		c.vars[ir.Var(p.Name)] = v
		if loc.IsReg() {
			c.emit(simasm.Mov(v, loc.Reg))
			continue
		}
		fi, err := c.out.Frame.CreateFixedObject(loc.Size, loc.Offset)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		c.emit(simasm.Load(v, asm.FI(fi), 0))
	}
	return nil
}

// startBlock opens a block at label. An empty unlabeled block left behind
// by a terminator is reused.
func (c *compiler) startBlock(label asm.Label) {
	if c.cur != nil && len(c.cur.Instrs) == 0 && c.cur.Label == "" {
		c.cur.Label = label
		return
	}
	c.cur = &asm.Block{Label: label}
	c.out.Machine.Blocks = append(c.out.Machine.Blocks, c.cur)
}

func (c *compiler) terminated() bool {
	if c.cur == nil || len(c.cur.Instrs) == 0 {
		return false
	}
	return simasm.IsTerminator(c.cur.Instrs[len(c.cur.Instrs)-1].Op)
}

func (c *compiler) emit(instrs ...*asm.Instr) {
	for _, in := range instrs {
		if c.terminated() {
			c.startBlock("")
		}
		c.cur.Instrs = append(c.cur.Instrs, in)
	}
}

func (c *compiler) namedLabel(name ir.Label) asm.Label {
	if l, ok := c.labels[name]; ok {
		return l
	}
	l := asm.Label(fmt.Sprintf(".L%s_%s", c.fn.Name, name))
	c.labels[name] = l
	return l
}

func (c *compiler) newInternalLabel() asm.Label {
	c.internal++
	return asm.Label(fmt.Sprintf(".L%s.%d", c.fn.Name, c.internal))
}

func (c *compiler) markLabel(label asm.Label) error {
	if c.defined[label] {
		return fmt.Errorf("label %q already defined", label)
	}
	c.defined[label] = true
	c.startBlock(label)
	return nil
}

func (c *compiler) compileFragment(frag ir.Fragment) error {
	switch f := frag.(type) {
	case nil:
		return nil
	case ir.Method:
		for _, inner := range f {
			if err := c.compileFragment(inner); err != nil {
				return err
			}
		}
		return nil
	case ir.Block:
		for _, inner := range f {
			if err := c.compileFragment(inner); err != nil {
				return err
			}
		}
		return nil
	case ir.Label:
		return c.markLabel(c.namedLabel(f))
	case ir.LabelFragment:
		if err := c.markLabel(c.namedLabel(f.Label)); err != nil {
			return err
		}
		return c.compileFragment(f.Block)
	case ir.AssignFragment:
		return c.compileAssign(f)
	case ir.IfFragment:
		return c.compileIf(f)
	case ir.GotoFragment:
		label, ok := f.Label.(ir.Label)
		if !ok {
			return fmt.Errorf("goto target %T is not a label", f.Label)
		}
		target := c.namedLabel(label)
		c.branched[target] = label
		c.emit(simasm.Jump(target))
		return nil
	case ir.BranchFragment:
		target := c.namedLabel(f.Target)
		c.branched[target] = f.Target
		return c.compileBranch(f.Cond, target, false)
	case ir.ReturnFragment:
		return c.compileReturn(f)
	case ir.CallFragment:
		return c.compileCall(f.CallConfig)
	default:
		// Expression statements are evaluated for their effects.
		_, err := c.eval(frag)
		return err
	}
}

func (c *compiler) compileAssign(f ir.AssignFragment) error {
	switch dst := f.Dst.(type) {
	case ir.Var:
		if call, ok := f.Src.(ir.CallFragment); ok {
			cfg := call.CallConfig
			cfg.Result = dst
			if cfg.ResultType == ir.Void {
				cfg.ResultType = ir.I32
			}
			return c.compileCall(cfg)
		}
		v, err := c.eval(f.Src)
		if err != nil {
			return err
		}
		c.emit(simasm.Mov(c.varReg(dst), v))
		return nil
	case ir.MemVar, ir.IndexMem, ir.GlobalMem, ir.LocalMem:
		v, err := c.eval(f.Src)
		if err != nil {
			return err
		}
		base, off, err := c.address(dst)
		if err != nil {
			return err
		}
		c.emit(simasm.Store(v, base, off))
		return nil
	default:
		return fmt.Errorf("cannot assign to %T", f.Dst)
	}
}

func (c *compiler) varReg(v ir.Var) asm.Register {
	if r, ok := c.vars[v]; ok {
		return r
	}
	r := c.out.newVReg()
	c.vars[v] = r
	return r
}

func (c *compiler) compileIf(f ir.IfFragment) error {
	end := c.newInternalLabel()
	otherwise := end
	if f.Otherwise != nil {
		otherwise = c.newInternalLabel()
	}
	if err := c.compileBranch(f.Cond, otherwise, true); err != nil {
		return err
	}
	if err := c.compileFragment(f.Then); err != nil {
		return err
	}
	reachesEnd := f.Otherwise == nil
	if f.Otherwise != nil {
		if !c.terminated() {
			c.emit(simasm.Jump(end))
			reachesEnd = true
		}
		if err := c.markLabel(otherwise); err != nil {
			return err
		}
		if err := c.compileFragment(f.Otherwise); err != nil {
			return err
		}
		reachesEnd = reachesEnd || !c.terminated()
	}
	if !reachesEnd {
		return nil
	}
	return c.markLabel(end)
}

var compareCodes = map[ir.CompareKind]simasm.CondCode{
	ir.CompareEqual:          simasm.CondEQ,
	ir.CompareNotEqual:       simasm.CondNE,
	ir.CompareLess:           simasm.CondLT,
	ir.CompareLessOrEqual:    simasm.CondLE,
	ir.CompareGreater:        simasm.CondGT,
	ir.CompareGreaterOrEqual: simasm.CondGE,
}

var invertedCodes = map[simasm.CondCode]simasm.CondCode{
	simasm.CondEQ: simasm.CondNE,
	simasm.CondNE: simasm.CondEQ,
	simasm.CondLT: simasm.CondGE,
	simasm.CondGE: simasm.CondLT,
	simasm.CondLE: simasm.CondGT,
	simasm.CondGT: simasm.CondLE,
}

// compileBranch emits a conditional branch to target, taken when cond
// holds (or fails, with invert). LT and GE have no machine encoding and are
// rewritten by exchanging the operands.
func (c *compiler) compileBranch(cond ir.Condition, target asm.Label, invert bool) error {
	cmp, ok := cond.(ir.CompareCondition)
	if !ok {
		return fmt.Errorf("unsupported condition %T", cond)
	}
	cc, ok := compareCodes[cmp.Kind]
	if !ok {
		return fmt.Errorf("unknown comparison %s", cmp.Kind)
	}
	if invert {
		cc = invertedCodes[cc]
	}
	lhs, err := c.eval(cmp.Left)
	if err != nil {
		return err
	}
	rhs, err := c.eval(cmp.Right)
	if err != nil {
		return err
	}
	if cc == simasm.CondLT || cc == simasm.CondGE {
		lhs, rhs = rhs, lhs
		cc = cc.Swapped()
	}
	c.emit(simasm.BranchCC(cc, lhs, rhs, target))
	return nil
}

func (c *compiler) compileReturn(f ir.ReturnFragment) error {
	if len(f.Values) != len(c.retLocs) {
		return fmt.Errorf("return of %d values from function returning %d", len(f.Values), len(c.retLocs))
	}
	vals := make([]asm.Register, len(f.Values))
	for idx, v := range f.Values {
		r, err := c.eval(v)
		if err != nil {
			return err
		}
		vals[idx] = c.convert(r, c.retLocs[idx])
	}
	uses := make([]asm.Register, 0, len(c.retLocs))
	for idx, loc := range c.retLocs {
		c.emit(simasm.Mov(loc.Reg, vals[idx]))
		uses = append(uses, loc.Reg)
	}
	c.emit(simasm.Ret(uses...))
	return nil
}

func (c *compiler) compileCall(call ir.CallConfig) error {
	if call.TailCall {
		return ErrTailCall
	}
	frame := c.out.Frame

	vals := make([]asm.Register, len(call.Args))
	for idx, arg := range call.Args {
		v, err := c.eval(arg.Value)
		if err != nil {
			return err
		}
		if arg.Flags.ByVal {
			v, err = c.copyByVal(v, arg.Flags)
			if err != nil {
				return fmt.Errorf("argument %d of call to %s: %w", idx, call.Target, err)
			}
		}
		vals[idx] = v
	}

	res, err := c.sel.cc.AnalyzeCallOperands(call)
	if err != nil {
		return err
	}
	var resultLocs []ArgLoc
	if call.Result != "" {
		resultLocs, err = c.sel.cc.AnalyzeCallResult(call.ResultType)
		if err != nil {
			return fmt.Errorf("result of call to %s: %w", call.Target, err)
		}
	}

	if err := frame.NoteCall(res.StackSize); err != nil {
		return err
	}
	frame.SPReferenced = true
	c.emit(simasm.AdjCallStackDown(res.StackSize))

	converted := make([]asm.Register, len(res.Locs))
	for idx, loc := range res.Locs {
		converted[idx] = c.convert(vals[loc.ValNo], loc)
	}
	var uses []asm.Register
	for idx, loc := range res.Locs {
		if !loc.IsReg() {
			c.emit(simasm.Store(converted[idx], asm.Reg(simasm.SP), loc.Offset/simasm.WordBytes))
		}
	}
	for idx, loc := range res.Locs {
		if loc.IsReg() {
			c.emit(simasm.Mov(loc.Reg, converted[idx]))
			uses = append(uses, loc.Reg)
		}
	}

	c.emit(simasm.Call(call.Target, uses...))
	c.emit(simasm.AdjCallStackUp(res.StackSize))

	if len(resultLocs) > 0 {
		c.emit(simasm.Mov(c.varReg(call.Result), resultLocs[0].Reg))
	}
	return nil
}

// copyByVal makes the caller-owned copy of a byval aggregate and returns a
// register holding its address. Small aggregates are copied word by word;
// larger ones call memcpy.
func (c *compiler) copyByVal(src asm.Register, flags ir.ArgFlags) (asm.Register, error) {
	frame := c.out.Frame
	fi, err := frame.CreateStackObject(flags.ByValSize, flags.ByValAlign)
	if err != nil {
		return asm.NoRegister, err
	}
	words := alignTo(flags.ByValSize, simasm.WordBytes) / simasm.WordBytes

	if flags.ByValSize <= c.sel.opts.inlineCopyThreshold {
		for w := int64(0); w < words; w++ {
			t := c.out.newVReg()
			c.emit(
				simasm.Load(t, asm.Reg(src), w),
				simasm.Store(t, asm.FI(fi), w),
			)
		}
	} else {
		dst := c.out.newVReg()
		size := c.constant(flags.ByValSize)
		c.emit(simasm.AddFrameIndex(dst, fi, 0))
		if err := frame.NoteCall(0); err != nil {
			return asm.NoRegister, err
		}
		c.emit(
			simasm.AdjCallStackDown(0),
			simasm.Mov(simasm.ArgRegisters[0], dst),
			simasm.Mov(simasm.ArgRegisters[1], src),
			simasm.Mov(simasm.ArgRegisters[2], size),
			simasm.Call("memcpy", simasm.ArgRegisters[:3]...),
			simasm.AdjCallStackUp(0),
		)
	}

	addr := c.out.newVReg()
	c.emit(simasm.AddFrameIndex(addr, fi, 0))
	return addr, nil
}

// convert applies the promotion recorded in loc.
func (c *compiler) convert(v asm.Register, loc ArgLoc) asm.Register {
	bits := int64(loc.Type.Bits())
	switch loc.Info {
	case LocZExt:
		return c.mask(v, bits)
	case LocSExt:
		masked := c.mask(v, bits)
		sign := c.constant(1 << (bits - 1))
		flipped := c.out.newVReg()
		out := c.out.newVReg()
		c.emit(
			simasm.Xor(flipped, masked, sign),
			simasm.Sub(out, flipped, sign),
		)
		return out
	default:
		return v
	}
}

func (c *compiler) mask(v asm.Register, bits int64) asm.Register {
	m := c.constant(1<<bits - 1)
	out := c.out.newVReg()
	c.emit(simasm.And(out, v, m))
	return out
}

// constant materializes v, using the LI pseudo when it does not fit a
// 16-bit immediate.
func (c *compiler) constant(v int64) asm.Register {
	r := c.out.newVReg()
	if simasm.IsInt16(v) {
		c.emit(simasm.LoadImm(r, v))
	} else {
		c.emit(simasm.LoadImm32(r, v))
	}
	return r
}

func constantValue(frag ir.Fragment) (int64, bool) {
	switch v := frag.(type) {
	case ir.Int32:
		return int64(v), true
	case ir.Int16:
		return int64(v), true
	case ir.Int8:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

var opOperations = map[ir.OpKind]Operation{
	ir.OpAdd:  OpAdd,
	ir.OpSub:  OpSub,
	ir.OpMul:  OpMul,
	ir.OpDiv:  OpSDiv,
	ir.OpUDiv: OpUDiv,
	ir.OpRem:  OpSRem,
	ir.OpShl:  OpShl,
	ir.OpShr:  OpShr,
	ir.OpAnd:  OpAnd,
	ir.OpOr:   OpOr,
	ir.OpXor:  OpXor,
}

func (c *compiler) eval(frag ir.Fragment) (asm.Register, error) {
	switch f := frag.(type) {
	case ir.Var:
		r, ok := c.vars[f]
		if !ok {
			return asm.NoRegister, fmt.Errorf("%w %q", ErrUndefinedValue, f)
		}
		return r, nil
	case ir.Int32, ir.Int16, ir.Int8, int:
		v, _ := constantValue(f)
		return c.constant(v), nil
	case ir.Int64:
		return asm.NoRegister, illegal(OpConstant, ir.I64)
	case ir.UndefFragment:
		r := c.out.newVReg()
		c.emit(simasm.ImplicitDef(r))
		return r, nil
	case ir.OpFragment:
		return c.evalOp(f)
	case ir.GlobalPointerFragment:
		r := c.out.newVReg()
		c.emit(simasm.LoadSym(r, asm.Symbol{Name: f.Name}))
		return r, nil
	case ir.LocalPtrFragment:
		fi, ok := c.locals[f.Slot]
		if !ok {
			return asm.NoRegister, fmt.Errorf("%w: local %q", ErrUndefinedValue, f.Slot)
		}
		disp, err := c.wordDisp(f.Disp)
		if err != nil {
			return asm.NoRegister, err
		}
		r := c.out.newVReg()
		c.emit(simasm.AddFrameIndex(r, fi, disp))
		return r, nil
	case ir.FrameAddressFragment:
		if f.Depth != 0 {
			return asm.NoRegister, fmt.Errorf("%w: got %d", ErrFrameAddressDepth, f.Depth)
		}
		c.out.Frame.FrameAddressTaken = true
		r := c.out.newVReg()
		c.emit(simasm.Mov(r, simasm.FP))
		return r, nil
	case ir.AllocaFragment:
		return c.evalAlloca(f)
	case ir.MemVar, ir.IndexMem, ir.GlobalMem, ir.LocalMem:
		base, off, err := c.address(f)
		if err != nil {
			return asm.NoRegister, err
		}
		r := c.out.newVReg()
		c.emit(simasm.Load(r, base, off))
		return r, nil
	case ir.CallFragment:
		if f.Result == "" {
			return asm.NoRegister, fmt.Errorf("call to %s used as a value has no result", f.Target)
		}
		if err := c.compileCall(f.CallConfig); err != nil {
			return asm.NoRegister, err
		}
		return c.vars[f.Result], nil
	default:
		return asm.NoRegister, fmt.Errorf("unsupported fragment %T", frag)
	}
}

func (c *compiler) evalOp(f ir.OpFragment) (asm.Register, error) {
	op, ok := opOperations[f.Kind]
	if !ok {
		return asm.NoRegister, fmt.Errorf("%w: %s", ErrIllegalOperation, f.Kind)
	}
	action := OperationAction(op, ir.I32)
	if action == Expand {
		return asm.NoRegister, illegal(op, ir.I32)
	}

	lhs, err := c.eval(f.Left)
	if err != nil {
		return asm.NoRegister, err
	}
	imm, isConst := constantValue(f.Right)
	out := c.out.newVReg()

	switch op {
	case OpShl:
		if !isConst || imm < 0 || imm > 31 {
			return asm.NoRegister, fmt.Errorf("%w: shl by a non-constant amount", ErrIllegalOperation)
		}
		c.emit(simasm.ShlImm(out, lhs, imm))
		return out, nil
	case OpAdd:
		if isConst && simasm.IsInt16(imm) {
			c.emit(simasm.AddImm(out, lhs, imm))
			return out, nil
		}
	case OpSub:
		if isConst && simasm.IsInt16(-imm) {
			c.emit(simasm.AddImm(out, lhs, -imm))
			return out, nil
		}
	}

	rhs, err := c.eval(f.Right)
	if err != nil {
		return asm.NoRegister, err
	}
	switch op {
	case OpAdd:
		c.emit(simasm.Add(out, lhs, rhs))
	case OpSub:
		c.emit(simasm.Sub(out, lhs, rhs))
	case OpMul:
		c.emit(simasm.Mul(out, lhs, rhs))
	case OpSDiv:
		c.emit(simasm.Div(out, lhs, rhs))
	case OpAnd:
		c.emit(simasm.And(out, lhs, rhs))
	case OpOr:
		c.emit(simasm.Or(out, lhs, rhs))
	case OpXor:
		c.emit(simasm.Xor(out, lhs, rhs))
	default:
		return asm.NoRegister, illegal(op, ir.I32)
	}
	return out, nil
}

// evalAlloca reserves size bytes below the stack pointer, rounded up to
// whole words, and yields the new stack pointer.
func (c *compiler) evalAlloca(f ir.AllocaFragment) (asm.Register, error) {
	if OperationAction(OpDynamicAlloc, ir.I32) == Expand {
		return asm.NoRegister, illegal(OpDynamicAlloc, ir.I32)
	}
	frame := c.out.Frame
	if _, err := frame.CreateVariableSizedObject(); err != nil {
		return asm.NoRegister, err
	}
	frame.SPReferenced = true

	if n, ok := constantValue(f.Size); ok {
		words := alignTo(n, simasm.WordBytes) / simasm.WordBytes
		if simasm.IsInt16(-words) {
			c.emit(simasm.AddImm(simasm.SP, simasm.SP, -words))
		} else {
			c.emit(simasm.Sub(simasm.SP, simasm.SP, c.constant(words)))
		}
	} else {
		size, err := c.eval(f.Size)
		if err != nil {
			return asm.NoRegister, err
		}
		rounded := c.out.newVReg()
		words := c.out.newVReg()
		c.emit(simasm.AddImm(rounded, size, simasm.WordBytes-1))
		c.emit(simasm.Div(words, rounded, c.constant(simasm.WordBytes)))
		c.emit(simasm.Sub(simasm.SP, simasm.SP, words))
	}
	out := c.out.newVReg()
	c.emit(simasm.Mov(out, simasm.SP))
	return out, nil
}

// wordDisp converts a byte displacement to words.
func (c *compiler) wordDisp(disp ir.Fragment) (int64, error) {
	if disp == nil {
		return 0, nil
	}
	v, ok := constantValue(disp)
	if !ok {
		if v64, is64 := disp.(ir.Int64); is64 {
			v = int64(v64)
		} else {
			return 0, fmt.Errorf("%w: non-constant displacement %T", ErrIllegalOperation, disp)
		}
	}
	if v%simasm.WordBytes != 0 {
		return 0, fmt.Errorf("%w: displacement %d is not word aligned", ErrIllegalOperation, v)
	}
	return v / simasm.WordBytes, nil
}

func checkWidth(w ir.ValueWidth) error {
	switch w {
	case 0, ir.Width32:
		return nil
	case ir.Width8:
		return illegal(OpLoad, ir.I8)
	case ir.Width16:
		return illegal(OpLoad, ir.I16)
	default:
		return illegal(OpLoad, ir.I64)
	}
}

// address lowers a memory reference to a base operand and a word offset
// that form a legal addressing mode, materializing whatever does not fit.
func (c *compiler) address(mem ir.Fragment) (asm.Operand, int64, error) {
	switch m := mem.(type) {
	case ir.MemVar:
		if err := checkWidth(m.Width); err != nil {
			return asm.Operand{}, 0, err
		}
		base, err := c.eval(m.Base)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		disp, err := c.wordDisp(m.Disp)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		return c.legalize(AddrMode{HasBaseReg: true, BaseOffs: disp}, base)
	case ir.IndexMem:
		if err := checkWidth(m.Width); err != nil {
			return asm.Operand{}, 0, err
		}
		base, err := c.eval(m.Base)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		index, err := c.eval(m.Index)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		if m.Scale%simasm.WordBytes != 0 {
			return asm.Operand{}, 0, fmt.Errorf("%w: scale %d is not a word multiple", ErrIllegalOperation, m.Scale)
		}
		disp, err := c.wordDisp(m.Disp)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		scale := m.Scale / simasm.WordBytes
		am := AddrMode{HasBaseReg: true, BaseOffs: disp, Scale: scale}
		if !IsLegalAddressingMode(am) {
			scaled := index
			if scale != 1 {
				scaled = c.out.newVReg()
				c.emit(simasm.Mul(scaled, index, c.constant(scale)))
			}
			sum := c.out.newVReg()
			c.emit(simasm.Add(sum, base, scaled))
			base = sum
		}
		return c.legalize(AddrMode{HasBaseReg: true, BaseOffs: disp}, base)
	case ir.GlobalMem:
		if err := checkWidth(m.Width); err != nil {
			return asm.Operand{}, 0, err
		}
		disp, err := c.wordDisp(m.Disp)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		// A global base is never a legal mode; the address goes through a
		// register.
		base := c.out.newVReg()
		c.emit(simasm.LoadSym(base, asm.Symbol{Name: m.Name}))
		return c.legalize(AddrMode{HasBaseReg: true, BaseOffs: disp}, base)
	case ir.LocalMem:
		if err := checkWidth(m.Width); err != nil {
			return asm.Operand{}, 0, err
		}
		fi, ok := c.locals[m.Slot]
		if !ok {
			return asm.Operand{}, 0, fmt.Errorf("%w: local %q", ErrUndefinedValue, m.Slot)
		}
		disp, err := c.wordDisp(m.Disp)
		if err != nil {
			return asm.Operand{}, 0, err
		}
		return asm.FI(fi), disp, nil
	default:
		return asm.Operand{}, 0, fmt.Errorf("unsupported memory operand %T", mem)
	}
}

// legalize returns (base, offset) for am, folding an out-of-range offset
// into a new base register.
func (c *compiler) legalize(am AddrMode, base asm.Register) (asm.Operand, int64, error) {
	if IsLegalAddressingMode(am) {
		return asm.Reg(base), am.BaseOffs, nil
	}
	sum := c.out.newVReg()
	c.emit(simasm.Add(sum, base, c.constant(am.BaseOffs)))
	return asm.Reg(sum), 0, nil
}

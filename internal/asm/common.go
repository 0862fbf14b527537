package asm

import (
	"fmt"
	"strings"
)

// Register identifies a machine register. Values below FirstVirtual are
// physical registers of the target; values at or above it are virtual
// registers handed out by instruction selection.
type Register int32

// FirstVirtual is the first virtual register id.
const FirstVirtual Register = 1 << 16

// NoRegister marks an unset register operand.
const NoRegister Register = -1

func (r Register) IsVirtual() bool { return r >= FirstVirtual }

func (r Register) IsPhysical() bool { return r >= 0 && r < FirstVirtual }

func (r Register) String() string {
	if r.IsVirtual() {
		return fmt.Sprintf("%%v%d", int32(r-FirstVirtual))
	}
	return fmt.Sprintf("%%r%d", int32(r))
}

// Expr is a symbolic, relocatable operand. It renders itself.
type Expr interface {
	String() string
}

// Symbol references a global symbol, optionally displaced by Offset bytes.
type Symbol struct {
	Name   string
	Offset int64
}

func (s Symbol) String() string {
	switch {
	case s.Offset > 0:
		return fmt.Sprintf("%s+%d", s.Name, s.Offset)
	case s.Offset < 0:
		return fmt.Sprintf("%s%d", s.Name, s.Offset)
	default:
		return s.Name
	}
}

type Label string

func (l Label) String() string { return string(l) }

var (
	_ Expr = Symbol{}
	_ Expr = Label("")
)

type OperandKind uint8

const (
	KindInvalid OperandKind = iota
	KindReg
	KindImm
	KindExpr
	KindFrameIndex
)

// Operand is a tagged union of register, immediate, expression and frame
// index. Frame indices only exist until frame-index elimination.
type Operand struct {
	Kind  OperandKind
	Reg   Register
	Imm   int64
	Expr  Expr
	Index int
}

func Reg(r Register) Operand { return Operand{Kind: KindReg, Reg: r} }

func Imm(v int64) Operand { return Operand{Kind: KindImm, Imm: v} }

func Sym(name string) Operand { return Operand{Kind: KindExpr, Expr: Symbol{Name: name}} }

func LabelRef(l Label) Operand { return Operand{Kind: KindExpr, Expr: l} }

func FI(index int) Operand { return Operand{Kind: KindFrameIndex, Index: index} }

func (o Operand) IsReg() bool        { return o.Kind == KindReg }
func (o Operand) IsImm() bool        { return o.Kind == KindImm }
func (o Operand) IsExpr() bool       { return o.Kind == KindExpr }
func (o Operand) IsFrameIndex() bool { return o.Kind == KindFrameIndex }

func (o Operand) String() string {
	switch o.Kind {
	case KindReg:
		return o.Reg.String()
	case KindImm:
		return fmt.Sprintf("%d", o.Imm)
	case KindExpr:
		return o.Expr.String()
	case KindFrameIndex:
		return fmt.Sprintf("%%fi%d", o.Index)
	default:
		return "<invalid>"
	}
}

// Opcode is interpreted by the target package that defines it.
type Opcode uint16

type Flag uint8

const (
	FlagFrameSetup Flag = 1 << iota
	FlagFrameDestroy
)

// Instr is a single machine instruction. The first operand of an
// instruction that defines a register is its destination.
type Instr struct {
	Op       Opcode
	Operands []Operand
	// ImplicitUses and ImplicitDefs describe registers read or written
	// without appearing as operands (call arguments, call clobbers).
	ImplicitUses []Register
	ImplicitDefs []Register
	Flags        Flag
	Comment      string
}

func NewInstr(op Opcode, operands ...Operand) *Instr {
	return &Instr{Op: op, Operands: operands}
}

func (i *Instr) WithFlag(f Flag) *Instr {
	i.Flags |= f
	return i
}

func (i *Instr) HasFlag(f Flag) bool { return i.Flags&f != 0 }

func (i *Instr) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "op%d", i.Op)
	for idx, op := range i.Operands {
		if idx == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(op.String())
	}
	return sb.String()
}

type Block struct {
	Label  Label
	Instrs []*Instr
}

// Insert places instrs before position pos.
func (b *Block) Insert(pos int, instrs ...*Instr) {
	if len(instrs) == 0 {
		return
	}
	tail := append([]*Instr(nil), b.Instrs[pos:]...)
	b.Instrs = append(append(b.Instrs[:pos], instrs...), tail...)
}

// Remove deletes the instruction at pos.
func (b *Block) Remove(pos int) {
	b.Instrs = append(b.Instrs[:pos], b.Instrs[pos+1:]...)
}

// Function is the machine-level form of one function.
type Function struct {
	Name   string
	Blocks []*Block
}

func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Walk visits every instruction in layout order.
func (f *Function) Walk(fn func(b *Block, idx int, in *Instr) error) error {
	for _, b := range f.Blocks {
		for idx, in := range b.Instrs {
			if err := fn(b, idx, in); err != nil {
				return err
			}
		}
	}
	return nil
}

// Context receives rendered output from fragments.
type Context interface {
	// EmitInstruction appends one machine instruction occupying one word.
	EmitInstruction(text string)
	// EmitDirective appends a line that occupies no address space.
	EmitDirective(text string)
	// Address is the word address of the next instruction.
	Address() int
	// ReferenceSymbol records a use of an external symbol.
	ReferenceSymbol(name string)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
	// ResolveLabel looks a label up across emission passes.
	ResolveLabel(label Label) (int, bool)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	ctx.EmitDirective(string(l.label) + ":")
	return nil
}

type directive string

// Directive emits an assembler directive line verbatim.
func Directive(text string) Fragment { return directive(text) }

func (d directive) Emit(ctx Context) error {
	ctx.EmitDirective("\t" + string(d))
	return nil
}

// Program is the textual assembly produced for one function or module.
type Program struct {
	text    []byte
	symbols []string
	words   int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.text...)
}

func (p Program) String() string { return string(p.text) }

// Symbols lists the external symbols the program references, in first-use
// order.
func (p Program) Symbols() []string {
	return append([]string(nil), p.symbols...)
}

// Words is the number of instruction words in the program.
func (p Program) Words() int {
	return p.words
}

func (p Program) Clone() Program {
	return Program{
		text:    append([]byte(nil), p.text...),
		symbols: append([]string(nil), p.symbols...),
		words:   p.words,
	}
}

func NewProgram(text []byte, symbols []string, words int) Program {
	return Program{
		text:    append([]byte(nil), text...),
		symbols: append([]string(nil), symbols...),
		words:   words,
	}
}

// Concat joins programs in order, merging their symbol lists.
func Concat(progs ...Program) Program {
	var out Program
	seen := make(map[string]bool)
	for _, p := range progs {
		out.text = append(out.text, p.text...)
		out.words += p.words
		for _, s := range p.symbols {
			if !seen[s] {
				seen[s] = true
				out.symbols = append(out.symbols, s)
			}
		}
	}
	return out
}

package sim

import (
	"fmt"

	"github.com/tinyrange/simcc/internal/asm"
)

const (
	ADD asm.Opcode = iota + 1
	SUB
	MUL
	DIV
	AND
	OR
	XOR
	ADDi
	SHLi
	LDi
	LD
	ST
	BRCC
	B
	CALL
	RET

	// Pseudo instructions. They never reach the printer unexpanded except
	// through the fallback path.
	MOV
	LI
	IMPLICIT_DEF
	ADJCALLSTACKDOWN
	ADJCALLSTACKUP
)

type instrDesc struct {
	mnemonic  string
	numDefs   int
	branchOp  int // index of the branch target operand, -1 when none
	pseudo    bool
	terminate bool
	isReturn  bool
	isCall    bool
}

var instrTable = map[asm.Opcode]instrDesc{
	ADD:              {mnemonic: "add", numDefs: 1, branchOp: -1},
	SUB:              {mnemonic: "sub", numDefs: 1, branchOp: -1},
	MUL:              {mnemonic: "mul", numDefs: 1, branchOp: -1},
	DIV:              {mnemonic: "div", numDefs: 1, branchOp: -1},
	AND:              {mnemonic: "and", numDefs: 1, branchOp: -1},
	OR:               {mnemonic: "or", numDefs: 1, branchOp: -1},
	XOR:              {mnemonic: "xor", numDefs: 1, branchOp: -1},
	ADDi:             {mnemonic: "addi", numDefs: 1, branchOp: -1},
	SHLi:             {mnemonic: "shli", numDefs: 1, branchOp: -1},
	LDi:              {mnemonic: "ldi", numDefs: 1, branchOp: -1},
	LD:               {mnemonic: "ld", numDefs: 1, branchOp: -1},
	ST:               {mnemonic: "st", branchOp: -1},
	BRCC:             {mnemonic: "br", branchOp: 3, terminate: true},
	B:                {mnemonic: "b", branchOp: 0, terminate: true},
	CALL:             {mnemonic: "call", branchOp: -1, isCall: true},
	RET:              {mnemonic: "ret", branchOp: -1, terminate: true, isReturn: true},
	MOV:              {mnemonic: "mov", numDefs: 1, branchOp: -1, pseudo: true},
	LI:               {mnemonic: "li", numDefs: 1, branchOp: -1, pseudo: true},
	IMPLICIT_DEF:     {mnemonic: "implicit_def", numDefs: 1, branchOp: -1, pseudo: true},
	ADJCALLSTACKDOWN: {mnemonic: "adjcallstackdown", branchOp: -1, pseudo: true},
	ADJCALLSTACKUP:   {mnemonic: "adjcallstackup", branchOp: -1, pseudo: true},
}

func desc(op asm.Opcode) (instrDesc, bool) {
	d, ok := instrTable[op]
	return d, ok
}

// Mnemonic returns the assembly mnemonic of op.
func Mnemonic(op asm.Opcode) string {
	if d, ok := desc(op); ok {
		return d.mnemonic
	}
	return fmt.Sprintf("op%d", op)
}

// NumDefs is the number of leading operands op writes.
func NumDefs(op asm.Opcode) int {
	d, _ := desc(op)
	return d.numDefs
}

func IsPseudo(op asm.Opcode) bool     { d, _ := desc(op); return d.pseudo }
func IsTerminator(op asm.Opcode) bool { d, _ := desc(op); return d.terminate }
func IsReturn(op asm.Opcode) bool     { d, _ := desc(op); return d.isReturn }
func IsCall(op asm.Opcode) bool       { d, _ := desc(op); return d.isCall }

// BranchOperand returns the index of op's branch target operand.
func BranchOperand(op asm.Opcode) (int, bool) {
	d, ok := desc(op)
	if !ok || d.branchOp < 0 {
		return 0, false
	}
	return d.branchOp, true
}

// CondCode is the predicate carried by BRCC. LT and GE exist so selection
// can name them, but they never reach a machine branch.
type CondCode uint8

const (
	CondEQ CondCode = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (c CondCode) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cc%d", uint8(c))
}

// Swapped returns the predicate that holds when the operands are exchanged.
func (c CondCode) Swapped() CondCode {
	switch c {
	case CondLT:
		return CondGT
	case CondGT:
		return CondLT
	case CondLE:
		return CondGE
	case CondGE:
		return CondLE
	default:
		return c
	}
}

func ParseCondCode(s string) (CondCode, error) {
	for idx, name := range condNames {
		if name == s {
			return CondCode(idx), nil
		}
	}
	return 0, fmt.Errorf("sim: unknown condition code %q", s)
}

func threeReg(op asm.Opcode, rd, rs1, rs2 asm.Register) *asm.Instr {
	return asm.NewInstr(op, asm.Reg(rd), asm.Reg(rs1), asm.Reg(rs2))
}

// Add emits ADD rd, rs1, rs2.
func Add(rd, rs1, rs2 asm.Register) *asm.Instr { return threeReg(ADD, rd, rs1, rs2) }

// Sub emits SUB rd, rs1, rs2.
func Sub(rd, rs1, rs2 asm.Register) *asm.Instr { return threeReg(SUB, rd, rs1, rs2) }

// Mul emits MUL rd, rs1, rs2.
func Mul(rd, rs1, rs2 asm.Register) *asm.Instr { return threeReg(MUL, rd, rs1, rs2) }

// Div emits the signed DIV rd, rs1, rs2.
func Div(rd, rs1, rs2 asm.Register) *asm.Instr { return threeReg(DIV, rd, rs1, rs2) }

func And(rd, rs1, rs2 asm.Register) *asm.Instr { return threeReg(AND, rd, rs1, rs2) }
func Or(rd, rs1, rs2 asm.Register) *asm.Instr  { return threeReg(OR, rd, rs1, rs2) }
func Xor(rd, rs1, rs2 asm.Register) *asm.Instr { return threeReg(XOR, rd, rs1, rs2) }

// AddImm emits ADDi rd, rs, imm.
func AddImm(rd, rs asm.Register, imm int64) *asm.Instr {
	return asm.NewInstr(ADDi, asm.Reg(rd), asm.Reg(rs), asm.Imm(imm))
}

// AddFrameIndex emits ADDi rd, <fi>, imm; frame-index elimination turns
// the frame index into a base register.
func AddFrameIndex(rd asm.Register, fi int, imm int64) *asm.Instr {
	return asm.NewInstr(ADDi, asm.Reg(rd), asm.FI(fi), asm.Imm(imm))
}

// ShlImm emits SHLi rd, rs, imm.
func ShlImm(rd, rs asm.Register, imm int64) *asm.Instr {
	return asm.NewInstr(SHLi, asm.Reg(rd), asm.Reg(rs), asm.Imm(imm))
}

// LoadImm emits LDi rd, imm. The immediate must fit 16 bits; use
// LoadImm32 for wider values.
func LoadImm(rd asm.Register, imm int64) *asm.Instr {
	return asm.NewInstr(LDi, asm.Reg(rd), asm.Imm(imm))
}

// LoadSym emits LDi rd, sym for relocatable addresses.
func LoadSym(rd asm.Register, sym asm.Symbol) *asm.Instr {
	return asm.NewInstr(LDi, asm.Reg(rd), asm.Operand{Kind: asm.KindExpr, Expr: sym})
}

// LoadImm32 emits the LI pseudo which the printer expands as needed.
func LoadImm32(rd asm.Register, imm int64) *asm.Instr {
	return asm.NewInstr(LI, asm.Reg(rd), asm.Imm(imm))
}

// Load emits LD rd, base, off where base is a register or frame index.
func Load(rd asm.Register, base asm.Operand, off int64) *asm.Instr {
	return asm.NewInstr(LD, asm.Reg(rd), base, asm.Imm(off))
}

// Store emits ST src, base, off where base is a register or frame index.
func Store(src asm.Register, base asm.Operand, off int64) *asm.Instr {
	return asm.NewInstr(ST, asm.Reg(src), base, asm.Imm(off))
}

// BranchCC emits BRCC lhs, rhs, cc, target.
func BranchCC(cc CondCode, lhs, rhs asm.Register, target asm.Label) *asm.Instr {
	return asm.NewInstr(BRCC, asm.Reg(lhs), asm.Reg(rhs), asm.Imm(int64(cc)), asm.LabelRef(target))
}

// Jump emits an unconditional branch.
func Jump(target asm.Label) *asm.Instr {
	return asm.NewInstr(B, asm.LabelRef(target))
}

// Call emits CALL sym. uses are the argument registers the call reads; the
// call clobbers RA and every caller-saved register.
func Call(sym string, uses ...asm.Register) *asm.Instr {
	in := asm.NewInstr(CALL, asm.Sym(sym))
	in.ImplicitUses = append([]asm.Register(nil), uses...)
	in.ImplicitDefs = append([]asm.Register(nil), CallClobbered...)
	return in
}

// Ret emits RET; uses are the return value registers.
func Ret(uses ...asm.Register) *asm.Instr {
	in := asm.NewInstr(RET)
	in.ImplicitUses = append([]asm.Register(nil), uses...)
	return in
}

// Mov emits the MOV pseudo.
func Mov(rd, rs asm.Register) *asm.Instr {
	return asm.NewInstr(MOV, asm.Reg(rd), asm.Reg(rs))
}

func ImplicitDef(rd asm.Register) *asm.Instr {
	return asm.NewInstr(IMPLICIT_DEF, asm.Reg(rd))
}

// AdjCallStackDown and AdjCallStackUp bracket a call sequence; size is the
// outgoing argument area in bytes.
func AdjCallStackDown(size int64) *asm.Instr {
	return asm.NewInstr(ADJCALLSTACKDOWN, asm.Imm(size))
}

func AdjCallStackUp(size int64) *asm.Instr {
	return asm.NewInstr(ADJCALLSTACKUP, asm.Imm(size))
}

// Defs returns the registers in writes, operands first.
func Defs(in *asm.Instr) []asm.Register {
	var out []asm.Register
	n := NumDefs(in.Op)
	for i := 0; i < n && i < len(in.Operands); i++ {
		if in.Operands[i].IsReg() {
			out = append(out, in.Operands[i].Reg)
		}
	}
	return append(out, in.ImplicitDefs...)
}

// Uses returns the registers in reads.
func Uses(in *asm.Instr) []asm.Register {
	var out []asm.Register
	for i := NumDefs(in.Op); i < len(in.Operands); i++ {
		if in.Operands[i].IsReg() {
			out = append(out, in.Operands[i].Reg)
		}
	}
	return append(out, in.ImplicitUses...)
}

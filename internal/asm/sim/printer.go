package sim

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tinyrange/simcc/internal/asm"
)

var (
	ErrImmediateOutOfRange = errors.New("immediate out of range")
	ErrUnassignedRegister  = errors.New("virtual register reached the printer")
	ErrUnresolvedFrameIdx  = errors.New("frame index reached the printer")
	ErrUndefinedLabel      = errors.New("undefined branch label")
)

// BranchMode selects how branch target operands are printed.
type BranchMode uint8

const (
	// BranchSymbolic prints the label name.
	BranchSymbolic BranchMode = iota
	// BranchAddress prints the absolute word address of the target in hex.
	BranchAddress
	// BranchOffset prints the signed word offset from the branch.
	BranchOffset
)

func (m BranchMode) String() string {
	switch m {
	case BranchSymbolic:
		return "symbolic"
	case BranchAddress:
		return "address"
	case BranchOffset:
		return "offset"
	default:
		return fmt.Sprintf("branchmode(%d)", uint8(m))
	}
}

func ParseBranchMode(s string) (BranchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "symbolic":
		return BranchSymbolic, nil
	case "address":
		return BranchAddress, nil
	case "offset":
		return BranchOffset, nil
	}
	return 0, fmt.Errorf("sim: unknown branch target mode %q", s)
}

// ParseBranchTarget converts a printed branch operand back into an absolute
// word address. addr is the address of the branch instruction itself. Hex
// operands are absolute, decimal operands are offsets.
func ParseBranchTarget(text string, addr int) (int, error) {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, "0x"); ok {
		v, err := strconv.ParseUint(rest, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("sim: bad branch address %q: %w", text, err)
		}
		return int(v), nil
	}
	off, err := strconv.ParseInt(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("sim: bad branch offset %q: %w", text, err)
	}
	return addr + int(off), nil
}

// ExpandPseudo rewrites a pseudo instruction into machine instructions.
// IMPLICIT_DEF has no machine form and yields only a comment. ok is false
// when in has no expansion and should be printed unchanged.
func ExpandPseudo(in *asm.Instr) (out []*asm.Instr, comment string, ok bool, err error) {
	switch in.Op {
	case MOV:
		if len(in.Operands) != 2 {
			return nil, "", false, nil
		}
		return []*asm.Instr{
			asm.NewInstr(ADDi, in.Operands[0], in.Operands[1], asm.Imm(0)),
		}, "", true, nil
	case LI:
		if len(in.Operands) != 2 || !in.Operands[1].IsImm() || !in.Operands[0].IsReg() {
			return nil, "", false, nil
		}
		seq, err := expandLoadImm(in.Operands[0].Reg, in.Operands[1].Imm)
		if err != nil {
			return nil, "", false, err
		}
		return seq, "", true, nil
	case IMPLICIT_DEF:
		if len(in.Operands) != 1 || !in.Operands[0].IsReg() {
			return nil, "", false, nil
		}
		return nil, "implicit-def: " + RegisterName(in.Operands[0].Reg), true, nil
	}
	return nil, "", false, nil
}

// expandLoadImm builds a 32-bit constant from a rounded high half and a
// signed low half so every immediate stays within 16 bits.
func expandLoadImm(rd asm.Register, v int64) ([]*asm.Instr, error) {
	if v < math.MinInt32 || v > math.MaxUint32 {
		return nil, fmt.Errorf("sim: %w: %d does not fit 32 bits", ErrImmediateOutOfRange, v)
	}
	if IsInt16(v) {
		return []*asm.Instr{LoadImm(rd, v)}, nil
	}
	u := uint32(v)
	hi := int64(int16((u + 0x8000) >> 16))
	lo := int64(int32(u - uint32(hi)<<16))
	seq := []*asm.Instr{LoadImm(rd, hi), ShlImm(rd, rd, 16)}
	if lo != 0 {
		seq = append(seq, AddImm(rd, rd, lo))
	}
	return seq, nil
}

// immFields lists the operand positions holding 16-bit immediates.
func immFields(op asm.Opcode) []int {
	switch op {
	case ADDi, SHLi, LD, ST:
		return []int{2}
	case LDi:
		return []int{1}
	}
	return nil
}

type printer struct {
	mode BranchMode
	// resolve returns the function-relative word address of a label.
	resolve func(asm.Label) (int, bool)
}

func (p *printer) operand(o asm.Operand) (string, error) {
	switch o.Kind {
	case asm.KindReg:
		if !o.Reg.IsPhysical() || int(o.Reg) >= NumRegisters {
			return "", fmt.Errorf("sim: %w: %s", ErrUnassignedRegister, o.Reg)
		}
		return RegisterName(o.Reg), nil
	case asm.KindImm:
		return strconv.FormatInt(o.Imm, 10), nil
	case asm.KindExpr:
		return o.Expr.String(), nil
	case asm.KindFrameIndex:
		return "", fmt.Errorf("sim: %w: %s", ErrUnresolvedFrameIdx, o)
	}
	return "", fmt.Errorf("sim: invalid operand")
}

func (p *printer) branchTarget(o asm.Operand, addr int) (string, error) {
	label, isLabel := o.Expr.(asm.Label)
	if o.Kind != asm.KindExpr || !isLabel || p.mode == BranchSymbolic {
		return p.operand(o)
	}
	target, ok := p.resolve(label)
	if !ok {
		return "", fmt.Errorf("sim: %w %q", ErrUndefinedLabel, label)
	}
	offset := target - addr
	if p.mode == BranchAddress {
		return fmt.Sprintf("0x%x", addr+offset), nil
	}
	return strconv.Itoa(offset), nil
}

// format renders a single machine instruction located at word address addr.
func (p *printer) format(in *asm.Instr, addr int) (string, error) {
	for _, idx := range immFields(in.Op) {
		if idx < len(in.Operands) && in.Operands[idx].IsImm() && !IsInt16(in.Operands[idx].Imm) {
			return "", fmt.Errorf("sim: %w: %s operand %d", ErrImmediateOutOfRange, Mnemonic(in.Op), in.Operands[idx].Imm)
		}
	}

	mnemonic := Mnemonic(in.Op)
	operands := in.Operands
	if in.Op == BRCC && len(operands) == 4 && operands[2].IsImm() {
		mnemonic += "." + CondCode(operands[2].Imm).String()
		operands = []asm.Operand{operands[0], operands[1], operands[3]}
	}
	branchIdx, hasBranch := BranchOperand(in.Op)
	if in.Op == BRCC {
		branchIdx = 2
	}

	var sb strings.Builder
	sb.WriteString(mnemonic)
	for idx, o := range operands {
		if idx == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		var (
			text string
			err  error
		)
		if hasBranch && idx == branchIdx {
			text, err = p.branchTarget(o, addr)
		} else {
			text, err = p.operand(o)
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(text)
	}
	if in.Comment != "" {
		sb.WriteString("\t# ")
		sb.WriteString(in.Comment)
	}
	return sb.String(), nil
}

// FormatInstr renders in with symbolic branch targets. Pseudo instructions
// are printed unexpanded.
func FormatInstr(in *asm.Instr) (string, error) {
	p := &printer{mode: BranchSymbolic}
	return p.format(in, 0)
}

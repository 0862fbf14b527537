package sim

import (
	"fmt"

	"github.com/tinyrange/simcc/internal/asm"
	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir"
)

// Operation is a generic operation as seen by legalization.
type Operation uint8

const (
	OpAdd Operation = iota
	OpSub
	OpMul
	OpSDiv
	OpUDiv
	OpSRem
	OpShl
	OpShr
	OpAnd
	OpOr
	OpXor
	OpLoad
	OpStore
	OpConstant
	OpUndef
	OpGlobalAddress
	OpBrCC
	OpFrameAddr
	OpDynamicAlloc
)

var operationNames = [...]string{
	"add", "sub", "mul", "sdiv", "udiv", "srem", "shl", "shr", "and", "or", "xor",
	"load", "store", "constant", "undef", "globaladdress", "br_cc", "frameaddr", "dynamic_stackalloc",
}

func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

type Action uint8

const (
	Expand Action = iota
	Legal
	Custom
)

func (a Action) String() string {
	switch a {
	case Legal:
		return "legal"
	case Custom:
		return "custom"
	default:
		return "expand"
	}
}

var operationActions = map[Operation]Action{
	OpAdd:           Legal,
	OpSub:           Legal,
	OpMul:           Legal,
	OpSDiv:          Legal,
	OpAnd:           Legal,
	OpOr:            Legal,
	OpXor:           Legal,
	OpLoad:          Legal,
	OpStore:         Legal,
	OpConstant:      Legal,
	OpUndef:         Legal,
	OpGlobalAddress: Legal,
	OpBrCC:          Custom,
	OpFrameAddr:     Custom,
	// SHLi takes a constant shift amount; DYNAMIC_STACKALLOC is expanded
	// into stack pointer arithmetic by the selector.
	OpShl:           Custom,
	OpDynamicAlloc:  Custom,
}

// OperationAction returns how op on values of type t is handled. Only i32
// (and pointers, which are bit-cast to i32) has a register class.
func OperationAction(op Operation, t ir.Type) Action {
	if t != ir.I32 && t != ir.Ptr {
		return Expand
	}
	return operationActions[op]
}

func illegal(op Operation, t ir.Type) error {
	return fmt.Errorf("%w: %s on %s", ErrIllegalOperation, op, t)
}

// AddrMode is a candidate addressing mode: BaseGV + BaseReg + Scale*Index +
// BaseOffs. Offsets are in words.
type AddrMode struct {
	BaseGV     bool
	BaseOffs   int64
	HasBaseReg bool
	Scale      int64
}

// IsLegalAddressingMode accepts reg, reg+imm16 and imm16. Globals and
// scaled or register-register forms must be materialized first.
func IsLegalAddressingMode(am AddrMode) bool {
	if am.BaseGV {
		return false
	}
	if !simasm.IsInt16(am.BaseOffs) {
		return false
	}
	switch am.Scale {
	case 0:
		return true
	case 1:
		return !am.HasBaseReg
	default:
		return false
	}
}

// GetRegisterByName resolves a named-register global.
func GetRegisterByName(target *simasm.Target, name string) (asm.Register, error) {
	return target.LookupRegister(name)
}

// SetCCResultType is the type produced by a comparison of values of type t.
func SetCCResultType(t ir.Type) (ir.Type, error) {
	if t.IsVector() {
		return ir.Void, fmt.Errorf("%w: %s comparison", ErrUnsupportedType, t)
	}
	return ir.I32, nil
}

// Package sim describes the sim target: a 32-bit little-endian,
// word-addressed machine with sixteen general purpose registers and no
// floating point unit. It also renders finalized instructions as assembly
// text.
package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/simcc/internal/asm"
)

const (
	R0 asm.Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const NumRegisters = 16

// Special purpose registers. GP, RA, SP and FP are never allocatable.
const (
	GP = R0
	RA = R1
	SP = R2
	FP = R3
	BP = R4
)

const (
	WordBytes    = 4
	PointerBits  = 32
	StackAlign   = 4
	MaxImm16     = 1<<15 - 1
	MinImm16     = -(1 << 15)
	dataLayout   = "e-m:e-p:32:32-i1:8:32-i8:8:32-i16:16:32-i32:32:32-i64:32-f32:32:32-f64:32-a:0:32-n32"
	registerBits = 32
)

var (
	ErrUnknownRegister      = errors.New("unknown register")
	ErrNoFloatRegisterClass = errors.New("sim: no floating-point register class")
)

var registerNames = [NumRegisters]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var registerAliases = map[string]asm.Register{
	"g0": R0, "g1": R1, "g2": R2, "g3": R3, "g4": R4,
	"g5": R5, "g6": R6, "g7": R7, "g8": R8, "g9": R9,
	"a0": R10, "a1": R11, "a2": R12, "a3": R13, "a4": R14, "a5": R15,
}

// ABI register sets.
var (
	ArgRegisters    = []asm.Register{R10, R11, R12, R13}
	ReturnRegisters = []asm.Register{R10, R11}
	CalleeSaved     = []asm.Register{RA, FP, BP, R5, R6, R7, R8, R9}
	// CallClobbered is what a CALL instruction may overwrite.
	CallClobbered   = []asm.Register{RA, R10, R11, R12, R13, R14, R15}
	AllocationOrder = []asm.Register{R10, R11, R12, R13, R14, R15, R5, R6, R7, R8, R9, R4}
)

// IsInt16 reports whether v fits a signed 16-bit immediate field.
func IsInt16(v int64) bool { return v >= MinImm16 && v <= MaxImm16 }

type RegClass uint8

const (
	ClassGPR32 RegClass = iota
	ClassFloat
)

func (c RegClass) String() string {
	switch c {
	case ClassGPR32:
		return "gpr32"
	case ClassFloat:
		return "float"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Target is the immutable description of the machine. It is safe for
// concurrent use.
type Target struct{}

func NewTarget() *Target { return &Target{} }

func (*Target) NumRegisters() int { return NumRegisters }

func (*Target) RegisterName(r asm.Register) string { return RegisterName(r) }

// RegisterName returns the canonical lower-case name of a physical register.
func RegisterName(r asm.Register) string {
	if r < 0 || int(r) >= NumRegisters {
		return r.String()
	}
	return registerNames[r]
}

// LookupRegister maps canonical and alias names to a register.
func (*Target) LookupRegister(name string) (asm.Register, error) {
	return LookupRegister(name)
}

func LookupRegister(name string) (asm.Register, error) {
	n := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "%"))
	for idx, canonical := range registerNames {
		if canonical == n {
			return asm.Register(idx), nil
		}
	}
	if r, ok := registerAliases[n]; ok {
		return r, nil
	}
	return asm.NoRegister, fmt.Errorf("sim: %w %q", ErrUnknownRegister, name)
}

func (*Target) IsReserved(r asm.Register) bool { return IsReserved(r) }

func IsReserved(r asm.Register) bool {
	return r == GP || r == RA || r == SP || r == FP
}

func (*Target) IsCalleeSaved(r asm.Register) bool {
	for _, cs := range CalleeSaved {
		if cs == r {
			return true
		}
	}
	return false
}

// RegisterClass returns the registers of a class in allocation order.
func (*Target) RegisterClass(c RegClass) ([]asm.Register, error) {
	switch c {
	case ClassGPR32:
		return append([]asm.Register(nil), AllocationOrder...), nil
	case ClassFloat:
		return nil, ErrNoFloatRegisterClass
	default:
		return nil, fmt.Errorf("sim: unknown register class %s", c)
	}
}

func (*Target) RegisterBits(asm.Register) int { return registerBits }

func (*Target) DataLayout() string { return dataLayout }

func (*Target) WordBytes() int   { return WordBytes }
func (*Target) PointerBits() int { return PointerBits }
func (*Target) StackAlign() int  { return StackAlign }

// ABIAlign returns the ABI alignment in bytes for an integer or float of
// the given bit width. 8/16/32-bit integers are naturally aligned, wider
// integers and every float type align to 32 bits.
func (*Target) ABIAlign(bits int, float bool) int {
	if float {
		return 4
	}
	switch {
	case bits <= 8:
		return 1
	case bits <= 16:
		return 2
	default:
		return 4
	}
}

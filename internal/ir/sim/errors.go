package sim

import (
	"errors"
	"fmt"

	simasm "github.com/tinyrange/simcc/internal/asm/sim"
)

// Fatal conditions. Each aborts compilation of the function it occurs in.
var (
	ErrVarArgs             = errors.New("variable argument calls are not supported")
	ErrIndirectArgument    = errors.New("indirect argument passing is not supported")
	ErrUnsupportedType     = errors.New("unsupported value type")
	ErrUnsupportedCallConv = errors.New("unsupported calling convention")
	ErrReturnTooLarge      = errors.New("return value does not fit the return registers")
	ErrTailCall            = errors.New("tail calls are not supported")
	ErrIllegalOperation    = errors.New("illegal operation")
	ErrFrameAddressDepth   = errors.New("frame address depth must be zero")
	ErrBasePointerRequired = errors.New("base pointer required")
	ErrCannotRealign       = errors.New("stack realignment required with variable-sized objects")
	ErrStackTooLarge       = errors.New("stack frame too large")
	ErrOffsetOutOfRange    = errors.New("frame offset out of range")
	ErrFrameFinalized      = errors.New("stack frame already finalized")
	ErrFrameNotFinalized   = errors.New("stack frame not finalized")
	ErrOutOfRegisters      = errors.New("out of registers")
	ErrUndefinedValue      = errors.New("undefined value")
	ErrMissingReturn       = errors.New("control reaches end of non-void function")

	ErrImmediateOutOfRange = simasm.ErrImmediateOutOfRange
	ErrUnknownRegister     = simasm.ErrUnknownRegister
)

// FatalError reports a condition that aborted compilation of Func.
type FatalError struct {
	Func string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sim: %s: %v", e.Func, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(fn string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Func: fn, Err: err}
}

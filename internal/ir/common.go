package ir

import (
	"fmt"
)

type Fragment interface{}

type MemoryFragment interface {
	Fragment
	WithDisp(disp any) Fragment
}

func asFragment(v any) Fragment {
	switch v := v.(type) {
	case nil:
		return nil
	case int:
		return Int32(v)
	case string:
		return Var(v)
	}
	if f, ok := v.(Fragment); ok {
		return f
	}
	panic(fmt.Sprintf("cannot convert %T to Fragment", v))
}

type Condition interface {
	Fragment
}

type CompareKind int

const (
	CompareEqual CompareKind = iota
	CompareNotEqual
	CompareLess
	CompareLessOrEqual
	CompareGreater
	CompareGreaterOrEqual
)

var compareNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (k CompareKind) String() string {
	if int(k) >= 0 && int(k) < len(compareNames) {
		return compareNames[k]
	}
	return fmt.Sprintf("compare(%d)", int(k))
}

func parseCompareKind(s string) (CompareKind, error) {
	for idx, name := range compareNames {
		if name == s {
			return CompareKind(idx), nil
		}
	}
	return 0, fmt.Errorf("ir: unknown comparison %q", s)
}

type CompareCondition struct {
	Kind  CompareKind
	Left  Fragment
	Right Fragment
}

func IsEqual(left, right any) Condition {
	return CompareCondition{
		Kind:  CompareEqual,
		Left:  asFragment(left),
		Right: asFragment(right),
	}
}

func IsNotEqual(left, right any) Condition {
	return CompareCondition{
		Kind:  CompareNotEqual,
		Left:  asFragment(left),
		Right: asFragment(right),
	}
}

func IsLessThan(left, right any) Condition {
	return CompareCondition{
		Kind:  CompareLess,
		Left:  asFragment(left),
		Right: asFragment(right),
	}
}

func IsLessOrEqual(left, right any) Condition {
	return CompareCondition{
		Kind:  CompareLessOrEqual,
		Left:  asFragment(left),
		Right: asFragment(right),
	}
}

func IsGreaterThan(left, right any) Condition {
	return CompareCondition{
		Kind:  CompareGreater,
		Left:  asFragment(left),
		Right: asFragment(right),
	}
}

func IsGreaterOrEqual(left, right any) Condition {
	return CompareCondition{
		Kind:  CompareGreaterOrEqual,
		Left:  asFragment(left),
		Right: asFragment(right),
	}
}

type Method []Fragment

type Block []Fragment

type Int64 int64
type Int32 int32
type Int16 int16
type Int8 int8

// Var names a function-local value. Parameters are Vars named after the
// signature's parameters.
type Var string

type GlobalVar string

// Global declares a reference to a program-level variable.
func Global(name string) GlobalVar {
	if name == "" {
		panic("ir: global name must be non-empty")
	}
	return GlobalVar(name)
}

func (g GlobalVar) Name() string {
	return string(g)
}

type ValueWidth uint8

const (
	Width8  ValueWidth = 8
	Width16 ValueWidth = 16
	Width32 ValueWidth = 32
	Width64 ValueWidth = 64
)

// MemVar addresses memory at Base plus an optional displacement in bytes.
type MemVar struct {
	Base  Var
	Disp  Fragment
	Width ValueWidth
}

func (m MemVar) WithDisp(disp any) Fragment {
	m.Disp = asFragment(disp)
	return m
}

func (m MemVar) withWidth(width ValueWidth) MemVar {
	m.Width = width
	return m
}

func (m MemVar) As8() MemVar  { return m.withWidth(Width8) }
func (m MemVar) As16() MemVar { return m.withWidth(Width16) }
func (m MemVar) As32() MemVar { return m.withWidth(Width32) }

func (v Var) AsMem() MemoryFragment {
	return v.Mem()
}

// Mem exposes a typed memory reference so width helpers may be chained.
func (v Var) Mem() MemVar {
	return MemVar{Base: v, Width: Width32}
}

// MemWithDisp is equivalent to Mem().WithDisp(disp) but preserves the MemVar
// type so callers can chain width conversions.
func (v Var) MemWithDisp(disp any) MemVar {
	return MemVar{Base: v, Width: Width32, Disp: asFragment(disp)}
}

// IndexMem addresses Base + Index*Scale + Disp. Scaled addressing is not a
// machine addressing mode on every target and may be materialized by
// explicit arithmetic.
type IndexMem struct {
	Base  Var
	Index Var
	Scale int64
	Disp  Fragment
	Width ValueWidth
}

func (m IndexMem) WithDisp(disp any) Fragment {
	m.Disp = asFragment(disp)
	return m
}

func (v Var) Indexed(index Var, scale int64) IndexMem {
	return IndexMem{Base: v, Index: index, Scale: scale, Width: Width32}
}

type GlobalMem struct {
	Name  string
	Disp  Fragment
	Width ValueWidth
}

func (m GlobalMem) WithDisp(disp any) Fragment {
	m.Disp = asFragment(disp)
	return m
}

func (m GlobalMem) withWidth(width ValueWidth) GlobalMem {
	m.Width = width
	return m
}

func (m GlobalMem) As8() GlobalMem  { return m.withWidth(Width8) }
func (m GlobalMem) As16() GlobalMem { return m.withWidth(Width16) }
func (m GlobalMem) As32() GlobalMem { return m.withWidth(Width32) }

func (g GlobalVar) AsMem() MemoryFragment {
	return g.Mem()
}

func (g GlobalVar) Mem() GlobalMem {
	return GlobalMem{Name: string(g), Width: Width32}
}

func (g GlobalVar) MemWithDisp(disp any) GlobalMem {
	return GlobalMem{Name: string(g), Width: Width32, Disp: asFragment(disp)}
}

// GlobalPointerFragment evaluates to the address of a global.
type GlobalPointerFragment struct {
	Name string
}

func (g GlobalVar) Pointer() Fragment {
	return GlobalPointerFragment{Name: string(g)}
}

// Local names a fixed-size stack slot declared in Function.Locals.
type Local string

// LocalMem addresses memory inside a stack slot.
type LocalMem struct {
	Slot  Local
	Disp  Fragment
	Width ValueWidth
}

func (m LocalMem) WithDisp(disp any) Fragment {
	m.Disp = asFragment(disp)
	return m
}

func (l Local) Mem() LocalMem {
	return LocalMem{Slot: l, Width: Width32}
}

func (l Local) At(disp any) LocalMem {
	return LocalMem{Slot: l, Width: Width32, Disp: asFragment(disp)}
}

// LocalPtrFragment evaluates to the address of a stack slot.
type LocalPtrFragment struct {
	Slot Local
	Disp Fragment
}

func (l Local) Pointer() Fragment {
	return LocalPtrFragment{Slot: l}
}

type Label string

type ReturnFragment struct {
	// Values is empty for a void return.
	Values []Fragment
}

func Return(values ...any) Fragment {
	frags := make([]Fragment, 0, len(values))
	for _, v := range values {
		frags = append(frags, asFragment(v))
	}
	return ReturnFragment{Values: frags}
}

func ReturnVoid() Fragment {
	return ReturnFragment{}
}

type AssignFragment struct {
	Dst Fragment
	Src Fragment
}

// Assign stores Src into Dst. A memory destination is a store; a memory
// source is a load.
func Assign(dst Fragment, src Fragment) Fragment {
	return AssignFragment{Dst: dst, Src: src}
}

type IfFragment struct {
	Cond      Condition
	Then      Fragment
	Otherwise Fragment
}

func If(cond Condition, then Fragment, otherwise ...Fragment) Fragment {
	if len(otherwise) > 0 {
		return IfFragment{Cond: cond, Then: then, Otherwise: otherwise[0]}
	}
	return IfFragment{Cond: cond, Then: then}
}

type GotoFragment struct {
	Label Fragment
}

func Goto(label Fragment) Fragment {
	return GotoFragment{Label: label}
}

// BranchFragment transfers control to Target when Cond holds and falls
// through otherwise.
type BranchFragment struct {
	Cond   Condition
	Target Label
}

func BranchIf(cond Condition, target Label) Fragment {
	return BranchFragment{Cond: cond, Target: target}
}

type LabelFragment struct {
	Label Label
	Block Block
}

func DeclareLabel(label Label, block Block) Fragment {
	return LabelFragment{Label: label, Block: block}
}

// CallArg is one outgoing call argument.
type CallArg struct {
	Value Fragment
	Type  Type
	Flags ArgFlags
}

// CallConfig describes a direct call site.
type CallConfig struct {
	Target     string
	Args       []CallArg
	Result     Var
	ResultType Type
	VarArg     bool
	TailCall   bool
	CallConv   string
}

type CallFragment struct {
	CallConfig
}

// CallWith emits a call described by cfg.
func CallWith(cfg CallConfig) Fragment {
	return CallFragment{CallConfig: cfg}
}

// Call emits a call to target with i32 arguments. When result is given the
// i32 return value is stored there.
func Call(target string, args []any, result ...Var) Fragment {
	cfg := CallConfig{Target: target}
	for _, a := range args {
		cfg.Args = append(cfg.Args, CallArg{Value: asFragment(a), Type: I32})
	}
	if len(result) > 0 {
		cfg.Result = result[0]
		cfg.ResultType = I32
	}
	return CallFragment{CallConfig: cfg}
}

type OpKind int

const (
	OpInvalid OpKind = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpUDiv
	OpRem
	OpShr
	OpShl
	OpAnd
	OpOr
	OpXor
)

var opNames = map[OpKind]string{
	OpAdd:  "add",
	OpSub:  "sub",
	OpMul:  "mul",
	OpDiv:  "sdiv",
	OpUDiv: "udiv",
	OpRem:  "srem",
	OpShr:  "shr",
	OpShl:  "shl",
	OpAnd:  "and",
	OpOr:   "or",
	OpXor:  "xor",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(k))
}

func parseOpKind(s string) (OpKind, bool) {
	if s == "div" {
		return OpDiv, true
	}
	for k, name := range opNames {
		if name == s {
			return k, true
		}
	}
	return OpInvalid, false
}

type OpFragment struct {
	Kind  OpKind
	Left  Fragment
	Right Fragment
}

func Op(kind OpKind, left, right any) Fragment {
	return OpFragment{Kind: kind, Left: asFragment(left), Right: asFragment(right)}
}

// UndefFragment is a value with no defined contents.
type UndefFragment struct{}

func Undef() Fragment { return UndefFragment{} }

// FrameAddressFragment evaluates to the frame address Depth frames up.
type FrameAddressFragment struct {
	Depth int
}

func FrameAddress(depth int) Fragment { return FrameAddressFragment{Depth: depth} }

// AllocaFragment reserves Size bytes of stack at run time and evaluates to
// the address of the reservation.
type AllocaFragment struct {
	Size Fragment
}

func Alloca(size any) Fragment { return AllocaFragment{Size: asFragment(size)} }

type GlobalConfig struct {
	// Size controls how many bytes are reserved for the variable. Defaults to 4.
	Size int `yaml:"size"`
	// Align controls the byte alignment for the variable. Defaults to 4 and must
	// be a power of two.
	Align int `yaml:"align"`
}

var (
	_ Fragment       = Block(nil)
	_ Fragment       = Var("")
	_ Fragment       = Label("")
	_ Fragment       = AssignFragment{}
	_ Fragment       = IfFragment{}
	_ Fragment       = GotoFragment{}
	_ Fragment       = BranchFragment{}
	_ Fragment       = Method(nil)
	_ Fragment       = ReturnFragment{}
	_ Fragment       = CallFragment{}
	_ Fragment       = GlobalPointerFragment{}
	_ MemoryFragment = MemVar{}
	_ MemoryFragment = IndexMem{}
	_ MemoryFragment = GlobalMem{}
	_ MemoryFragment = LocalMem{}
)

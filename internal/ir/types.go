package ir

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type is the value type of a parameter, argument or result.
type Type uint8

const (
	Void Type = iota
	I1
	I8
	I16
	I32
	I64
	Ptr
	F32
	F64
	V4I32
)

var typeNames = [...]string{"void", "i1", "i8", "i16", "i32", "i64", "ptr", "f32", "f64", "v4i32"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Bits is the storage width of t.
func (t Type) Bits() int {
	switch t {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32, Ptr, F32:
		return 32
	case I64, F64:
		return 64
	case V4I32:
		return 128
	}
	return 0
}

func (t Type) IsInteger() bool {
	switch t {
	case I1, I8, I16, I32, I64:
		return true
	}
	return false
}

func (t Type) IsFloat() bool  { return t == F32 || t == F64 }
func (t Type) IsVector() bool { return t == V4I32 }

func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Void, nil
	}
	for idx, name := range typeNames {
		if name == s {
			return Type(idx), nil
		}
	}
	return Void, fmt.Errorf("ir: unknown type %q", s)
}

func (t *Type) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = parsed
	return nil
}

func (t Type) MarshalYAML() (any, error) {
	return t.String(), nil
}

// ArgFlags are the ABI attributes of a parameter or argument.
type ArgFlags struct {
	SExt bool
	ZExt bool
	// ByVal passes an aggregate of ByValSize bytes by copying it to the
	// caller's stack and passing the copy's address.
	ByVal      bool
	ByValSize  int64
	ByValAlign int64
	// Indirect passes a pointer to the value instead of the value.
	Indirect bool
}

func (f ArgFlags) String() string {
	var parts []string
	if f.SExt {
		parts = append(parts, "signext")
	}
	if f.ZExt {
		parts = append(parts, "zeroext")
	}
	if f.ByVal {
		parts = append(parts, fmt.Sprintf("byval(%d,%d)", f.ByValSize, f.ByValAlign))
	}
	if f.Indirect {
		parts = append(parts, "indirect")
	}
	return strings.Join(parts, " ")
}

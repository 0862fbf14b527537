package ir

import (
	"fmt"
	"slices"
)

type Param struct {
	Name  string
	Type  Type
	Flags ArgFlags
}

type Signature struct {
	Params   []Param
	Results  []Type
	VarArg   bool
	CallConv string
}

type Attrs struct {
	// ForceRealign requests stack realignment regardless of object alignment.
	ForceRealign bool
	// NoFramePointerElim keeps the frame pointer for this function.
	NoFramePointerElim bool
}

// LocalConfig declares a fixed-size stack slot.
type LocalConfig struct {
	Name  string
	Size  int64
	Align int64
}

type Function struct {
	Name      string
	Signature Signature
	Locals    []LocalConfig
	Attrs     Attrs
	Body      Method
}

func (f *Function) Validate() error {
	if f == nil {
		return fmt.Errorf("ir: function must be non-nil")
	}
	if f.Name == "" {
		return fmt.Errorf("ir: function name must be non-empty")
	}
	seen := make(map[string]bool)
	for _, p := range f.Signature.Params {
		if p.Name == "" {
			return fmt.Errorf("ir: %s: parameter name must be non-empty", f.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("ir: %s: duplicate parameter %q", f.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Flags.ByVal && p.Flags.ByValSize <= 0 {
			return fmt.Errorf("ir: %s: byval parameter %q needs a positive size", f.Name, p.Name)
		}
	}
	locals := make(map[string]bool)
	for _, l := range f.Locals {
		if l.Name == "" || l.Size <= 0 {
			return fmt.Errorf("ir: %s: local %q needs a name and positive size", f.Name, l.Name)
		}
		if l.Align != 0 && l.Align&(l.Align-1) != 0 {
			return fmt.Errorf("ir: %s: local %q alignment %d is not a power of two", f.Name, l.Name, l.Align)
		}
		if locals[l.Name] {
			return fmt.Errorf("ir: %s: duplicate local %q", f.Name, l.Name)
		}
		locals[l.Name] = true
	}
	return nil
}

type Program struct {
	Functions []*Function
	Globals   map[string]GlobalConfig
}

// Function returns the named function.
func (p *Program) Function(name string) (*Function, bool) {
	idx := slices.IndexFunc(p.Functions, func(f *Function) bool { return f.Name == name })
	if idx < 0 {
		return nil, false
	}
	return p.Functions[idx], true
}

func (p *Program) Validate() error {
	if p == nil {
		return fmt.Errorf("ir: program must be non-nil")
	}
	seen := make(map[string]bool)
	for _, fn := range p.Functions {
		if err := fn.Validate(); err != nil {
			return err
		}
		if seen[fn.Name] {
			return fmt.Errorf("ir: duplicate function %q", fn.Name)
		}
		seen[fn.Name] = true
	}
	for name, g := range p.Globals {
		if seen[name] {
			return fmt.Errorf("ir: global %q collides with a function", name)
		}
		if g.Align != 0 && g.Align&(g.Align-1) != 0 {
			return fmt.Errorf("ir: global %q alignment %d is not a power of two", name, g.Align)
		}
	}
	return nil
}

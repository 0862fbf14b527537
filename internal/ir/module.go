package ir

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModuleFile is the on-disk YAML form of a Program.
type ModuleFile struct {
	Functions []FunctionFile          `yaml:"functions"`
	Globals   map[string]GlobalConfig `yaml:"globals,omitempty"`
}

type FunctionFile struct {
	Name     string      `yaml:"name"`
	Params   []ParamFile `yaml:"params,omitempty"`
	Result   []Type      `yaml:"result,omitempty"`
	VarArg   bool        `yaml:"varArg,omitempty"`
	CallConv string      `yaml:"callConv,omitempty"`
	Attrs    AttrsFile   `yaml:"attrs,omitempty"`
	Locals   []LocalFile `yaml:"locals,omitempty"`
	Body     string      `yaml:"body"`
}

type ParamFile struct {
	Name  string     `yaml:"name"`
	Type  Type       `yaml:"type"`
	Ext   string     `yaml:"ext,omitempty"`
	ByVal *ByValFile `yaml:"byval,omitempty"`
}

type ByValFile struct {
	Size  int64 `yaml:"size"`
	Align int64 `yaml:"align,omitempty"`
}

type AttrsFile struct {
	ForceRealign       bool `yaml:"forceRealign,omitempty"`
	NoFramePointerElim bool `yaml:"noFramePointerElim,omitempty"`
}

type LocalFile struct {
	Name  string `yaml:"name"`
	Size  int64  `yaml:"size"`
	Align int64  `yaml:"align,omitempty"`
}

// LoadModule reads a YAML module file and builds its Program.
func LoadModule(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ir: read module %s: %w", path, err)
	}
	prog, err := ParseModule(data)
	if err != nil {
		return nil, fmt.Errorf("ir: %s: %w", path, err)
	}
	return prog, nil
}

// ParseModule decodes a YAML module.
func ParseModule(data []byte) (*Program, error) {
	var file ModuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	return file.Program()
}

func (m ModuleFile) Program() (*Program, error) {
	prog := &Program{Globals: make(map[string]GlobalConfig, len(m.Globals))}
	for name, g := range m.Globals {
		prog.Globals[name] = g.normalize()
	}
	for _, ff := range m.Functions {
		fn, err := ff.Function()
		if err != nil {
			return nil, err
		}
		prog.Functions = append(prog.Functions, fn)
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

func (f FunctionFile) Function() (*Function, error) {
	body, err := ParseBody(f.Body)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", f.Name, err)
	}
	fn := &Function{
		Name: f.Name,
		Signature: Signature{
			Results:  f.Result,
			VarArg:   f.VarArg,
			CallConv: f.CallConv,
		},
		Attrs: Attrs{
			ForceRealign:       f.Attrs.ForceRealign,
			NoFramePointerElim: f.Attrs.NoFramePointerElim,
		},
		Body: body,
	}
	for _, p := range f.Params {
		param := Param{Name: p.Name, Type: p.Type}
		switch p.Ext {
		case "":
		case "sext", "signext":
			param.Flags.SExt = true
		case "zext", "zeroext":
			param.Flags.ZExt = true
		case "indirect":
			param.Flags.Indirect = true
		default:
			return nil, fmt.Errorf("function %s: parameter %s: unknown extension %q", f.Name, p.Name, p.Ext)
		}
		if p.ByVal != nil {
			param.Flags.ByVal = true
			param.Flags.ByValSize = p.ByVal.Size
			param.Flags.ByValAlign = p.ByVal.Align
			if param.Type == Void {
				param.Type = Ptr
			}
		}
		fn.Signature.Params = append(fn.Signature.Params, param)
	}
	for _, l := range f.Locals {
		fn.Locals = append(fn.Locals, LocalConfig{Name: l.Name, Size: l.Size, Align: l.Align})
	}
	return fn, nil
}

func (g GlobalConfig) normalize() GlobalConfig {
	if g.Size == 0 {
		g.Size = 4
	}
	if g.Align == 0 {
		g.Align = 4
	}
	return g
}

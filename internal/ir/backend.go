package ir

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/tinyrange/simcc/internal/asm"
	"golang.org/x/sync/errgroup"
)

// Backend lowers functions of a Program to target assembly. Implementations
// must be safe for concurrent use across distinct functions.
type Backend interface {
	CompileFunction(ctx context.Context, fn *Function) (asm.Program, error)
	// EmitGlobals renders the data declarations of a program.
	EmitGlobals(globals map[string]GlobalConfig) (asm.Program, error)
}

type BuildOptions struct {
	// Workers bounds how many functions compile at once. Zero uses
	// GOMAXPROCS.
	Workers int
	// OnFunction is called after each function compiles. It may be called
	// from several goroutines.
	OnFunction func(name string)
}

// Build compiles every function of prog with backend and concatenates the
// results in declaration order, followed by the globals. The first error
// cancels the remaining work.
func Build(ctx context.Context, backend Backend, prog *Program, opts BuildOptions) (asm.Program, error) {
	if backend == nil {
		return asm.Program{}, fmt.Errorf("ir: backend must be non-nil")
	}
	if err := prog.Validate(); err != nil {
		return asm.Program{}, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]asm.Program, len(prog.Functions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for idx, fn := range prog.Functions {
		idx, fn := idx, fn
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := backend.CompileFunction(gctx, fn)
			if err != nil {
				return err
			}
			results[idx] = out
			if opts.OnFunction != nil {
				opts.OnFunction(fn.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return asm.Program{}, err
	}

	if len(prog.Globals) > 0 {
		data, err := backend.EmitGlobals(prog.Globals)
		if err != nil {
			return asm.Program{}, err
		}
		results = append(results, data)
	}
	return asm.Concat(results...), nil
}

// SortedGlobals returns global names in a stable order.
func SortedGlobals(globals map[string]GlobalConfig) []string {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

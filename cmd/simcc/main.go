// Command simcc compiles a YAML IR module to sim assembly.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/simcc/internal/config"
	"github.com/tinyrange/simcc/internal/ir"
	"github.com/tinyrange/simcc/internal/ir/sim"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "simcc: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string { return strconv.FormatBool(f.v) }

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }

func (f *stringFlag) Set(s string) error {
	f.v = s
	f.set = true
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr *os.File) error {
	fs := flag.NewFlagSet("simcc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.Filename, "Configuration file")
	output := fs.String("o", "", "Write assembly to this file instead of stdout")
	var branchFlag, colorFlag stringFlag
	fs.Var(&branchFlag, "branch", "Branch target rendering (symbolic, address, offset)")
	fs.Var(&colorFlag, "color", "Colorize the listing (auto, always, never)")
	var listingFlag boolFlag
	fs.Var(&listingFlag, "listing", "Prefix each instruction with its word address")
	var workersFlag intFlag
	fs.Var(&workersFlag, "j", "Functions compiled in parallel (default: GOMAXPROCS)")
	dbg := fs.Bool("debug", false, "Enable debug logging")
	initConfig := fs.String("init-config", "", "Write a default configuration file into this directory, then exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: simcc [flags] <module.yaml>\n\n")
		fmt.Fprintf(stderr, "Compile an IR module to sim assembly.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *initConfig != "" {
		if err := config.WriteTemplate(*initConfig, config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "wrote %s\n", filepath.Join(*initConfig, config.Filename))
		return nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one module file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if branchFlag.set {
		cfg.Emit.BranchTargets = branchFlag.v
	}
	if colorFlag.set {
		cfg.Emit.Color = colorFlag.v
	}
	if listingFlag.set {
		cfg.Emit.Listing = listingFlag.v
	}
	if workersFlag.set {
		cfg.Workers = workersFlag.v
	}
	if *dbg {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	opts, err := cfg.BackendOptions(logger)
	if err != nil {
		return err
	}
	backend, err := sim.NewBackend(opts)
	if err != nil {
		return err
	}

	prog, err := ir.LoadModule(fs.Arg(0))
	if err != nil {
		return err
	}
	slog.Debug("module loaded", "path", fs.Arg(0), "functions", len(prog.Functions), "globals", len(prog.Globals))

	buildOpts := ir.BuildOptions{Workers: cfg.Workers}
	stderrTTY := term.IsTerminal(int(stderr.Fd()))
	if stderrTTY && len(prog.Functions) > 1 {
		bar := progressbar.NewOptions(len(prog.Functions),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("compile"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		buildOpts.OnFunction = func(string) { _ = bar.Add(1) }
	}

	out, err := ir.Build(ctx, backend, prog, buildOpts)
	if err != nil {
		return err
	}
	slog.Info("module compiled", "functions", len(prog.Functions), "words", out.Words(), "symbols", len(out.Symbols()))

	var w io.Writer = stdout
	toTTY := term.IsTerminal(int(stdout.Fd()))
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("create %s: %w", *output, err)
		}
		defer f.Close()
		w = f
		toTTY = false
	}

	text := out.String()
	if useColor(cfg.Emit.Color, toTTY) {
		text = colorize(text)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("write assembly: %w", err)
	}
	return nil
}

func useColor(mode string, tty bool) bool {
	switch mode {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	default:
		return tty
	}
}

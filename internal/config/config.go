// Package config loads simcc.yaml, the compiler driver configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	simasm "github.com/tinyrange/simcc/internal/asm/sim"
	"github.com/tinyrange/simcc/internal/ir/sim"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	Filename       = "simcc.yaml"
	CurrentVersion = "v1.0.0"
)

// Color modes for listings written to a terminal.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

type Config struct {
	Version string `yaml:"version"`

	Codegen CodegenConfig `yaml:"codegen"`
	Emit    EmitConfig    `yaml:"emit"`
	Log     LogConfig     `yaml:"log"`

	// Workers bounds how many functions compile at once. Zero uses
	// GOMAXPROCS.
	Workers int `yaml:"workers,omitempty"`
}

type CodegenConfig struct {
	DisableFramePointerElim bool  `yaml:"disableFramePointerElim"`
	InlineCopyThreshold     int64 `yaml:"inlineCopyThreshold"`
}

type EmitConfig struct {
	BranchTargets string `yaml:"branchTargets"`
	Listing       bool   `yaml:"listing"`
	Color         string `yaml:"color"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Codegen.InlineCopyThreshold == 0 {
		c.Codegen.InlineCopyThreshold = sim.DefaultInlineCopyThreshold
	}
	if c.Emit.BranchTargets == "" {
		c.Emit.BranchTargets = simasm.BranchSymbolic.String()
	}
	if c.Emit.Color == "" {
		c.Emit.Color = ColorAuto
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the version gate and every enumerated field.
func (c Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("config: invalid version %q", c.Version)
	}
	if major := semver.Major(c.Version); major != semver.Major(CurrentVersion) {
		return fmt.Errorf("config: unsupported version %s (want %s.x)", c.Version, semver.Major(CurrentVersion))
	}
	if c.Codegen.InlineCopyThreshold < 0 {
		return fmt.Errorf("config: inlineCopyThreshold %d must not be negative", c.Codegen.InlineCopyThreshold)
	}
	if _, err := simasm.ParseBranchMode(c.Emit.BranchTargets); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Emit.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("config: unknown color mode %q", c.Emit.Color)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers %d must not be negative", c.Workers)
	}
	return nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WriteTemplate writes c, with defaults filled in, to dir/simcc.yaml.
func WriteTemplate(dir string, c Config) error {
	c.normalize()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, Filename))
	if err != nil {
		return fmt.Errorf("config: create %s: %w", Filename, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode %s: %w", Filename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", Filename, err)
	}
	return nil
}

// BackendOptions translates the codegen and emit sections.
func (c Config) BackendOptions(logger *slog.Logger) (sim.Options, error) {
	branch, err := simasm.ParseBranchMode(c.Emit.BranchTargets)
	if err != nil {
		return sim.Options{}, fmt.Errorf("config: %w", err)
	}
	return sim.Options{
		Logger:                  logger,
		DisableFramePointerElim: c.Codegen.DisableFramePointerElim,
		InlineCopyThreshold:     c.Codegen.InlineCopyThreshold,
		Branch:                  branch,
		Listing:                 c.Emit.Listing,
	}, nil
}

// NewLogger builds the logger described by the log section.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return level, nil
}

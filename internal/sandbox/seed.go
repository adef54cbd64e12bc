package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the fixed content written into every new sandbox. All paths are
// relative to the sandbox working directory.
type Seed struct {
	Directories []string   `yaml:"directories"`
	Files       []SeedFile `yaml:"files"`
	Commands    []string   `yaml:"commands"`
}

type SeedFile struct {
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode"`
	Content string `yaml:"content"`
}

// FileMode parses Mode as octal, defaulting to 0644.
func (f SeedFile) FileMode() (os.FileMode, error) {
	if f.Mode == "" {
		return 0o644, nil
	}
	m, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q for %s", f.Mode, f.Path)
	}
	return os.FileMode(m), nil
}

// DefaultSeed returns the embedded manifest.
func DefaultSeed() (*Seed, error) {
	return ParseSeed(defaultSeed)
}

func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed manifest: %w", err)
	}
	for _, d := range s.Directories {
		if err := checkRelative(d); err != nil {
			return nil, err
		}
	}
	for _, f := range s.Files {
		if err := checkRelative(f.Path); err != nil {
			return nil, err
		}
		if _, err := f.FileMode(); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func checkRelative(p string) error {
	if p == "" {
		return fmt.Errorf("seed path is empty")
	}
	if path.IsAbs(p) {
		return fmt.Errorf("seed path %q must be relative", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("seed path %q escapes the working directory", p)
		}
	}
	return nil
}

// Apply writes the manifest into sb: directories, then files, then commands.
func (s *Seed) Apply(ctx context.Context, sb Sandbox, workDir string) error {
	if len(s.Directories) > 0 {
		quoted := make([]string, len(s.Directories))
		for i, d := range s.Directories {
			quoted[i] = shellQuote(d)
		}
		if err := runChecked(ctx, sb, "mkdir -p "+strings.Join(quoted, " ")); err != nil {
			return err
		}
	}

	for _, f := range s.Files {
		mode, _ := f.FileMode()
		if err := sb.WriteFile(ctx, path.Join(workDir, f.Path), []byte(f.Content), mode); err != nil {
			return err
		}
	}

	for _, c := range s.Commands {
		if err := runChecked(ctx, sb, c); err != nil {
			return err
		}
	}
	return nil
}

func runChecked(ctx context.Context, sb Sandbox, command string) error {
	res, err := sb.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

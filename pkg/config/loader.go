package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/apphost/reposync/pkg/engine"
)

// Supported file formats.
const (
	FormatYAML = "yaml"
	FormatCUE  = "cue"
)

// Loader parses, resolves and validates configuration files. A Loader is
// safe for sequential reuse; the watcher keeps one for every reload.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a new loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:       ctx,
		schema:    compileSchema(ctx),
		validator: newValidator(),
	}
}

// Load reads the file at path, applies defaults, resolves relative paths
// against the file's directory and validates the result. Every failure is a
// configuration error.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load implements the package-level Load.
func (l *Loader) Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read configuration", err)
	}

	cfg, err := l.Parse(data, format, path)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to resolve configuration path", err)
	}
	cfg.source = abs
	cfg.resolvePaths(filepath.Dir(abs))

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FormatOf returns the format implied by the file extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".cue":
		return FormatCUE, nil
	default:
		return "", engine.NewConfigurationError(
			fmt.Sprintf("unsupported configuration format %q (use .yaml, .yml, .json or .cue)", filepath.Ext(path)), nil)
	}
}

// Parse decodes data over the defaults without resolving paths or
// validating. name is used in error positions.
func (l *Loader) Parse(data []byte, format, name string) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse %s", name), err)
		}
	case FormatCUE:
		val := l.ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("failed to parse %s", name), errors.New(formatCUEError(err)))
		}
		val = l.schema.Unify(val)
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("schema violation in %s", name), errors.New(formatCUEError(err)))
		}
		if err := val.Decode(cfg); err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("failed to decode %s", name), errors.New(formatCUEError(err)))
		}
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown configuration format %q", format), nil)
	}

	return cfg, nil
}

// resolvePaths makes application paths and data files absolute relative to dir.
func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" {
			return p
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		return filepath.Clean(p)
	}

	for i := range c.Applications {
		c.Applications[i].Path = resolve(c.Applications[i].Path)
	}
	c.StateDB = resolve(c.StateDB)
	c.AuditLog = resolve(c.AuditLog)
}

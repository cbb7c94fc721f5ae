package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// Format is a configuration file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatCUE
)

// FormatFor picks the format from a file extension. Anything that is not
// .cue is read as YAML.
func FormatFor(path string) Format {
	if filepath.Ext(path) == ".cue" {
		return FormatCUE
	}
	return FormatYAML
}

// SchemaError is a schema violation with its source position, if known.
type SchemaError struct {
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

func (e *SchemaError) Unwrap() error { return ErrInvalid }

// Load reads path and overlays it onto c.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return c.Overlay(path, data, FormatFor(path))
}

// ApplyStatement overlays one inline statement, a YAML document such as
// "{port: 7000, debug: 2}". Lists in a statement replace the configured ones.
func (c *Config) ApplyStatement(text string) error {
	return c.Overlay("statement", []byte(text), FormatYAML)
}

// Overlay validates data against the schema and decodes it onto c. Keys
// absent from data keep their current values.
func (c *Config) Overlay(name string, data []byte, format Format) error {
	v, err := compile(name, data, format)
	if err != nil {
		return err
	}
	doc, err := cueyaml.Encode(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	if err := yaml.Unmarshal(doc, c); err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	return nil
}

// compile parses data and unifies it with #Config.
func compile(name string, data []byte, format Format) (cue.Value, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("config: schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	var v cue.Value
	switch format {
	case FormatCUE:
		v = ctx.CompileBytes(data, cue.Filename(name))
	default:
		f, err := cueyaml.Extract(name, data)
		if err != nil {
			return cue.Value{}, schemaError(err)
		}
		v = ctx.BuildFile(f)
	}
	if err := v.Err(); err != nil {
		return cue.Value{}, schemaError(err)
	}

	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, schemaError(err)
	}
	return v, nil
}

func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Message: err.Error()}
	}
	first := errs[0]
	se := &SchemaError{Message: first.Error(), Pos: first.Position()}
	if len(errs) > 1 {
		se.Message = fmt.Sprintf("%s (and %d more)", se.Message, len(errs)-1)
	}
	return se
}

// IsSchemaError reports whether err is a schema violation.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

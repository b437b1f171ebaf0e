package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Format identifies a manifest syntax.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatCUE      Format = "cue"
	FormatStarlark Format = "starlark"
)

// FormatFromPath picks the manifest syntax from the file extension. YAML is the default.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE
	case ".star", ".starlark", ".bzl":
		return FormatStarlark
	default:
		return FormatYAML
	}
}

// Loader reads manifests from disk, in any supported syntax, and validates them.
type Loader struct {
	logger   zerolog.Logger
	validate *validator.Validate
	cue      *CUEParser
	starlark *StarlarkEvaluator
}

// NewLoader creates a manifest loader.
func NewLoader(logger zerolog.Logger) *Loader {
	logger = logger.With().Str("component", "manifest").Logger()
	return &Loader{
		logger:   logger,
		validate: newValidator(),
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(logger, 30*time.Second),
	}
}

// Load reads and parses the manifest at path.
func (l *Loader) Load(ctx context.Context, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	format := FormatFromPath(path)
	l.logger.Debug().
		Str("path", path).
		Str("format", string(format)).
		Int("bytes", len(data)).
		Msg("Parsing manifest")

	return l.Parse(ctx, path, format, data)
}

// Parse decodes and validates manifest bytes. name is used in error messages only.
func (l *Loader) Parse(ctx context.Context, name string, format Format, data []byte) (Document, error) {
	var (
		doc Document
		err error
	)

	switch format {
	case FormatYAML:
		doc, err = decodeYAML(data)
	case FormatCUE:
		var tree *yaml.Node
		tree, err = l.cue.Evaluate(name, data)
		if err == nil {
			doc, err = fromTree(tree)
		}
	case FormatStarlark:
		var tree *yaml.Node
		tree, err = l.starlark.EvaluateManifest(ctx, name, string(data))
		if err == nil {
			doc, err = fromTree(tree)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s manifest %s: %w", format, name, err)
	}

	if err := l.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks every host section against the manifest schema.
func (l *Loader) Validate(doc Document) error {
	var errs []error
	for host, hm := range doc {
		if err := l.validate.Struct(hm); err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", host, describeValidation(err)))
		}
	}
	return errors.Join(errs...)
}

func decodeYAML(data []byte) (Document, error) {
	doc := Document{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// fromTree decodes the mapping node produced by CUE or Starlark through the
// same decoder as YAML, so files and commands keep their author order.
func fromTree(tree *yaml.Node) (Document, error) {
	doc := Document{}
	if err := tree.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

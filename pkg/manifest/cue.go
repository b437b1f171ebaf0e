package manifest

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// manifestSchema constrains CUE manifests before they are decoded.
// Structs stay open so unknown attributes are ignored like in YAML.
const manifestSchema = `
#File: {
	content?: string
	clone?:   string
	owner?:   string
	group?:   string
	mode?:    =~"^[0-7]{3,4}$"
	restart?: [...string]
	...
}

#Command: null | {
	onlyif?:  string
	restart?: [...string]
	...
}

#Host: {
	package?: {
		install?:   [...string]
		uninstall?: [...string]
		...
	}
	file?: [string]:    #File
	command?: [string]: #Command
	service?: _
	...
}

[string]: #Host
`

// CUEParser evaluates CUE manifests against the manifest schema.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:    ctx,
		schema: ctx.CompileString(manifestSchema, cue.Filename("schema.cue")),
	}
}

// Evaluate compiles source, unifies it with the schema and returns the concrete
// tree as a YAML mapping node. Fields keep their declaration order.
func (cp *CUEParser) Evaluate(name string, source []byte) (*yaml.Node, error) {
	if err := cp.schema.Err(); err != nil {
		return nil, fmt.Errorf("invalid built-in schema: %w", err)
	}

	val := cp.ctx.CompileBytes(source, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	// JSON is a YAML subset and CUE emits fields in order.
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export manifest: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("failed to decode manifest: unexpected document shape")
	}
	return doc.Content[0], nil
}

// convertCUEErrors folds a CUE error list into one error with positions.
func (cp *CUEParser) convertCUEErrors(err error) error {
	var msgs []string
	for _, e := range errors.Errors(err) {
		msg := e.Error()
		if pos := errors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), msg)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

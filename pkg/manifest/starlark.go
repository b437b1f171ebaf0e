package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gopkg.in/yaml.v3"
)

// starlarkManifestGlobal is the global a Starlark manifest must assign.
const starlarkManifestGlobal = "manifest"

// maxStarlarkSteps bounds a script independently of wall-clock time.
const maxStarlarkSteps = 50_000_000

// StarlarkEvaluator executes Starlark manifest scripts.
//
// Scripts see three builtins besides the language core:
//
//	struct(**kwargs)          attribute struct, converted like a dict
//	env(name, default=None)   process environment lookup
//	read_file(path)           file contents; relative paths resolve against the script
type StarlarkEvaluator struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewStarlarkEvaluator creates a Starlark evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(logger zerolog.Logger, timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{logger: logger, timeout: timeout}
}

// EvaluateManifest runs script and returns its `manifest` global, a dict keyed by hostname,
// as a YAML mapping node in dict insertion order. name is the script's path and anchors read_file.
func (se *StarlarkEvaluator) EvaluateManifest(ctx context.Context, name, script string) (*yaml.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", name).Msg(msg)
		},
		// load() is not supported: a manifest is one file.
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q): modules are not supported in manifests", module)
		},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(fmt.Sprintf("manifest evaluation stopped: %v", context.Cause(ctx)))
	})
	defer stop()

	globals, err := starlark.ExecFile(thread, name, script, predeclared(filepath.Dir(name)))
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	raw, ok := globals[starlarkManifestGlobal]
	if !ok {
		return nil, fmt.Errorf("script does not define a %q global", starlarkManifestGlobal)
	}
	if _, ok := raw.(*starlark.Dict); !ok {
		return nil, fmt.Errorf("%q must be a dict, got %s", starlarkManifestGlobal, raw.Type())
	}

	return toNode(raw, []string{starlarkManifestGlobal})
}

func predeclared(baseDir string) starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"env": starlark.NewBuiltin("env", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var (
				key  string
				dflt starlark.Value = starlark.None
			)
			if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &key, "default?", &dflt); err != nil {
				return nil, err
			}
			if v, ok := os.LookupEnv(key); ok {
				return starlark.String(v), nil
			}
			return dflt, nil
		}),
		"read_file": starlark.NewBuiltin("read_file", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path); err != nil {
				return nil, err
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fn.Name(), err)
			}
			return starlark.String(data), nil
		}),
	}
}

// toNode converts a Starlark value into a YAML node. path locates v in the
// manifest and is used in errors.
func toNode(v starlark.Value, path []string) (*yaml.Node, error) {
	at := strings.Join(path, ".")

	switch val := v.(type) {
	case starlark.NoneType:
		return scalar("!!null", "null"), nil
	case starlark.Bool:
		return scalar("!!bool", strconv.FormatBool(bool(val))), nil
	case starlark.String:
		return scalar("!!str", string(val)), nil
	case starlark.Int:
		return scalar("!!int", val.String()), nil
	case starlark.Float:
		return scalar("!!float", strconv.FormatFloat(float64(val), 'g', -1, 64)), nil
	case *starlark.Dict:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, kv := range val.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("%s: dict key %s is a %s, want string", at, kv[0], kv[0].Type())
			}
			if err := add(node, path, key, kv[1]); err != nil {
				return nil, err
			}
		}
		return node, nil
	case *starlarkstruct.Struct:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, key := range val.AttrNames() {
			attr, err := val.Attr(key)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", at, key, err)
			}
			if err := add(node, path, key, attr); err != nil {
				return nil, err
			}
		}
		return node, nil
	case starlark.Iterable:
		// list, tuple and set
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		iter := val.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for i := 0; iter.Next(&elem); i++ {
			child, err := toNode(elem, append(path[:len(path):len(path)], fmt.Sprintf("[%d]", i)))
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, child)
		}
		return node, nil
	default:
		return nil, fmt.Errorf("%s: cannot use a %s in a manifest", at, v.Type())
	}
}

// add appends key: value to a mapping node.
func add(node *yaml.Node, path []string, key string, value starlark.Value) error {
	child := append(path[:len(path):len(path)], key)
	if isFileMode(child) {
		if _, ok := value.(starlark.String); !ok {
			return fmt.Errorf("%s: mode must be an octal string such as \"0644\", got %s", strings.Join(child, "."), value.Type())
		}
	}
	valueNode, err := toNode(value, child)
	if err != nil {
		return err
	}
	node.Content = append(node.Content, scalar("!!str", key), valueNode)
	return nil
}

// isFileMode reports whether path is manifest.<host>.file.<target>.mode.
// Starlark has no octal literal that survives as text, so 0o644 would read as 420.
func isFileMode(path []string) bool {
	return len(path) == 5 && path[2] == "file" && path[4] == "mode"
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

package manifest

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Resource type keys as they appear in a host section.
const (
	TypePackage = "package"
	TypeFile    = "file"
	TypeCommand = "command"
	TypeService = "service"
)

// Document is a parsed manifest keyed by hostname.
type Document map[string]HostManifest

// Host returns the section for host, if any.
func (d Document) Host(host string) (HostManifest, bool) {
	hm, ok := d[host]
	return hm, ok
}

// HostManifest is the desired state for a single host.
type HostManifest struct {
	// Packages lists packages to install and uninstall.
	Packages *PackageSet `yaml:"package" validate:"omitempty"`

	// Files maps target paths to their desired attributes, in document order.
	Files Files `yaml:"file" validate:"dive"`

	// Commands maps command lines to their guard and restart targets, in document order.
	Commands Commands `yaml:"command" validate:"dive"`

	// Services is accepted for forward compatibility; services are only
	// reconciled as restart targets of files and commands.
	Services map[string]any `yaml:"service"`
}

// Empty reports whether the section declares no reconcilable resources.
func (h HostManifest) Empty() bool {
	return (h.Packages == nil || len(h.Packages.Install)+len(h.Packages.Uninstall) == 0) &&
		len(h.Files) == 0 && len(h.Commands) == 0
}

// PackageSet is the `package` section.
type PackageSet struct {
	Install   []string `yaml:"install" validate:"dive,required"`
	Uninstall []string `yaml:"uninstall" validate:"dive,required"`
}

// FileSpec is the set of attributes a `file` entry may declare.
// Nil fields are left untouched; unknown keys are ignored.
type FileSpec struct {
	Content *string  `yaml:"content"`
	Clone   *string  `yaml:"clone" validate:"omitempty,min=1"`
	Owner   *string  `yaml:"owner" validate:"omitempty,min=1"`
	Group   *string  `yaml:"group" validate:"omitempty,min=1"`
	Mode    *Mode    `yaml:"mode" validate:"omitempty,filemode"`
	Restart []string `yaml:"restart" validate:"dive,required"`
}

// FileEntry pairs a target path with its spec.
type FileEntry struct {
	Path string `validate:"required"`
	Spec FileSpec
}

// CommandSpec is the set of attributes a `command` entry may declare.
type CommandSpec struct {
	OnlyIf  *string  `yaml:"onlyif" validate:"omitempty,min=1"`
	Restart []string `yaml:"restart" validate:"dive,required"`
}

// CommandEntry pairs a command line with its spec.
type CommandEntry struct {
	Command string `validate:"required"`
	Spec    CommandSpec
}

// Mode is an octal permission string such as "0644".
type Mode string

// Perm parses the mode as octal permission bits.
func (m Mode) Perm() (os.FileMode, error) {
	v, err := strconv.ParseUint(string(m), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", string(m), err)
	}
	if v > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q: out of range", string(m))
	}
	return toFileMode(uint32(v)), nil
}

// UnmarshalYAML keeps the literal scalar so that 0644 and "0644" both mean octal 644.
func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: mode must be a scalar", node.Line)
	}
	*m = Mode(node.Value)
	return nil
}

// toFileMode maps unix permission bits, including setuid/setgid/sticky, to os.FileMode.
func toFileMode(v uint32) os.FileMode {
	mode := os.FileMode(v & 0o777)
	if v&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if v&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if v&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// Files is the `file` section. It decodes from a YAML mapping and keeps key order.
type Files []FileEntry

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Files) UnmarshalYAML(node *yaml.Node) error {
	entries := Files{}
	err := eachPair(node, func(key string, value *yaml.Node) error {
		var spec FileSpec
		if err := value.Decode(&spec); err != nil {
			return fmt.Errorf("file %s: %w", key, err)
		}
		entries = append(entries, FileEntry{Path: key, Spec: spec})
		return nil
	})
	if err != nil {
		return err
	}
	*f = entries
	return nil
}

// Commands is the `command` section. It decodes from a YAML mapping and keeps key order.
type Commands []CommandEntry

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Commands) UnmarshalYAML(node *yaml.Node) error {
	entries := Commands{}
	err := eachPair(node, func(key string, value *yaml.Node) error {
		var spec CommandSpec
		// A bare command ("rm -rf /tmp/x": ~) or a scalar value carries no attributes.
		if value.Kind == yaml.MappingNode {
			if err := value.Decode(&spec); err != nil {
				return fmt.Errorf("command %q: %w", key, err)
			}
		}
		entries = append(entries, CommandEntry{Command: key, Spec: spec})
		return nil
	})
	if err != nil {
		return err
	}
	*c = entries
	return nil
}

// eachPair walks a mapping node in document order, rejecting duplicate keys.
func eachPair(node *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if _, dup := seen[key]; dup {
			return fmt.Errorf("line %d: duplicate key %q", node.Content[i].Line, key)
		}
		seen[key] = struct{}{}
		if err := fn(key, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

package policy

import (
	"time"

	"github.com/openfroyo/configurator/pkg/manifest"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops an apply.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego policy evaluated against a host manifest.
// Rules are read from data.<package>.deny.
type Policy struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Rego        string         `json:"rego"`
	Severity    Severity       `json:"severity"`
	Enabled     bool           `json:"enabled"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
}

// Result is the outcome of evaluating all enabled policies for one host.
type Result struct {
	Host        string        `json:"host"`
	Allowed     bool          `json:"allowed"`
	Violations  []Violation   `json:"violations,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Evaluated   []string      `json:"evaluated"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the violations that deny the apply.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document bound to `input` in policies.
type Input struct {
	Host     string        `json:"host"`
	Manifest ManifestInput `json:"manifest"`
	Context  Context       `json:"context"`
}

// Context describes the evaluation.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// ManifestInput is a JSON view of manifest.HostManifest that keeps entry order.
type ManifestInput struct {
	Packages PackagesInput  `json:"packages"`
	Files    []FileInput    `json:"files"`
	Commands []CommandInput `json:"commands"`
}

type PackagesInput struct {
	Install   []string `json:"install"`
	Uninstall []string `json:"uninstall"`
}

type FileInput struct {
	Path    string   `json:"path"`
	Content *string  `json:"content,omitempty"`
	Clone   *string  `json:"clone,omitempty"`
	Owner   *string  `json:"owner,omitempty"`
	Group   *string  `json:"group,omitempty"`
	Mode    *string  `json:"mode,omitempty"`
	Restart []string `json:"restart"`
}

type CommandInput struct {
	Command string   `json:"command"`
	OnlyIf  *string  `json:"onlyif,omitempty"`
	Restart []string `json:"restart"`
}

// NewInput builds the policy input for host.
func NewInput(host string, hm manifest.HostManifest, operation string) Input {
	in := Input{
		Host: host,
		Manifest: ManifestInput{
			Packages: PackagesInput{Install: []string{}, Uninstall: []string{}},
			Files:    make([]FileInput, 0, len(hm.Files)),
			Commands: make([]CommandInput, 0, len(hm.Commands)),
		},
		Context: Context{Timestamp: time.Now(), Operation: operation},
	}

	if hm.Packages != nil {
		in.Manifest.Packages.Install = append(in.Manifest.Packages.Install, hm.Packages.Install...)
		in.Manifest.Packages.Uninstall = append(in.Manifest.Packages.Uninstall, hm.Packages.Uninstall...)
	}

	for _, f := range hm.Files {
		fi := FileInput{
			Path:    f.Path,
			Content: f.Spec.Content,
			Clone:   f.Spec.Clone,
			Owner:   f.Spec.Owner,
			Group:   f.Spec.Group,
			Restart: nonNil(f.Spec.Restart),
		}
		if f.Spec.Mode != nil {
			mode := string(*f.Spec.Mode)
			fi.Mode = &mode
		}
		in.Manifest.Files = append(in.Manifest.Files, fi)
	}

	for _, c := range hm.Commands {
		in.Manifest.Commands = append(in.Manifest.Commands, CommandInput{
			Command: c.Command,
			OnlyIf:  c.Spec.OnlyIf,
			Restart: nonNil(c.Spec.Restart),
		})
	}

	return in
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

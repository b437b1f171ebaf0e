package engine

import (
	"time"
)

// ResourceType identifies a resource kind in a host manifest.
type ResourceType string

const (
	ResourceTypePackage ResourceType = "package"
	ResourceTypeFile    ResourceType = "file"
	ResourceTypeCommand ResourceType = "command"
)

// Package actions recorded in Result.Actions.
const (
	ActionInstall   = "install"
	ActionUninstall = "uninstall"
)

// ServiceHandle names a service that should be restarted.
type ServiceHandle struct {
	Name string
}

// restartSet collects the restart targets of one resource, keeping first-seen order.
func restartSet(names []string) []ServiceHandle {
	unique := uniqueNames(names)
	handles := make([]ServiceHandle, 0, len(unique))
	for _, name := range unique {
		handles = append(handles, ServiceHandle{Name: name})
	}
	return handles
}

// Result is the outcome of applying one resource.
type Result struct {
	// Type is the resource kind.
	Type ResourceType `json:"type"`

	// ID is the path, command line or package name.
	ID string `json:"id"`

	// Action is set for packages (install or uninstall).
	Action string `json:"action,omitempty"`

	// Changed reports whether the system was modified.
	Changed bool `json:"changed"`

	// Skipped reports that a guard prevented the main action.
	Skipped bool `json:"skipped,omitempty"`

	// Err is the error that stopped or degraded this resource, if any.
	Err error `json:"-"`

	// Actions lists what was done, in order (e.g. "content", "mode", "restart:nginx").
	Actions []string `json:"actions,omitempty"`

	// Duration is the wall-clock time spent on this resource.
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the resource ended in error. A skipped command is not a failure.
func (r Result) Failed() bool {
	return r.Err != nil && !r.Skipped
}

// Report collects the results of one dispatch, in application order.
type Report struct {
	Host      string        `json:"host"`
	Results   []Result      `json:"results"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Changed returns the number of resources that modified the system.
func (r *Report) Changed() int {
	n := 0
	for _, res := range r.Results {
		if res.Changed {
			n++
		}
	}
	return n
}

// Failed returns the number of resources that ended in error.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// Skipped returns the number of commands whose guard was not satisfied.
func (r *Report) Skipped() int {
	n := 0
	for _, res := range r.Results {
		if res.Skipped {
			n++
		}
	}
	return n
}

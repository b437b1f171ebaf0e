package host

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/engine"
)

// Options selects the backends used by New.
type Options struct {
	// PackageManager is auto, apt, dnf, yum or zypper.
	PackageManager string

	// ServiceManager is auto, systemctl or service.
	ServiceManager string

	// CommandOutput receives stdout and stderr of manifest commands. Nil discards it.
	CommandOutput io.Writer
}

// Host bundles the capabilities of the local machine.
type Host struct {
	Runner   *ExecRunner
	Files    *OSFileSystem
	Packages engine.PackageManager
	Services engine.ServiceManager
}

// New builds the local host capabilities.
func New(logger zerolog.Logger, opts Options) (*Host, error) {
	commands := NewExecRunner(logger, WithOutput(opts.CommandOutput, opts.CommandOutput))
	tools := NewExecRunner(logger)

	packages, err := NewPackageManager(opts.PackageManager, tools)
	if err != nil {
		return nil, fmt.Errorf("failed to set up package manager: %w", err)
	}
	services, err := NewServiceManager(opts.ServiceManager, tools)
	if err != nil {
		return nil, fmt.Errorf("failed to set up service manager: %w", err)
	}

	return &Host{
		Runner:   commands,
		Files:    NewOSFileSystem(),
		Packages: packages,
		Services: services,
	}, nil
}

// DispatcherConfig returns an engine configuration wired to this host.
func (h *Host) DispatcherConfig(logger zerolog.Logger, purge bool) engine.DispatcherConfig {
	return engine.DispatcherConfig{
		Logger:   logger,
		Packages: h.Packages,
		Runner:   h.Runner,
		FS:       h.Files,
		IDs:      h.Files,
		Services: h.Services,
		Purge:    purge,
	}
}

package engine

import (
	"context"
	"io/fs"
)

// ServiceManager controls system services.
type ServiceManager interface {
	// Start starts the named service.
	Start(ctx context.Context, name string) error

	// Stop stops the named service.
	Stop(ctx context.Context, name string) error

	// Reload asks the named service to reload its configuration.
	Reload(ctx context.Context, name string) error

	// Restart restarts the named service.
	Restart(ctx context.Context, name string) error

	// Status returns the active state of the named service (e.g. "active", "inactive").
	Status(ctx context.Context, name string) (string, error)
}

// PackageInfo describes a package known to the package index.
type PackageInfo struct {
	// Name is the package name.
	Name string

	// Version is the installed version, or the candidate version when not installed.
	Version string

	// Installed reports whether the package is currently installed.
	Installed bool
}

// PackageManager installs and removes OS packages.
type PackageManager interface {
	// Refresh updates the package index.
	Refresh(ctx context.Context) error

	// Lookup returns the package, or found=false if the index does not know it.
	Lookup(ctx context.Context, name string) (info PackageInfo, found bool, err error)

	// Install installs the named package.
	Install(ctx context.Context, name string) error

	// Uninstall removes the named package, including its configuration files when purge is set.
	Uninstall(ctx context.Context, name string, purge bool) error
}

// CommandRunner spawns processes without a shell.
type CommandRunner interface {
	// Run executes argv and returns its exit status. A non-nil error means the
	// process could not be spawned at all.
	Run(ctx context.Context, argv []string) (exitCode int, err error)
}

// FileSystem is the subset of filesystem operations the file reconciler needs.
type FileSystem interface {
	// Stat returns file info for path. Errors satisfy errors.Is(err, fs.ErrNotExist) for absent paths.
	Stat(path string) (fs.FileInfo, error)

	// ReadFile returns the contents of path.
	ReadFile(path string) ([]byte, error)

	// WriteFile replaces the contents of path, creating it with perm if absent.
	WriteFile(path string, data []byte, perm fs.FileMode) error

	// Chmod changes the permission bits of path.
	Chmod(path string, mode fs.FileMode) error

	// Chown changes the owner and group of path. An id of -1 leaves it unchanged.
	Chown(path string, uid, gid int) error
}

// IdentityResolver maps user and group names to numeric ids.
type IdentityResolver interface {
	// LookupUser returns the uid of the named user.
	LookupUser(name string) (int, error)

	// LookupGroup returns the gid of the named group.
	LookupGroup(name string) (int, error)
}

// Observer receives per-resource outcomes, e.g. for metrics.
type Observer interface {
	// ObserveResult is called once for every applied resource.
	ObserveResult(result Result)

	// ObserveRestart is called once for every service restart attempt.
	ObserveRestart(service string, err error)
}

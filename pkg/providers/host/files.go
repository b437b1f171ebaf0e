package host

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// OSFileSystem implements engine.FileSystem and engine.IdentityResolver on the local host.
type OSFileSystem struct{}

// NewOSFileSystem creates a filesystem backed by the os package.
func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

// Stat does not follow a trailing symlink, matching the mode the file reconciler compares.
func (OSFileSystem) Stat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

func (OSFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile creates missing parent directories, then writes data in place so
// an existing file keeps its inode, mode and ownership.
func (OSFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, perm)
}

func (OSFileSystem) Chmod(path string, mode fs.FileMode) error {
	return os.Chmod(path, mode)
}

func (OSFileSystem) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

// LookupUser resolves a user name, or a numeric uid, to a uid.
func (OSFileSystem) LookupUser(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

// LookupGroup resolves a group name, or a numeric gid, to a gid.
func (OSFileSystem) LookupGroup(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

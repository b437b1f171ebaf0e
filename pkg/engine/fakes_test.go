package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/manifest"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func strPtr(s string) *string { return &s }

func modePtr(m string) *manifest.Mode {
	mode := manifest.Mode(m)
	return &mode
}

// fakeFile is an in-memory file.
type fakeFile struct {
	data     []byte
	mode     fs.FileMode
	uid, gid int
}

type fakeInfo struct {
	name string
	file *fakeFile
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return int64(len(i.file.data)) }
func (i fakeInfo) Mode() fs.FileMode  { return i.file.mode }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return false }
func (i fakeInfo) Sys() any           { return nil }

// fakeFS is an in-memory FileSystem that records mutating calls.
type fakeFS struct {
	mu         sync.Mutex
	files      map[string]*fakeFile
	unreadable map[string]bool
	writeErr   error
	calls      []string
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]*fakeFile), unreadable: make(map[string]bool)}
}

func (f *fakeFS) put(path, content string, mode fs.FileMode) {
	f.files[path] = &fakeFile{data: []byte(content), mode: mode}
}

func (f *fakeFS) content(path string) (string, bool) {
	file, ok := f.files[path]
	if !ok {
		return "", false
	}
	return string(file.data), true
}

func (f *fakeFS) Stat(path string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return fakeInfo{name: path, file: file}, nil
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreadable[path] {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
	}
	file, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), file.data...), nil
}

func (f *fakeFS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "write "+path)
	if f.writeErr != nil {
		return f.writeErr
	}
	if file, ok := f.files[path]; ok {
		file.data = append([]byte(nil), data...)
		return nil
	}
	f.files[path] = &fakeFile{data: append([]byte(nil), data...), mode: perm}
	return nil
}

func (f *fakeFS) Chmod(path string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("chmod %s %04o", path, mode.Perm()))
	file, ok := f.files[path]
	if !ok {
		return fs.ErrNotExist
	}
	file.mode = mode
	return nil
}

func (f *fakeFS) Chown(path string, uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("chown %s %d %d", path, uid, gid))
	file, ok := f.files[path]
	if !ok {
		return fs.ErrNotExist
	}
	if uid != -1 {
		file.uid = uid
	}
	if gid != -1 {
		file.gid = gid
	}
	return nil
}

func (f *fakeFS) countCalls(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeIDs resolves a fixed set of users and groups.
type fakeIDs struct {
	users  map[string]int
	groups map[string]int
}

func newFakeIDs() *fakeIDs {
	return &fakeIDs{
		users:  map[string]int{"root": 0, "www-data": 33},
		groups: map[string]int{"root": 0, "www-data": 33},
	}
}

func (i *fakeIDs) LookupUser(name string) (int, error) {
	if id, ok := i.users[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("user: unknown user %s", name)
}

func (i *fakeIDs) LookupGroup(name string) (int, error) {
	if id, ok := i.groups[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("group: unknown group %s", name)
}

// fakeServices records every service manager call as "verb name".
type fakeServices struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newFakeServices() *fakeServices {
	return &fakeServices{fail: make(map[string]error)}
}

func (s *fakeServices) record(verb, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, verb+" "+name)
	return s.fail[name]
}

func (s *fakeServices) Start(_ context.Context, name string) error { return s.record("start", name) }

func (s *fakeServices) Stop(_ context.Context, name string) error { return s.record("stop", name) }

func (s *fakeServices) Reload(_ context.Context, name string) error { return s.record("reload", name) }

func (s *fakeServices) Restart(_ context.Context, name string) error {
	return s.record("restart", name)
}

func (s *fakeServices) Status(_ context.Context, name string) (string, error) {
	if err := s.record("status", name); err != nil {
		return "", err
	}
	return "active", nil
}

func (s *fakeServices) restarts() []string {
	var out []string
	for _, c := range s.calls {
		if name, ok := strings.CutPrefix(c, "restart "); ok {
			out = append(out, name)
		}
	}
	return out
}

// fakeRunner returns scripted exit codes keyed by the joined argv.
type fakeRunner struct {
	mu       sync.Mutex
	codes    map[string]int
	spawnErr map[string]error
	panicOn  string
	calls    [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{codes: make(map[string]int), spawnErr: make(map[string]error)}
}

func (r *fakeRunner) Run(_ context.Context, argv []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), argv...))
	key := strings.Join(argv, " ")
	if key == r.panicOn {
		panic("runner exploded")
	}
	if err, ok := r.spawnErr[key]; ok {
		return -1, err
	}
	return r.codes[key], nil
}

// fakePackages is an in-memory package index.
type fakePackages struct {
	mu         sync.Mutex
	known      map[string]bool // name -> installed
	failCommit map[string]bool
	refreshes  int
	refreshErr error
	calls      []string
}

func newFakePackages() *fakePackages {
	return &fakePackages{known: make(map[string]bool), failCommit: make(map[string]bool)}
}

func (p *fakePackages) Refresh(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return p.refreshErr
}

func (p *fakePackages) Lookup(_ context.Context, name string) (PackageInfo, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	installed, ok := p.known[name]
	if !ok {
		return PackageInfo{}, false, nil
	}
	return PackageInfo{Name: name, Version: "1.0", Installed: installed}, true, nil
}

func (p *fakePackages) Install(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "install "+name)
	if p.failCommit[name] {
		return errors.New("dpkg was interrupted")
	}
	p.known[name] = true
	return nil
}

func (p *fakePackages) Uninstall(_ context.Context, name string, purge bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("uninstall %s purge=%t", name, purge))
	if p.failCommit[name] {
		return errors.New("dpkg was interrupted")
	}
	p.known[name] = false
	return nil
}

// recordingObserver collects observer callbacks.
type recordingObserver struct {
	results  []Result
	restarts []string
}

func (o *recordingObserver) ObserveResult(r Result) { o.results = append(o.results, r) }

func (o *recordingObserver) ObserveRestart(service string, _ error) {
	o.restarts = append(o.restarts, service)
}

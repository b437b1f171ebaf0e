package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files.
//
// A .rego file is named after its base name. Leading comment lines form the
// description, and two annotations are recognised there:
//
//	# Forbid telnet anywhere.
//	# severity: critical
//	# tags: network, legacy
//	package configurator.policies.telnet
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	watcher *fsnotify.Watcher
}

type cacheEntry struct {
	policy  Policy
	modTime time.Time
	size    int64
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// LoadFromPaths loads every policy under paths, sorted by name.
// Two files defining the same policy name is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		out     []Policy
		sources = make(map[string]string)
	)

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range policies {
			src := sourceOf(p)
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %q is defined in both %s and %s", p.Name, prev, src)
			}
			sources[p.Name] = src
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	l.logger.Info().
		Int("total", len(out)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return out, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory walks dir recursively. Hidden directories are skipped.
// A broken file fails the whole load; a gate with a silently missing policy is worse than none.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return err
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	return policies, nil
}

// loadFromFile parses path, reusing the cached policy while the file's size and
// modification time are unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		p := entry.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRego(path, data)
	case ".json":
		p, err = parseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cacheEntry{policy: *p, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy loaded from file")

	return p, nil
}

func parseRego(path string, data []byte) (*Policy, error) {
	if _, err := ast.ParseModule(path, string(data)); err != nil {
		return nil, fmt.Errorf("invalid rego: %w", err)
	}
	h := parseHeader(string(data))

	severity := SeverityWarning
	if h.severity != "" {
		severity = Severity(h.severity)
		if !knownSeverity(severity) {
			return nil, fmt.Errorf("unknown severity annotation %q", h.severity)
		}
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: h.description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Tags:        h.tags,
	}, nil
}

func parseJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !knownSeverity(p.Severity) {
		return nil, fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}
	return &p, nil
}

type header struct {
	description string
	severity    string
	tags        []string
}

// parseHeader reads the comment block before the first rego statement.
func parseHeader(content string) header {
	var (
		h    header
		desc []string
	)

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(desc) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			// A description may follow the package clause, as long as nothing else does.
			if strings.HasPrefix(line, "package ") && len(desc) == 0 {
				continue
			}
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if key, value, ok := strings.Cut(comment, ":"); ok {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "severity":
				h.severity = strings.ToLower(strings.TrimSpace(value))
				continue
			case "tags":
				for _, tag := range strings.Split(value, ",") {
					if tag = strings.TrimSpace(tag); tag != "" {
						h.tags = append(h.tags, tag)
					}
				}
				continue
			}
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}

	h.description = strings.Join(desc, " ")
	return h
}

// extractDescription returns the description part of a rego header.
func (l *Loader) extractDescription(content string) string {
	return parseHeader(content).description
}

// Watch reloads policies from paths after changes settle and hands them to reloadFn.
// It returns once the watch is set up; the event loop stops with ctx or StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	var watched int
	for _, path := range paths {
		dirs, err := watchDirs(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
			continue
		}
		for _, dir := range dirs {
			if err := watcher.Add(dir); err != nil {
				l.logger.Warn().Err(err).Str("dir", dir).Msg("Cannot watch directory")
				continue
			}
			watched++
		}
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("none of %d policy paths could be watched", len(paths))
	}

	l.watcher = watcher
	go l.run(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Int("dirs", watched).Msg("Watching policy paths")
	return nil
}

// watchDirs lists the directories to register for path. A file is watched
// through its parent so rename-on-save editors are seen.
func watchDirs(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{filepath.Dir(path)}, nil
	}

	var dirs []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			dirs = append(dirs, p)
		}
		return nil
	})
	return dirs, err
}

func (l *Loader) run(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.forget(event.Name)

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			l.reload(ctx, paths, reloadFn)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload keeps the previous policy set when loading or applying the new one fails.
func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Policy reload failed, keeping current policies")
		return
	}
	if err := reloadFn(policies); err != nil {
		l.logger.Error().Err(err).Msg("Reloaded policies were rejected, keeping current policies")
		return
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, filepath.Clean(path))
	l.mu.Unlock()
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache drops every cached policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cacheEntry)
	l.mu.Unlock()
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func knownSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func sourceOf(p Policy) string {
	if src, ok := p.Metadata["source"].(string); ok {
		return src
	}
	return p.Name
}

package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/manifest"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

// writeFiles creates files relative to dir, making parent directories as needed.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

const nopRego = "deny contains msg if { false }"

func TestLoadFromFile_Rego(t *testing.T) {
	dir := t.TempDir()
	content := `package configurator.policies.motd

# Keep the motd short.

import rego.v1

` + nopRego
	writeFiles(t, dir, map[string]string{"short-motd.rego": content})

	p, err := newTestLoader().loadFromFile(context.Background(), filepath.Join(dir, "short-motd.rego"))
	if err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if p.Name != "short-motd" {
		t.Errorf("Name = %q, want short-motd", p.Name)
	}
	if p.Rego != content {
		t.Error("rego source was altered")
	}
	if p.Description != "Keep the motd short." {
		t.Errorf("Description = %q", p.Description)
	}
	if !p.Enabled || p.Severity != SeverityWarning {
		t.Errorf("expected enabled warning policy, got enabled=%v severity=%s", p.Enabled, p.Severity)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	want := Policy{
		Name:        "no-telnet",
		Description: "telnet is never installed",
		Rego:        "package no_telnet\n" + nopRego,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"network"},
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"telnet.json": string(data)})

	got, err := newTestLoader().loadFromFile(context.Background(), filepath.Join(dir, "telnet.json"))
	if err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if got.Name != want.Name || got.Description != want.Description || got.Severity != want.Severity {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unsupported type", file: "notes.txt", content: "not a policy"},
		{name: "invalid json", file: "broken.json", content: "invalid json"},
		{name: "json without name", file: "anon.json", content: `{"rego": "package p"}`},
		{name: "unparsable rego", file: "broken.rego", content: "package broken\n\ndeny contains x if {"},
		{name: "rego with unknown severity", file: "bad.rego", content: "# severity: fatal\npackage bad\n"},
		{name: "json with unknown severity", file: "bad.json", content: `{"name": "bad", "rego": "package bad", "severity": "fatal"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, map[string]string{tt.file: tt.content})
			if _, err := newTestLoader().loadFromFile(context.Background(), filepath.Join(dir, tt.file)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	if _, err := newTestLoader().loadFromPath(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("expected error for a missing path")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  int
	}{
		{
			name: "flat, ignoring other files",
			files: map[string]string{
				"one.rego":  "package one\n" + nopRego,
				"two.rego":  "package two\n" + nopRego,
				"README.md": "# Policies",
			},
			want: 2,
		},
		{
			name: "recursive",
			files: map[string]string{
				"top.rego":        "package top\n" + nopRego,
				"nested/low.rego": "package low\n" + nopRego,
			},
			want: 2,
		},
		{
			name: "hidden directories skipped",
			files: map[string]string{
				"kept.rego":         "package kept\n" + nopRego,
				".git/ignored.json": "not json",
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)

			loaded, err := newTestLoader().loadFromDirectory(context.Background(), dir)
			if err != nil {
				t.Fatalf("loadFromDirectory: %v", err)
			}
			if len(loaded) != tt.want {
				t.Errorf("loaded %d policies, want %d", len(loaded), tt.want)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"site/zeta.rego": "package zeta\n" + nopRego,
		"alpha.rego":     "package alpha\n" + nopRego,
	})

	loaded, err := newTestLoader().LoadFromPaths(context.Background(), []string{
		filepath.Join(root, "site"),
		filepath.Join(root, "alpha.rego"),
	})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name != "alpha" || loaded[1].Name != "zeta" {
		t.Errorf("expected alpha, zeta in order; got %+v", loaded)
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "single line", content: "# Only signed packages\npackage test", want: "Only signed packages"},
		{name: "multiple lines", content: "# Only signed packages\n# from the main mirror\npackage test", want: "Only signed packages from the main mirror"},
		{name: "none", content: "package test\n" + nopRego, want: ""},
		{name: "blank comment lines", content: "# First line\n#\n# Second line\npackage test", want: "First line Second line"},
		{name: "annotations excluded", content: "# Pinned kernels\n# severity: error\n# tags: kernel\npackage test", want: "Pinned kernels"},
		{name: "after package clause", content: "package test\n\n# Late description\n\nimport rego.v1", want: "Late description"},
		{name: "other colons kept", content: "# Note: applies to web hosts\npackage test", want: "Note: applies to web hosts"},
	}

	loader := newTestLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loader.extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"cached.rego": "package cached\n"})

	loader := newTestLoader()
	if _, err := loader.loadFromFile(context.Background(), filepath.Join(dir, "cached.rego")); err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("cache has %d entries, want 1", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("cache has %d entries after clear, want 0", len(loader.cache))
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"watched.rego": "package w\n"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := newTestLoader()
	reloaded := make(chan []Policy, 1)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		select {
		case reloaded <- policies:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	updated := "package w\n\nimport rego.v1\n"
	writeFiles(t, dir, map[string]string{"watched.rego": updated})

	select {
	case policies := <-reloaded:
		if len(policies) != 1 || policies[0].Name != "watched" {
			t.Fatalf("unexpected reload result: %+v", policies)
		}
		if policies[0].Rego != updated {
			t.Errorf("reload returned stale content: %q", policies[0].Rego)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoadFromFile_HeaderAnnotations(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"no-telnet.rego": `# Forbid telnet on every host.
# severity: Critical
# tags: network, legacy
package configurator.policies.telnet

` + nopRego})
	path := filepath.Join(dir, "no-telnet.rego")

	p, err := newTestLoader().loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if p.Description != "Forbid telnet on every host." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want critical", p.Severity)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "network" || p.Tags[1] != "legacy" {
		t.Errorf("Tags = %v", p.Tags)
	}
	if p.Metadata["source"] != path {
		t.Errorf("source = %v, want %s", p.Metadata["source"], path)
	}
}

func TestLoadFromFile_CacheFollowsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.rego")
	writeFiles(t, dir, map[string]string{"cached.rego": "package c\n"})

	loader := newTestLoader()
	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}

	updated := "# severity: error\npackage c\n"
	writeFiles(t, dir, map[string]string{"cached.rego": updated})
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	p, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("loadFromFile after rewrite: %v", err)
	}
	if p.Rego != updated || p.Severity != SeverityError {
		t.Errorf("expected the rewritten policy, got %+v", p)
	}
}

func TestLoadFromPaths_DuplicateName(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a/same.rego": "package same\n",
		"b/same.rego": "package same\n",
	})

	_, err := newTestLoader().LoadFromPaths(context.Background(), []string{
		filepath.Join(root, "a"),
		filepath.Join(root, "b"),
	})
	if err == nil {
		t.Fatal("expected error for a duplicate policy name")
	}
}

func TestLoadFromDirectory_BrokenFileFails(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"good.rego":   "package good\n",
		"broken.json": "{",
	})

	if _, err := newTestLoader().loadFromDirectory(context.Background(), dir); err == nil {
		t.Error("expected error when a policy file cannot be parsed")
	}
}

func TestWatchRequiresAPath(t *testing.T) {
	err := newTestLoader().Watch(context.Background(), []string{"/nonexistent/policies"}, func([]Policy) error { return nil })
	if err == nil {
		t.Error("expected error when no path can be watched")
	}
}

func TestWatchKeepsPoliciesWhenReloadFails(t *testing.T) {
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"no-telnet.rego": `# severity: error
package configurator.policies.telnet

import rego.v1

deny contains "telnet is not allowed" if "telnet" in input.manifest.packages.install
`})
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	loader := newTestLoader()
	applied := make(chan error, 4)
	err = loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		err := eng.SetPolicies(ctx, policies)
		applied <- err
		return err
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	// Parses, but x is unsafe, so compilation fails.
	writeFiles(t, dir, map[string]string{"no-telnet.rego": "package configurator.policies.telnet\n\nimport rego.v1\n\ndeny contains msg if { x == 1 }\n"})

	select {
	case err := <-applied:
		if err == nil {
			t.Fatal("expected the broken policy to be rejected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	hm := manifest.HostManifest{Packages: &manifest.PackageSet{Install: []string{"telnet"}}}
	result, err := eng.Evaluate(ctx, "web01", hm)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allowed {
		t.Error("the previous no-telnet policy should still deny")
	}
}

package host

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openfroyo/configurator/pkg/engine"
)

// Package manager names accepted by NewPackageManager.
const (
	PackageManagerAuto   = "auto"
	PackageManagerApt    = "apt"
	PackageManagerDnf    = "dnf"
	PackageManagerYum    = "yum"
	PackageManagerZypper = "zypper"
)

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// DetectPackageManager returns the first supported package manager found on PATH.
func DetectPackageManager() (string, error) {
	probes := []struct{ name, binary string }{
		{PackageManagerApt, "apt-get"},
		{PackageManagerDnf, "dnf"},
		{PackageManagerYum, "yum"},
		{PackageManagerZypper, "zypper"},
	}
	for _, p := range probes {
		if _, err := lookPath(p.binary); err == nil {
			return p.name, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

// NewPackageManager returns the package manager named kind, detecting one for "auto" or "".
func NewPackageManager(kind string, runner Runner) (engine.PackageManager, error) {
	if kind == "" || kind == PackageManagerAuto {
		detected, err := DetectPackageManager()
		if err != nil {
			return nil, err
		}
		kind = detected
	}

	switch kind {
	case PackageManagerApt:
		return &AptManager{runner: runner}, nil
	case PackageManagerDnf, PackageManagerYum:
		return &RPMManager{tool: kind, runner: runner}, nil
	case PackageManagerZypper:
		return &ZypperManager{runner: runner}, nil
	default:
		return nil, fmt.Errorf("unsupported package manager: %s", kind)
	}
}

// AptManager manages packages with apt-get and dpkg.
type AptManager struct {
	runner Runner
}

func (m *AptManager) Refresh(ctx context.Context) error {
	return runChecked(ctx, m.runner, "apt-get", "update", "-q")
}

// Lookup reports a package as found if dpkg knows it or apt has a candidate for it.
func (m *AptManager) Lookup(ctx context.Context, name string) (engine.PackageInfo, bool, error) {
	out, code, err := m.runner.Output(ctx, []string{"dpkg-query", "-W", "-f=${Status}\t${Version}", name})
	if err != nil {
		return engine.PackageInfo{}, false, err
	}
	if code == 0 {
		status, version, _ := strings.Cut(strings.TrimSpace(string(out)), "\t")
		if strings.HasSuffix(status, " installed") {
			return engine.PackageInfo{Name: name, Version: version, Installed: true}, true, nil
		}
	}

	out, code, err = m.runner.Output(ctx, []string{"apt-cache", "policy", name})
	if err != nil {
		return engine.PackageInfo{}, false, err
	}
	if code != 0 {
		return engine.PackageInfo{}, false, nil
	}
	candidate := aptCandidate(string(out))
	if candidate == "" {
		return engine.PackageInfo{}, false, nil
	}
	return engine.PackageInfo{Name: name, Version: candidate}, true, nil
}

func (m *AptManager) Install(ctx context.Context, name string) error {
	return runChecked(ctx, m.runner, "env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y", "-q", name)
}

func (m *AptManager) Uninstall(ctx context.Context, name string, purge bool) error {
	verb := "remove"
	if purge {
		verb = "purge"
	}
	return runChecked(ctx, m.runner, "env", "DEBIAN_FRONTEND=noninteractive", "apt-get", verb, "-y", "-q", name)
}

// aptCandidate extracts the candidate version from `apt-cache policy` output.
func aptCandidate(policy string) string {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			v = strings.TrimSpace(v)
			if v == "(none)" {
				return ""
			}
			return v
		}
	}
	return ""
}

// RPMManager manages packages with dnf or yum.
type RPMManager struct {
	tool   string
	runner Runner
}

func (m *RPMManager) Refresh(ctx context.Context) error {
	return runChecked(ctx, m.runner, m.tool, "makecache", "-q")
}

func (m *RPMManager) Lookup(ctx context.Context, name string) (engine.PackageInfo, bool, error) {
	if info, ok, err := rpmInstalled(ctx, m.runner, name); err != nil || ok {
		return info, ok, err
	}
	code, err := m.runner.Run(ctx, []string{m.tool, "info", "-q", name})
	if err != nil {
		return engine.PackageInfo{}, false, err
	}
	return engine.PackageInfo{Name: name}, code == 0, nil
}

func (m *RPMManager) Install(ctx context.Context, name string) error {
	return runChecked(ctx, m.runner, m.tool, "install", "-y", "-q", name)
}

// Uninstall removes name. RPM packages keep no separate configuration state, so purge has no effect.
func (m *RPMManager) Uninstall(ctx context.Context, name string, _ bool) error {
	return runChecked(ctx, m.runner, m.tool, "remove", "-y", "-q", name)
}

// ZypperManager manages packages with zypper.
type ZypperManager struct {
	runner Runner
}

func (m *ZypperManager) Refresh(ctx context.Context) error {
	return runChecked(ctx, m.runner, "zypper", "--non-interactive", "--quiet", "refresh")
}

func (m *ZypperManager) Lookup(ctx context.Context, name string) (engine.PackageInfo, bool, error) {
	if info, ok, err := rpmInstalled(ctx, m.runner, name); err != nil || ok {
		return info, ok, err
	}
	out, code, err := m.runner.Output(ctx, []string{"zypper", "--non-interactive", "info", name})
	if err != nil {
		return engine.PackageInfo{}, false, err
	}
	// zypper info exits 0 for unknown packages and says so on stdout.
	if code != 0 || strings.Contains(string(out), "not found") {
		return engine.PackageInfo{}, false, nil
	}
	return engine.PackageInfo{Name: name}, true, nil
}

func (m *ZypperManager) Install(ctx context.Context, name string) error {
	return runChecked(ctx, m.runner, "zypper", "--non-interactive", "install", name)
}

func (m *ZypperManager) Uninstall(ctx context.Context, name string, _ bool) error {
	return runChecked(ctx, m.runner, "zypper", "--non-interactive", "remove", name)
}

func rpmInstalled(ctx context.Context, runner Runner, name string) (engine.PackageInfo, bool, error) {
	out, code, err := runner.Output(ctx, []string{"rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name})
	if err != nil {
		return engine.PackageInfo{}, false, err
	}
	if code != 0 {
		return engine.PackageInfo{}, false, nil
	}
	return engine.PackageInfo{Name: name, Version: strings.TrimSpace(string(out)), Installed: true}, true, nil
}

package host

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/configurator/pkg/engine"
)

// Service manager names accepted by NewServiceManager.
const (
	ServiceManagerAuto      = "auto"
	ServiceManagerSystemctl = "systemctl"
	ServiceManagerService   = "service"
)

// systemdRuntimeDir exists only when systemd is PID 1.
var systemdRuntimeDir = "/run/systemd/system"

// DetectServiceManager prefers systemctl when systemd is running and falls back to SysV service.
func DetectServiceManager() string {
	if _, err := lookPath("systemctl"); err == nil {
		if _, err := os.Stat(systemdRuntimeDir); err == nil {
			return ServiceManagerSystemctl
		}
	}
	return ServiceManagerService
}

// NewServiceManager returns the service manager named kind, detecting one for "auto" or "".
func NewServiceManager(kind string, runner Runner) (engine.ServiceManager, error) {
	if kind == "" || kind == ServiceManagerAuto {
		kind = DetectServiceManager()
	}
	switch kind {
	case ServiceManagerSystemctl:
		return &Systemctl{runner: runner}, nil
	case ServiceManagerService:
		return &SysVService{runner: runner}, nil
	default:
		return nil, fmt.Errorf("unsupported service manager: %s", kind)
	}
}

// Systemctl controls systemd units.
type Systemctl struct {
	runner Runner
}

func (s *Systemctl) Start(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "systemctl", "start", name)
}

func (s *Systemctl) Stop(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "systemctl", "stop", name)
}

func (s *Systemctl) Reload(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "systemctl", "reload", name)
}

func (s *Systemctl) Restart(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "systemctl", "restart", name)
}

// Status returns the unit's ActiveState. `systemctl is-active` exits non-zero
// for anything but active, so only its output is used.
func (s *Systemctl) Status(ctx context.Context, name string) (string, error) {
	out, _, err := s.runner.Output(ctx, []string{"systemctl", "is-active", name})
	if err != nil {
		return "", err
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		state = "unknown"
	}
	return state, nil
}

// SysVService controls services through the `service` wrapper.
type SysVService struct {
	runner Runner
}

func (s *SysVService) Start(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "service", name, "start")
}

func (s *SysVService) Stop(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "service", name, "stop")
}

func (s *SysVService) Reload(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "service", name, "reload")
}

func (s *SysVService) Restart(ctx context.Context, name string) error {
	return runChecked(ctx, s.runner, "service", name, "restart")
}

// Status maps LSB status exit codes: 0 running, 3 not running.
func (s *SysVService) Status(ctx context.Context, name string) (string, error) {
	code, err := s.runner.Run(ctx, []string{"service", name, "status"})
	if err != nil {
		return "", err
	}
	switch code {
	case 0:
		return "active", nil
	case 3:
		return "inactive", nil
	default:
		return "unknown", nil
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/configurator/pkg/telemetry"
)

// DefaultManifest is the manifest path used when none is configured.
const DefaultManifest = "configurator.yaml"

// Settings is the agent settings file. Every field has a usable default.
type Settings struct {
	// Manifest is the path of the host manifest.
	Manifest string `yaml:"manifest" validate:"required"`

	// Host selects the manifest section. Empty means the machine hostname.
	Host string `yaml:"host"`

	Logging  telemetry.LoggingConfig `yaml:"logging"`
	Packages PackagesConfig          `yaml:"packages"`
	Services ServicesConfig          `yaml:"services"`
	Policy   PolicyConfig            `yaml:"policy"`
	Tracing  telemetry.TracingConfig `yaml:"tracing"`
	Metrics  telemetry.MetricsConfig `yaml:"metrics"`
	History  HistoryConfig           `yaml:"history"`
}

// PackagesConfig selects the package manager backend.
type PackagesConfig struct {
	// Manager is auto, apt, dnf, yum or zypper.
	Manager string `yaml:"manager" validate:"oneof=auto apt dnf yum zypper"`

	// Purge removes configuration files along with uninstalled packages.
	Purge bool `yaml:"purge"`
}

// ServicesConfig selects the service manager backend.
type ServicesConfig struct {
	// Manager is auto, systemctl or service.
	Manager string `yaml:"manager" validate:"oneof=auto systemctl service"`
}

// PolicyConfig controls the pre-apply policy gate.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths" validate:"dive,required"`
	// Disable and Enable name policies to switch off or on. Enable is applied last.
	Disable []string `yaml:"disable" validate:"dive,required"`
	Enable  []string `yaml:"enable" validate:"dive,required"`
}

// HistoryConfig controls the run journal.
type HistoryConfig struct {
	// Path is the sqlite database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// Default returns settings with every default applied.
func Default() *Settings {
	tel := telemetry.DefaultConfig()
	return &Settings{
		Manifest: DefaultManifest,
		Logging:  tel.Logging,
		Packages: PackagesConfig{Manager: "auto", Purge: true},
		Services: ServicesConfig{Manager: "auto"},
		Policy:   PolicyConfig{Enabled: true},
		Tracing:  tel.Tracing,
		Metrics:  tel.Metrics,
	}
}

// Load reads settings from path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks field constraints.
func (s *Settings) Validate() error {
	err := validator.New().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %q fails %s=%s", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: fails %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Telemetry builds the telemetry configuration for this run.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging = s.Logging
	cfg.Tracing = s.Tracing
	cfg.Metrics = s.Metrics
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "configurator"
	}
	return cfg
}

// ResolveHost returns the configured host, or the machine hostname.
func (s *Settings) ResolveHost() (string, error) {
	if s.Host != "" {
		return s.Host, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %w", err)
	}
	return host, nil
}

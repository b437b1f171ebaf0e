package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/configurator/pkg/agent"
	"github.com/openfroyo/configurator/pkg/config"
	"github.com/openfroyo/configurator/pkg/stores"
	"github.com/openfroyo/configurator/pkg/telemetry"
)

// session holds what every command needs: settings, telemetry and the journal.
type session struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	journal   *stores.SQLiteStore
	logger    zerolog.Logger
}

func newSession(ctx context.Context) (*session, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if manifestPath != "" {
		settings.Manifest = manifestPath
	}
	if hostName != "" {
		settings.Host = hostName
	}
	if logLevel != "" {
		settings.Logging.Level = logLevel
	}
	settings.Policy.Disable = append(settings.Policy.Disable, disablePolicies...)
	settings.Policy.Enable = append(settings.Policy.Enable, enablePolicies...)

	tel, err := telemetry.NewTelemetry(settings.Telemetry(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	s := &session{
		settings:  settings,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}

	if settings.History.Path != "" {
		journal, err := stores.Open(ctx, settings.History.Path)
		if err != nil {
			_ = s.close()
			return nil, fmt.Errorf("failed to open history %s: %w", settings.History.Path, err)
		}
		s.journal = journal
	}

	return s, nil
}

// agent builds an agent wired to this session's telemetry and journal.
func (s *session) agent(ctx context.Context) (*agent.Agent, error) {
	opts := []agent.Option{
		agent.WithTracer(s.telemetry.Tracer.Tracer()),
		agent.WithMetrics(s.telemetry.Metrics),
		agent.WithBackend(agent.LocalBackend(commandOutput())),
	}
	if s.journal != nil {
		opts = append(opts, agent.WithJournal(s.journal))
	}
	return agent.New(ctx, s.settings, s.logger, opts...)
}

// requireJournal fails when history is not configured.
func (s *session) requireJournal() error {
	if s.journal == nil {
		return fmt.Errorf("history is disabled; set history.path in the settings file")
	}
	return nil
}

func (s *session) close() error {
	// Runs after a signal too, so spans and metrics still get flushed.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.telemetry.Shutdown(ctx)
	if s.journal != nil {
		if cerr := s.journal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/configurator/pkg/config"
	"github.com/openfroyo/configurator/pkg/engine"
	"github.com/openfroyo/configurator/pkg/manifest"
	"github.com/openfroyo/configurator/pkg/policy"
	"github.com/openfroyo/configurator/pkg/providers/host"
	"github.com/openfroyo/configurator/pkg/stores"
	"github.com/openfroyo/configurator/pkg/telemetry"
)

// Backend builds the engine capabilities of the machine being configured.
type Backend func(logger zerolog.Logger, settings *config.Settings) (engine.DispatcherConfig, error)

// LocalBackend wires the engine to this machine. Command output goes to output.
func LocalBackend(output io.Writer) Backend {
	return func(logger zerolog.Logger, settings *config.Settings) (engine.DispatcherConfig, error) {
		h, err := host.New(logger, host.Options{
			PackageManager: settings.Packages.Manager,
			ServiceManager: settings.Services.Manager,
			CommandOutput:  output,
		})
		if err != nil {
			return engine.DispatcherConfig{}, err
		}
		return h.DispatcherConfig(logger, settings.Packages.Purge), nil
	}
}

// Target is the manifest section selected for this machine.
type Target struct {
	Host     string
	Manifest manifest.HostManifest
}

// Agent runs the load, check and apply cycle for one machine.
type Agent struct {
	settings *config.Settings
	logger   zerolog.Logger
	loader   *manifest.Loader
	policies *policy.Engine
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	journal  stores.Journal
	backend  Backend
}

// Option configures an Agent.
type Option func(*Agent)

// WithTracer sets the tracer for run and resource spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Agent) { a.tracer = tracer }
}

// WithMetrics records run outcomes into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithJournal records every run in j.
func WithJournal(j stores.Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithBackend replaces the local host backend.
func WithBackend(b Backend) Option {
	return func(a *Agent) { a.backend = b }
}

// New creates an agent. Policies are compiled here when the policy gate is enabled.
func New(ctx context.Context, settings *config.Settings, logger zerolog.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		settings: settings,
		logger:   logger.With().Str("component", "agent").Logger(),
		loader:   manifest.NewLoader(logger),
		tracer:   noop.NewTracerProvider().Tracer("configurator"),
		backend:  LocalBackend(io.Discard),
	}
	for _, opt := range opts {
		opt(a)
	}

	if settings.Policy.Enabled {
		eng, err := policy.NewEngine(logger)
		if err != nil {
			return nil, err
		}
		if len(settings.Policy.Paths) > 0 {
			if err := eng.LoadPolicies(ctx, settings.Policy.Paths); err != nil {
				return nil, err
			}
		}
		for _, name := range settings.Policy.Disable {
			if err := eng.DisablePolicy(name); err != nil {
				return nil, fmt.Errorf("cannot disable policy: %w", err)
			}
		}
		for _, name := range settings.Policy.Enable {
			if err := eng.EnablePolicy(name); err != nil {
				return nil, fmt.Errorf("cannot enable policy: %w", err)
			}
		}
		a.policies = eng
	}

	return a, nil
}

// Policies returns the policy engine, or nil when the gate is disabled.
func (a *Agent) Policies() *policy.Engine {
	return a.policies
}

// Resolve loads the manifest and selects the section for this machine.
func (a *Agent) Resolve(ctx context.Context) (*Target, error) {
	path := a.settings.Manifest
	doc, err := a.loader.Load(ctx, path)
	if err != nil {
		a.logger.Error().Err(err).Str("manifest", path).Msg("Failed to load manifest")
		return nil, engine.NewManifestError(fmt.Sprintf("failed to load manifest %s", path), err)
	}

	name, err := a.settings.ResolveHost()
	if err != nil {
		return nil, engine.NewInternalError("failed to resolve host", err)
	}

	hm, ok := doc.Host(name)
	if !ok {
		a.logger.Error().Msgf("Cannot find config to apply for '%s'", name)
		return nil, engine.NewHostNotFoundError(name)
	}
	return &Target{Host: name, Manifest: hm}, nil
}

// Check runs the policy gate against target. It returns a policy denied error when a
// blocking violation is found. With the gate disabled the result is nil.
func (a *Agent) Check(ctx context.Context, target *Target) (*policy.Result, error) {
	if a.policies == nil {
		return nil, nil
	}

	result, err := a.policies.Evaluate(ctx, target.Host, target.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}

	log := telemetry.WithHost(a.logger, target.Host)
	for _, w := range result.Warnings {
		log.Warn().Msg(w)
	}
	for _, v := range result.Violations {
		event := log.Warn()
		if v.Severity.Blocking() {
			event = log.Error()
		}
		event.Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("resource", v.Resource).
			Msg(v.Message)
		if a.metrics != nil {
			a.metrics.ObservePolicyViolation(string(v.Severity))
		}
	}

	if blocking := result.Blocking(); len(blocking) > 0 {
		msgs := make([]string, 0, len(blocking))
		for _, v := range blocking {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		return result, engine.NewPolicyDeniedError(target.Host, msgs)
	}
	return result, nil
}

// Validate loads the manifest and runs the policy gate without touching the host.
func (a *Agent) Validate(ctx context.Context) (*Target, *policy.Result, error) {
	target, err := a.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	result, err := a.Check(ctx, target)
	return target, result, err
}

// Apply converges this machine to its manifest section. Resource failures are
// reported in the returned report and never fail the run.
func (a *Agent) Apply(ctx context.Context) (*engine.Report, error) {
	target, err := a.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := telemetry.WithRunID(telemetry.WithHost(a.logger, target.Host), runID)

	ctx, span := a.tracer.Start(ctx, "configurator.run", trace.WithAttributes(
		telemetry.AttrHost.String(target.Host),
		telemetry.AttrRunID.String(runID),
	))
	defer span.End()

	run := &stores.Run{
		ID:           runID,
		Host:         target.Host,
		ManifestPath: a.settings.Manifest,
		Status:       stores.RunStatusRunning,
		StartedAt:    time.Now(),
		TraceID:      telemetry.TraceID(ctx),
	}

	if _, err := a.Check(ctx, target); err != nil {
		telemetry.RecordError(span, err)
		if engine.IsPolicyDenied(err) {
			a.journalDenied(ctx, log, run, err)
			a.observeRun(&engine.Report{Host: target.Host, StartedAt: run.StartedAt}, stores.RunStatusDenied)
		}
		return nil, err
	}

	journaled := a.journalStart(ctx, log, run)

	cfg, err := a.backend(a.logger, a.settings)
	if err != nil {
		telemetry.RecordError(span, err)
		if journaled {
			msg := err.Error()
			if jerr := a.journal.FinishRun(context.WithoutCancel(ctx), runID, stores.RunStatusFailed, 0, 0, &msg); jerr != nil {
				log.Warn().Err(jerr).Msg("Failed to journal run completion")
			}
		}
		a.observeRun(&engine.Report{Host: target.Host, StartedAt: run.StartedAt}, stores.RunStatusFailed)
		return nil, engine.NewInternalError("failed to set up host capabilities", err)
	}
	cfg.Tracer = a.tracer
	if a.metrics != nil {
		cfg.Observer = a.metrics
	}

	log.Info().Msgf("Applying config for '%s'", target.Host)
	report := engine.NewDispatcher(cfg).Dispatch(ctx, target.Host, target.Manifest)

	status := stores.RunStatusCompleted
	if ctx.Err() != nil {
		status = stores.RunStatusCancelled
	}

	log.Info().
		Str("status", string(status)).
		Int("resources", len(report.Results)).
		Int("changed", report.Changed()).
		Int("failed", report.Failed()).
		Int("skipped", report.Skipped()).
		Dur("duration", report.Duration).
		Msg("Run finished")

	span.SetAttributes(
		attribute.Int("changed", report.Changed()),
		attribute.Int("failed", report.Failed()),
	)
	if report.Failed() > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d resources failed", report.Failed()))
	}

	if journaled {
		a.journalFinish(ctx, log, runID, report, status)
	}
	a.observeRun(report, status)

	return report, nil
}

// Watch applies once, then again whenever the manifest changes, until ctx is done.
// Policy files are watched too and recompiled in place.
func (a *Agent) Watch(ctx context.Context, debounce time.Duration) error {
	a.applyLogged(ctx)

	if a.policies != nil && len(a.settings.Policy.Paths) > 0 {
		loader := policy.NewLoader(a.logger)
		reload := func(policies []policy.Policy) error {
			return a.policies.SetPolicies(ctx, policies)
		}
		if err := loader.Watch(ctx, a.settings.Policy.Paths, reload); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
		defer func() { _ = loader.StopWatching() }()
	}

	watcher := manifest.NewWatcher(a.logger, a.settings.Manifest, debounce)
	return watcher.Run(ctx, a.applyLogged)
}

// applyLogged runs Apply and logs its error. Used where there is no caller to return to.
func (a *Agent) applyLogged(ctx context.Context) {
	_, err := a.Apply(ctx)
	switch {
	case err == nil, engine.IsHostNotFound(err):
	case errors.Is(err, context.Canceled):
		a.logger.Debug().Msg("Apply cancelled")
	default:
		a.logger.Error().Err(err).Msg("Apply failed")
	}
}

// Services returns a service controller bound to this machine's service manager.
func (a *Agent) Services() (*engine.ServiceController, error) {
	cfg, err := a.backend(a.logger, a.settings)
	if err != nil {
		return nil, engine.NewInternalError("failed to set up host capabilities", err)
	}
	var observer engine.Observer
	if a.metrics != nil {
		observer = a.metrics
	}
	return engine.NewServiceController(a.logger, cfg.Services, observer), nil
}

func (a *Agent) journalStart(ctx context.Context, log zerolog.Logger, run *stores.Run) bool {
	if a.journal == nil {
		return false
	}
	if err := a.journal.StartRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("Failed to journal run start")
		return false
	}
	return true
}

func (a *Agent) journalFinish(ctx context.Context, log zerolog.Logger, runID string, report *engine.Report, status stores.RunStatus) {
	// The run may have been cancelled; history is still written.
	ctx = context.WithoutCancel(ctx)

	if err := a.journal.RecordResults(ctx, runID, stores.ResultsFromReport(report)); err != nil {
		log.Warn().Err(err).Msg("Failed to journal resource results")
	}

	var errMsg *string
	if report.Failed() > 0 {
		msg := failureSummary(report)
		errMsg = &msg
	}
	if err := a.journal.FinishRun(ctx, runID, status, report.Changed(), report.Failed(), errMsg); err != nil {
		log.Warn().Err(err).Msg("Failed to journal run completion")
	}
}

func (a *Agent) journalDenied(ctx context.Context, log zerolog.Logger, run *stores.Run, cause error) {
	if a.journal == nil {
		return
	}
	run.Status = stores.RunStatusDenied
	now := time.Now()
	run.CompletedAt = &now
	msg := cause.Error()
	run.Error = &msg
	if err := a.journal.StartRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("Failed to journal denied run")
	}
}

func (a *Agent) observeRun(report *engine.Report, status stores.RunStatus) {
	if a.metrics == nil {
		return
	}
	a.metrics.ObserveRun(report, string(status))
	if err := a.metrics.WriteTextfile(""); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
	}
}

func failureSummary(report *engine.Report) string {
	var ids []string
	for _, r := range report.Results {
		if r.Failed() {
			ids = append(ids, fmt.Sprintf("%s %s", r.Type, r.ID))
		}
	}
	return fmt.Sprintf("%d resources failed: %s", len(ids), strings.Join(ids, ", "))
}

package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/configurator/pkg/manifest"
)

// DispatcherConfig wires the capabilities a Dispatcher needs.
type DispatcherConfig struct {
	Logger   zerolog.Logger
	Packages PackageManager
	Runner   CommandRunner
	FS       FileSystem
	IDs      IdentityResolver
	Services ServiceManager

	// Purge removes configuration files on uninstall.
	Purge bool

	// Tracer is optional; a no-op tracer is used when nil.
	Tracer trace.Tracer

	// Observer is optional.
	Observer Observer
}

// Dispatcher applies a host manifest: packages, then files, then commands.
type Dispatcher struct {
	logger   zerolog.Logger
	packages *PackageReconciler
	files    *FileReconciler
	commands *CommandReconciler
	services *ServiceController
	tracer   trace.Tracer
	observer Observer
}

// NewDispatcher creates a dispatcher and its reconcilers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("configurator")
	}
	services := NewServiceController(cfg.Logger, cfg.Services, cfg.Observer)
	return &Dispatcher{
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
		packages: NewPackageReconciler(cfg.Logger, cfg.Packages, cfg.Purge),
		files:    NewFileReconciler(cfg.Logger, cfg.FS, cfg.IDs, services),
		commands: NewCommandReconciler(cfg.Logger, cfg.Runner, services),
		services: services,
		tracer:   tracer,
		observer: cfg.Observer,
	}
}

// Services returns the service controller shared by the reconcilers.
func (d *Dispatcher) Services() *ServiceController {
	return d.services
}

// Dispatch applies hm and returns one Result per resource in application order.
// Errors and panics are confined to the resource that raised them. When ctx is
// cancelled, the resource in progress finishes and the rest are not started.
func (d *Dispatcher) Dispatch(ctx context.Context, host string, hm manifest.HostManifest) *Report {
	report := &Report{Host: host, StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	ctx, span := d.tracer.Start(ctx, "configurator.dispatch",
		trace.WithAttributes(attribute.String("host", host)))
	defer span.End()

	if hm.Packages != nil {
		d.logger.Info().Msg("Configuring packages based on the specified config...")
		for _, name := range uniqueNames(hm.Packages.Install) {
			if !d.run(ctx, report, ResourceTypePackage, name, func(ctx context.Context) Result {
				return d.packages.Install(ctx, name)
			}) {
				return report
			}
		}
		for _, name := range uniqueNames(hm.Packages.Uninstall) {
			if !d.run(ctx, report, ResourceTypePackage, name, func(ctx context.Context) Result {
				return d.packages.Uninstall(ctx, name)
			}) {
				return report
			}
		}
	}

	if len(hm.Files) > 0 {
		d.logger.Info().Msg("Configuring files based on the specified config...")
		for _, entry := range hm.Files {
			if !d.run(ctx, report, ResourceTypeFile, entry.Path, func(ctx context.Context) Result {
				return d.files.Apply(ctx, entry)
			}) {
				return report
			}
		}
	}

	if len(hm.Commands) > 0 {
		d.logger.Info().Msg("Executing commands based on the specified config...")
		for _, entry := range hm.Commands {
			if !d.run(ctx, report, ResourceTypeCommand, entry.Command, func(ctx context.Context) Result {
				return d.commands.Apply(ctx, entry)
			}) {
				return report
			}
		}
	}

	span.SetAttributes(
		attribute.Int("resources", len(report.Results)),
		attribute.Int("changed", report.Changed()),
		attribute.Int("failed", report.Failed()),
	)
	return report
}

// run applies one resource inside its own span and records the result.
// It returns false when ctx is done and dispatching should stop.
func (d *Dispatcher) run(ctx context.Context, report *Report, typ ResourceType, id string, fn func(context.Context) Result) bool {
	if err := ctx.Err(); err != nil {
		d.logger.Warn().Err(err).Str("type", string(typ)).Str("id", id).Msg("Run cancelled, remaining resources skipped")
		return false
	}

	ctx, span := d.tracer.Start(ctx, "configurator.resource."+string(typ),
		trace.WithAttributes(
			attribute.String("resource.type", string(typ)),
			attribute.String("resource.id", id),
		))
	defer span.End()

	result := d.protect(ctx, typ, id, fn)

	span.SetAttributes(attribute.Bool("changed", result.Changed))
	if result.Err != nil {
		span.RecordError(result.Err)
		if result.Failed() {
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}

	report.Results = append(report.Results, result)
	if d.observer != nil {
		d.observer.ObserveResult(result)
	}
	return true
}

// protect converts a panic in fn into an error Result.
func (d *Dispatcher) protect(ctx context.Context, typ ResourceType, id string, fn func(context.Context) Result) (result Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str("type", string(typ)).
				Str("id", id).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic while applying resource")
			result = Result{
				Type:     typ,
				ID:       id,
				Err:      NewInternalError(fmt.Sprintf("panic: %v", rec), nil).WithResource(id),
				Duration: time.Since(start),
			}
		}
	}()
	return fn(ctx)
}

package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/configurator/pkg/engine"
	"github.com/openfroyo/configurator/pkg/telemetry"
)

// Example_basicSetup demonstrates process-wide telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := telemetry.WithHost(tel.Logger.Component("main"), "web01")
	logger.Info().Msg("Configurator started")
}

// Example_runSpans demonstrates a run span with the attribute keys used by the agent.
func Example_runSpans() {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "configurator", "dev")
	if err != nil {
		panic(err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "configurator.run")
	span.SetAttributes(telemetry.AttrHost.String("web01"))
	defer span.End()

	// A disabled tracer produces no trace IDs.
	fmt.Printf("trace id: %q\n", telemetry.TraceID(ctx))
	// Output: trace id: ""
}

// Example_metrics demonstrates recording a run for the textfile collector.
func Example_metrics() {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Namespace: "configurator"})
	if err != nil {
		panic(err)
	}

	metrics.ObserveResult(engine.Result{Type: engine.ResourceTypeFile, ID: "/etc/motd", Changed: true, Duration: time.Millisecond})
	metrics.ObserveRestart("nginx", nil)

	families, err := metrics.Registry().Gather()
	if err != nil {
		panic(err)
	}
	for _, mf := range families {
		if len(mf.GetMetric()) > 0 {
			fmt.Println(mf.GetName())
		}
	}
	// Output:
	// configurator_last_run_changed_resources
	// configurator_last_run_duration_seconds
	// configurator_last_run_failed_resources
	// configurator_last_run_timestamp_seconds
	// configurator_resource_duration_seconds
	// configurator_resources_total
	// configurator_service_restarts_total
}

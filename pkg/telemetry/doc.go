// Package telemetry sets up logging, tracing and run metrics for the configurator.
//
// # Logging
//
// Logs are structured with zerolog. Components receive a zerolog.Logger at
// construction and tag entries with a "component" field:
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	engineLog := logger.Component("dispatcher")
//
// The LOG_LEVEL environment variable overrides the configured level.
//
// # Tracing
//
// A run produces one span for the dispatch and one child span per resource.
// Tracing is off by default; when enabled, spans go to stdout or to an OTLP
// collector over gRPC.
//
//	tracer, err := telemetry.NewTracer(cfg.Tracing, "configurator", version)
//	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{Tracer: tracer.Tracer(), ...})
//
// # Metrics
//
// Metrics implements engine.Observer and counts resources by type and
// outcome, and service restarts by result. The configurator is not a
// long-running server, so metrics are written after each run to a file for
// the node_exporter textfile collector instead of being served over HTTP:
//
//	metrics, _ := telemetry.NewMetrics(cfg.Metrics)
//	// ... dispatch with Observer: metrics ...
//	metrics.ObserveRun(report, "completed")
//	err := metrics.WriteTextfile("/var/lib/node_exporter/configurator.prom")
package telemetry

// Package agent runs one configuration cycle on the local machine.
//
// A cycle loads the manifest, selects the section keyed by this machine's
// host name, runs the policy gate and hands the section to the engine
// dispatcher. Runs are journaled and observed when a journal and metrics
// are configured:
//
//	a, err := agent.New(ctx, settings, logger,
//		agent.WithTracer(tel.Tracer.Tracer()),
//		agent.WithMetrics(tel.Metrics),
//		agent.WithJournal(journal),
//	)
//	if err != nil {
//		return err
//	}
//	report, err := a.Apply(ctx)
//
// A missing host section is reported as engine.IsHostNotFound and leaves the
// machine untouched. Watch repeats Apply whenever the manifest file changes.
package agent

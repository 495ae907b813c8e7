// Package telemetry sets up OpenTelemetry tracing.
//
// Spans from task starts, runs, rounds and promotions are exported over OTLP
// to a collector. Metrics are served by Prometheus at /metrics and are not
// exported here.
//
// # Usage
//
//	cfg := telemetry.FromSettings(appCfg.Observability, version)
//	tel, err := telemetry.New(ctx, cfg, logger.Underlying())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	mgr := lifecycle.New(lcCfg, st, adapter,
//	    lifecycle.WithTracer(tel.Tracer(lifecycle.InstrumentationName)))
//
// Exporter failures degrade telemetry to a no-op tracer instead of failing
// startup.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	mgr := lifecycle.New(cfg, st, adapter, lifecycle.WithTracer(tt.Tracer("test")))
//	// ...
//	tt.AssertSpanExists(t, "lifecycle.round")
package telemetry

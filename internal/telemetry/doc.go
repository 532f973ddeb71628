// Package telemetry sets up OpenTelemetry tracing and metrics for substrate.
//
// Spans and metrics are exported over OTLP gRPC to a collector:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("github.com/rforgeon/substrate/internal/knowledge").Start(ctx, "knowledge.Observe")
//	defer span.End()
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  service_name: "substrate"
//	  sampling_rate: 1.0
//
// Telemetry failures never stop the process. A provider that cannot start
// leaves the instance degraded and callers get no-op tracers and meters.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	svc := knowledge.New(knowledge.Options{Tracer: tt.Tracer("test"), ...})
//	tt.AssertSpanExists(t, "knowledge.Observe")
package telemetry

// Package observability provides OpenTelemetry tracing and metrics for the
// ledger services.
//
// Initialize the provider at application startup:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "helm-ledger",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// Wrap ledger operations:
//
//	ctx, finish := p.TrackOperation(ctx, "ledger.append", observability.LeafOperation(idx, tenantID)...)
//	defer func() { finish(err) }()
//
// A disabled provider falls back to the global (no-op) tracer and meter,
// so instrumented code never needs a nil check.
package observability

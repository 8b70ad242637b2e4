// Package telemetry provides logging, tracing and metrics for botfleet.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with an OTLP
// gRPC or stdout exporter, and metrics are Prometheus collectors held in a
// private registry. Components receive a *Metrics and call its Record methods;
// a nil or disabled *Metrics is a no-op, so library code never needs to check.
//
// Initialize telemetry at application startup:
//
//	cfg, err := telemetry.LoadConfig("botfleet.yaml")
//	if err != nil {
//	    return err
//	}
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
package telemetry

// Package instrumentation provides OpenTelemetry instrumentation for the IAM server.
//
// It wires an OpenTelemetry meter provider and tracer provider behind a single
// Instrumentation value that the HTTP handler, the server flows and the stores
// receive. When disabled, no-op providers are used and recording costs nothing.
//
// # Exporters
//
// Metrics:
//   - "prometheus": OpenTelemetry Prometheus bridge; serve with promhttp.Handler()
//   - "none" (default)
//
// Traces:
//   - "otlp": OTLP over HTTP (OTEL_EXPORTER_OTLP_* variables are honoured)
//   - "stdout": pretty-printed spans, for development
//   - "none" (default)
//
// # Available Metrics
//
//   - iam.http.requests{method, endpoint, status}, iam.http.request.duration{endpoint}
//   - iam.login.attempts{result}
//   - iam.tokens.issued{grant}, iam.code.exchanged{client_id}
//   - iam.token.refresh{result}, iam.token.reuse_detected{kind}
//   - iam.twofactor.verifications{method, result}, iam.altcha.verifications{result}
//   - iam.federation.logins{provider, result}
//   - iam.ratelimit.exceeded{limit_type}, iam.audit.events{event_type}
//   - iam.storage.operations{operation, result}, iam.storage.operation.duration{operation}
//   - iam.storage.challenges, iam.storage.identities, iam.storage.refresh_tokens (gauges)
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "machinaear-iam",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracesExporter:  instrumentation.ExporterOTLP,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
package instrumentation

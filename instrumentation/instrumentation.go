package instrumentation

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "machinaear-iam"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	instrumentationPrefix = "github.com/machinaear/iam/"
)

// Supported exporters
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, uses no-op providers regardless of the exporter settings.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are included in traces.
	// Client IPs may be personal data under GDPR; leave false unless required.
	LogClientIPs bool

	// MetricsExporter selects the metric pipeline: "prometheus" or "none" (default).
	// The prometheus exporter registers with PrometheusRegisterer, which defaults to
	// prometheus.DefaultRegisterer so promhttp.Handler() serves the metrics.
	MetricsExporter string

	// PrometheusRegisterer overrides the registry the prometheus exporter writes to
	PrometheusRegisterer prometheus.Registerer

	// MetricReader attaches an extra reader to the meter provider (used by tests)
	MetricReader sdkmetric.Reader

	// TracesExporter selects the span pipeline: "otlp", "stdout" or "none" (default)
	TracesExporter string

	// OTLPEndpoint is the host:port of the OTLP/HTTP collector.
	// When empty the exporter honours OTEL_EXPORTER_OTLP_ENDPOINT.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector
	OTLPInsecure bool

	// TraceWriter is where the stdout exporter writes. Defaults to os.Stdout.
	TraceWriter io.Writer

	// Resource allows custom resource attributes.
	// If nil, a resource is created with service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(context.Background()); err != nil {
			_ = inst.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds the metric and trace pipelines selected by the config.
func (i *Instrumentation) initializeProviders(ctx context.Context) error {
	if err := i.initializeMeterProvider(); err != nil {
		return err
	}
	return i.initializeTracerProvider(ctx)
}

func (i *Instrumentation) initializeMeterProvider() error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		var promOpts []promexporter.Option
		if i.config.PrometheusRegisterer != nil {
			promOpts = append(promOpts, promexporter.WithRegisterer(i.config.PrometheusRegisterer))
		}
		exporter, err := promexporter.New(promOpts...)
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	case "", ExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.MetricReader != nil {
		opts = append(opts, sdkmetric.WithReader(i.config.MetricReader))
	}

	// Without any reader there is nothing to collect
	if len(opts) == 1 {
		i.meterProvider = noop.NewMeterProvider()
		return nil
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	return nil
}

func (i *Instrumentation) initializeTracerProvider(ctx context.Context) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch i.config.TracesExporter {
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if i.config.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(i.config.OTLPEndpoint))
		}
		if i.config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		var opts []stdouttrace.Option
		if i.config.TraceWriter != nil {
			opts = append(opts, stdouttrace.WithWriter(i.config.TraceWriter))
		}
		exporter, err = stdouttrace.New(opts...)
	case "", ExporterNone:
		i.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s trace exporter: %w", i.config.TracesExporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(i.resource),
	)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// Shutdown flushes and stops all providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("http", "server", "storage", "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope ("http", "server", "storage", "security").
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for the storage size gauges.
// Storage implementations call this from SetInstrumentation. Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	challengesCount, identitiesCount, refreshTokensCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if challengesCount != nil {
				observer.ObserveInt64(i.metrics.StorageChallenges, challengesCount())
			}
			if identitiesCount != nil {
				observer.ObserveInt64(i.metrics.StorageIdentities, identitiesCount())
			}
			if refreshTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokens, refreshTokensCount())
			}
			return nil
		},
		i.metrics.StorageChallenges,
		i.metrics.StorageIdentities,
		i.metrics.StorageRefreshTokens,
	)

	return err
}

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricExporter owns the meter provider the jetqueue recorder writes to.
type MetricExporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	resource         *resource.Resource
	reader           sdkmetric.Reader
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
	setGlobal        bool
}

type Option func(*MetricExporter)

func WithServiceName(name string) Option {
	return func(mc *MetricExporter) {
		mc.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(mc *MetricExporter) {
		mc.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(mc *MetricExporter) {
		mc.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint. It wins over HTTP.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpGRPCEndpoint = endpoint
	}
}

func WithEnvironment(env string) Option {
	return func(mc *MetricExporter) {
		mc.environment = env
	}
}

// WithExportInterval sets how often the periodic reader pushes.
func WithExportInterval(d time.Duration) Option {
	return func(mc *MetricExporter) {
		if d > 0 {
			mc.interval = d
		}
	}
}

// WithReader replaces the OTLP pipeline with reader, e.g. a ManualReader in
// tests.
func WithReader(reader sdkmetric.Reader) Option {
	return func(mc *MetricExporter) {
		mc.reader = reader
	}
}

// WithGlobal installs the provider as the otel global.
func WithGlobal(setGlobal bool) Option {
	return func(mc *MetricExporter) {
		mc.setGlobal = setGlobal
	}
}

func defaultConfig() *MetricExporter {
	return &MetricExporter{
		serviceName:      "jetqueue-client",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
		setGlobal:        true,
	}
}

func NewMetricExporter(opts ...Option) (*MetricExporter, func(), error) {
	mc := defaultConfig()
	for _, opt := range opts {
		opt(mc)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(mc.serviceName),
			semconv.ServiceNamespace(mc.serviceNamespace),
			semconv.ServiceVersion(mc.serviceVersion),
			semconv.DeploymentEnvironment(mc.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := mc.reader
	if reader == nil {
		exporter, err := mc.newExporter()
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(mc.interval))
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	if mc.setGlobal {
		otel.SetMeterProvider(meterProvider)
	}

	mc.meterProvider = meterProvider
	mc.meter = meterProvider.Meter(instrumentationName)
	mc.resource = res

	return mc, func() {
		_ = mc.meterProvider.Shutdown(context.Background())
	}, nil
}

func (mc *MetricExporter) newExporter() (sdkmetric.Exporter, error) {
	if mc.otlpGRPCEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(mc.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		return exporter, nil
	}
	if mc.otlpEndpoint == "" {
		return nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}
	exporter, err := otlpmetrichttp.New(context.Background(),
		otlpmetrichttp.WithEndpoint(mc.otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}

func (mc *MetricExporter) Meter() metric.Meter {
	return mc.meter
}

func (mc *MetricExporter) Close(ctx context.Context) error {
	return mc.meterProvider.Shutdown(ctx)
}

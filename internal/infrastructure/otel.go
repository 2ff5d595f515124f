package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName identifies this service in traces and metrics.
	ServiceName = "keypanel"
	// ServiceVersion is stamped onto telemetry resources.
	ServiceVersion = "1.0.0"
	// MeterName is the instrumentation scope name.
	MeterName = "keypanel"
)

// OTelConfig holds OpenTelemetry configuration.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the initialized OpenTelemetry providers.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration.
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  true,
		SampleRatio:    1.0,
	}
}

// InitializeOTel initializes tracing and metrics.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}
	ctx := context.Background()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", instanceID()),
	)

	providers := &OTelProviders{Logger: logger}

	if cfg.EnableTracing {
		if err := initTracing(cfg, res, providers); err != nil {
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
	}
	if cfg.EnableMetrics {
		if err := initMetrics(cfg, res, providers); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "opentelemetry initialized",
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics),
		slog.String("trace_exporter", cfg.TraceExporter),
		slog.String("metric_exporter", cfg.MetricExporter),
	)
	return providers, nil
}

func initTracing(cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var opts []sdktrace.TracerProviderOption

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "none":
		// Spans are still recorded in-process for trace-id propagation.
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}

	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	tp := sdktrace.NewTracerProvider(opts...)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetTracerProvider(tp)
	return nil
}

func initMetrics(cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		providers.PrometheusHTTP = promhttp.Handler()
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
		otel.SetMeterProvider(mp)
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}
	return nil
}

// PanelMetrics holds the application-specific instruments.
type PanelMetrics struct {
	ConnectAttempts metric.Int64Counter
	ConnectAccepts  metric.Int64Counter
	ConnectRejects  metric.Int64Counter
	ConnectDuration metric.Float64Histogram
	DevicesBound    metric.Int64Counter
	KeysIssued      metric.Int64Counter
	KeysRedeemed    metric.Int64Counter
	CascadeOps      metric.Int64Counter
}

// CreatePanelMetrics creates the panel's business metrics.
func CreatePanelMetrics(meter metric.Meter) (*PanelMetrics, error) {
	connectAttempts, err := meter.Int64Counter(
		"connect_attempts_total",
		metric.WithDescription("Total number of connect requests"),
	)
	if err != nil {
		return nil, err
	}
	connectAccepts, err := meter.Int64Counter(
		"connect_accepts_total",
		metric.WithDescription("Total number of accepted connect requests"),
	)
	if err != nil {
		return nil, err
	}
	connectRejects, err := meter.Int64Counter(
		"connect_rejects_total",
		metric.WithDescription("Total number of rejected connect requests, by reason"),
	)
	if err != nil {
		return nil, err
	}
	connectDuration, err := meter.Float64Histogram(
		"connect_duration_seconds",
		metric.WithDescription("Connect request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	devicesBound, err := meter.Int64Counter(
		"devices_bound_total",
		metric.WithDescription("Total number of newly bound devices"),
	)
	if err != nil {
		return nil, err
	}
	keysIssued, err := meter.Int64Counter(
		"keys_issued_total",
		metric.WithDescription("Total number of keys issued, by kind"),
	)
	if err != nil {
		return nil, err
	}
	keysRedeemed, err := meter.Int64Counter(
		"keys_redeemed_total",
		metric.WithDescription("Total number of access-key redemptions"),
	)
	if err != nil {
		return nil, err
	}
	cascadeOps, err := meter.Int64Counter(
		"cascade_operations_total",
		metric.WithDescription("Total number of cascade operations, by kind"),
	)
	if err != nil {
		return nil, err
	}

	return &PanelMetrics{
		ConnectAttempts: connectAttempts,
		ConnectAccepts:  connectAccepts,
		ConnectRejects:  connectRejects,
		ConnectDuration: connectDuration,
		DevicesBound:    devicesBound,
		KeysIssued:      keysIssued,
		KeysRedeemed:    keysRedeemed,
		CascadeOps:      cascadeOps,
	}, nil
}

// RecordConnectVerdict records the outcome of one connect request.
func RecordConnectVerdict(ctx context.Context, m *PanelMetrics, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConnectAttempts.Add(ctx, 1)
	if reason == "" {
		m.ConnectAccepts.Add(ctx, 1)
	} else {
		m.ConnectRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	m.ConnectDuration.Record(ctx, duration.Seconds())
}

// Shutdown gracefully shuts down the OpenTelemetry providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}
	return nil
}

// TraceIDFromContext extracts the OTel trace ID for log correlation.
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return GetTraceID(ctx)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

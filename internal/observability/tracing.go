package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/tilesim/internal/logging"
)

// DefaultServiceName is reported as service.name when none is configured.
const DefaultServiceName = "tilesim"

const defaultOTLPEndpoint = "localhost:4317"

// Resource attribute keys describing the simulation run behind the spans.
const (
	AttrRunID    = attribute.Key("sim.run_id")
	AttrTickSize = attribute.Key("sim.tick_size")
)

// TracingConfig selects the span exporter for a simulation run.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // OTLP collector, host:port
	SampleRatio float64
	// TickSize is recorded on the resource so traces from runs with
	// different clocks can be told apart.
	TickSize int64
	Output   io.Writer // stdout exporter destination; defaults to os.Stdout
}

// InitTracing installs the global tracer provider used by the scheduler's
// per-tick spans. When ctx carries a run ID it becomes both sim.run_id and
// service.instance.id, tying spans to the run's log lines. The returned
// function flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tick tracing off")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := runResource(ctx, cfg)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tick tracing on",
		logging.String("exporter", exporterName(cfg)),
		logging.String("service_name", serviceName(cfg)),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// runResource describes this process and simulation run.
func runResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("service.namespace", "simulation"),
	}
	if cfg.TickSize > 0 {
		attrs = append(attrs, AttrTickSize.Int64(cfg.TickSize))
	}
	if id := logging.RunIDFromContext(ctx); id != "" {
		attrs = append(attrs,
			AttrRunID.String(id),
			attribute.String("service.instance.id", id),
		)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch exporterName(cfg) {
	case "stdout":
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(out),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

func exporterName(cfg TracingConfig) string {
	switch name := strings.ToLower(cfg.Exporter); name {
	case "", "stdout":
		return "stdout"
	case "otlp", "otlpgrpc":
		return "otlp"
	default:
		return name
	}
}

func serviceName(cfg TracingConfig) string {
	if cfg.ServiceName == "" {
		return DefaultServiceName
	}
	return cfg.ServiceName
}

// ShutdownWithTimeout flushes spans, giving up after five seconds. Failures
// are logged, not returned, since the run has already finished.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "flushing tick spans failed", logging.Err(err))
	}
}

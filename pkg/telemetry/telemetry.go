package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "installguard"

// Span attribute keys shared by the arbiter and its callers.
const (
	AttrRequestID = attribute.Key("installguard.request_id")
	AttrPath      = attribute.Key("installguard.path")
	AttrProcessID = attribute.Key("installguard.process_id")
	AttrOutcome   = attribute.Key("installguard.outcome")
	AttrTrigger   = attribute.Key("installguard.trigger")
)

// RequestAttributes describes an intercepted operation.
func RequestAttributes(path string, processID uint32) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPath.String(path),
		AttrProcessID.Int64(int64(processID)),
	}
}

// ResolutionAttributes describes how a request was resolved.
func ResolutionAttributes(requestID int64, outcome, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.Int64(requestID),
		AttrOutcome.String(outcome),
		AttrTrigger.String(trigger),
	}
}

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	Headers        map[string]string
	Timeout        time.Duration
	Insecure       bool
	// Required turns an exporter setup failure into an error instead of a
	// local-only tracer.
	Required bool
	Sampler  trace.Sampler
}

// ConfigFromEnv reads the standard OTEL_* variables plus ENVIRONMENT and
// SERVICE_VERSION.
func ConfigFromEnv(serviceName string) Config {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: strings.TrimSpace(os.Getenv("SERVICE_VERSION")),
		Environment:    strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		Endpoint:       strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:        parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:        time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:       os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:        parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init configures global tracing from the environment.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return Setup(ctx, ConfigFromEnv(serviceName))
}

// Setup installs a global tracer provider. Without an endpoint spans are
// recorded locally only.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Sampler == nil {
		cfg.Sampler = trace.ParentBased(trace.AlwaysSample())
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, resourceAttributes(cfg)...))
	opts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(cfg.Sampler)}
	if cfg.Endpoint == "" {
		return install(trace.NewTracerProvider(opts...)), nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Timeout > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return install(trace.NewTracerProvider(opts...)), nil
	}
	return install(trace.NewTracerProvider(append(opts, trace.WithBatcher(exporter))...)), nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	return attrs
}

func install(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps an HTTP client with OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads "k1=v1,k2=v2", skipping malformed parts.
func parseHeaders(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// Package otelx installs the process tracer provider. Root spans for
// purchases and QR code verification are always kept; everything else is
// sampled at the configured ratio.
package otelx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

// DefaultAlwaysSample are root span name prefixes kept regardless of the
// ratio. Root spans are named "METHOD /path" until the route is known.
var DefaultAlwaysSample = []string{
	"POST /api/purchases",
	"POST /api/qrcode/verify",
}

type Options struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	// ratio for root spans not matched by AlwaysSample
	Sample float64
	// nil means DefaultAlwaysSample, empty disables
	AlwaysSample []string

	Service     string
	Component   string
	Version     string
	Environment string

	// Logger receives exporter and sdk errors, nil keeps the otel default
	Logger log.Logger
}

// Init installs the global tracer provider and propagator. Disabled tracing
// still installs a provider so spans and trace ids exist for log correlation.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if o.Logger != nil {
		L := o.Logger.With("component", "otel")
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			L.Warn(context.Background(), "otel error", "err", err)
		}))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otlp endpoint required when tracing is enabled")
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}

	// a partial resource is still usable, detector errors are not fatal
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(resourceAttrs(o)...),
	)
	if err != nil && o.Logger != nil {
		o.Logger.Warn(ctx, "otel resource detection incomplete", "err", err)
	}

	always := o.AlwaysSample
	if always == nil {
		always = DefaultAlwaysSample
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(NewSampler(o.Sample, always))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(o.Service + "/" + o.Version)),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// the collector is local, 3s is plenty and New blocks without a deadline
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "otlp exporter")
	}
	return exp, nil
}

func resourceAttrs(o Options) []attribute.KeyValue {
	name := o.Service
	if o.Component != "" {
		name += "." + o.Component
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(o.Version),
	}
	if o.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(o.Environment))
	}
	return attrs
}

// marketSampler keeps root spans whose name starts with one of always and
// defers the rest to a trace id ratio
type marketSampler struct {
	always []string
	ratio  sdktrace.Sampler
}

// NewSampler is meant to sit under sdktrace.ParentBased so child spans follow
// the root decision.
func NewSampler(ratio float64, always []string) sdktrace.Sampler {
	return marketSampler{
		always: append([]string(nil), always...),
		ratio:  sdktrace.TraceIDRatioBased(ratio),
	}
}

func (s marketSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, prefix := range s.always {
		if strings.HasPrefix(p.Name, prefix) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.ratio.ShouldSample(p)
}

func (s marketSampler) Description() string {
	return fmt.Sprintf("MarketSampler{always=%v,%s}", s.always, s.ratio.Description())
}

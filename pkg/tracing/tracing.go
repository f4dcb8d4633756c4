package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "sfusignal"

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "sfusignal",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the SDK provider when tracing is enabled; otherwise
// the global no-op provider stays in place.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return Install(tracesdk.WithBatcher(exp), tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate)))), nil
}

// Install registers an SDK provider built from opts as the global provider.
func Install(opts ...tracesdk.TracerProviderOption) *TracerProvider {
	tp := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span failed with code as its status description.
func RecordError(span trace.Span, err error, code string) {
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetAttributes(ErrorCodeKey.String(code))
	span.SetStatus(codes.Error, code)
}

var (
	RoomIDKey      = attribute.Key("room.id")
	PeerIDKey      = attribute.Key("peer.id")
	TransportIDKey = attribute.Key("transport.id")
	ProducerIDKey  = attribute.Key("producer.id")
	ConsumerIDKey  = attribute.Key("consumer.id")
	RequestTypeKey = attribute.Key("signal.request_type")
	ErrorCodeKey   = attribute.Key("signal.error_code")
)

// TraceSignalRequest starts the span of one signaling request.
func TraceSignalRequest(ctx context.Context, requestType, roomID, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+requestType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			RequestTypeKey.String(requestType),
			RoomIDKey.String(roomID),
			PeerIDKey.String(peerID),
		),
	)
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// TraceEventPublish covers one session event leaving the process.
func TraceEventPublish(ctx context.Context, eventType, roomID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "events.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			RoomIDKey.String(roomID),
		),
	)
}

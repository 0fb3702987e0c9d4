// Package tracing OpenTelemetry 链路追踪，覆盖 HTTP 入口与 Redis Stream 消息
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// StreamTraceField 消息中携带 trace ID 的字段名
const StreamTraceField = "_traceId"

const (
	traceHeader = "X-Trace-ID"
	tracerName  = "iranvault/tracing"
)

// Config 追踪配置
type Config struct {
	ServiceName string
	Endpoint    string  // Jaeger collector
	Enabled     bool
	SampleRate  float64 // 截断到 [0, 1]
}

type remoteTraceKey struct{}

var active atomic.Bool

// Init 安装全局 TracerProvider；未启用时装 noop，返回的 shutdown 总是可调用
func Init(cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !cfg.Enabled {
		active.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "iranvault"
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	rate := min(max(cfg.SampleRate, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	active.Store(true)
	return tp.Shutdown, nil
}

// Enabled 是否已启用追踪
func Enabled() bool { return active.Load() }

// HTTPMiddleware 每个请求一个 server span，响应头回写 X-Trace-ID
func HTTPMiddleware(next http.Handler) http.Handler {
	if !active.Load() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if TraceIDFromContext(ctx) == "" {
			ctx = ContextWithTraceID(ctx, r.Header.Get(traceHeader))
		}

		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		if id := TraceIDFromContext(ctx); id != "" {
			w.Header().Set(traceHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFromContext 当前 trace ID，未启用时为空
func TraceIDFromContext(ctx context.Context) string {
	if !active.Load() || ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	id, _ := ctx.Value(remoteTraceKey{}).(string)
	return id
}

// SpanIDFromContext 当前 span ID
func SpanIDFromContext(ctx context.Context) string {
	if !active.Load() || ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// ContextWithTraceID 挂上远端 trace ID；合法的十六进制 ID 同时成为父 span
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !active.Load() || traceID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, remoteTraceKey{}, traceID)
	if tid, err := trace.TraceIDFromHex(traceID); err == nil && tid.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}
	return ctx
}

// StartSpan 开始 span；未启用时返回不记录的 span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !active.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SetError 把错误记到当前 span
func SetError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// InjectRedisStream 把 trace ID 写入 XADD 字段
func InjectRedisStream(ctx context.Context, values map[string]interface{}) {
	if values == nil {
		return
	}
	if id := TraceIDFromContext(ctx); id != "" {
		values[StreamTraceField] = id
	}
}

// ExtractRedisStream 从消息字段恢复 trace
func ExtractRedisStream(ctx context.Context, values map[string]interface{}) context.Context {
	var id string
	switch v := values[StreamTraceField].(type) {
	case string:
		id = v
	case []byte:
		id = string(v)
	}
	return ContextWithTraceID(ctx, id)
}

// StartConsumerSpan 为一条 Stream 消息开 consumer span，父级来自消息里的 trace 字段
func StartConsumerSpan(ctx context.Context, stream, msgID string, values map[string]interface{}) (context.Context, trace.Span) {
	ctx, span := StartSpan(ExtractRedisStream(ctx, values), "consume "+stream,
		trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination", stream),
		attribute.String("messaging.message_id", msgID),
	)
	return ctx, span
}

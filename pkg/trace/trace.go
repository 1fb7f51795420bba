// 文件: pkg/trace/trace.go
// 链路追踪 - OpenTelemetry，导出到 stdout
//
// 未启用时 StartSpan 返回 no-op span，调用方无需判断

package trace

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const serviceName = "pnl-engine"

var (
	tracer         oteltrace.Tracer
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
)

// Init 初始化 tracer
// 环境变量 LOG_TRACING_ENABLED 覆盖配置
func Init(enable bool) error {
	if v := os.Getenv("LOG_TRACING_ENABLED"); v != "" {
		enable = v == "true"
	}
	enabled = enable
	if !enabled {
		return nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		enabled = false
		return err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		enabled = false
		return err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = otel.Tracer(serviceName)
	return nil
}

// Shutdown 刷新并关闭 tracer provider
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

// StartSpan 开启一个 span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if !enabled || tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// EndSpan 结束 span，有错误时记录
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Enabled 是否启用
func Enabled() bool {
	return enabled
}

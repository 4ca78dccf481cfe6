// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger 是全局日志实例。服务启动时应调用 Init 完成配置，
// 未初始化时退化为一个带时间戳的 stdout logger，保证测试可用。
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init 初始化全局日志实例，附加 service 字段。
// 日志级别通过 LOG_LEVEL 环境变量控制（默认 info）。
func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}

	Logger = zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Ctx 返回一个附带当前链路 trace_id/span_id 的 Logger，
// 让日志可以和 Jaeger 中的链路互相关联。
// 上下文中没有活跃 Span 时直接返回全局 Logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return &Logger
	}
	l := Logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &l
}

// WithContext 将全局 Logger 绑定到 ctx，供 zerolog.Ctx 取用。
func WithContext(ctx context.Context) context.Context {
	return Logger.WithContext(ctx)
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

// Package observability wires structured logging and request tracing
// for the HTTP surface. Log output is JSON shaped for Cloud Logging;
// traces propagate through both W3C traceparent and the legacy Cloud
// Trace header.
package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/procureline/api/internal/platform/requestctx"
)

const serviceName = "procureline-api"

// NewLogger builds the process-wide JSON logger. The level comes from
// LOG_LEVEL and defaults to info when unset or unparseable.
func NewLogger() (*zap.Logger, error) {
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:    "message",
		TimeKey:       "timestamp",
		LevelKey:      "severity",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		// Cloud Logging expects upper-case severity names.
		EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(l.String()))
		},
	})

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), parseLevel(os.Getenv("LOG_LEVEL")))
	logger := zap.New(core,
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(zap.String("service", serviceName)),
	)
	return logger, nil
}

func parseLevel(raw string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// WithLogger stores the logger on the context for downstream handlers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext returns the request-scoped logger, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// PrintfAdapter exposes a zap logger through a Printf method for
// components that take printf-style loggers.
type PrintfAdapter struct {
	sugar *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{sugar: logger.Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.sugar.Infof(format, args...)
}

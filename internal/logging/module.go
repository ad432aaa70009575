package logging

import (
	"context"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module builds the process logger: JSON production config, level from
// WINDLASS_LOG_LEVEL, and an optional fire-and-forget shipping core
// when a log sink is configured.
func Module(service string) fx.Option {
	return fx.Options(
		fx.Provide(func() (*zap.Logger, error) {
			return New(service)
		}),
		fx.Invoke(func(lc fx.Lifecycle, logger *zap.Logger) {
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					_ = logger.Sync()
					return nil
				},
			})
		}),
	)
}

func New(service string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.Fields(zap.String("service", service)))
	if err != nil {
		return nil, err
	}
	return attachLogSink(logger, service), nil
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("WINDLASS_LOG_LEVEL"))) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

package logger

import (
	"profilehub/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

// New builds the application logger and installs it as the zap global.
func New(cfg *config.Config) *zap.Logger {
	log := zap.Must(zap.NewDevelopment())

	if cfg.AppEnv == "production" {
		zc := zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.LevelKey = "severity"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
		log = zap.Must(zc.Build())
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
	)

	zap.ReplaceGlobals(log)
	return log
}

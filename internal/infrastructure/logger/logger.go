package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the root logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// New builds the root zap logger. Components derive child loggers from it
// via logger.With(zap.String("component", ...)).
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	if config.Encoding == "" {
		config.Encoding = "json"
	}

	return config.Build()
}

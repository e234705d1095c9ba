package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"chatrelay/internal/config"
)

// New builds the service logger: a console core plus two rotated file sinks,
// app.log at the configured level and error.log for errors only.
func New(cfg config.BasicConfig) (*zap.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.Set(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	appCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator(cfg, "app.log")), level)
	errCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator(cfg, "error.log")), zap.ErrorLevel)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		level,
	)

	core := zapcore.NewTee(consoleCore, appCore, errCore)
	return zap.New(core, zap.AddCaller()), nil
}

func rotator(cfg config.BasicConfig, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, name),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxAge:     cfg.LogMaxAgeDays,
		MaxBackups: 5,
		Compress:   true,
	}
}

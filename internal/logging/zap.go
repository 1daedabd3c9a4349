package logging

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/teotikalki/laminar/internal/config"
)

// zapLogger adapts a *zap.Logger to the Logger interface.
type zapLogger struct {
	z *zap.Logger
}

// Init builds the process logger from the logging config and installs it
// as the global logger.
func Init(cfg config.LoggingConfig) (Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	ws, err := buildWriteSyncer(cfg)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(enc, ws, parseLevel(cfg.Level))
	z := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	l := &zapLogger{z: z}
	SetGlobalLogger(l)
	return l, nil
}

func buildWriteSyncer(cfg config.LoggingConfig) (zapcore.WriteSyncer, error) {
	if cfg.File == "" {
		return zapcore.Lock(zapcore.AddSync(stderrSink{})), nil
	}
	if cfg.Rotate {
		lumber := &lumberjack.Logger{
			Filename:  cfg.File,
			MaxSize:   100, // MB
			MaxAge:    14,  // days
			Compress:  true,
			LocalTime: true,
		}
		return zapcore.AddSync(lumber), nil
	}
	f, err := openAppend(cfg.File)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.z.Debug(msg, fields...)
}
func (l *zapLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.z.Info(msg, fields...)
}
func (l *zapLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.z.Warn(msg, fields...)
}
func (l *zapLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.z.Error(msg, fields...)
}
func (l *zapLogger) With(fields ...zap.Field) Logger { return &zapLogger{z: l.z.With(fields...)} }
func (l *zapLogger) Sync() error                     { return l.z.Sync() }

package logger

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"booml/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger atomic.Pointer[Logger]

// Logger wraps zap logger with context support
type Logger struct {
	zap *zap.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
}

// contextFields lists the request-scoped values copied onto every log line.
var contextFields = []struct {
	key  contextkey.Key
	name string
}{
	{contextkey.TraceID, "trace_id"},
	{contextkey.RequestID, "request_id"},
	{contextkey.SessionID, "session_id"},
	{contextkey.RunID, "run_id"},
	{contextkey.SubmissionID, "submission_id"},
}

// Init initializes the global logger
func Init(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalLogger.Store(logger)
	return nil
}

// Use installs an existing zap logger as the global logger. Tests pass zaptest or observer loggers here.
func Use(z *zap.Logger) {
	if z == nil {
		globalLogger.Store(nil)
		return
	}
	globalLogger.Store(&Logger{zap: z.WithOptions(zap.AddCallerSkip(1))})
}

// NewLogger creates a new logger instance
func NewLogger(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, level)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{zap: zapLogger}, nil
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithContext returns a zap logger carrying the request-scoped ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l.zap
	}
	var fields []zap.Field
	for _, f := range contextFields {
		if v, ok := ctx.Value(f.key).(string); ok && v != "" {
			fields = append(fields, zap.String(f.name, v))
		}
	}
	if len(fields) == 0 {
		return l.zap
	}
	return l.zap.With(fields...)
}

func current(ctx context.Context) *zap.Logger {
	l := globalLogger.Load()
	if l == nil {
		return nil
	}
	return l.WithContext(ctx)
}

// Debug logs a debug message
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if z := current(ctx); z != nil {
		z.Debug(msg, fields...)
	}
}

// Info logs an info message
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if z := current(ctx); z != nil {
		z.Info(msg, fields...)
	}
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if z := current(ctx); z != nil {
		z.Warn(msg, fields...)
	}
}

// Error logs an error message
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if z := current(ctx); z != nil {
		z.Error(msg, fields...)
	}
}

// Fatal logs a fatal message and exits. Without a logger it still exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	if z := current(ctx); z != nil {
		z.Fatal(msg, fields...)
	}
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// Infof logs an info message with format
func Infof(ctx context.Context, format string, args ...interface{}) {
	if z := current(ctx); z != nil {
		z.Info(fmt.Sprintf(format, args...))
	}
}

// Warnf logs a warning message with format
func Warnf(ctx context.Context, format string, args ...interface{}) {
	if z := current(ctx); z != nil {
		z.Warn(fmt.Sprintf(format, args...))
	}
}

// Sync flushes the global logger
func Sync() error {
	if l := globalLogger.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the context-scoped zap logger, or a no-op logger before Init.
func L(ctx context.Context) *zap.Logger {
	if z := current(ctx); z != nil {
		return z
	}
	return zap.NewNop()
}

package logger

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration
type Config struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer

	// File enables a rotated log file in addition to Output.
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// Logger is a structured logger with component scoping
type Logger struct {
	z *zap.Logger
}

// Field represents a structured logging field
type Field = zap.Field

// New creates a new logger
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339Nano)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	ws := zapcore.AddSync(output)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(encoder, ws, parseLevel(cfg.Level))
	return &Logger{z: zap.New(core)}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// WithComponent creates a child logger scoped to a component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{z: l.z.Named(component)}
}

// With returns a child logger that always carries the given fields
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) {
	l.z.Debug(msg, fields...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) {
	l.z.Info(msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) {
	l.z.Warn(msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Field) {
	l.z.Error(msg, fields...)
}

// Enabled reports whether messages at the given level would be written
func (l *Logger) Enabled(level string) bool {
	return l.z.Core().Enabled(parseLevel(level))
}

// Sync flushes buffered output
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Field constructors

// String creates a string field
func String(key, val string) Field { return zap.String(key, val) }

// Int creates an int field
func Int(key string, val int) Field { return zap.Int(key, val) }

// Int64 creates an int64 field
func Int64(key string, val int64) Field { return zap.Int64(key, val) }

// Uint64 creates a uint64 field
func Uint64(key string, val uint64) Field { return zap.Uint64(key, val) }

// Bool creates a bool field
func Bool(key string, val bool) Field { return zap.Bool(key, val) }

// Uint32 creates a uint32 field
func Uint32(key string, val uint32) Field { return zap.Uint32(key, val) }

// Duration creates a duration field
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }

// Hex creates a field rendering bytes as lowercase hex
func Hex(key string, val []byte) Field { return zap.String(key, hex.EncodeToString(val)) }

// Byte renders a single protocol byte as 0xNN
func Byte(key string, val byte) Field {
	return zap.String(key, "0x"+hex.EncodeToString([]byte{val}))
}

// Error creates an error field
func Error(err error) Field {
	if err == nil {
		return zap.String("error", "nil")
	}
	return zap.Error(err)
}

// Any creates a field with any value
func Any(key string, val interface{}) Field { return zap.Any(key, val) }

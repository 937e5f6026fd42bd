package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger is a leveled printf-style logger. Every method takes an optional
// request id which is attached as the "reqid" field when non-nil.
type Logger struct {
	level LogLevel
	sugar *zap.SugaredLogger
}

type LoggerOptions struct {
	Level  string
	Format string // "console" or "json"
	Name   string
	Output io.Writer
}

func NewLogger(level string, format string) *Logger {
	return NewLoggerWithOptions(LoggerOptions{Level: level, Format: format, Output: os.Stdout})
}

func NewLoggerWithOptions(opts LoggerOptions) *Logger {
	logLevel := parseLogLevel(opts.Level)

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if opts.Format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), zapLevel(logLevel))
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.Name != "" {
		base = base.Named(opts.Name)
	}

	return &Logger{level: logLevel, sugar: base.Sugar()}
}

func NewDiscardLogger() *Logger {
	return &Logger{level: LevelInfo, sugar: zap.NewNop().Sugar()}
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) with(reqID *string) *zap.SugaredLogger {
	if reqID == nil || *reqID == "" {
		return l.sugar
	}
	return l.sugar.With("reqid", *reqID)
}

func (l *Logger) Debug(reqID *string, format string, v ...any) {
	l.with(reqID).Debugf(format, v...)
}

func (l *Logger) Info(reqID *string, format string, v ...any) {
	l.with(reqID).Infof(format, v...)
}

func (l *Logger) Warn(reqID *string, format string, v ...any) {
	l.with(reqID).Warnf(format, v...)
}

func (l *Logger) Error(reqID *string, format string, v ...any) {
	l.with(reqID).Errorf(format, v...)
}

func (l *Logger) Fatal(v ...any) {
	l.sugar.Fatal(fmt.Sprint(v...))
}

func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

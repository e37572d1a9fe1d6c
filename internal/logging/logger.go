// Package logging provides structured logging backed by zap.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogFormat selects the encoder.
type LogFormat string

const (
	FormatJSON    LogFormat = "JSON"
	FormatConsole LogFormat = "CONSOLE"
)

// Logger wraps a zap logger with the context-map call style used across the
// backend.
type Logger struct {
	z *zap.Logger
}

var (
	mu     sync.RWMutex
	global *Logger
	// std backs the package-level helpers, which add one frame.
	std *Logger
)

// New builds a zap logger writing to out. Unknown levels fall back to INFO,
// unknown formats to JSON.
func New(out io.Writer, level LogLevel, format LogFormat) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if LogFormat(strings.ToUpper(string(format))) == FormatConsole {
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	return FromCore(zapcore.NewCore(encoder, zapcore.AddSync(out), zap.NewAtomicLevelAt(zapLevel(level))))
}

// FromCore builds a zap logger over core that reports the caller of the
// Logger methods.
func FromCore(core zapcore.Core) *zap.Logger {
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

func zapLevel(level LogLevel) zapcore.Level {
	switch LogLevel(strings.ToUpper(string(level))) {
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

// Init installs z as the global logger. Calling it again replaces the
// previous logger, which lets tests install an observer core.
func Init(z *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = &Logger{z: z}
	std = &Logger{z: z.WithOptions(zap.AddCallerSkip(1))}
}

// InitFromEnv installs a stdout logger configured by LOGGING_LEVEL and
// LOGGING_FORMAT, falling back to the given defaults.
func InitFromEnv(defaultLevel LogLevel, defaultFormat LogFormat) {
	level := LogLevel(getEnv("LOGGING_LEVEL", string(defaultLevel)))
	format := LogFormat(getEnv("LOGGING_FORMAT", string(defaultFormat)))
	Init(New(os.Stdout, level, format))
}

func getEnv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	InitFromEnv(LevelInfo, FormatJSON)
	return Get()
}

func stdLogger() *Logger {
	mu.RLock()
	l := std
	mu.RUnlock()
	if l != nil {
		return l
	}
	Get()
	return stdLogger()
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{z: l.z.Named(component)}
}

// fields flattens context maps into zap fields with a stable key order.
func fields(err error, context ...map[string]interface{}) []zap.Field {
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	if err != nil {
		out = append(out, zap.Error(err))
	}
	return out
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.z.Debug(message, fields(nil, context...)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.z.Info(message, fields(nil, context...)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.z.Warn(message, fields(nil, context...)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.z.Error(message, fields(err, context...)...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code errors.ErrorCode, err error, context ...map[string]interface{}) {
	l.z.Error(message, append(fields(err, context...), zap.String("code", string(code)))...)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	stdLogger().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	stdLogger().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	stdLogger().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	stdLogger().Error(message, err, context...)
}

func ErrorWithCode(message string, code errors.ErrorCode, err error, context ...map[string]interface{}) {
	stdLogger().ErrorWithCode(message, code, err, context...)
}

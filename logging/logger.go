// Package logging provides structured logging capabilities using Go's log/slog
// package.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/c0deZ3R0/go-entity-kit/errors"
)

// Logger wraps slog.Logger with convenience methods for the entity kit.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level"`       // debug, info, warn, error
	Format      string `json:"format"`      // text, json
	AddSource   bool   `json:"add_source"`  // whether to add source code information
	Environment string `json:"environment"` // dev, prod, test
}

// DefaultConfig is the configuration used when none is supplied.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: "dev",
}

// Global logger instance
var defaultLogger *Logger

// KitErrorValuer provides structured logging for KitError.
type KitErrorValuer struct {
	*errors.KitError
}

func (e KitErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", string(e.Component)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	if e.Message != "" {
		attrs = append(attrs, slog.String("message", e.Message))
	}
	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}
	return slog.GroupValue(attrs...)
}

// ErrAttr returns a slog attribute for any error, using the structured valuer
// when the error is a KitError.
func ErrAttr(err error) slog.Attr {
	if ke, ok := err.(*errors.KitError); ok {
		return slog.Any("error", KitErrorValuer{KitError: ke})
	}
	return slog.String("error", err.Error())
}

// NewLogger creates a new logger with the provided configuration.
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" || config.Environment == "dev" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init initializes the global logger with the provided configuration.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger with component context.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

// LogError logs an error with structured attributes.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+1)
	allAttrs = append(allAttrs, ErrAttr(err))
	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}
	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking.
func (l *Logger) LogOperation(ctx context.Context, op, component string, fn func() error) error {
	start := time.Now()
	opLogger := l.With(slog.String("operation", op), slog.String("component", component))

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.ErrorContext(ctx, "operation failed",
			ErrAttr(err),
			slog.Duration("duration", duration))
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", duration))
	return nil
}

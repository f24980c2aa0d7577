package logging

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-entity-kit/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			logger := NewLogger(config)

			logger.Debug("Debug message", slog.String("key", "value"))
			logger.Info("Info message", slog.Int("count", 42))
			logger.Warn("Warning message", slog.Bool("enabled", true))

			testErr := errors.E(errors.Op("cache.Get"), errors.Component("cache"),
				errors.KindInternal, fmt.Errorf("storage error"))
			logger.LogError(context.Background(), testErr, "Operation failed")

			childLogger := logger.WithComponent("test")
			childLogger.Info("Child logger message")

			err := logger.LogOperation(
				context.Background(),
				"test_op",
				"test_component",
				func() error {
					time.Sleep(10 * time.Millisecond)
					return nil
				},
			)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDynamicLevel(t *testing.T) {
	config := Config{
		Level:       "info",
		Format:      "text",
		Environment: EnvTest,
		AddSource:   false,
	}

	logger, levelVar := NewLoggerWithDynamicLevel(config)

	logger.Debug("This should not appear")
	logger.Info("This should appear")

	if !levelVar.SetFromString("debug") {
		t.Fatal("expected debug to be a valid level")
	}
	logger.Debug("This should now appear")

	if levelVar.SetFromString("bogus") {
		t.Error("expected bogus level to be rejected")
	}
}

func TestKitErrorValuer(t *testing.T) {
	kitErr := &errors.KitError{
		Op:        errors.Op("remote.Update"),
		Component: errors.Component("remote"),
		Kind:      errors.KindNetwork,
		Err:       fmt.Errorf("underlying error"),
		Retryable: true,
		Metadata: map[string]interface{}{
			"retry_count": 3,
			"timeout":     "30s",
		},
	}

	valuer := KitErrorValuer{KitError: kitErr}
	logValue := valuer.LogValue()

	if logValue.Kind() != slog.KindGroup {
		t.Errorf("Expected group value, got %v", logValue.Kind())
	}
}

func TestErrAttrPlainError(t *testing.T) {
	attr := ErrAttr(fmt.Errorf("plain failure"))
	if attr.Value.String() != "plain failure" {
		t.Errorf("Expected plain message, got %q", attr.Value.String())
	}
}

func BenchmarkLogger(b *testing.B) {
	config := Config{
		Level:       "info",
		Format:      "json",
		Environment: EnvProduction,
		AddSource:   false,
	}
	logger := NewLogger(config)

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.InfoContext(ctx, "Benchmark message",
			slog.String("operation", "benchmark"),
			slog.Int("iteration", i),
			slog.Duration("elapsed", time.Microsecond*100),
		)
	}
}

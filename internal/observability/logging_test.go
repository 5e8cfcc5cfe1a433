package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ValidConfigs(t *testing.T) {
	tests := []struct {
		name string
		cfg  LogConfig
	}{
		{"json info", LogConfig{Level: "info", Format: "json"}},
		{"console debug", LogConfig{Level: "debug", Format: "console"}},
		{"warn", LogConfig{Level: "warn", Format: "json"}},
		{"error", LogConfig{Level: "error", Format: "json"}},
		{"defaults", LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Sync())
		})
	}
}

func TestNewLogger_InvalidLevelFails(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestLogger_WithFieldsDoesNotPanic(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	child := logger.With(String("component", "test"), Int("n", 1))
	child.Debug("debug message", Bool("flag", true))
	child.Info("info message", Float64("ratio", 0.5))
	child.Warn("warn message", Strings("items", []string{"a", "b"}))
	child.Error("error message", Any("value", map[string]int{"x": 1}))
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, TenantFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-42")
	ctx = ContextWithTenant(ctx, "technical")

	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
	assert.Equal(t, "technical", TenantFromContext(ctx))
}

func TestWithContext_AttachesContextFields(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	ctx := ContextWithTenant(context.Background(), "business")
	logger.WithContext(ctx).Info("scoped message")
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Equal(t, logger, GetGlobalLogger())
}

func TestNopLogger_Discards(t *testing.T) {
	logger := NopLogger()
	logger.Info("discarded", String("k", "v"))
	assert.NoError(t, logger.Sync())
}

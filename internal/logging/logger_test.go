package logging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json config",
			config: LoggingConfig{Level: "info", Format: "json"},
			valid:  true,
		},
		{
			name:   "valid console config",
			config: LoggingConfig{Level: "debug", Format: "console"},
			valid:  true,
		},
		{
			name:   "sampled file output",
			config: LoggingConfig{Level: "warn", Format: "json", OutputPath: filepath.Join(t.TempDir(), "orcha.log"), Sampling: true},
			valid:  true,
		},
		{
			name:   "invalid level",
			config: LoggingConfig{Level: "invalid", Format: "json"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.valid {
				require.NoError(t, err)
				assert.NotNil(t, logger)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoggerAddsTraceFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(zap.New(core))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "poll-cycle")
	logger.Info(ctx, "poll completed", zap.Int("providers", 3))
	span.End()

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	assert.Equal(t, true, fields["sampled"])
	assert.Equal(t, int64(3), fields["providers"])
}

func TestLoggerWithoutSpan(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(zap.New(core)).Named("coordinator").With(zap.String("provider", "grass"))

	logger.Warn(context.Background(), "earnings unavailable")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "coordinator", entries[0].LoggerName)
	assert.NotContains(t, entries[0].ContextMap(), "trace_id")
	assert.Equal(t, "grass", entries[0].ContextMap()["provider"])
}

func TestInitGlobalLogger(t *testing.T) {
	err := InitGlobalLogger(LoggingConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, GetLogger())

	ctx := context.Background()
	Info(ctx, "global info message")
	Debug(ctx, "global debug message")
	Warn(ctx, "global warn message")
	Error(ctx, "global error message")

	SetGlobalLogger(NewNopLogger())
	assert.NotNil(t, GetLogger().Zap())
}

func TestExtractTraceFieldsEmptyContext(t *testing.T) {
	assert.Nil(t, extractTraceFields(context.Background()))
}

func TestGetWriteSyncer(t *testing.T) {
	for _, path := range []string{"stdout", "stderr", filepath.Join(t.TempDir(), "test.log")} {
		assert.NotNil(t, getWriteSyncer(path))
	}
}

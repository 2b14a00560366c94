package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/healer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{}

	_, err := NewLogger(cfg)
	assert.ErrorContains(t, err, "at least one output")
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace", Format: "console", Sampling: true})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Sampling.Enabled)

	cfg, err = FromSettings(config.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.False(t, cfg.Sampling.Enabled)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	ctx := WithRunID(context.Background(), "run-1")

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg", zap.String("key", "val")) }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg", zap.String("key", "val")) }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg", zap.String("key", "val")) }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg", zap.String("key", "val")) }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg", zap.String("key", "val")) }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.logFunc()

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)

			fields := logs[0].ContextMap()
			assert.Equal(t, "run-1", fields["run.id"])
			assert.Equal(t, "val", fields["key"])
		})
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()

	child := tl.With(zap.String("component", "ledger")).Named("scan")
	child.Info(context.Background(), "signature recorded")

	logs := tl.FilterMessage("signature recorded").All()
	require.Len(t, logs, 1)
	assert.Equal(t, "scan", logs[0].LoggerName)
	assert.Equal(t, "ledger", logs[0].ContextMap()["component"])
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString(" Trace ")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("verbose")
	assert.Error(t, err)
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Info(context.Background(), "dropped") })

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "kept")
	tl.AssertLogged(t, zapcore.InfoLevel, "kept")
}

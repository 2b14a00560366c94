package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/healer/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	sampled := newSampledCore(core, SamplingConfig{Enabled: false})

	assert.Equal(t, core, sampled)
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Second),
		Levels:  DefaultLevelSamplingConfig(),
	})
	logger := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}

	for i := 0; i < 150; i++ {
		logger.Error(context.Background(), "error message")
	}

	assert.Len(t, observed.FilterMessage("error message").All(), 150)
}

func TestNewSampledCore_PerLevelRates(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
			zapcore.InfoLevel:  {Initial: 5, Thereafter: 0},
		},
	})
	logger := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		logger.Debug(ctx, "debug message")
		logger.Info(ctx, "info message")
		logger.Warn(ctx, "warn message")
	}

	assert.Len(t, observed.FilterMessage("debug message").All(), 2)
	assert.Len(t, observed.FilterMessage("info message").All(), 5)
	assert.Len(t, observed.FilterMessage("warn message").All(), 20, "unlisted levels pass through")
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	filtered := &levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return l == zapcore.WarnLevel }}

	logger := zap.New(filtered.With([]zapcore.Field{zap.String("k", "v")}))
	logger.Info("dropped")
	logger.Warn("kept")

	logs := observed.All()
	if assert.Len(t, logs, 1) {
		assert.Equal(t, "kept", logs[0].Message)
		assert.Equal(t, "v", logs[0].ContextMap()["k"])
	}
}

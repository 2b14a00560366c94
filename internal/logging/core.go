package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// newCore builds the redacting, sampled core over the enabled outputs.
func newCore(cfg *Config) (zapcore.Core, error) {
	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}

	var syncers []zapcore.WriteSyncer
	if cfg.Output.Stdout {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}
	if cfg.Output.Stderr {
		syncers = append(syncers, zapcore.Lock(os.Stderr))
	}
	if len(syncers) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled")
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), cfg.Level)
	return newSampledCore(core, cfg.Sampling), nil
}

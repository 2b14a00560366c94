// Package logging provides structured logging for healer.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, span_id, run.id,
//     failure.signature, request.id)
//   - Secret redaction by field name and by value pattern
//   - Per-level sampling (errors never sampled)
//
// # Usage
//
//	logger, err := logging.FromSettings(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithSignature(ctx, sig)
//	logger.Info(ctx, "branch created", zap.String("branch", name))
//
// Output:
//
//	{
//	  "ts": "2026-03-02T10:15:30.000Z",
//	  "level": "info",
//	  "msg": "branch created",
//	  "run.id": "5b0c...",
//	  "failure.signature": "a3f1c9",
//	  "branch": "healer/fix_patch_20260302_101530_3f9a1c7e"
//	}
//
// # Secret Redaction
//
// Fields named like credentials (token, api_key, dsn, ...) are replaced with
// [REDACTED]. String values are scanned for bearer tokens, GitHub tokens and
// Telegram bot tokens; matches are replaced in place so the surrounding log
// line survives.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Warn(ctx, "file not resolved", zap.String("ref", "a.sql"))
//	tl.AssertLogged(t, zapcore.WarnLevel, "file not resolved")
//	tl.AssertNoSecrets(t)
package logging

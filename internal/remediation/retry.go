package remediation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including rate-limit resets.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// retry runs a read until it succeeds, fails with a non-retryable error,
// or the attempts run out. Rate-limited responses wait for the reset time.
func retry(ctx context.Context, cfg RetryConfig, logger *logging.Logger, name string, op func() (*github.Response, error)) (*github.Response, error) {
	return retryWhen(ctx, cfg, logger, name, isRetryable, op)
}

// retryWrite runs a write. Only rate-limited attempts are repeated: GitHub
// rejects those before acting, while a 5xx or a dropped connection may
// follow a write that was applied.
func retryWrite(ctx context.Context, cfg RetryConfig, logger *logging.Logger, name string, op func() (*github.Response, error)) (*github.Response, error) {
	return retryWhen(ctx, cfg, logger, name, isWriteRetryable, op)
}

func retryWhen(ctx context.Context, cfg RetryConfig, logger *logging.Logger, name string, retryable func(error, *github.Response) bool, op func() (*github.Response, error)) (*github.Response, error) {
	cfg.ApplyDefaults()

	var lastErr error
	var lastResp *github.Response
	backoff := cfg.InitialBackoff
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 0 {
				logger.Info(ctx, "github call recovered after retries",
					zap.String("op", name),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(start)))
			}
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !retryable(err, resp) {
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
		}
		logger.Warn(ctx, "retrying github call",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", cfg.MaxRetries+1),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(time.Duration(float64(backoff)*cfg.BackoffMultiplier), cfg.MaxBackoff)
	}

	return lastResp, fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}

// isRetryable reports whether a failed call may succeed if repeated.
// Errors without a response are network failures and are retried.
func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	switch code := resp.Response.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func isWriteRetryable(err error, resp *github.Response) bool {
	return err != nil && isRateLimited(resp)
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	switch resp.Response.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	}
	return false
}

// rateLimitBackoff waits until the advertised reset plus a second, capped.
func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || resp.Rate.Reset.IsZero() {
		return maxBackoff
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	return min(wait, maxBackoff)
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}

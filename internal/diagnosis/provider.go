// Package diagnosis asks a language model which files caused a dbt failure
// and what their fixed content should be.
//
// Two backends implement Provider: GeminiProvider for the hosted Gemini API
// and ChatProvider for ollama or any OpenAI-compatible endpoint through
// langchaingo. The backend is chosen once, in New.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healer/internal/config"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const instrumentationName = "github.com/fyrsmithlabs/healer/internal/diagnosis"

var (
	// ErrNoFileIdentified means the model named no file for the failure.
	ErrNoFileIdentified = errors.New("no error file identified")

	// ErrProviderUnavailable wraps transport and auth failures of a model call.
	ErrProviderUnavailable = errors.New("diagnosis provider unavailable")
)

// Provider diagnoses one failure context.
type Provider interface {
	// IdentifyFiles names the files implicated by the failure, deduplicated
	// in first-seen order.
	IdentifyFiles(ctx context.Context) ([]string, error)

	// ProposeFix returns the model's raw fix response for the given file
	// context.
	ProposeFix(ctx context.Context, fileContext string) (string, error)

	// Name identifies the backend and model.
	Name() string
}

// Option tunes a provider.
type Option func(*settings)

type settings struct {
	timeout time.Duration
	rps     float64
	logger  *logging.Logger
	tracer  trace.Tracer
}

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithRateLimit caps model calls per second. Zero disables the limit.
func WithRateLimit(rps float64) Option {
	return func(s *settings) { s.rps = rps }
}

// WithLogger sets the provider logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithTracer sets the tracer model calls are recorded with.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

func newSettings(opts []Option) settings {
	s := settings{timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	return s
}

// New builds the provider selected by cfg.Kind for one failure context.
func New(ctx context.Context, cfg config.ProviderConfig, failureContext string, logger *logging.Logger) (Provider, error) {
	opts := []Option{
		WithTimeout(cfg.Timeout.Duration()),
		WithRateLimit(cfg.RPS),
		WithLogger(logger),
	}

	switch cfg.Kind {
	case config.ProviderGemini:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey.Value(),
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: creating gemini client: %w", ErrProviderUnavailable, err)
		}
		return NewGeminiProvider(client.Models, cfg.Model, failureContext, opts...), nil

	case config.ProviderOllama:
		llmOpts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			llmOpts = append(llmOpts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: creating ollama client: %w", ErrProviderUnavailable, err)
		}
		return NewChatProvider(llm, "ollama:"+cfg.Model, failureContext, opts...), nil

	case config.ProviderOpenAI:
		token := cfg.APIKey.Value()
		if token == "" {
			// langchaingo refuses an empty token even for servers without auth.
			token = "unused"
		}
		llmOpts := []openai.Option{openai.WithToken(token), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			llmOpts = append(llmOpts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: creating openai client: %w", ErrProviderUnavailable, err)
		}
		return NewChatProvider(llm, "openai:"+cfg.Model, failureContext, opts...), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// caller applies the rate limit and per-call timeout shared by every backend.
type caller struct {
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *logging.Logger
	tracer  trace.Tracer
}

func newCaller(name string, s settings) caller {
	c := caller{name: name, timeout: s.timeout, logger: s.logger.Named("diagnosis"), tracer: s.tracer}
	if s.rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.rps), 1)
	}
	return c
}

func (c caller) call(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := c.tracer.Start(ctx, "diagnosis."+op, trace.WithAttributes(
		attribute.String("provider", c.name),
	))
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("%w: %s: waiting for rate limit: %w", ErrProviderUnavailable, c.name, err)
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := fn(ctx)
	if err != nil {
		c.logger.Warn(ctx, "model call failed",
			zap.String("provider", c.name),
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %s %s: %w", ErrProviderUnavailable, c.name, op, err)
	}
	span.SetAttributes(attribute.Int("response_len", len(text)))
	c.logger.Debug(ctx, "model call completed",
		zap.String("provider", c.name),
		zap.String("op", op),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("response_len", len(text)))
	return text, nil
}

func fixPrompt(failureContext, fileContext string) string {
	if fileContext == "" {
		return failureContext
	}
	return strings.TrimRight(failureContext, "\n") + "\n" + fileContext
}

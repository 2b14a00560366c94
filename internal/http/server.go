// Package http provides the ingress API that accepts failed dbt runs from CI.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/workflows"
)

// ConfirmationMessage is returned when a failure has been accepted.
const ConfirmationMessage = "Error has confirmed"

// Trigger starts a run for an accepted failure and returns its run ID.
type Trigger interface {
	Trigger(ctx context.Context, req workflows.RunRequest) (string, error)
}

var (
	// ErrDuplicateRun is returned by triggers when the commit already has a
	// pending or finished run.
	ErrDuplicateRun = errors.New("run already exists for commit")
	// ErrQueueFull is returned when the in-process queue cannot take more work.
	ErrQueueFull = errors.New("run queue is full")
)

// Server provides the ingress endpoints.
type Server struct {
	echo    *echo.Echo
	trigger Trigger
	logger  *logging.Logger
	config  *Config

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	lastCleanup  time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// LogDir receives uploaded logs under <LogDir>/<dbt_path>/dbt.log.
	LogDir string
	// RateLimit is the per-client request budget per minute.
	RateLimit int
	// MaxLogBytes caps the uploaded log size.
	MaxLogBytes int64
}

// NewServer creates a new HTTP server. reg and gatherer back /metrics; nil
// uses the default Prometheus registry.
func NewServer(trigger Trigger, logger *logging.Logger, cfg *Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Server, error) {
	if trigger == nil {
		return nil, fmt.Errorf("trigger cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = 32 << 20
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(reg).MetricsMiddleware())
	e.Use(TracingMiddleware(otel.Tracer(instrumentationName), otel.GetTextMapPropagator()))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		trigger: trigger,
		logger:  logger,
		config:  cfg,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.POST("/analyze/", s.handleAnalyze)

	return s, nil
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// AnalyzeResponse is the response body for POST /analyze/.
type AnalyzeResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleAnalyze accepts a multipart form with repo, commit_hash, dbt_path and
// the dbt log as file "log".
func (s *Server) handleAnalyze(c echo.Context) error {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	ctx := c.Request().Context()
	ctx = logging.WithOptionalRequestID(ctx, requestID)

	ip := c.RealIP()
	if !s.getRateLimiter(ip).Allow() {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.config.MaxLogBytes+1<<20)

	req := workflows.RunRequest{
		Request: checkout.Request{
			Repo:    c.FormValue("repo"),
			Commit:  c.FormValue("commit_hash"),
			DBTPath: c.FormValue("dbt_path"),
		},
		RequestID: requestID,
	}
	if err := req.Request.Validate(); err != nil {
		s.logger.Warn(ctx, "invalid analyze request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	fh, err := c.FormFile("log")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "log file is required")
	}
	if fh.Size > s.config.MaxLogBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "log file too large")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable log file")
	}
	defer src.Close()

	req.LogPath = filepath.Join(s.config.LogDir, filepath.FromSlash(req.DBTPath), "dbt.log")
	if err := writeAtomic(req.LogPath, io.LimitReader(src, s.config.MaxLogBytes)); err != nil {
		s.logger.Error(ctx, "persisting log failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store log")
	}

	s.logger.Info(ctx, "dbt failure received",
		zap.String("repo", req.Repo),
		zap.String("commit", req.Commit),
		zap.String("dbt_path", req.DBTPath))

	runID, err := s.trigger.Trigger(ctx, req)
	switch {
	case errors.Is(err, ErrDuplicateRun):
		return echo.NewHTTPError(http.StatusConflict, "a run for this commit already exists")
	case errors.Is(err, ErrQueueFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run queue is full")
	case err != nil:
		s.logger.Error(ctx, "triggering run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "could not start run")
	}

	return c.JSON(http.StatusAccepted, AnalyzeResponse{Message: ConfirmationMessage, RunID: runID})
}

// writeAtomic writes r to a temporary file next to path and renames it into
// place so readers never see a partial log.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".dbt-*.log")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// getRateLimiter returns the limiter for ip, allowing RateLimit requests per
// minute with a burst of a sixth of that.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateLimiters == nil || time.Since(s.lastCleanup) > time.Hour {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, ok := s.rateLimiters[ip]
	if !ok {
		burst := s.config.RateLimit / 6
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(s.config.RateLimit)/60), burst)
		s.rateLimiters[ip] = limiter
	}
	return limiter
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/workflows"
)

type fakeTrigger struct {
	mu   sync.Mutex
	reqs []workflows.RunRequest
	err  error
}

func (f *fakeTrigger) Trigger(_ context.Context, req workflows.RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "run-1", nil
}

func setupTestServer(t *testing.T, trigger Trigger, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.LogDir == "" {
		cfg.LogDir = t.TempDir()
	}
	reg := prometheus.NewRegistry()
	s, err := NewServer(trigger, logging.NewTestLogger().Logger, cfg, reg, reg)
	require.NoError(t, err)
	return s
}

func analyzeRequest(t *testing.T, fields map[string]string, log string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if log != "" {
		fw, err := w.CreateFormFile("log", "dbt.log")
		require.NoError(t, err)
		_, err = fw.Write([]byte(log))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyze/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func validFields() map[string]string {
	return map[string]string{
		"repo":        "https://github.com/acme/analytics.git",
		"commit_hash": "5f1c2e9",
		"dbt_path":    "shop_dwh",
	}
}

const uploadedLog = "============================== 09:12:01 | 5f1c2e ==============================\nDatabase Error\n"

func TestNewServer(t *testing.T) {
	t.Run("returns error when trigger is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), &Config{LogDir: t.TempDir()}, nil, nil)
		assert.ErrorContains(t, err, "trigger cannot be nil")
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeTrigger{}, nil, &Config{LogDir: t.TempDir()}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("requires a log directory", func(t *testing.T) {
		_, err := NewServer(&fakeTrigger{}, logging.NewNop(), &Config{}, nil, nil)
		assert.ErrorContains(t, err, "log directory")
	})

	t.Run("applies defaults", func(t *testing.T) {
		s := setupTestServer(t, &fakeTrigger{}, nil)
		assert.Equal(t, "0.0.0.0", s.config.Host)
		assert.Equal(t, 8000, s.config.Port)
		assert.Equal(t, 60, s.config.RateLimit)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, &fakeTrigger{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleAnalyze(t *testing.T) {
	t.Run("accepts a failure and triggers a run", func(t *testing.T) {
		trigger := &fakeTrigger{}
		logDir := t.TempDir()
		s := setupTestServer(t, trigger, &Config{LogDir: logDir})

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, analyzeRequest(t, validFields(), uploadedLog))

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var resp AnalyzeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, ConfirmationMessage, resp.Message)
		assert.Equal(t, "run-1", resp.RunID)

		require.Len(t, trigger.reqs, 1)
		got := trigger.reqs[0]
		assert.Equal(t, "https://github.com/acme/analytics.git", got.Repo)
		assert.Equal(t, "5f1c2e9", got.Commit)
		assert.Equal(t, filepath.Join(logDir, "shop_dwh", "dbt.log"), got.LogPath)
		assert.NotEmpty(t, got.RequestID)

		data, err := os.ReadFile(got.LogPath)
		require.NoError(t, err)
		assert.Equal(t, uploadedLog, string(data))

		leftovers, err := filepath.Glob(filepath.Join(logDir, "shop_dwh", ".dbt-*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(map[string]string)
		}{
			{"repo without .git", func(f map[string]string) { f["repo"] = "https://github.com/acme/analytics" }},
			{"bad commit", func(f map[string]string) { f["commit_hash"] = "HEAD" }},
			{"escaping dbt path", func(f map[string]string) { f["dbt_path"] = "../etc" }},
			{"missing dbt path", func(f map[string]string) { delete(f, "dbt_path") }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				trigger := &fakeTrigger{}
				s := setupTestServer(t, trigger, nil)
				fields := validFields()
				tt.mutate(fields)

				rec := httptest.NewRecorder()
				s.Handler().ServeHTTP(rec, analyzeRequest(t, fields, uploadedLog))

				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Empty(t, trigger.reqs)
			})
		}
	})

	t.Run("requires the log file", func(t *testing.T) {
		trigger := &fakeTrigger{}
		s := setupTestServer(t, trigger, nil)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, analyzeRequest(t, validFields(), ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "log file is required")
	})

	t.Run("maps trigger errors", func(t *testing.T) {
		tests := []struct {
			err  error
			code int
		}{
			{ErrDuplicateRun, http.StatusConflict},
			{ErrQueueFull, http.StatusServiceUnavailable},
			{errors.New("temporal unreachable"), http.StatusServiceUnavailable},
		}
		for _, tt := range tests {
			t.Run(tt.err.Error(), func(t *testing.T) {
				s := setupTestServer(t, &fakeTrigger{err: tt.err}, nil)
				rec := httptest.NewRecorder()
				s.Handler().ServeHTTP(rec, analyzeRequest(t, validFields(), uploadedLog))
				assert.Equal(t, tt.code, rec.Code)
			})
		}
	})

	t.Run("rate limits per client", func(t *testing.T) {
		trigger := &fakeTrigger{}
		s := setupTestServer(t, trigger, &Config{RateLimit: 6})

		first := httptest.NewRecorder()
		s.Handler().ServeHTTP(first, analyzeRequest(t, validFields(), uploadedLog))
		second := httptest.NewRecorder()
		s.Handler().ServeHTTP(second, analyzeRequest(t, validFields(), uploadedLog))

		assert.Equal(t, http.StatusAccepted, first.Code)
		assert.Equal(t, http.StatusTooManyRequests, second.Code)
		assert.Len(t, trigger.reqs, 1)
	})

	t.Run("rejects oversized logs", func(t *testing.T) {
		trigger := &fakeTrigger{}
		s := setupTestServer(t, trigger, &Config{MaxLogBytes: 16})

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, analyzeRequest(t, validFields(), uploadedLog))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, trigger.reqs)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, &fakeTrigger{}, nil)

	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `healer_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

// Package extraction builds the text a diagnosis provider sees: the unseen
// tail of the dbt log for the latest failure, and the source and recent diff
// of every file the provider names.
package extraction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fyrsmithlabs/healer/internal/ledger"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/secrets"
	"go.uber.org/zap"
)

// ErrNoContextAvailable means there is no unseen failure to work on: the
// ledger is empty, the log is missing, or the last signature is not in the log.
var ErrNoContextAvailable = errors.New("no failure context available")

const maxLogLineSize = 10 * 1024 * 1024 // 10MB

// SignatureSource yields the most recently recorded failure signature.
type SignatureSource interface {
	Last() (ledger.Signature, bool, error)
}

// Differ renders the recent change history of a file.
type Differ interface {
	Diff(ctx context.Context, path string) (string, error)
}

// Config locates the files the extractor reads.
type Config struct {
	// LogPath is the dbt log.
	LogPath string
	// Root is the repository root searched for bare file names.
	Root string
	// BuildDir is the compiled-artifacts directory name skipped during search.
	BuildDir string
}

// Extractor produces failure and file context.
type Extractor struct {
	cfg      Config
	ledger   SignatureSource
	differ   Differ
	scrubber secrets.Scrubber
	logger   *logging.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithDiffer overrides the git-backed differ.
func WithDiffer(d Differ) Option {
	return func(e *Extractor) { e.differ = d }
}

// WithScrubber sets the scrubber applied to every returned string.
func WithScrubber(s secrets.Scrubber) Option {
	return func(e *Extractor) { e.scrubber = s }
}

// New creates an Extractor reading signatures from src.
func New(cfg Config, src SignatureSource, logger *logging.Logger, opts ...Option) *Extractor {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.BuildDir == "" {
		cfg.BuildDir = "target"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Extractor{
		cfg:      cfg,
		ledger:   src,
		differ:   GitDiffer{},
		scrubber: secrets.Noop{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the log lines of the most recent failure: every non-blank
// line, trimmed, from the first line containing the last recorded signature
// through the end of the log. The result is empty when there is nothing to
// work on; it is never a window unrelated to that signature.
func (e *Extractor) Extract(ctx context.Context) ([]string, error) {
	sig, ok, err := e.ledger.Last()
	if err != nil {
		return nil, fmt.Errorf("reading last signature: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return e.ExtractSignature(ctx, sig)
}

// ExtractSignature is Extract for a given signature rather than the last
// recorded one.
func (e *Extractor) ExtractSignature(ctx context.Context, sig ledger.Signature) ([]string, error) {
	if sig == "" {
		return nil, nil
	}
	f, err := os.Open(e.cfg.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening dbt log: %w", err)
	}
	defer f.Close()

	var lines []string
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !found && strings.Contains(line, string(sig)) {
			found = true
		}
		if !found {
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dbt log: %w", err)
	}

	if !found {
		e.logger.Warn(ctx, "signature not present in dbt log",
			zap.String("signature", string(sig)),
			zap.String("log_path", e.cfg.LogPath))
		return nil, nil
	}

	scrubbed := e.scrubber.Scrub(strings.Join(lines, "\n"))
	if scrubbed.HasFindings() {
		e.logger.Warn(ctx, "secrets redacted from failure context",
			zap.Strings("rules", scrubbed.RuleIDs()))
	}
	return strings.Split(scrubbed.Scrubbed, "\n"), nil
}

// Package pipeline runs one diagnosis and remediation pass over a dbt log:
// scan for new failures, extract the failure context, ask the provider for
// files and fixes, parse the fixes, open a pull request and notify
// subscribers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healer/internal/diagnosis"
	"github.com/fyrsmithlabs/healer/internal/extraction"
	"github.com/fyrsmithlabs/healer/internal/ledger"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/notify"
	"github.com/fyrsmithlabs/healer/internal/remediation"
	"github.com/fyrsmithlabs/healer/internal/solution"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/healer/internal/pipeline"

// Status is the outcome of a run.
type Status string

// Run statuses.
const (
	// StatusNoContext means there was no unseen failure to work on.
	StatusNoContext Status = "no_context"
	// StatusNoFiles means the provider named no file; a generic notice was sent.
	StatusNoFiles Status = "no_files"
	// StatusRemediated means a pull request was opened.
	StatusRemediated Status = "remediated"
	// StatusFailed means a run-fatal stage failed.
	StatusFailed Status = "failed"
)

// Ledger is the failure signature store a run grows.
type Ledger interface {
	ScanNew(logPath string) ([]ledger.Signature, error)
}

// Extractor produces failure and file context.
type Extractor interface {
	ExtractSignature(ctx context.Context, sig ledger.Signature) ([]string, error)
	diagnosis.FileResolver
}

// ProviderFactory builds a provider for one failure context.
type ProviderFactory func(ctx context.Context, failureContext string) (diagnosis.Provider, error)

// Remediator applies parsed solution parts.
type Remediator interface {
	Run(ctx context.Context, parts []solution.Part) (*remediation.Result, error)
}

// Broadcaster notifies subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, text string) (notify.Report, error)
}

// Config configures a Runner.
type Config struct {
	// LogPath is the dbt log.
	LogPath string
	// LockPath guards against concurrent runs. Empty disables locking.
	LockPath string
	// StaleLockAfter lets a run take over an abandoned lock.
	StaleLockAfter time.Duration
	// Workers bounds concurrent fix proposals.
	Workers int
}

// Outcome describes a finished run.
type Outcome struct {
	RunID         string
	Status        Status
	Signature     ledger.Signature
	NewSignatures int
	Files         []string
	Parts         int
	Malformed     int
	Remediation   *remediation.Result
	Delivery      notify.Report
	Duration      time.Duration
}

// Runner executes pipeline runs.
type Runner struct {
	cfg         Config
	ledger      Ledger
	extractor   Extractor
	newProvider ProviderFactory
	remediator  Remediator
	notifier    Broadcaster
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *logging.Logger
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Ledger      Ledger
	Extractor   Extractor
	NewProvider ProviderFactory
	Remediator  Remediator
	Notifier    Broadcaster
	Metrics     *Metrics
	// Tracer defaults to the global provider's pipeline tracer.
	Tracer trace.Tracer
	Logger *logging.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Runner{
		cfg:         cfg,
		ledger:      deps.Ledger,
		extractor:   deps.Extractor,
		newProvider: deps.NewProvider,
		remediator:  deps.Remediator,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		tracer:      tracer,
		logger:      logger.Named("pipeline"),
	}
}

// Run performs one pass: it records the unseen signatures of the log and
// works on the newest one. A log with nothing unseen ends the run quietly,
// so a recorded failure is never diagnosed twice. Quiet outcomes (no
// context, no files) return a nil error; run-fatal failures return a
// *StageError alongside the partial Outcome.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	return r.execute(ctx, func(ctx context.Context, out *Outcome) error {
		sigs, err := r.scan(ctx)
		if err != nil {
			return err
		}
		out.NewSignatures = len(sigs)
		if len(sigs) == 0 {
			out.Status = StatusNoContext
			r.logger.Info(ctx, "no unseen failure in dbt log", zap.Error(extraction.ErrNoContextAvailable))
			return nil
		}
		return r.process(ctx, out, sigs[len(sigs)-1])
	})
}

// Scan records the unseen signatures of the log without working on them.
func (r *Runner) Scan(ctx context.Context) ([]ledger.Signature, error) {
	unlock, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.scan(ctx)
}

// Process works on one signature that a previous Scan recorded. Retried
// runs use it, since the signature is no longer unseen after the first
// attempt.
func (r *Runner) Process(ctx context.Context, sig ledger.Signature) (*Outcome, error) {
	if sig == "" {
		return nil, fmt.Errorf("%w: empty signature", ledger.ErrInvalidSignature)
	}
	return r.execute(ctx, func(ctx context.Context, out *Outcome) error {
		return r.process(ctx, out, sig)
	})
}

func (r *Runner) lock(ctx context.Context) (func(), error) {
	if r.cfg.LockPath == "" {
		return func() {}, nil
	}
	lock, err := AcquireLock(r.cfg.LockPath, r.cfg.StaleLockAfter)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn(ctx, "lock release failed", zap.Error(err))
		}
	}, nil
}

func (r *Runner) execute(ctx context.Context, fn func(context.Context, *Outcome) error) (*Outcome, error) {
	unlock, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := &Outcome{RunID: uuid.NewString()}
	ctx = logging.WithRunID(ctx, out.RunID)
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run.id", out.RunID)))
	defer span.End()
	start := time.Now()

	err = fn(ctx, out)
	out.Duration = time.Since(start)
	if err != nil {
		out.Status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var se *StageError
		if errors.As(err, &se) && r.metrics != nil {
			r.metrics.StageFailuresTotal.WithLabelValues(se.Stage).Inc()
		}
		r.logger.Error(ctx, "run failed", zap.Duration("duration", out.Duration), zap.Error(err))
	} else {
		r.logger.Info(ctx, "run finished",
			zap.String("status", string(out.Status)),
			zap.Strings("files", out.Files),
			zap.Duration("duration", out.Duration))
	}
	span.SetAttributes(attribute.String("run.status", string(out.Status)))
	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(string(out.Status)).Inc()
	}
	return out, err
}

func (r *Runner) scan(ctx context.Context) ([]ledger.Signature, error) {
	var sigs []ledger.Signature
	err := r.stage(ctx, StageScan, func(ctx context.Context) error {
		var err error
		sigs, err = r.ledger.ScanNew(r.cfg.LogPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.SignaturesTotal.Add(float64(len(sigs)))
	}
	return sigs, nil
}

func (r *Runner) process(ctx context.Context, out *Outcome, sig ledger.Signature) error {
	out.Signature = sig
	ctx = logging.WithSignature(ctx, string(sig))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("failure.signature", string(sig)))

	var lines []string
	if err := r.stage(ctx, StageExtract, func(ctx context.Context) error {
		var err error
		lines, err = r.extractor.ExtractSignature(ctx, sig)
		return err
	}); err != nil {
		return err
	}
	if len(lines) == 0 {
		out.Status = StatusNoContext
		r.logger.Info(ctx, "no failure context available", zap.Error(extraction.ErrNoContextAvailable))
		return nil
	}

	var provider diagnosis.Provider
	if err := r.stage(ctx, StageProvider, func(ctx context.Context) error {
		var err error
		provider, err = r.newProvider(ctx, strings.Join(lines, "\n"))
		return err
	}); err != nil {
		return err
	}

	var files []string
	err := r.stage(ctx, StageIdentify, func(ctx context.Context) error {
		var err error
		files, err = provider.IdentifyFiles(ctx)
		return err
	})
	if errors.Is(err, diagnosis.ErrNoFileIdentified) {
		out.Status = StatusNoFiles
		r.logger.Warn(ctx, "provider identified no files", zap.String("provider", provider.Name()))
		out.Delivery = r.broadcast(ctx, notify.MessageFor(false, nil, nil))
		return nil
	}
	if err != nil {
		return err
	}
	out.Files = files
	r.logger.Info(ctx, "files identified", zap.String("provider", provider.Name()), zap.Strings("files", files))

	var raw string
	if err := r.stage(ctx, StageDiagnose, func(ctx context.Context) error {
		var err error
		raw, err = diagnosis.Diagnose(ctx, provider, r.extractor, files, r.cfg.Workers)
		return err
	}); err != nil {
		return err
	}

	var parsed solution.Result
	err = r.stage(ctx, StageParse, func(ctx context.Context) error {
		var err error
		parsed, err = solution.ExtractSolutionParts(ctx, raw, r.logger)
		return err
	})
	out.Malformed = len(parsed.Malformed)
	if err != nil {
		return err
	}
	out.Parts = len(parsed.Parts)

	var res *remediation.Result
	err = r.stage(ctx, StageRemediate, func(ctx context.Context) error {
		var err error
		res, err = r.remediator.Run(ctx, parsed.Parts)
		return err
	})
	out.Remediation = res
	if err != nil {
		return err
	}

	out.Status = StatusRemediated
	out.Delivery = r.broadcast(ctx, notify.MessageFor(true, res.PullRequest, res.Files))
	return nil
}

// stage runs fn in its own span, times it and wraps its error with the
// stage name.
func (r *Runner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.metrics != nil {
		r.metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	r.logger.Debug(ctx, "stage finished", zap.String("stage", name), zap.Duration("elapsed", elapsed), zap.Error(err))
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// broadcast notifies subscribers. Delivery problems never fail the run.
func (r *Runner) broadcast(ctx context.Context, text string) notify.Report {
	if r.notifier == nil {
		return notify.Report{}
	}
	var report notify.Report
	err := r.stage(ctx, StageNotify, func(ctx context.Context) error {
		var err error
		report, err = r.notifier.Broadcast(ctx, text)
		return err
	})
	if err != nil {
		r.logger.Error(ctx, "notification skipped", zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.DeliveriesTotal.WithLabelValues("delivered").Add(float64(report.Delivered))
		r.metrics.DeliveriesTotal.WithLabelValues("gone").Add(float64(len(report.Gone)))
		r.metrics.DeliveriesTotal.WithLabelValues("failed").Add(float64(len(report.Failed)))
	}
	return report
}

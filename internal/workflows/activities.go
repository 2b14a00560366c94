package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/ledger"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/pipeline"
)

// Checkouter prepares a working tree for a request.
type Checkouter interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// PipelineRunner records new failures and works on a recorded one.
type PipelineRunner interface {
	Scan(ctx context.Context) ([]ledger.Signature, error)
	Process(ctx context.Context, sig ledger.Signature) (*pipeline.Outcome, error)
}

// RunnerFactory builds a runner for a checked-out tree.
type RunnerFactory func(ctx context.Context, in PipelineInput) (PipelineRunner, error)

// Activities holds the collaborators of the workflow activities.
type Activities struct {
	checkouter Checkouter
	newRunner  RunnerFactory
	logger     *logging.Logger
}

// NewActivities creates the activity set registered with the worker.
func NewActivities(c Checkouter, newRunner RunnerFactory, logger *logging.Logger) *Activities {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Activities{checkouter: c, newRunner: newRunner, logger: logger.Named("workflows")}
}

// CheckoutActivity materialises the failed commit.
func (a *Activities) CheckoutActivity(ctx context.Context, req RunRequest) (*checkout.Result, error) {
	ctx = logging.WithOptionalRequestID(ctx, req.RequestID)
	info := activity.GetInfo(ctx)
	a.logger.Info(ctx, "checkout activity started",
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt))

	res, err := a.checkouter.Checkout(ctx, req.Request)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// ScanActivity records the unseen failure signatures of the ingested log.
func (a *Activities) ScanActivity(ctx context.Context, in PipelineInput) (*ScanResult, error) {
	ctx = logging.WithOptionalRequestID(ctx, in.Request.RequestID)
	if in.Checkout == nil {
		return nil, classify(fmt.Errorf("%w: missing checkout result", checkout.ErrInvalidRequest))
	}

	runner, err := a.newRunner(ctx, in)
	if err != nil {
		return nil, err
	}
	sigs, err := runner.Scan(ctx)
	if err != nil {
		return nil, classify(err)
	}
	a.logger.Info(ctx, "scan activity finished", zap.Int("new_signatures", len(sigs)))
	return &ScanResult{Signatures: sigs}, nil
}

// PipelineActivity works on the failure named by in.Signature. A retried
// attempt gets the same signature, so it does not depend on the ledger
// still reporting it as unseen.
func (a *Activities) PipelineActivity(ctx context.Context, in PipelineInput) (*RunResult, error) {
	ctx = logging.WithOptionalRequestID(ctx, in.Request.RequestID)
	if in.Checkout == nil {
		return nil, classify(fmt.Errorf("%w: missing checkout result", checkout.ErrInvalidRequest))
	}
	if in.Signature == "" {
		return nil, classify(fmt.Errorf("%w: missing failure signature", checkout.ErrInvalidRequest))
	}
	info := activity.GetInfo(ctx)
	a.logger.Info(ctx, "pipeline activity started",
		zap.String("signature", string(in.Signature)),
		zap.Int32("attempt", info.Attempt))

	runner, err := a.newRunner(ctx, in)
	if err != nil {
		return nil, err
	}
	out, err := runner.Process(ctx, in.Signature)
	if err != nil {
		return nil, classify(err)
	}

	res := &RunResult{
		RunID:       out.RunID,
		Status:      string(out.Status),
		CheckoutDir: in.Checkout.Dir,
		Head:        in.Checkout.Head,
	}
	if out.Remediation != nil {
		res.Files = out.Remediation.Files
		res.Branch = out.Remediation.Branch
		if out.Remediation.PullRequest != nil {
			res.PullRequestURL = out.Remediation.PullRequest.URL
		}
	}
	return res, nil
}

package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/pipeline"
)

// Activity timeouts.
const (
	checkoutTimeout = 10 * time.Minute
	scanTimeout     = 2 * time.Minute
	pipelineTimeout = 30 * time.Minute
)

// RemediationRunWorkflow checks out the failed commit and runs the pipeline
// against it.
//
// This workflow:
// 1. Clones or updates the repository and checks out the commit
// 2. Records the unseen failure signatures of the ingested log
// 3. Runs diagnosis, remediation and notification on the newest of them
//
// A log with no unseen failure completes with status no_context.
func RemediationRunWorkflow(ctx workflow.Context, req RunRequest) (*RunResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting remediation run",
		"repo", req.Repo,
		"commit", req.Commit,
		"dbt_path", req.DBTPath)

	if err := req.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidRequest, err)
	}

	retry := &temporal.RetryPolicy{
		InitialInterval:        5 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: nonRetryableTypes,
	}

	var a *Activities

	checkoutCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: checkoutTimeout,
		RetryPolicy:         retry,
	})
	var co checkout.Result
	if err := workflow.ExecuteActivity(checkoutCtx, a.CheckoutActivity, req).Get(ctx, &co); err != nil {
		logger.Error("Checkout failed", "error", err)
		return nil, err
	}

	in := PipelineInput{Request: req, Checkout: &co}

	scanCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: scanTimeout,
		RetryPolicy:         retry,
	})
	var scanned ScanResult
	if err := workflow.ExecuteActivity(scanCtx, a.ScanActivity, in).Get(ctx, &scanned); err != nil {
		logger.Error("Scan failed", "error", err)
		return nil, err
	}
	if len(scanned.Signatures) == 0 {
		logger.Info("No unseen failure in log")
		return &RunResult{
			Status:      string(pipeline.StatusNoContext),
			CheckoutDir: co.Dir,
			Head:        co.Head,
		}, nil
	}
	in.Signature = scanned.Signatures[len(scanned.Signatures)-1]

	pipelineCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: pipelineTimeout,
		RetryPolicy:         retry,
	})
	var result RunResult
	if err := workflow.ExecuteActivity(pipelineCtx, a.PipelineActivity, in).Get(ctx, &result); err != nil {
		logger.Error("Pipeline failed", "error", err)
		return nil, err
	}

	logger.Info("Remediation run complete",
		"status", result.Status,
		"pull_request", result.PullRequestURL)
	return &result, nil
}

// Package workflows provides the Temporal workflow that turns an ingested dbt
// failure into a pipeline run.
package workflows

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/ledger"
)

// DefaultTaskQueue is the task queue runs are dispatched on.
const DefaultTaskQueue = "healer-remediation"

// RunRequest is the input of RemediationRunWorkflow.
type RunRequest struct {
	checkout.Request
	// LogPath is where the ingested dbt log was persisted.
	LogPath string `json:"log_path"`
	// RequestID correlates the run with the ingress request.
	RequestID string `json:"request_id,omitempty"`
}

// Validate checks the checkout fields and the log location.
func (r RunRequest) Validate() error {
	if err := r.Request.Validate(); err != nil {
		return err
	}
	if r.LogPath == "" {
		return fmt.Errorf("%w: log_path is required", checkout.ErrInvalidRequest)
	}
	return nil
}

// RunResult summarizes a finished workflow.
type RunResult struct {
	RunID          string   `json:"run_id"`
	Status         string   `json:"status"`
	CheckoutDir    string   `json:"checkout_dir"`
	Head           string   `json:"head"`
	Files          []string `json:"files,omitempty"`
	Branch         string   `json:"branch,omitempty"`
	PullRequestURL string   `json:"pull_request_url,omitempty"`
}

// PipelineInput is the input of the scan and pipeline activities.
type PipelineInput struct {
	Request  RunRequest       `json:"request"`
	Checkout *checkout.Result `json:"checkout"`
	// Signature is the failure the pipeline activity works on. The scan
	// activity leaves it empty.
	Signature ledger.Signature `json:"signature,omitempty"`
}

// ScanResult lists the signatures a scan recorded, oldest first.
type ScanResult struct {
	Signatures []ledger.Signature `json:"signatures"`
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// WorkflowID returns the deterministic ID healer-<repo>-<commit>, so one
// commit is remediated at most once.
func WorkflowID(req RunRequest) string {
	repo := unsafeIDChars.ReplaceAllString(checkout.RepoName(req.Repo), "_")
	return fmt.Sprintf("healer-%s-%s", repo, strings.ToLower(req.Commit))
}

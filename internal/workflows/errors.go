package workflows

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/remediation"
	"github.com/fyrsmithlabs/healer/internal/solution"
)

// Application error types. The retry policy never retries these.
const (
	ErrTypeInvalidRequest  = "InvalidRequest"
	ErrTypeProjectNotFound = "ProjectNotFound"
	ErrTypeNoSolution      = "NoSolutionFound"
	ErrTypePatchApply      = "PatchApplyFailed"
)

// nonRetryableTypes lists failures a retry cannot fix.
var nonRetryableTypes = []string{
	ErrTypeInvalidRequest,
	ErrTypeProjectNotFound,
	ErrTypeNoSolution,
	ErrTypePatchApply,
}

// classify converts known failures into typed application errors so the
// retry policy can recognise them. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var errType string
	switch {
	case errors.Is(err, checkout.ErrInvalidRequest):
		errType = ErrTypeInvalidRequest
	case errors.Is(err, checkout.ErrProjectNotFound):
		errType = ErrTypeProjectNotFound
	case errors.Is(err, solution.ErrNoSolutionFound):
		errType = ErrTypeNoSolution
	case errors.Is(err, remediation.ErrPatchApplyFailed):
		errType = ErrTypePatchApply
	default:
		return err
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), errType, err)
}

package workflows

import (
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker registers the workflow and activities on taskQueue. One activity
// runs at a time so pipeline runs never overlap on a host.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})
	w.RegisterWorkflow(RemediationRunWorkflow)
	w.RegisterActivity(acts)
	return w
}

// StartOptions returns the options for starting a run of req. A second
// request for the same repository and commit is rejected.
func StartOptions(taskQueue string, req RunRequest) client.StartWorkflowOptions {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return client.StartWorkflowOptions{
		ID:                    WorkflowID(req),
		TaskQueue:             taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,

		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
}

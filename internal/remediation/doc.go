// Package remediation turns parsed solution parts into a reviewable change:
// one branch per run, one commit per part, one pull request.
//
// A Workflow walks a small state machine:
//
//	Idle -> BranchCreated -> Patching (once per part) -> PRCreated -> Terminal
//
// Any hosting failure moves it to Failed. Nothing is rolled back: a branch
// with some parts applied stays on the remote for manual follow-up.
//
// Hosting is the boundary to the source-control service. GitHubHosting
// implements it with go-github and retries with exponential backoff: reads
// on rate limits, 5xx and network errors, writes on rate limits only.
//
// # Usage
//
//	hosting, err := remediation.NewGitHubHosting(ctx, remediation.GitHubConfig{
//	    Token: cfg.GitHub.Token,
//	    Owner: "acme",
//	    Repo:  "analytics",
//	}, logger)
//	wf := remediation.NewWorkflow(hosting, remediation.Config{
//	    ProjectDir: "shop_dwh",
//	    BaseBranch: "master",
//	}, logger)
//	res, err := wf.Run(ctx, parts)
package remediation

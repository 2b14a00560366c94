package remediation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBranchCreateFailed means the run could not create its branch.
	ErrBranchCreateFailed = errors.New("branch creation failed")

	// ErrPatchApplyFailed means the hosting service rejected a file update.
	ErrPatchApplyFailed = errors.New("patch apply failed")

	// ErrPullRequestFailed means every part was committed but the pull
	// request could not be opened.
	ErrPullRequestFailed = errors.New("pull request creation failed")

	// ErrFileNotFound is returned by Hosting.GetFile for a missing path.
	ErrFileNotFound = errors.New("file not found")
)

// State is a workflow state.
type State string

// Workflow states.
const (
	StateIdle          State = "idle"
	StateBranchCreated State = "branch_created"
	StatePatching      State = "patching"
	StatePRCreated     State = "pr_created"
	StateTerminal      State = "terminal"
	StateFailed        State = "failed"
)

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Detail string
}

// File is a file's committed content on a branch.
type File struct {
	Path    string
	SHA     string
	Content string
}

// FileUpdate writes content to a path on a branch. An empty SHA creates the
// file.
type FileUpdate struct {
	Path    string
	Branch  string
	Message string
	Content string
	SHA     string
}

// PullRequestSpec describes a pull request to open.
type PullRequestSpec struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequest is an opened pull request.
type PullRequest struct {
	Number int
	URL    string
}

// Hosting is the source-control service a Workflow commits to.
type Hosting interface {
	// BranchSHA returns the tip commit of a branch.
	BranchSHA(ctx context.Context, branch string) (string, error)

	// CreateBranch creates a branch pointing at sha.
	CreateBranch(ctx context.Context, name, sha string) error

	// GetFile returns a file on a branch, or ErrFileNotFound.
	GetFile(ctx context.Context, path, branch string) (*File, error)

	// UpdateFile commits new content for a file.
	UpdateFile(ctx context.Context, update FileUpdate) error

	// CreatePullRequest opens a pull request.
	CreatePullRequest(ctx context.Context, spec PullRequestSpec) (*PullRequest, error)
}

// Result is the externally visible outcome of a run.
type Result struct {
	Branch      string
	PullRequest *PullRequest
	// Files lists every repository path committed, in first-commit order.
	Files   []string
	State   State
	History []Transition
}

package remediation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/solution"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultBranchPrefix prefixes every remediation branch name.
	DefaultBranchPrefix = "healer/fix_patch_"

	// DBFixesDir holds SQL for fixes that target database objects.
	DBFixesDir = "db_fixes"

	timestampLayout = "20060102_150405"
)

// Config configures a Workflow.
type Config struct {
	// ProjectDir is the dbt project folder inside the hosted repository.
	ProjectDir string
	// BaseBranch is the branch fixes are proposed against.
	BaseBranch string
	// BranchPrefix overrides DefaultBranchPrefix.
	BranchPrefix string
	// CallTimeout bounds each hosting call. Zero means no bound.
	CallTimeout time.Duration
}

// Workflow applies one run's solution parts.
type Workflow struct {
	hosting Hosting
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time
	suffix  func() string
}

// NewWorkflow creates a Workflow.
func NewWorkflow(hosting Hosting, cfg Config, logger *logging.Logger) *Workflow {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "master"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultBranchPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Workflow{
		hosting: hosting,
		cfg:     cfg,
		logger:  logger.Named("remediation"),
		now:     time.Now,
		suffix:  shortID,
	}
}

// run tracks one execution of the state machine.
type run struct {
	wf    *Workflow
	ts    string
	res   *Result
	files map[string]bool
}

func (r *run) transition(ctx context.Context, to State, detail string) {
	t := Transition{From: r.res.State, To: to, At: r.wf.now(), Detail: detail}
	r.res.History = append(r.res.History, t)
	r.res.State = to
	r.wf.logger.Debug(ctx, "remediation state changed",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("detail", detail))
}

func (r *run) fail(ctx context.Context, err error) (*Result, error) {
	r.transition(ctx, StateFailed, err.Error())
	r.wf.logger.Error(ctx, "remediation failed",
		zap.String("branch", r.res.Branch),
		zap.Strings("committed", r.res.Files),
		zap.Error(err))
	return r.res, err
}

// Run creates the branch, commits every part in order and opens the pull
// request. On failure the partial Result is returned with the error.
func (w *Workflow) Run(ctx context.Context, parts []solution.Part) (*Result, error) {
	r := &run{
		wf:    w,
		ts:    w.now().Format(timestampLayout),
		res:   &Result{State: StateIdle},
		files: make(map[string]bool),
	}

	branch := w.cfg.BranchPrefix + r.ts + "_" + w.suffix()
	if err := w.createBranch(ctx, branch); err != nil {
		return r.fail(ctx, fmt.Errorf("%w: %s: %w", ErrBranchCreateFailed, branch, err))
	}
	r.res.Branch = branch
	r.transition(ctx, StateBranchCreated, branch)

	for i, part := range parts {
		r.transition(ctx, StatePatching, part.Target)
		repoPath, err := w.apply(ctx, r, part)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("%w: part %d (%s): %w", ErrPatchApplyFailed, i+1, part.Target, err))
		}
		if !r.files[repoPath] {
			r.files[repoPath] = true
			r.res.Files = append(r.res.Files, repoPath)
		}
	}

	pr, err := callWithTimeout(ctx, w.cfg.CallTimeout, func(ctx context.Context) (*PullRequest, error) {
		return w.hosting.CreatePullRequest(ctx, PullRequestSpec{
			Title: "Auto pull request by healer " + r.ts,
			Body:  pullRequestBody(r.res.Files),
			Head:  branch,
			Base:  w.cfg.BaseBranch,
		})
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("%w: %w", ErrPullRequestFailed, err))
	}
	r.res.PullRequest = pr
	r.transition(ctx, StatePRCreated, pr.URL)

	w.logger.Info(ctx, "remediation pull request opened",
		zap.String("branch", branch),
		zap.Int("pr", pr.Number),
		zap.String("url", pr.URL),
		zap.Strings("files", r.res.Files))
	r.transition(ctx, StateTerminal, "")
	return r.res, nil
}

// shortID keeps runs that finish within the same second on distinct branches.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (w *Workflow) createBranch(ctx context.Context, name string) error {
	sha, err := callWithTimeout(ctx, w.cfg.CallTimeout, func(ctx context.Context) (string, error) {
		return w.hosting.BranchSHA(ctx, w.cfg.BaseBranch)
	})
	if err != nil {
		return fmt.Errorf("resolving %s: %w", w.cfg.BaseBranch, err)
	}
	_, err = callWithTimeout(ctx, w.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.hosting.CreateBranch(ctx, name, sha)
	})
	return err
}

// apply commits one part and returns the repository path it wrote.
func (w *Workflow) apply(ctx context.Context, r *run, part solution.Part) (string, error) {
	if part.IsDatabaseObject() {
		return w.applyDatabaseFix(ctx, r, part)
	}

	repoPath := solution.BuildRepoFilePath(w.cfg.ProjectDir, part.Target)
	current, err := w.getFile(ctx, repoPath, r.res.Branch)
	if err != nil {
		return "", err
	}
	return repoPath, w.updateFile(ctx, FileUpdate{
		Path:    current.Path,
		Branch:  r.res.Branch,
		Message: commitMessage(repoPath, r.ts),
		Content: part.Content,
		SHA:     current.SHA,
	})
}

// applyDatabaseFix appends the SQL to a per-object file so data fixes are
// reviewed like code.
func (w *Workflow) applyDatabaseFix(ctx context.Context, r *run, part solution.Part) (string, error) {
	repoPath := solution.BuildRepoFilePath(w.cfg.ProjectDir, path.Join(DBFixesDir, part.Target+".sql"))

	update := FileUpdate{
		Path:    repoPath,
		Branch:  r.res.Branch,
		Message: commitMessage(repoPath, r.ts),
		Content: ensureTrailingNewline(part.Content),
	}
	current, err := w.getFile(ctx, repoPath, r.res.Branch)
	switch {
	case err == nil:
		update.SHA = current.SHA
		update.Content = ensureTrailingNewline(current.Content) + "\n" + update.Content
	case errors.Is(err, ErrFileNotFound):
	default:
		return "", err
	}
	return repoPath, w.updateFile(ctx, update)
}

func (w *Workflow) getFile(ctx context.Context, repoPath, branch string) (*File, error) {
	file, err := callWithTimeout(ctx, w.cfg.CallTimeout, func(ctx context.Context) (*File, error) {
		return w.hosting.GetFile(ctx, repoPath, branch)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", repoPath, err)
	}
	return file, nil
}

func (w *Workflow) updateFile(ctx context.Context, update FileUpdate) error {
	_, err := callWithTimeout(ctx, w.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.hosting.UpdateFile(ctx, update)
	})
	if err != nil {
		return fmt.Errorf("updating %s: %w", update.Path, err)
	}
	return nil
}

// callWithTimeout bounds fn by timeout when it is positive.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func commitMessage(repoPath, ts string) string {
	return fmt.Sprintf("Edited %s [Auto PR by healer %s]", path.Base(repoPath), ts)
}

func pullRequestBody(files []string) string {
	var b strings.Builder
	b.WriteString("Automated fix proposed by healer for a failed dbt run.\n\nFiles changed:\n")
	for _, f := range files {
		b.WriteString("- `")
		b.WriteString(f)
		b.WriteString("`\n")
	}
	b.WriteString("\nReview the changes before merging. Generated fixes are not guaranteed to be correct.\n")
	return b.String()
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// Package checkout materialises the repository a failed dbt run came from so
// the pipeline can read its sources.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/logging"
)

// ErrInvalidRequest marks a checkout request that can never succeed.
var ErrInvalidRequest = errors.New("invalid checkout request")

// ErrProjectNotFound is returned when the checked-out tree has no dbt project
// at the requested path.
var ErrProjectNotFound = errors.New("dbt project not found")

var commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// Request identifies one failed build.
type Request struct {
	// Repo is the clone URL and must end in ".git".
	Repo string `json:"repo"`
	// Commit is a full or abbreviated commit hash.
	Commit string `json:"commit_hash"`
	// DBTPath is the dbt project folder relative to the repository root.
	DBTPath string `json:"dbt_path"`
}

// Validate rejects requests that would clone the wrong thing or escape the
// checkout root.
func (r Request) Validate() error {
	var errs []error
	if !strings.HasSuffix(r.Repo, ".git") {
		errs = append(errs, errors.New("repo must be a git repository URL ending in .git"))
	}
	if !commitPattern.MatchString(r.Commit) {
		errs = append(errs, fmt.Errorf("commit_hash must be 7-40 hex characters, got %q", r.Commit))
	}
	p := filepath.ToSlash(r.DBTPath)
	switch {
	case strings.TrimSpace(p) == "":
		errs = append(errs, errors.New("dbt_path is required"))
	case strings.HasPrefix(p, "/") || filepath.IsAbs(r.DBTPath):
		errs = append(errs, errors.New("dbt_path must be relative"))
	case containsDotDot(p):
		errs = append(errs, errors.New("dbt_path must not contain '..'"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// RepoName returns the repository name of a clone URL without ".git".
func RepoName(repo string) string {
	repo = strings.TrimRight(repo, "/")
	if i := strings.LastIndexAny(repo, "/:"); i >= 0 {
		repo = repo[i+1:]
	}
	return strings.TrimSuffix(repo, ".git")
}

// Result describes a finished checkout.
type Result struct {
	// Dir is the repository working tree.
	Dir string `json:"dir"`
	// ProjectDir is the dbt project inside Dir.
	ProjectDir string `json:"project_dir"`
	// Head is the checked-out commit.
	Head string `json:"head"`
}

// Checkouter clones and checks out repositories below a root directory.
type Checkouter struct {
	root   string
	depth  int
	auth   transport.AuthMethod
	logger *logging.Logger
}

// Option configures a Checkouter.
type Option func(*Checkouter)

// WithAuth sets the transport credentials used for clone and fetch.
func WithAuth(auth transport.AuthMethod) Option {
	return func(c *Checkouter) { c.auth = auth }
}

// WithDepth sets the clone depth. Zero clones the full history.
func WithDepth(depth int) Option {
	return func(c *Checkouter) { c.depth = depth }
}

// New returns a Checkouter working below root.
func New(root string, logger *logging.Logger, opts ...Option) *Checkouter {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Checkouter{root: root, depth: 1, logger: logger.Named("checkout")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkout makes <root>/<dbt_path>/<repo name> a working tree at req.Commit.
// An existing clone is reused; the commit is fetched when it is not present
// locally and the tree is force checked out.
func (c *Checkouter) Checkout(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	workdir := filepath.Join(c.root, filepath.FromSlash(req.DBTPath))
	dir := filepath.Join(workdir, RepoName(req.Repo))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workdir: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		c.logger.Info(ctx, "cloning repository", zap.String("repo", req.Repo), zap.String("dir", dir))
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:   req.Repo,
			Depth: c.depth,
			Auth:  c.auth,
		})
		if err != nil {
			return nil, fmt.Errorf("cloning %s: %w", req.Repo, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}

	hash, err := c.resolve(ctx, repo, req.Commit)
	if err != nil {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", req.Commit, err)
	}

	project := filepath.Join(dir, filepath.FromSlash(req.DBTPath))
	if info, err := os.Stat(project); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w at %s", ErrProjectNotFound, project)
	}

	c.logger.Info(ctx, "repository checked out",
		zap.String("dir", dir),
		zap.String("commit", hash.String()))
	return &Result{Dir: dir, ProjectDir: project, Head: hash.String()}, nil
}

// resolve finds commit locally, fetching branch heads from origin and then
// the commit itself when it is still missing.
func (c *Checkouter) resolve(ctx context.Context, repo *git.Repository, commit string) (plumbing.Hash, error) {
	if h, err := repo.ResolveRevision(plumbing.Revision(commit)); err == nil {
		return *h, nil
	}

	fetches := [][]gitconfig.RefSpec{{"+refs/heads/*:refs/remotes/origin/*"}}
	if len(commit) == 40 {
		fetches = append(fetches, []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:refs/healer/%s", commit, commit))})
	}
	var lastErr error
	for _, specs := range fetches {
		c.logger.Debug(ctx, "fetching commit", zap.String("commit", commit), zap.String("refspec", specs[0].String()))
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   specs,
			Auth:       c.auth,
			Force:      true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			lastErr = fmt.Errorf("fetching %s: %w", commit, err)
			continue
		}
		if h, err := repo.ResolveRevision(plumbing.Revision(commit)); err == nil {
			return *h, nil
		}
	}
	if lastErr != nil {
		return plumbing.ZeroHash, lastErr
	}
	return plumbing.ZeroHash, fmt.Errorf("resolving %s: %w", commit, plumbing.ErrReferenceNotFound)
}

package remediation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/healer/internal/config"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const instrumentationName = "github.com/fyrsmithlabs/healer/internal/remediation"

// GitHubConfig addresses one repository.
type GitHubConfig struct {
	Token config.Secret
	Owner string
	Repo  string
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
	Retry   RetryConfig
	// Tracer defaults to the global provider's remediation tracer.
	Tracer trace.Tracer
}

// GitHubHosting implements Hosting against the GitHub REST API.
type GitHubHosting struct {
	client *github.Client
	owner  string
	repo   string
	retry  RetryConfig
	tracer trace.Tracer
	logger *logging.Logger
}

// NewGitHubClient creates a GitHub client authenticated with token.
func NewGitHubClient(ctx context.Context, token config.Secret) (*github.Client, error) {
	if !token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// NewGitHubHosting creates a hosting adapter for cfg.Owner/cfg.Repo.
func NewGitHubHosting(ctx context.Context, cfg GitHubConfig, logger *logging.Logger) (*GitHubHosting, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("GitHub owner and repo are required")
	}
	client, err := NewGitHubClient(ctx, cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub base URL: %w", err)
		}
		client.BaseURL = base
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &GitHubHosting{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		retry:  cfg.Retry,
		tracer: tracer,
		logger: logger.Named("github"),
	}, nil
}

// BranchSHA implements Hosting.
func (h *GitHubHosting) BranchSHA(ctx context.Context, branch string) (string, error) {
	ctx, span := h.start(ctx, "get ref")
	var ref *github.Reference
	resp, err := retry(ctx, h.retry, h.logger, "get ref", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		ref, resp, err = h.client.Git.GetRef(ctx, h.owner, h.repo, "heads/"+branch)
		return resp, err
	})
	finish(span, resp, err)
	if err != nil {
		return "", fmt.Errorf("getting ref heads/%s: %w", branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch implements Hosting.
func (h *GitHubHosting) CreateBranch(ctx context.Context, name, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	ctx, span := h.start(ctx, "create ref")
	resp, err := retryWrite(ctx, h.retry, h.logger, "create ref", func() (*github.Response, error) {
		_, resp, err := h.client.Git.CreateRef(ctx, h.owner, h.repo, ref)
		return resp, err
	})
	finish(span, resp, err)
	if err != nil {
		return fmt.Errorf("creating ref %s: %w", name, err)
	}
	return nil
}

// GetFile implements Hosting.
func (h *GitHubHosting) GetFile(ctx context.Context, path, branch string) (*File, error) {
	ctx, span := h.start(ctx, "get contents")
	var content *github.RepositoryContent
	resp, err := retry(ctx, h.retry, h.logger, "get contents", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		content, _, resp, err = h.client.Repositories.GetContents(ctx, h.owner, h.repo, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		return resp, err
	})
	finish(span, resp, err)
	if statusCode(resp) == http.StatusNotFound {
		return nil, fmt.Errorf("%s@%s: %w", path, branch, ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s@%s: %w", path, branch, err)
	}
	if content == nil {
		return nil, fmt.Errorf("%s@%s is a directory", path, branch)
	}
	text, err := content.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	p := content.GetPath()
	if p == "" {
		p = path
	}
	return &File{Path: p, SHA: content.GetSHA(), Content: text}, nil
}

// UpdateFile implements Hosting.
func (h *GitHubHosting) UpdateFile(ctx context.Context, update FileUpdate) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(update.Message),
		Content: []byte(update.Content),
		Branch:  github.String(update.Branch),
	}
	if update.SHA != "" {
		opts.SHA = github.String(update.SHA)
	}
	ctx, span := h.start(ctx, "write contents")
	resp, err := retryWrite(ctx, h.retry, h.logger, "write contents", func() (*github.Response, error) {
		if update.SHA == "" {
			_, resp, err := h.client.Repositories.CreateFile(ctx, h.owner, h.repo, update.Path, opts)
			return resp, err
		}
		_, resp, err := h.client.Repositories.UpdateFile(ctx, h.owner, h.repo, update.Path, opts)
		return resp, err
	})
	finish(span, resp, err)
	if err != nil {
		return fmt.Errorf("writing %s: %w", update.Path, err)
	}
	return nil
}

// CreatePullRequest implements Hosting.
func (h *GitHubHosting) CreatePullRequest(ctx context.Context, spec PullRequestSpec) (*PullRequest, error) {
	ctx, span := h.start(ctx, "create pull request")
	var pr *github.PullRequest
	resp, err := retryWrite(ctx, h.retry, h.logger, "create pull request", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = h.client.PullRequests.Create(ctx, h.owner, h.repo, &github.NewPullRequest{
			Title: github.String(spec.Title),
			Head:  github.String(spec.Head),
			Base:  github.String(spec.Base),
			Body:  github.String(spec.Body),
		})
		return resp, err
	})
	finish(span, resp, err)
	if err != nil {
		return nil, fmt.Errorf("creating pull request %s -> %s: %w", spec.Head, spec.Base, err)
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (h *GitHubHosting) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "github."+strings.ReplaceAll(op, " ", "_"),
		trace.WithAttributes(attribute.String("github.repo", h.owner+"/"+h.repo)))
}

// finish records the call outcome on span and ends it.
func finish(span trace.Span, resp *github.Response, err error) {
	if code := statusCode(resp); code != 0 {
		span.SetAttributes(attribute.Int("http.status_code", code))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

package checkout

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-git/go-git/v5"
)

// ErrNoOrigin is returned when a repository has no usable GitHub origin.
var ErrNoOrigin = errors.New("no github origin remote")

var (
	sshOrigin   = regexp.MustCompile(`git@github\.com:([^/]+)/([^/]+?)(?:\.git)?/?$`)
	httpsOrigin = regexp.MustCompile(`github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
)

// OriginRepository returns the GitHub owner and repository name of the
// origin remote of the repository containing path.
func OriginRepository(path string) (owner, name string, err error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", fmt.Errorf("opening repository: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrNoOrigin, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", ErrNoOrigin
	}
	owner, name, ok := ParseGitHubURL(urls[0])
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNoOrigin, urls[0])
	}
	return owner, name, nil
}

// ParseGitHubURL extracts owner and repository from an SSH or HTTPS GitHub
// URL, e.g. git@github.com:acme/analytics.git or
// https://github.com/acme/analytics.git.
func ParseGitHubURL(url string) (owner, name string, ok bool) {
	if m := sshOrigin.FindStringSubmatch(url); m != nil {
		return m[1], m[2], true
	}
	if m := httpsOrigin.FindStringSubmatch(url); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

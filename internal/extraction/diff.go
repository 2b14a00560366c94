package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pmezard/go-difflib/difflib"
)

// GitDiffer diffs a file's working-tree content against its content before
// the last commit that touched it.
type GitDiffer struct{}

// Diff returns a unified diff, or "" when the file is not in a repository,
// has no history, or is unchanged.
func (GitDiffer) Diff(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	repo, err := git.PlainOpenWithOptions(filepath.Dir(abs), &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", nil
		}
		return "", fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	root := wt.Filesystem.Root()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("relativizing path: %w", err)
	}
	rel = filepath.ToSlash(rel)

	iter, err := repo.Log(&git.LogOptions{FileName: &rel})
	if err != nil {
		// An empty repository has no HEAD to walk from.
		return "", nil
	}
	defer iter.Close()

	last, err := iter.Next()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("walking history of %s: %w", rel, err)
	}

	before, err := contentBefore(last, rel)
	if err != nil {
		return "", err
	}

	current, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	after := strings.ToValidUTF8(string(current), "\uFFFD")
	if before == after {
		return "", nil
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + rel,
		ToFile:   "b/" + rel,
		Context:  3,
	})
}

// contentBefore returns the file at the first parent of commit, or "" when
// the commit introduced it.
func contentBefore(commit *object.Commit, rel string) (string, error) {
	if commit.NumParents() == 0 {
		return "", nil
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return "", fmt.Errorf("loading parent of %s: %w", commit.Hash, err)
	}
	file, err := parent.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading %s at %s: %w", rel, parent.Hash, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", rel, parent.Hash, err)
	}
	return strings.ToValidUTF8(content, "\uFFFD"), nil
}

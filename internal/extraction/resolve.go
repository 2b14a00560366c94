package extraction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/healer/internal/ignore"
	"go.uber.org/zap"
)

// FileContext is one resolved file reference.
type FileContext struct {
	Path    string
	Content string
	Diff    string
}

// Block renders the context block sent to a provider.
func (fc FileContext) Block() string {
	var b strings.Builder
	b.WriteString("SOURCE OF ")
	b.WriteString(fc.Path)
	b.WriteString(":\n")
	b.WriteString(fc.Content)
	if fc.Diff != "" {
		b.WriteString("\nDIFF OF ")
		b.WriteString(fc.Path)
		b.WriteString(":\n")
		b.WriteString(fc.Diff)
	}
	return b.String()
}

// ResolveFileContext resolves each reference to files on disk and returns
// their combined context string along with the individual contexts.
//
// A reference that is an existing path (absolute, relative to the working
// directory, or relative to the root) is used directly. Paths in the
// returned contexts are relative to the root. Anything else is
// matched by path suffix against every file under the root, skipping the
// build directory and .git. References that resolve to nothing are logged
// and contribute nothing.
func (e *Extractor) ResolveFileContext(ctx context.Context, refs []string) (string, []FileContext, error) {
	seen := make(map[string]bool)
	var contexts []FileContext

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		paths, err := e.resolve(ctx, ref)
		if err != nil {
			return "", nil, err
		}
		if len(paths) == 0 {
			e.logger.Warn(ctx, "file reference not resolved", zap.String("ref", ref))
			continue
		}

		for _, p := range paths {
			rel := e.displayPath(p)
			if seen[rel] {
				continue
			}
			seen[rel] = true

			fc, ok := e.load(ctx, p, rel)
			if ok {
				contexts = append(contexts, fc)
			}
		}
	}

	blocks := make([]string, 0, len(contexts))
	for i := range contexts {
		blocks = append(blocks, contexts[i].Block())
	}
	scrubbed := e.scrubber.Scrub(strings.Join(blocks, "\n\n"))
	if scrubbed.HasFindings() {
		e.logger.Warn(ctx, "secrets redacted from file context",
			zap.Strings("rules", scrubbed.RuleIDs()))
	}
	return scrubbed.Scrubbed, contexts, nil
}

func (e *Extractor) load(ctx context.Context, path, rel string) (FileContext, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn(ctx, "file not readable", zap.String("path", path), zap.Error(err))
		return FileContext{}, false
	}

	diff, err := e.differ.Diff(ctx, path)
	if err != nil {
		e.logger.Warn(ctx, "diff unavailable", zap.String("path", path), zap.Error(err))
		diff = ""
	}

	return FileContext{
		Path:    rel,
		Content: strings.ToValidUTF8(string(data), "\uFFFD"),
		Diff:    diff,
	}, true
}

// displayPath is path relative to the root with forward slashes: the form
// the provider sees and echoes back as a repository path.
func (e *Extractor) displayPath(path string) string {
	root, err := filepath.Abs(e.cfg.Root)
	if err != nil {
		return filepath.ToSlash(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// resolve maps one reference to file paths.
func (e *Extractor) resolve(ctx context.Context, ref string) ([]string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	direct := []string{ref}
	if !filepath.IsAbs(ref) {
		direct = append(direct, filepath.Join(e.cfg.Root, ref))
	}
	for _, candidate := range direct {
		if isFile(candidate) && e.eligible(candidate) {
			return []string{filepath.Clean(candidate)}, nil
		}
	}
	if filepath.IsAbs(ref) {
		return nil, nil
	}

	skip, err := ignore.Load(e.cfg.Root, ignore.DefaultFiles, ignore.AlwaysSkip)
	if err != nil {
		e.logger.Warn(ctx, "ignore files unreadable, searching everything",
			zap.String("root", e.cfg.Root), zap.Error(err))
	}

	suffix := "/" + strings.TrimPrefix(filepath.ToSlash(filepath.Clean(ref)), "./")
	var matches []string
	err = filepath.WalkDir(e.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == e.cfg.Root {
			return nil
		}
		rel, relErr := filepath.Rel(e.cfg.Root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == e.cfg.BuildDir || skip.Ignored(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if skip.Ignored(rel, false) {
			return nil
		}
		if strings.HasSuffix("/"+filepath.ToSlash(path), suffix) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("searching for %q: %w", ref, err)
	}
	return matches, nil
}

// eligible reports whether a direct path lies inside the root and outside
// the build directory.
func (e *Extractor) eligible(path string) bool {
	root, err := filepath.Abs(e.cfg.Root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == e.cfg.BuildDir || seg == ".git" {
			return false
		}
	}
	return true
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

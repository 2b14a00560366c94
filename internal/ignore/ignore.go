// Package ignore decides which project paths are skipped when searching the
// working tree for files named in a failure log.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultFiles are the ignore files read from the project root.
var DefaultFiles = []string{".gitignore"}

// AlwaysSkip are patterns applied whether or not ignore files exist.
var AlwaysSkip = []string{".git/", "dbt_packages/", "node_modules/", ".venv/"}

// Matcher reports whether a path relative to the root is ignored.
type Matcher struct {
	m gitignore.Matcher
}

// Load reads files from root and combines them with extra patterns. Missing
// files are not an error.
func Load(root string, files []string, extra []string) (*Matcher, error) {
	var lines []string
	lines = append(lines, extra...)
	for _, name := range files {
		fileLines, err := readLines(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, fileLines...)
	}

	patterns := make([]gitignore.Pattern, 0, len(lines))
	for _, line := range lines {
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return &Matcher{m: gitignore.NewMatcher(patterns)}, nil
}

// Ignored reports whether rel, a slash or OS separated path relative to the
// root, is excluded.
func (m *Matcher) Ignored(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Package solution turns a provider's free-form fix response into ordered
// solution parts and maps their targets onto repository paths.
package solution

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/healer/internal/logging"
	"go.uber.org/zap"
)

// SegmentSeparator splits a response into independent fixes. It only
// counts outside <solution> blocks, so SQL comments such as "-- ----" stay
// inside their part.
const SegmentSeparator = "----"

// ErrNoSolutionFound is returned when no segment of a response is well formed.
var ErrNoSolutionFound = errors.New("no valid solution parts found")

var (
	solutionPattern = regexp.MustCompile(`(?s)<solution>(.*?)</solution>`)
	filePattern     = regexp.MustCompile(`(?s)<file>(.*?)</file>`)
	dbObjectPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)
)

// Part is one replacement and the file or database object it targets.
type Part struct {
	Content string
	Target  string
}

// IsDatabaseObject reports whether the target names a schema.table rather
// than a file.
func (p Part) IsDatabaseObject() bool {
	if strings.Contains(p.Target, "/") || strings.Contains(p.Target, `\`) {
		return false
	}
	if !dbObjectPattern.MatchString(p.Target) {
		return false
	}
	switch strings.ToLower(path.Ext(p.Target)) {
	case ".sql", ".yml", ".yaml", ".py", ".md", ".csv", ".json", ".txt", ".jinja", ".j2":
		return false
	}
	return true
}

// Result holds the parts in response order and the zero-based indexes of
// segments that were skipped as malformed.
type Result struct {
	Parts     []Part
	Malformed []int
}

// Targets lists every part's target in order.
func (r Result) Targets() []string {
	targets := make([]string, len(r.Parts))
	for i, p := range r.Parts {
		targets[i] = p.Target
	}
	return targets
}

// ExtractSolutionParts parses raw into solution parts. Segments missing a
// <solution> or <file> block are logged and skipped. The call fails with
// ErrNoSolutionFound only when no part survives.
func ExtractSolutionParts(ctx context.Context, raw string, logger *logging.Logger) (Result, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var res Result
	for idx, segment := range splitSegments(raw) {
		content := solutionPattern.FindStringSubmatch(segment)
		file := filePattern.FindStringSubmatch(segment)
		target := ""
		if file != nil {
			target = strings.TrimSpace(file[1])
		}
		if content == nil || target == "" {
			if strings.TrimSpace(segment) != "" {
				logger.Warn(ctx, "malformed solution segment",
					zap.Int("segment", idx+1),
					zap.Bool("has_solution", content != nil),
					zap.Bool("has_file", target != ""))
			}
			res.Malformed = append(res.Malformed, idx)
			continue
		}
		res.Parts = append(res.Parts, Part{
			Content: trimOneNewline(content[1]),
			Target:  target,
		})
	}

	if len(res.Parts) == 0 {
		return res, ErrNoSolutionFound
	}
	return res, nil
}

func splitSegments(raw string) []string {
	var blocks [][]int
	for _, m := range solutionPattern.FindAllStringSubmatchIndex(raw, -1) {
		// An unclosed block must not swallow the separator after it.
		if !strings.Contains(raw[m[2]:m[3]], "<solution>") {
			blocks = append(blocks, m[:2])
		}
	}
	var segments []string
	start, from := 0, 0
	for {
		i := strings.Index(raw[from:], SegmentSeparator)
		if i < 0 {
			break
		}
		at := from + i
		if end, inside := enclosing(blocks, at); inside {
			from = end
			continue
		}
		segments = append(segments, raw[start:at])
		start = at + len(SegmentSeparator)
		from = start
	}
	return append(segments, raw[start:])
}

// enclosing returns the end of the block containing at, if any.
func enclosing(blocks [][]int, at int) (int, bool) {
	for _, b := range blocks {
		if at >= b[0] && at < b[1] {
			return b[1], true
		}
	}
	return 0, false
}

// trimOneNewline drops a single leading and trailing line break so the
// content round-trips the tag layout models produce.
func trimOneNewline(s string) string {
	s = strings.TrimPrefix(s, "\r\n")
	s = strings.TrimPrefix(s, "\n")
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(s, "\n")
}

// BuildRepoFilePath maps a path as named by a model onto the hosting
// repository layout, prefixing the dbt project folder unless the path
// already starts with it.
func BuildRepoFilePath(projectDir, raw string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	for strings.HasPrefix(normalized, "./") {
		normalized = normalized[2:]
	}
	project := strings.Trim(strings.ReplaceAll(projectDir, `\`, "/"), "/")
	if project == "" {
		return normalized
	}
	if normalized == project || strings.HasPrefix(normalized, project+"/") {
		return normalized
	}
	return project + "/" + strings.TrimPrefix(normalized, "/")
}

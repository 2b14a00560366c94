package diagnosis

import (
	"regexp"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// pathToken matches a name with a dotted extension, optionally with
	// directory components.
	pathToken = regexp.MustCompile(`[\w./\\-]*\w\.[A-Za-z][A-Za-z0-9]{0,9}\b`)
	pathEntry = regexp.MustCompile(`^[\w./\\-]*\w\.[A-Za-z][A-Za-z0-9]{0,9}$`)
)

// StripThinking removes reasoning blocks some models emit before their
// answer. A close marker without a matching open discards everything
// before it; an open marker that never closes discards the rest.
func StripThinking(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	if i := strings.LastIndex(s, thinkClose); i >= 0 {
		s = s[i+len(thinkClose):]
	}
	if i := strings.Index(s, thinkOpen); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// ParseFileList splits a comma-separated answer into file references,
// trimmed, without empties, first occurrence wins.
func ParseFileList(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, field := range strings.Split(text, ",") {
		ref := strings.Trim(field, " \t\r\n`\"'")
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// ParseFileListLenient is ParseFileList for models that ignore the
// requested format. When the comma split yields something other than file
// names it falls back to every path-like token in the text, then to the
// first non-blank line.
func ParseFileListLenient(text string) []string {
	strict := ParseFileList(text)
	if len(strict) > 0 && allPathLike(strict) {
		return strict
	}

	var tokens []string
	seen := make(map[string]bool)
	for _, tok := range pathToken.FindAllString(text, -1) {
		tok = strings.TrimRight(tok, ".")
		if seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	if len(tokens) > 0 {
		return tokens
	}

	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return []string{line}
		}
	}
	return nil
}

func allPathLike(refs []string) bool {
	for _, r := range refs {
		if !pathEntry.MatchString(r) {
			return false
		}
	}
	return true
}

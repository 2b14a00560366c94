// Package secrets redacts credentials from text before it leaves the process.
//
// Every failure context and file context sent to a diagnosis provider passes
// through a Scrubber first. Detection uses the gitleaks default rule set plus
// an optional project allowlist.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber redacts secrets from content.
type Scrubber interface {
	Scrub(content string) *Result
}

// Result contains the scrubbed content and what was removed from it.
type Result struct {
	Scrubbed string
	Findings []Finding
	ByRule   map[string]int
}

// Finding describes one redacted secret. The secret value is never kept.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// HasFindings returns true if any secrets were found.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the matched rule IDs in sorted order.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GitleaksScrubber detects secrets with the gitleaks default configuration.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a GitleaksScrubber. allowlist may be nil.
func New(allowlist *Allowlist) (*GitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &GitleaksScrubber{detector: detector}, nil
}

// Scrub replaces every detected secret with [REDACTED:<rule-id>].
func (s *GitleaksScrubber) Scrub(content string) *Result {
	result := &Result{
		Scrubbed: content,
		ByRule:   make(map[string]int),
	}
	if content == "" {
		return result
	}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	type replacement struct {
		secret string
		marker string
	}
	replacements := make([]replacement, 0, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		result.ByRule[f.RuleID]++
		replacements = append(replacements, replacement{
			secret: f.Secret,
			marker: "[REDACTED:" + f.RuleID + "]",
		})
	}

	// Longest first, so a secret that contains another is replaced whole.
	sort.SliceStable(replacements, func(i, j int) bool {
		return len(replacements[i].secret) > len(replacements[j].secret)
	})
	scrubbed := content
	for _, r := range replacements {
		scrubbed = strings.ReplaceAll(scrubbed, r.secret, r.marker)
	}
	result.Scrubbed = scrubbed

	return result
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "healer project allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Noop returns content unchanged.
type Noop struct{}

// Scrub returns content unchanged.
func (Noop) Scrub(content string) *Result {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}
}

var (
	_ Scrubber = (*GitleaksScrubber)(nil)
	_ Scrubber = Noop{}
)

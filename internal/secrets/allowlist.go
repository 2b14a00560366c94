package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML is returned when an allowlist file cannot be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")
	// ErrInvalidRegex is returned when an allowlist pattern does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist holds path and content patterns excluded from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads the [allowlist] table of <projectRoot>/.gitleaks.toml.
// A missing file yields an empty allowlist.
func LoadAllowlist(projectRoot string) (*Allowlist, error) {
	path := filepath.Join(projectRoot, ".gitleaks.toml")

	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range append(append([]string{}, file.Allowlist.Paths...), file.Allowlist.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   file.Allowlist.Paths,
		Regexes: file.Allowlist.Regexes,
	}, nil
}

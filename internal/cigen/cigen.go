// Package cigen bootstraps a dbt repository for healer: a GitHub Actions
// workflow that reports failed builds to the ingress, and a "ci" dbt profile
// for it to build against.
package cigen

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"go.yaml.in/yaml/v3"
)

//go:embed templates/github_ci.yml.tmpl
var templates embed.FS

// WorkflowPath is the workflow location relative to the repository root.
var WorkflowPath = filepath.Join(".github", "workflows", "ci.yml")

// Settings are the values substituted into the generated files.
type Settings struct {
	AnalyzeEndpoint string
	RepoURL         string
	DBTPath         string
	BaseBranch      string
	DBHost          string
	DBPort          int
	DBUser          string
	DBPassword      string
	DBName          string
	DBSchema        string
}

type ciOutput struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Schema   string `yaml:"schema"`
	Threads  int    `yaml:"threads"`
}

type ciProfile struct {
	Target  string              `yaml:"target"`
	Outputs map[string]ciOutput `yaml:"outputs"`
}

// EnsureProfile appends a "ci" profile to <projectDir>/profiles.yml unless the
// file already has a top-level ci key. It reports whether it wrote anything.
func EnsureProfile(projectDir string, s Settings) (bool, error) {
	path := filepath.Join(projectDir, "profiles.yml")
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("reading profiles: %w", err)
	}
	if len(bytes.TrimSpace(existing)) > 0 {
		var top map[string]any
		if err := yaml.Unmarshal(existing, &top); err != nil {
			return false, fmt.Errorf("parsing %s: %w", path, err)
		}
		if _, ok := top["ci"]; ok {
			return false, nil
		}
	}

	var buf bytes.Buffer
	buf.WriteString("\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err = enc.Encode(map[string]ciProfile{"ci": {
		Target: "ci",
		Outputs: map[string]ciOutput{"ci": {
			Type:     "postgres",
			Host:     s.DBHost,
			User:     s.DBUser,
			Password: s.DBPassword,
			Port:     s.DBPort,
			DBName:   s.DBName,
			Schema:   s.DBSchema,
			Threads:  4,
		}},
	}})
	if err != nil {
		return false, fmt.Errorf("encoding ci profile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return false, fmt.Errorf("encoding ci profile: %w", err)
	}

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening profiles: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return false, fmt.Errorf("writing ci profile: %w", err)
	}
	return true, f.Sync()
}

// WriteWorkflow renders the CI workflow to <repoRoot>/.github/workflows/ci.yml
// unless a non-empty file is already there. It reports whether it wrote.
func WriteWorkflow(repoRoot string, s Settings) (bool, error) {
	path := filepath.Join(repoRoot, WorkflowPath)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return false, nil
	}
	if s.BaseBranch == "" {
		s.BaseBranch = "master"
	}

	tmpl, err := template.ParseFS(templates, "templates/github_ci.yml.tmpl")
	if err != nil {
		return false, fmt.Errorf("parsing workflow template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return false, fmt.Errorf("rendering workflow: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("writing workflow: %w", err)
	}
	return true, nil
}

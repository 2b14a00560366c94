package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/healer/internal/cigen"
)

// initCICmd bootstraps the CI workflow and dbt ci profile.
var initCICmd = &cobra.Command{
	Use:   "init-ci",
	Short: "Generate the GitHub Actions workflow and dbt ci profile",
	Long: `Append a "ci" target to the dbt project's profiles.yml unless one exists
and write .github/workflows/ci.yml unless a non-empty workflow is there. The
workflow builds the project and posts failed logs to ci.analyze_endpoint.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.cfg
		if cfg.Project.DBTProject == "" {
			return fmt.Errorf("project.dbt_project is required")
		}
		repoURL := cfg.CI.RepoURL
		if repoURL == "" && cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
			repoURL = fmt.Sprintf("https://github.com/%s/%s.git", cfg.GitHub.Owner, cfg.GitHub.Repo)
		}
		s := cigen.Settings{
			AnalyzeEndpoint: cfg.CI.AnalyzeEndpoint,
			RepoURL:         repoURL,
			DBTPath:         cfg.Project.DBTProject,
			BaseBranch:      cfg.GitHub.BaseBranch,
			DBHost:          cfg.CI.DBHost,
			DBPort:          cfg.CI.DBPort,
			DBUser:          cfg.CI.DBUser,
			DBPassword:      cfg.CI.DBPassword.Value(),
			DBName:          cfg.CI.DBName,
			DBSchema:        cfg.CI.DBSchema,
		}

		out := cmd.OutOrStdout()
		wrote, err := cigen.EnsureProfile(filepath.Join(cfg.Project.Root, cfg.Project.DBTProject), s)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintln(out, "added ci profile to profiles.yml")
		} else {
			fmt.Fprintln(out, "ci profile already exists, skipping")
		}

		wrote, err = cigen.WriteWorkflow(cfg.Project.Root, s)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintln(out, "wrote", cigen.WorkflowPath)
		} else {
			fmt.Fprintln(out, "CI workflow already exists, skipping")
		}
		return nil
	},
}

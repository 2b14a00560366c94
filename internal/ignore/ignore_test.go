package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_GitignoreAndExtras(t *testing.T) {
	root := t.TempDir()
	content := "# dbt\ntarget/\nlogs/\n\n*.log\n!keep.log\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte(content), 0o644))

	m, err := Load(root, DefaultFiles, AlwaysSkip)
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"target", true, true},
		{"shop_dwh/logs", true, true},
		{"dbt_packages", true, true},
		{".git", true, true},
		{"models", true, false},
		{"models/core/core_customer.sql", false, false},
		{"run.log", false, true},
		{"keep.log", false, false},
		{".", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Ignored(tt.path, tt.isDir))
		})
	}
}

func TestLoad_MissingFilesUseExtrasOnly(t *testing.T) {
	m, err := Load(t.TempDir(), []string{".gitignore", ".dbtignore"}, AlwaysSkip)
	require.NoError(t, err)

	assert.True(t, m.Ignored("node_modules", true))
	assert.False(t, m.Ignored("target", true))
}

func TestLoad_UnreadableFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".gitignore"), 0o755))

	_, err := Load(root, DefaultFiles, nil)
	assert.Error(t, err)
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Ignored("anything", true))
}

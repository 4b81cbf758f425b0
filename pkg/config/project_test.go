package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProjectFileMissing(t *testing.T) {
	c, exists, err := LoadProjectFile(t.TempDir(), ProjectFile)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, c)
}

func TestLoadProjectFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[environment]
dir = "env"
refresh = "upgrade"
min_free_space = "500Mi"

[manifest]
path = "requirements/prod.txt"
exclude = ["torch*"]

[prerequisite]
package_manager = "dnf"
sudo = "never"

[install]
pip_args = ["--no-cache-dir"]
timeout = "10m"
env = { PIP_DEFAULT_TIMEOUT = "60" }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFile), []byte(content), 0644))

	c, exists, err := LoadProjectFile(dir, ProjectFile)
	require.NoError(t, err)
	require.True(t, exists)

	s := Defaults()
	require.NoError(t, s.ApplyProject(c))
	assert.Equal(t, "env", s.EnvDir)
	assert.Equal(t, DefaultPython, s.Python)
	assert.Equal(t, "upgrade", s.Refresh)
	assert.Equal(t, "requirements/prod.txt", s.Manifest)
	assert.Equal(t, []string{"torch*"}, s.Exclude)
	assert.Equal(t, "dnf", s.PackageManager)
	assert.Equal(t, "never", s.Sudo)
	assert.Equal(t, []string{"--no-cache-dir"}, s.PipArgs)
	assert.Equal(t, 10*time.Minute, s.Timeout)
	assert.Equal(t, map[string]string{"PIP_DEFAULT_TIMEOUT": "60"}, s.Env)

	free, err := s.MinFreeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(500*1024*1024), free)
}

func TestLoadProjectFileUnknownKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFile), []byte("[environment]\nfolder = \"x\"\n"), 0644))

	_, exists, err := LoadProjectFile(dir, ProjectFile)
	assert.True(t, exists)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadProjectFileInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFile), []byte("[environment\n"), 0644))

	_, _, err := LoadProjectFile(dir, ProjectFile)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSaveProjectFile(t *testing.T) {
	dir := t.TempDir()
	s := Defaults()
	s.Timeout = 90 * time.Second
	s.Exclude = []string{"torch*"}

	require.NoError(t, NewProjectTOML(s).SaveProjectFile(dir, ProjectFile))

	c, exists, err := LoadProjectFile(dir, ProjectFile)
	require.NoError(t, err)
	require.True(t, exists)

	loaded := Defaults()
	require.NoError(t, loaded.ApplyProject(c))
	assert.Equal(t, s, loaded)
}

// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/venvboot/pkg/manifest"
)

func newTestEnvironment(t *testing.T) *Environment {
	t.Helper()
	env := NewEnvironment(filepath.Join(t.TempDir(), ".venv"))
	require.NoError(t, layoutVenv(env.Dir))
	return env
}

func loadManifest(t *testing.T, content string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load(writeManifest(t, t.TempDir(), content))
	require.NoError(t, err)
	return m
}

func pipList(listing string) func(Command) ([]byte, error) {
	return func(cmd Command) ([]byte, error) {
		if isPipList(cmd) {
			return []byte(listing), nil
		}
		return nil, nil
	}
}

func TestInstallArguments(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "--index-url https://pypi.example.com/simple\n-e ./libs/core#egg=core\nrequests[socks]>=2.0\n")
	runner := newFakeRunner()

	d := NewDependencyInstaller(InstallOptions{
		Refresh: RefreshUpgrade,
		PipArgs: []string{"--no-cache-dir"},
	}, runner)
	report, err := d.Install(context.Background(), env, m)
	require.NoError(t, err)
	require.Len(t, report.Installed, 2)
	// upgrade never consults the installed set
	require.Empty(t, runner.queries)

	common := []string{
		"-m", "pip", "install", "--disable-pip-version-check", "--no-input", "--upgrade",
		"--index-url", "https://pypi.example.com/simple", "--no-cache-dir",
	}
	require.Equal(t, env.Python(), runner.runs[0].Name)
	require.Equal(t, append(slices.Clone(common), "-e", m.Requirements[0].URL), runner.runs[0].Args)
	require.Equal(t, append(slices.Clone(common), "requests[socks]>=2.0"), runner.runs[1].Args)
	require.Equal(t, []string{"-m", "pip", "check", "--disable-pip-version-check"}, runner.runs[2].Args)
}

func TestInstallForwardsRequirementOptions(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "numpy>=1.26 --config-settings=setup-args=-Dblas=openblas\n"+
		"requests==2.31.0 \\\n"+
		"    --hash=sha256:58cd2187c01e70e6e26505bca751777aa9f2ee0b7f4300988b709f44e013003f\n")
	runner := newFakeRunner()

	var hashedFile string
	runner.run = func(cmd Command) error {
		if i := slices.Index(cmd.Args, "-r"); i >= 0 {
			b, err := os.ReadFile(cmd.Args[i+1])
			require.NoError(t, err)
			hashedFile = string(b)
		}
		return nil
	}

	d := NewDependencyInstaller(InstallOptions{Refresh: RefreshUpgrade}, runner)
	_, err := d.Install(context.Background(), env, m)
	require.NoError(t, err)

	common := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input", "--upgrade"}
	require.Equal(t, append(slices.Clone(common), "--config-settings", "setup-args=-Dblas=openblas", "numpy>=1.26"), runner.runs[0].Args)

	hashed := runner.runs[1].Args
	require.Equal(t, common, hashed[:len(common)])
	require.Equal(t, []string{"--no-deps", "-r"}, hashed[len(common):len(common)+2])
	require.Equal(t, "requests==2.31.0 --hash=sha256:58cd2187c01e70e6e26505bca751777aa9f2ee0b7f4300988b709f44e013003f\n", hashedFile)
	require.NoFileExists(t, hashed[len(hashed)-1])
}

func TestInstallConsistencyCheckFailure(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "requests==2.31.0\nurllib3==1.20\n")
	runner := newFakeRunner()
	runner.run = func(cmd Command) error {
		if slices.Contains(cmd.Args, "check") {
			return errors.New("exit status 1")
		}
		return nil
	}

	report, err := NewDependencyInstaller(InstallOptions{}, runner).Install(context.Background(), env, m)
	require.ErrorIs(t, err, ErrDependencyInstallFailed)
	require.Equal(t, ExitDependency, ExitCode(err))
	require.Nil(t, report.Failed)
	require.Equal(t, []string{"requests==2.31.0", "urllib3==1.20"}, requirementStrings(report.Installed))
}

func TestInstallExtrasNeedInstall(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "requests[socks]>=2.0\n")
	runner := newFakeRunner()
	runner.output = pipList(`[{"name": "requests", "version": "2.31.0"}]`)

	report, err := NewDependencyInstaller(InstallOptions{}, runner).Install(context.Background(), env, m)
	require.NoError(t, err)
	require.Empty(t, report.Satisfied)
	require.Equal(t, []string{"requests[socks]>=2.0"}, runner.pipInstalls())
}

func TestInstallVerifySkipsSatisfiedEntries(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "requests\nflask==2.0.0\nnumpy>=1.26\ngit+https://example.com/pkg.git\n")
	runner := newFakeRunner()
	runner.output = pipList(`[
		{"name": "requests", "version": "2.31.0"},
		{"name": "Flask", "version": "1.1.4"},
		{"name": "numpy", "version": "1.26.4"}
	]`)

	report, err := NewDependencyInstaller(InstallOptions{}, runner).Install(context.Background(), env, m)
	require.NoError(t, err)
	require.Equal(t, []string{"requests", "numpy>=1.26"}, requirementStrings(report.Satisfied))
	require.Equal(t, []string{"flask==2.0.0", "git+https://example.com/pkg.git"}, requirementStrings(report.Installed))
	require.Equal(t, []string{"flask==2.0.0", "git+https://example.com/pkg.git"}, runner.pipInstalls())
	for _, c := range runner.runs {
		require.NotContains(t, c.Args, "--upgrade")
	}
}

func TestInstallListFailureInstallsEverything(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "requests\nflask\n")
	runner := newFakeRunner()
	runner.output = func(Command) ([]byte, error) { return nil, errors.New("no module named pip") }

	report, err := NewDependencyInstaller(InstallOptions{}, runner).Install(context.Background(), env, m)
	require.NoError(t, err)
	require.Len(t, report.Installed, 2)
}

func TestInstallExcludes(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "requests\ntorch==2.2.0\ntorchvision\nflask\n")
	runner := newFakeRunner()

	d := NewDependencyInstaller(InstallOptions{Exclude: []string{"torch*"}}, runner)
	report, err := d.Install(context.Background(), env, m)
	require.NoError(t, err)
	require.Equal(t, []string{"torch==2.2.0", "torchvision"}, requirementStrings(report.Excluded))
	require.Equal(t, []string{"requests", "flask"}, runner.pipInstalls())
}

func TestInstallInvalidEnvironment(t *testing.T) {
	env := NewEnvironment(t.TempDir())
	m := loadManifest(t, "requests\n")
	runner := newFakeRunner()

	_, err := NewDependencyInstaller(InstallOptions{}, runner).Install(context.Background(), env, m)
	require.ErrorIs(t, err, ErrEnvironmentInvalid)
	require.Equal(t, ExitDependency, ExitCode(err))
	require.Empty(t, runner.runs)
}

func TestInstallReportsProgress(t *testing.T) {
	env := newTestEnvironment(t)
	m := loadManifest(t, "alpha\nbeta\n")
	runner := newFakeRunner()

	var seen []int
	d := NewDependencyInstaller(InstallOptions{
		OnProgress: func(r *InstallReport) { seen = append(seen, len(r.Installed)) },
	}, runner)
	_, err := d.Install(context.Background(), env, m)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, seen)
}

func TestParsePipList(t *testing.T) {
	packages, err := parsePipList([]byte(`[{"name": "Zope.Interface", "version": "6.1"}, {"name": "typing_extensions", "version": "4.9.0"}]`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"zope-interface":    "6.1",
		"typing-extensions": "4.9.0",
	}, packages)

	_, err = parsePipList([]byte("WARNING: not json"))
	require.Error(t, err)
}

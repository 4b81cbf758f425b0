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
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/venvboot/pkg/manifest"
)

// fakeRunner records commands and simulates a host with the given
// executables on PATH. Creating a venv lays out a minimal environment.
type fakeRunner struct {
	paths   map[string]bool
	runs    []Command
	queries []Command
	run     func(Command) error
	output  func(Command) ([]byte, error)
}

func newFakeRunner(executables ...string) *fakeRunner {
	f := &fakeRunner{paths: map[string]bool{}}
	for _, e := range executables {
		f.paths[e] = true
	}
	return f
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) error {
	f.runs = append(f.runs, cmd)
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.run != nil {
		if err := f.run(cmd); err != nil {
			return err
		}
	}
	if isVenvCommand(cmd) {
		return layoutVenv(cmd.Args[len(cmd.Args)-1])
	}
	return nil
}

func (f *fakeRunner) Output(ctx context.Context, cmd Command) ([]byte, error) {
	f.queries = append(f.queries, cmd)
	if f.output != nil {
		return f.output(cmd)
	}
	if isPipList(cmd) {
		return []byte("[]"), nil
	}
	return nil, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.paths[name] {
		return "/usr/bin/" + name, nil
	}
	return "", exec.ErrNotFound
}

// commands renders recorded runs for compact assertions.
func (f *fakeRunner) commands() []string {
	out := make([]string, len(f.runs))
	for i, c := range f.runs {
		out[i] = filepath.Base(c.Name) + " " + strings.Join(c.Args, " ")
	}
	return out
}

// pipInstalls returns the requirement argument of each pip install run.
func (f *fakeRunner) pipInstalls() []string {
	var out []string
	for _, c := range f.runs {
		if slices.Contains(c.Args, "pip") && slices.Contains(c.Args, "install") {
			out = append(out, c.Args[len(c.Args)-1])
		}
	}
	return out
}

func isVenvCommand(cmd Command) bool {
	return len(cmd.Args) >= 2 && cmd.Args[0] == "-m" && cmd.Args[1] == "venv"
}

func isPipList(cmd Command) bool {
	return slices.Contains(cmd.Args, "pip") && slices.Contains(cmd.Args, "list")
}

func layoutVenv(dir string) error {
	env := NewEnvironment(dir)
	if err := os.MkdirAll(env.BinDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(env.ConfigFile(), []byte("home = /usr/bin\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(env.Python(), nil, 0o755)
}

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, manifest.DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testOptions(dir string) Options {
	return Options{
		Manifest: filepath.Join(dir, manifest.DefaultFile),
		Prerequisite: PrerequisiteOptions{
			Sudo: SudoNever,
		},
		Provision: ProvisionOptions{
			Dir:     filepath.Join(dir, ".venv"),
			Python:  "python3",
			Refresh: RefreshVerify,
		},
		Install: InstallOptions{
			Refresh: RefreshVerify,
		},
	}
}

func TestRunInstallsManifestInOrder(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\nflask==2.0.0\n")
	runner := newFakeRunner("apt-get", "dpkg", "python3")

	p := New(testOptions(dir), runner)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepDone, p.Step())
	require.NoError(t, p.Err())
	require.Equal(t, ExitOK, ExitCode(err))

	require.NotNil(t, res.Prerequisite)
	require.True(t, res.Prerequisite.AlreadyPresent)
	require.True(t, res.Created)
	require.NoError(t, res.Environment.Validate())
	require.Equal(t, []string{"requests", "flask==2.0.0"}, runner.pipInstalls())

	// the environment is provisioned before anything is installed into it
	require.True(t, isVenvCommand(runner.runs[0]))
	for _, c := range runner.runs[1:] {
		require.Equal(t, res.Environment.Python(), c.Name)
	}

	state, err := LoadState(res.Environment)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, state.Status)
	require.Equal(t, []string{"requests", "flask==2.0.0"}, state.Installed)
	require.NotEmpty(t, state.ManifestSHA256)
}

func TestRunMissingManifestRunsNothing(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner("apt-get", "dpkg", "python3")

	p := New(testOptions(dir), runner)
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrManifestNotFound)
	require.Equal(t, ExitManifestNotFound, ExitCode(err))
	require.Empty(t, runner.runs)
	require.Empty(t, runner.queries)
	require.NoDirExists(t, filepath.Join(dir, ".venv"))
}

func TestRunPrerequisiteFailureStopsPipeline(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\n")
	runner := newFakeRunner("apt-get", "dpkg", "python3")
	runner.output = func(cmd Command) ([]byte, error) {
		return nil, errors.New("package python3-venv is not installed")
	}
	runner.run = func(cmd Command) error {
		if cmd.Name == "apt-get" {
			return errors.New("apt-get exited with status 100")
		}
		return nil
	}

	opts := testOptions(dir)
	opts.Prerequisite.AssumeYes = true
	p := New(opts, runner)
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrPrerequisiteInstallFailed)
	require.Equal(t, ExitPrerequisite, ExitCode(err))
	require.Equal(t, StepPrerequisiteInstall, p.Step())
	require.Equal(t, []string{"apt-get install -y python3-venv"}, runner.commands())
	require.NoDirExists(t, opts.Provision.Dir)
}

func TestRunProvisionFailureInstallsNothing(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\n")
	runner := newFakeRunner("apt-get", "dpkg", "python3")
	runner.run = func(cmd Command) error {
		if isVenvCommand(cmd) {
			return errors.New("ensurepip is not available")
		}
		return nil
	}

	p := New(testOptions(dir), runner)
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrEnvironmentProvisionFailed)
	require.Equal(t, ExitProvision, ExitCode(err))
	require.Equal(t, StepEnvironmentProvision, p.Step())
	require.Empty(t, runner.pipInstalls())
}

func TestRunDependencyFailureStopsAtEntry(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "alpha\nbeta\ngamma\n")
	runner := newFakeRunner("python3")
	runner.run = func(cmd Command) error {
		if slices.Contains(cmd.Args, "beta") {
			return errors.New("no matching distribution found for beta")
		}
		return nil
	}

	opts := testOptions(dir)
	opts.SkipPrerequisite = true
	p := New(opts, runner)
	res, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrDependencyInstallFailed)
	require.Equal(t, ExitDependency, ExitCode(err))
	require.Equal(t, StepDependencyInstall, p.Step())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "beta", stepErr.Entry)
	require.Contains(t, err.Error(), "beta")

	// gamma is never attempted and alpha stays installed
	require.Equal(t, []string{"alpha", "beta"}, runner.pipInstalls())
	for _, c := range runner.runs {
		require.NotContains(t, c.Args, "uninstall")
	}

	state, err := LoadState(res.Environment)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, state.Status)
	require.Equal(t, "beta", state.FailedEntry)
	require.Equal(t, []string{"alpha"}, state.Installed)
	require.Equal(t, StepDependencyInstall.String(), state.Step)
}

func TestRunMalformedEntryModifiesNothing(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\nflask==>>2\nnumpy\n")
	runner := newFakeRunner("apt-get", "dpkg", "python3")

	p := New(testOptions(dir), runner)
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrDependencyInstallFailed)
	require.ErrorIs(t, err, manifest.ErrMalformedEntry)
	require.Equal(t, ExitDependency, ExitCode(err))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "flask==>>2", stepErr.Entry)
	require.Empty(t, runner.runs)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\nflask==2.0.0\n")
	runner := newFakeRunner("apt-get", "dpkg", "python3")

	_, err := New(testOptions(dir), runner).Run(context.Background())
	require.NoError(t, err)

	second := newFakeRunner("apt-get", "dpkg", "python3")
	second.output = func(cmd Command) ([]byte, error) {
		if isPipList(cmd) {
			return []byte(`[{"name": "Requests", "version": "2.31.0"}, {"name": "Flask", "version": "2.0.0"}]`), nil
		}
		return nil, nil
	}
	res, err := New(testOptions(dir), second).Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Created)
	// only the consistency check runs against a satisfied environment
	require.Equal(t, []string{"python -m pip check --disable-pip-version-check"}, second.commands())
	require.Len(t, res.Report.Satisfied, 2)
}

func TestRunConflictingEntriesFail(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests==2.31.0\nurllib3==1.20\n")
	runner := newFakeRunner("python3")
	runner.run = func(cmd Command) error {
		if slices.Contains(cmd.Args, "check") {
			return errors.New("requests 2.31.0 has requirement urllib3<3,>=1.21.1, but you have urllib3 1.20")
		}
		return nil
	}

	opts := testOptions(dir)
	opts.SkipPrerequisite = true
	res, err := New(opts, runner).Run(context.Background())
	require.ErrorIs(t, err, ErrDependencyInstallFailed)
	require.Equal(t, ExitDependency, ExitCode(err))
	require.Equal(t, []string{"requests==2.31.0", "urllib3==1.20"}, runner.pipInstalls())

	state, err := LoadState(res.Environment)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, state.Status)
	require.Contains(t, state.Error, "conflicting dependencies")
}

func TestRunRecreatesEnvironmentLeftByFailedProvision(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\n")
	opts := testOptions(dir)
	opts.SkipPrerequisite = true

	// venv is killed after laying out the interpreter but before pip is in place
	first := newFakeRunner("python3")
	first.run = func(cmd Command) error {
		if isVenvCommand(cmd) {
			if err := layoutVenv(cmd.Args[len(cmd.Args)-1]); err != nil {
				return err
			}
			return errors.New("ensurepip was interrupted")
		}
		return nil
	}
	_, err := New(opts, first).Run(context.Background())
	require.ErrorIs(t, err, ErrEnvironmentProvisionFailed)
	require.Equal(t, ExitProvision, ExitCode(err))

	state, err := LoadState(NewEnvironment(opts.Provision.Dir))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, state.Status)
	require.Equal(t, StepEnvironmentProvision.String(), state.Step)

	second := newFakeRunner("python3")
	res, err := New(opts, second).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "python3 -m venv --clear "+opts.Provision.Dir, second.commands()[0])
	require.Equal(t, []string{"requests"}, second.pipInstalls())

	state, err = LoadState(res.Environment)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, state.Status)
}

func TestRunSkipPrerequisite(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\n")
	runner := newFakeRunner("python3")

	opts := testOptions(dir)
	opts.SkipPrerequisite = true
	res, err := New(opts, runner).Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, res.Prerequisite)
	for _, q := range runner.queries {
		require.NotEqual(t, "dpkg", q.Name)
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\n")
	runner := newFakeRunner("apt-get", "dpkg", "python3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(testOptions(dir), runner)
	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrPrerequisiteInstallFailed)
	require.Empty(t, runner.runs)
}

func TestRunStepTimeout(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requests\n")
	runner := newFakeRunner("python3")
	runner.run = func(cmd Command) error {
		if slices.Contains(cmd.Args, "requests") {
			return context.DeadlineExceeded
		}
		return nil
	}

	opts := testOptions(dir)
	opts.SkipPrerequisite = true
	opts.Timeout = time.Minute
	_, err := New(opts, runner).Run(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, ExitDependency, ExitCode(err))
}

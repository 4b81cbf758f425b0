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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/livekit/protocol/logger"
	pkgerrors "github.com/pkg/errors"

	"github.com/livekit/venvboot/pkg/manifest"
	"github.com/livekit/venvboot/pkg/util"
)

type InstallOptions struct {
	Refresh RefreshPolicy
	// PipArgs are appended to every install invocation.
	PipArgs []string
	// Exclude holds name patterns for entries that are skipped.
	Exclude []string
	Env     []string
	Out     io.Writer
	// OnProgress, when set, is called after every entry that was installed
	// or found satisfied.
	OnProgress func(*InstallReport)
}

// InstallReport accounts for every manifest entry handled so far.
type InstallReport struct {
	Installed []manifest.Requirement
	Satisfied []manifest.Requirement
	Excluded  []manifest.Requirement
	// Failed is the entry that stopped the install, if any.
	Failed *manifest.Requirement
}

// DependencyInstaller installs manifest entries into an environment one at a
// time, in declaration order, stopping at the first failure. Nothing it
// installed is rolled back.
type DependencyInstaller struct {
	opts   InstallOptions
	runner Runner
}

func NewDependencyInstaller(opts InstallOptions, runner Runner) *DependencyInstaller {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Refresh == "" {
		opts.Refresh = RefreshVerify
	}
	return &DependencyInstaller{opts: opts, runner: runner}
}

func (d *DependencyInstaller) Install(ctx context.Context, env *Environment, m *manifest.Manifest) (*InstallReport, error) {
	report := &InstallReport{}
	if err := env.Validate(); err != nil {
		return report, stepError(StepDependencyInstall, ErrEnvironmentInvalid, err)
	}

	filter, err := manifest.NewFilter(d.opts.Exclude)
	if err != nil {
		return report, stepError(StepDependencyInstall, ErrDependencyInstallFailed, err)
	}
	kept, excluded := filter.Apply(m)
	report.Excluded = excluded
	for _, r := range excluded {
		logger.Debugw("excluding requirement", "requirement", r.String(), "location", r.Location())
	}

	var installed map[string]string
	if d.opts.Refresh == RefreshVerify && len(kept) > 0 {
		installed = d.installedPackages(ctx, env)
	}

	for i := range kept {
		r := kept[i]
		if version, ok := installed[r.Key()]; ok {
			if satisfied, decided := r.SatisfiedBy(version); decided && satisfied {
				logger.Debugw("requirement already satisfied", "requirement", r.String(), "version", version)
				report.Satisfied = append(report.Satisfied, r)
				d.progress(report)
				continue
			}
		}

		fmt.Fprintf(d.opts.Out, "Installing %s\n", util.Accented(r.String()))
		logger.Infow("installing requirement", "requirement", r.String(), "location", r.Location())
		if err := d.installOne(ctx, env, m, r); err != nil {
			report.Failed = &r
			return report, &StepError{
				Step:  StepDependencyInstall,
				Kind:  ErrDependencyInstallFailed,
				Entry: r.String(),
				Cause: err,
			}
		}
		report.Installed = append(report.Installed, r)
		d.progress(report)
	}

	// entries are resolved one at a time, so conflicts between them only
	// show up once all of them are in place
	if len(kept) > 0 {
		if err := d.check(ctx, env); err != nil {
			return report, stepError(StepDependencyInstall, ErrDependencyInstallFailed, err)
		}
	}
	return report, nil
}

func (d *DependencyInstaller) installOne(ctx context.Context, env *Environment, m *manifest.Manifest, r manifest.Requirement) error {
	args := d.installArgs(m)
	if len(r.Hashes) == 0 {
		args = append(args, r.InstallArgs()...)
		return d.runner.Run(ctx, Command{Name: env.Python(), Args: args, Env: d.opts.Env})
	}

	// pip only takes hashes from a requirements file, and hash checking
	// turns off dependency resolution for that invocation
	path, err := writeHashedRequirement(r)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	args = append(args, r.Options...)
	args = append(args, "--no-deps", "-r", path)
	return d.runner.Run(ctx, Command{Name: env.Python(), Args: args, Env: d.opts.Env})
}

func (d *DependencyInstaller) installArgs(m *manifest.Manifest) []string {
	args := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}
	if d.opts.Refresh == RefreshUpgrade {
		args = append(args, "--upgrade")
	}
	args = append(args, m.Options...)
	return append(args, d.opts.PipArgs...)
}

func writeHashedRequirement(r manifest.Requirement) (string, error) {
	f, err := os.CreateTemp("", "venvboot-*.txt")
	if err != nil {
		return "", pkgerrors.Wrap(err, "could not write hashed requirement")
	}
	_, err = fmt.Fprintln(f, r.FileLine())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", pkgerrors.Wrap(err, "could not write hashed requirement")
	}
	return f.Name(), nil
}

// check asks pip whether the installed distributions have compatible
// dependencies.
func (d *DependencyInstaller) check(ctx context.Context, env *Environment) error {
	fmt.Fprintln(d.opts.Out, "Checking dependency consistency")
	err := d.runner.Run(ctx, Command{
		Name: env.Python(),
		Args: []string{"-m", "pip", "check", "--disable-pip-version-check"},
		Env:  d.opts.Env,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "installed packages have conflicting dependencies")
	}
	return nil
}

type pipPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// installedPackages maps normalized distribution names to installed
// versions. Failures are logged and yield an empty map, which means
// every entry gets installed.
func (d *DependencyInstaller) installedPackages(ctx context.Context, env *Environment) map[string]string {
	var out []byte
	err := util.Await(ctx, "Checking installed packages...", func(ctx context.Context) error {
		var err error
		out, err = d.runner.Output(ctx, Command{
			Name: env.Python(),
			Args: []string{"-m", "pip", "list", "--format=json", "--disable-pip-version-check"},
			Env:  d.opts.Env,
		})
		return err
	})
	if err != nil {
		logger.Warnw("could not list installed packages", err)
		return nil
	}
	packages, err := parsePipList(out)
	if err != nil {
		logger.Warnw("could not parse installed packages", err)
		return nil
	}
	return packages
}

func parsePipList(out []byte) (map[string]string, error) {
	var list []pipPackage
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, err
	}
	packages := make(map[string]string, len(list))
	for _, p := range list {
		packages[manifest.NormalizeName(p.Name)] = p.Version
	}
	return packages, nil
}

func (d *DependencyInstaller) progress(report *InstallReport) {
	if d.opts.OnProgress != nil {
		d.opts.OnProgress(report)
	}
}

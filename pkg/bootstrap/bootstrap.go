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

// Package bootstrap prepares a Python project for use on a fresh host. It
// runs three steps in a fixed order: install the system prerequisite that
// provides Python and its venv module, provision a virtual environment, and
// install the manifest's dependencies into it. The first failing step stops
// the run and no later step executes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/venvboot/pkg/manifest"
	"github.com/livekit/venvboot/pkg/util"
)

type Options struct {
	Manifest         string
	SkipPrerequisite bool
	Prerequisite     PrerequisiteOptions
	Provision        ProvisionOptions
	Install          InstallOptions
	// Timeout bounds each step individually. Zero means no limit.
	Timeout time.Duration
	Out     io.Writer
}

type Result struct {
	// Prerequisite is nil when the step was skipped.
	Prerequisite *PrerequisiteResult
	Environment  *Environment
	Created      bool
	Report       *InstallReport
}

// Pipeline moves through PrerequisiteInstall, EnvironmentProvision and
// DependencyInstall to Done. A failure leaves it at the failing step with
// the error available from Err.
type Pipeline struct {
	opts   Options
	runner Runner
	step   Step
	err    *StepError
}

func New(opts Options, runner Runner) *Pipeline {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	opts.Prerequisite.Out = opts.Out
	opts.Provision.Out = opts.Out
	opts.Install.Out = opts.Out
	return &Pipeline{opts: opts, runner: runner}
}

// Step returns the step currently running, the step that failed, or StepDone.
func (p *Pipeline) Step() Step {
	return p.step
}

func (p *Pipeline) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// Run executes the pipeline once. The manifest is located and validated
// before the first step so that a bad manifest never modifies the system.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	m, err := p.preflight()
	if err != nil {
		return res, p.fail(err)
	}

	p.step = StepPrerequisiteInstall
	if p.opts.SkipPrerequisite {
		logger.Infow("skipping prerequisite install")
	} else {
		err := p.runStep(ctx, func(ctx context.Context) error {
			var err error
			res.Prerequisite, err = NewPrerequisiteInstaller(p.opts.Prerequisite, p.runner).Ensure(ctx)
			return err
		})
		if err != nil {
			return res, p.fail(err)
		}
	}

	p.step = StepEnvironmentProvision
	var provisioned *ProvisionResult
	err = p.runStep(ctx, func(ctx context.Context) error {
		var err error
		provisioned, err = NewProvisioner(p.opts.Provision, p.runner).Provision(ctx)
		return err
	})
	if err != nil {
		env := NewEnvironment(p.opts.Provision.Dir)
		if env.Validate() == nil {
			p.record(env, m, nil, err)
		}
		return res, p.fail(err)
	}
	res.Environment = provisioned.Env
	res.Created = provisioned.Created

	p.step = StepDependencyInstall
	p.record(res.Environment, m, nil, nil)
	installOpts := p.opts.Install
	installOpts.OnProgress = func(report *InstallReport) {
		p.record(res.Environment, m, report, nil)
	}
	err = p.runStep(ctx, func(ctx context.Context) error {
		var err error
		res.Report, err = NewDependencyInstaller(installOpts, p.runner).Install(ctx, res.Environment, m)
		return err
	})
	if err != nil {
		p.record(res.Environment, m, res.Report, err)
		return res, p.fail(err)
	}

	p.step = StepDone
	p.record(res.Environment, m, res.Report, nil)
	logger.Infow("bootstrap complete",
		"env", res.Environment.Dir,
		"installed", len(res.Report.Installed),
		"satisfied", len(res.Report.Satisfied),
		"excluded", len(res.Report.Excluded),
	)
	return res, nil
}

func (p *Pipeline) preflight() (*manifest.Manifest, error) {
	m, err := LoadManifest(p.opts.Manifest)
	if err != nil {
		return nil, err
	}
	logger.Debugw("loaded manifest", "path", m.Path, "entries", len(m.Requirements))
	return m, nil
}

// LoadManifest locates and parses the manifest at path. Failures come back
// as a *StepError carrying the exit status the pipeline would report: a
// missing manifest is ErrManifestNotFound and a malformed one is
// ErrDependencyInstallFailed naming the offending entry.
func LoadManifest(path string) (*manifest.Manifest, error) {
	ok, err := manifest.Exists(path)
	if err != nil {
		return nil, &StepError{Step: StepDependencyInstall, Kind: ErrManifestNotFound, Cause: err}
	}
	if !ok {
		return nil, &StepError{
			Step:  StepDependencyInstall,
			Kind:  ErrManifestNotFound,
			Cause: fmt.Errorf("%s does not exist", path),
		}
	}

	m, err := manifest.Load(path)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, manifest.ErrNotFound) {
		return nil, &StepError{Step: StepDependencyInstall, Kind: ErrManifestNotFound, Cause: err}
	}
	stepErr := &StepError{Step: StepDependencyInstall, Kind: ErrDependencyInstallFailed, Cause: err}
	var entryErr *manifest.EntryError
	if errors.As(err, &entryErr) {
		stepErr.Entry = entryErr.Entry
	}
	return nil, stepErr
}

func (p *Pipeline) runStep(ctx context.Context, step func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Debugw("starting step", "step", p.step.String())
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	return step(ctx)
}

func (p *Pipeline) fail(err error) error {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		stepErr = stepError(p.step, kindOf(p.step), err)
	}
	p.step = stepErr.Step
	p.err = stepErr
	return stepErr
}

// record writes the state file. It never fails the run.
func (p *Pipeline) record(env *Environment, m *manifest.Manifest, report *InstallReport, runErr error) {
	state := &State{
		Status:   StatusInstalling,
		Step:     p.step.String(),
		Manifest: m.Path,
		Refresh:  string(p.opts.Provision.Refresh),
		Python:   p.opts.Provision.Python,
	}
	if digest, err := util.HashFile(m.Path); err == nil {
		state.ManifestSHA256 = digest
	}
	state.apply(report)
	switch {
	case runErr != nil:
		state.Status = StatusFailed
		state.Error = runErr.Error()
		var stepErr *StepError
		if errors.As(runErr, &stepErr) {
			state.Step = stepErr.Step.String()
			if state.FailedEntry == "" {
				state.FailedEntry = stepErr.Entry
			}
		}
	case p.step == StepDone:
		state.Status = StatusComplete
	}
	if err := state.Save(env); err != nil {
		logger.Warnw("could not write state file", err, "path", env.StateFile())
	}
}

func kindOf(step Step) error {
	switch step {
	case StepPrerequisiteInstall:
		return ErrPrerequisiteInstallFailed
	case StepEnvironmentProvision:
		return ErrEnvironmentProvisionFailed
	default:
		return ErrDependencyInstallFailed
	}
}

func requirementStrings(reqs []manifest.Requirement) []string {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.String()
	}
	return out
}

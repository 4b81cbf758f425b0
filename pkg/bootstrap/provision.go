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
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/venvboot/pkg/util"
)

// RefreshPolicy decides what happens to an environment that already exists.
type RefreshPolicy string

const (
	// RefreshVerify reuses a valid environment untouched.
	RefreshVerify RefreshPolicy = "verify"
	// RefreshUpgrade upgrades the environment in place.
	RefreshUpgrade RefreshPolicy = "upgrade"
	// RefreshRecreate clears the environment and provisions it from scratch.
	RefreshRecreate RefreshPolicy = "recreate"
)

func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch RefreshPolicy(s) {
	case "":
		return RefreshVerify, nil
	case RefreshVerify, RefreshUpgrade, RefreshRecreate:
		return RefreshPolicy(s), nil
	default:
		return "", fmt.Errorf("unsupported refresh policy %q, expected verify, upgrade or recreate", s)
	}
}

type ProvisionOptions struct {
	Dir                string
	Python             string
	Refresh            RefreshPolicy
	SystemSitePackages bool
	// MinFreeBytes is checked on the target filesystem before creating an
	// environment. Zero disables the check.
	MinFreeBytes int64
	Env          []string
	Out          io.Writer
}

// Provisioner creates or reuses the virtual environment.
type Provisioner struct {
	opts      ProvisionOptions
	runner    Runner
	freeBytes func(string) (uint64, error)
}

type ProvisionResult struct {
	Env     *Environment
	Created bool
	Reused  bool
}

func NewProvisioner(opts ProvisionOptions, runner Runner) *Provisioner {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Refresh == "" {
		opts.Refresh = RefreshVerify
	}
	return &Provisioner{opts: opts, runner: runner, freeBytes: freeDiskBytes}
}

func (p *Provisioner) Provision(ctx context.Context) (*ProvisionResult, error) {
	env := NewEnvironment(p.opts.Dir)
	res := &ProvisionResult{Env: env}

	exists, err := p.inspect(env)
	if err != nil {
		return nil, p.fail(err)
	}
	refresh := p.opts.Refresh
	if exists && provisionInterrupted(env) {
		logger.Infow("previous provisioning did not finish, recreating environment", "dir", env.Dir)
		refresh = RefreshRecreate
	}
	if exists && refresh == RefreshVerify {
		logger.Debugw("reusing environment", "dir", env.Dir)
		fmt.Fprintf(p.opts.Out, "Using environment %s\n", util.Accented(env.Dir))
		res.Reused = true
		return res, nil
	}

	python, err := p.runner.LookPath(p.opts.Python)
	if err != nil {
		return nil, p.fail(fmt.Errorf("python interpreter %s not found: %w", p.opts.Python, err))
	}
	if !exists || refresh == RefreshRecreate {
		if err := p.checkFreeSpace(env.Dir); err != nil {
			return nil, p.fail(err)
		}
	}

	args := []string{"-m", "venv"}
	switch {
	case exists && refresh == RefreshUpgrade:
		args = append(args, "--upgrade")
	case exists && refresh == RefreshRecreate:
		args = append(args, "--clear")
	}
	if p.opts.SystemSitePackages {
		args = append(args, "--system-site-packages")
	}
	args = append(args, env.Dir)

	verb := "Creating"
	if exists {
		verb = "Refreshing"
	}
	fmt.Fprintf(p.opts.Out, "%s environment %s\n", verb, util.Accented(env.Dir))
	logger.Infow("provisioning environment", "dir", env.Dir, "python", python, "refresh", refresh)
	if err := p.runner.Run(ctx, Command{Name: python, Args: args, Env: p.opts.Env}); err != nil {
		return nil, p.fail(err)
	}
	if err := env.Validate(); err != nil {
		return nil, p.fail(fmt.Errorf("environment incomplete after provisioning: %w", err))
	}
	res.Created = !exists
	return res, nil
}

// inspect reports whether a usable environment exists at the target. An
// empty directory counts as absent. Anything else that is not a virtual
// environment is refused so unrelated files are never overwritten.
func (p *Provisioner) inspect(env *Environment) (bool, error) {
	info, err := os.Stat(env.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s exists and is not a directory", env.Dir)
	}
	if env.Validate() == nil {
		return true, nil
	}
	empty, err := util.IsEmptyDir(env.Dir)
	if err != nil {
		return false, err
	}
	if !empty {
		return false, fmt.Errorf("%s exists and is not a virtual environment", env.Dir)
	}
	return false, nil
}

// provisionInterrupted reports whether the state record in env says the last
// run failed while provisioning it, leaving contents that only look valid.
func provisionInterrupted(env *Environment) bool {
	state, err := LoadState(env)
	if err != nil {
		logger.Debugw("could not read environment state", "dir", env.Dir, "error", err)
		return false
	}
	return state != nil && state.Status == StatusFailed && state.Step == StepEnvironmentProvision.String()
}

func (p *Provisioner) checkFreeSpace(dir string) error {
	if p.opts.MinFreeBytes <= 0 {
		return nil
	}
	target := existingAncestor(dir)
	free, err := p.freeBytes(target)
	if errors.Is(err, errFreeSpaceUnsupported) {
		logger.Debugw("free space check unavailable", "dir", target)
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not determine free space on %s: %w", target, err)
	}
	if free < uint64(p.opts.MinFreeBytes) {
		return fmt.Errorf("%s has %d bytes free, %d required", target, free, p.opts.MinFreeBytes)
	}
	return nil
}

func (p *Provisioner) fail(cause error) *StepError {
	return stepError(StepEnvironmentProvision, ErrEnvironmentProvisionFailed, cause)
}

func existingAncestor(dir string) string {
	for {
		if util.DirExists(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

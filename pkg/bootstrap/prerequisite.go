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
	"os"
	"strings"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/venvboot/pkg/util"
)

type PackageManager string

const (
	AptGet PackageManager = "apt-get"
	DNF    PackageManager = "dnf"
	YUM    PackageManager = "yum"
	Zypper PackageManager = "zypper"
	APK    PackageManager = "apk"
	Pacman PackageManager = "pacman"
	Brew   PackageManager = "brew"
)

// PackageManagers lists the supported managers in detection order.
var PackageManagers = []PackageManager{AptGet, DNF, YUM, Zypper, APK, Pacman, Brew}

var ErrNoPackageManager = errors.New("no supported package manager found")

func ParsePackageManager(s string) (PackageManager, error) {
	if s == "" {
		return "", nil
	}
	for _, pm := range PackageManagers {
		if string(pm) == s {
			return pm, nil
		}
	}
	if s == "apt" {
		return AptGet, nil
	}
	names := make([]string, len(PackageManagers))
	for i, pm := range PackageManagers {
		names[i] = string(pm)
	}
	return "", fmt.Errorf("unsupported package manager %q, expected one of %s", s, strings.Join(names, ", "))
}

// AutodetectPackageManager returns the first supported manager found on PATH.
func AutodetectPackageManager(lookPath func(string) (string, error)) (PackageManager, error) {
	for _, pm := range PackageManagers {
		if _, err := lookPath(string(pm)); err == nil {
			return pm, nil
		}
	}
	return "", ErrNoPackageManager
}

// DefaultPackage is the system package that provides a Python interpreter
// with the venv module under this manager.
func (pm PackageManager) DefaultPackage() string {
	switch pm {
	case AptGet:
		return "python3-venv"
	case Pacman, Brew:
		return "python"
	default:
		return "python3"
	}
}

// InstallArgs builds the manager's install invocation. When assumeYes is
// false the manager is left to prompt on its own.
func (pm PackageManager) InstallArgs(pkg string, assumeYes bool) []string {
	switch pm {
	case AptGet, DNF, YUM:
		if assumeYes {
			return []string{"install", "-y", pkg}
		}
		return []string{"install", pkg}
	case Zypper:
		if assumeYes {
			return []string{"--non-interactive", "install", pkg}
		}
		return []string{"install", pkg}
	case APK:
		return []string{"add", pkg}
	case Pacman:
		if assumeYes {
			return []string{"-S", "--needed", "--noconfirm", pkg}
		}
		return []string{"-S", "--needed", pkg}
	default:
		return []string{"install", pkg}
	}
}

// QueryCommand returns a command that exits zero when pkg is installed.
func (pm PackageManager) QueryCommand(pkg string) Command {
	switch pm {
	case AptGet:
		return Command{Name: "dpkg", Args: []string{"-s", pkg}}
	case DNF, YUM, Zypper:
		return Command{Name: "rpm", Args: []string{"-q", pkg}}
	case APK:
		return Command{Name: "apk", Args: []string{"info", "-e", pkg}}
	case Pacman:
		return Command{Name: "pacman", Args: []string{"-Q", pkg}}
	default:
		return Command{Name: "brew", Args: []string{"list", "--versions", pkg}}
	}
}

// NeedsRoot reports whether installs through pm require elevated privileges.
// Homebrew refuses to run as root.
func (pm PackageManager) NeedsRoot() bool {
	return pm != Brew
}

type SudoMode string

const (
	SudoAuto   SudoMode = "auto"
	SudoAlways SudoMode = "always"
	SudoNever  SudoMode = "never"
)

func ParseSudoMode(s string) (SudoMode, error) {
	switch SudoMode(s) {
	case "":
		return SudoAuto, nil
	case SudoAuto, SudoAlways, SudoNever:
		return SudoMode(s), nil
	default:
		return "", fmt.Errorf("unsupported sudo mode %q, expected auto, always or never", s)
	}
}

// ConfirmFunc asks the user to approve a system change.
type ConfirmFunc func(ctx context.Context, message string) (bool, error)

type PrerequisiteOptions struct {
	// Package overrides the manager's default package.
	Package string
	// Manager overrides detection.
	Manager   PackageManager
	Sudo      SudoMode
	AssumeYes bool
	// Confirm is consulted before installing unless AssumeYes is set.
	// A nil Confirm leaves prompting to the package manager itself.
	Confirm ConfirmFunc
	Env     []string
	Out     io.Writer
}

// PrerequisiteInstaller ensures the system package providing Python and its
// venv module is present.
type PrerequisiteInstaller struct {
	opts   PrerequisiteOptions
	runner Runner
	euid   func() int
}

type PrerequisiteResult struct {
	Manager        PackageManager
	Package        string
	AlreadyPresent bool
}

func NewPrerequisiteInstaller(opts PrerequisiteOptions, runner Runner) *PrerequisiteInstaller {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &PrerequisiteInstaller{opts: opts, runner: runner, euid: os.Geteuid}
}

func (p *PrerequisiteInstaller) Ensure(ctx context.Context) (*PrerequisiteResult, error) {
	pm := p.opts.Manager
	if pm == "" {
		detected, err := AutodetectPackageManager(p.runner.LookPath)
		if err != nil {
			return nil, p.fail(err)
		}
		pm = detected
	} else if _, err := p.runner.LookPath(string(pm)); err != nil {
		return nil, p.fail(fmt.Errorf("package manager %s not found: %w", pm, err))
	}

	pkg := p.opts.Package
	if pkg == "" {
		pkg = pm.DefaultPackage()
	}
	res := &PrerequisiteResult{Manager: pm, Package: pkg}

	if p.isInstalled(ctx, pm, pkg) {
		logger.Debugw("prerequisite already present", "package", pkg, "manager", pm)
		res.AlreadyPresent = true
		return res, nil
	}

	assumeYes := p.opts.AssumeYes
	if !assumeYes && p.opts.Confirm != nil {
		ok, err := p.opts.Confirm(ctx, fmt.Sprintf("Install %s with %s?", pkg, pm))
		if err != nil {
			return nil, p.fail(err)
		}
		if !ok {
			return nil, p.fail(fmt.Errorf("installation of %s declined", pkg))
		}
		assumeYes = true
	}

	cmd, err := p.installCommand(pm, pkg, assumeYes)
	if err != nil {
		return nil, p.fail(err)
	}
	fmt.Fprintf(p.opts.Out, "Installing %s with %s\n", util.Accented(pkg), util.Accented(string(pm)))
	logger.Infow("installing prerequisite", "package", pkg, "manager", pm, "cmd", cmd.String())
	if err := p.runner.Run(ctx, cmd); err != nil {
		return nil, p.fail(err)
	}
	return res, nil
}

func (p *PrerequisiteInstaller) isInstalled(ctx context.Context, pm PackageManager, pkg string) bool {
	query := pm.QueryCommand(pkg)
	if _, err := p.runner.LookPath(query.Name); err != nil {
		return false
	}
	query.Env = p.opts.Env
	_, err := p.runner.Output(ctx, query)
	return err == nil
}

func (p *PrerequisiteInstaller) installCommand(pm PackageManager, pkg string, assumeYes bool) (Command, error) {
	cmd := Command{
		Name: string(pm),
		Args: pm.InstallArgs(pkg, assumeYes),
		Env:  p.opts.Env,
	}
	if pm == AptGet && assumeYes {
		cmd.Env = append(environ(cmd.Env), "DEBIAN_FRONTEND=noninteractive")
	}

	useSudo := false
	switch p.opts.Sudo {
	case SudoAlways:
		useSudo = true
	case SudoNever:
	default:
		euid := p.euid()
		if pm.NeedsRoot() && euid > 0 {
			if _, err := p.runner.LookPath("sudo"); err != nil {
				return Command{}, fmt.Errorf("%s requires root privileges and sudo is not available", pm)
			}
			useSudo = true
		}
	}
	if useSudo {
		var args []string
		if pm == AptGet && assumeYes {
			// sudo resets the environment by default
			args = append(args, "--preserve-env=DEBIAN_FRONTEND")
		}
		cmd.Args = append(append(args, cmd.Name), cmd.Args...)
		cmd.Name = "sudo"
	}
	return cmd, nil
}

func (p *PrerequisiteInstaller) fail(cause error) *StepError {
	return stepError(StepPrerequisiteInstall, ErrPrerequisiteInstallFailed, cause)
}

// environ returns env, or the process environment when env is nil.
func environ(env []string) []string {
	if env == nil {
		return os.Environ()
	}
	return append([]string(nil), env...)
}

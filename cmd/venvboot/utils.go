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

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/venvboot/pkg/bootstrap"
	"github.com/livekit/venvboot/pkg/config"
	"github.com/livekit/venvboot/pkg/util"
)

var (
	workingDir   string = "."
	tomlFilename string = config.ProjectFile

	globalFlags = newGlobalFlags()
)

func newGlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "manifest",
			Aliases: []string{"m"},
			Usage:   "`PATH` to the requirements manifest or pyproject.toml",
			Sources: cli.EnvVars("VENVBOOT_MANIFEST"),
			Value:   config.DefaultManifest,
		},
		&cli.StringFlag{
			Name:    "env-dir",
			Aliases: []string{"e"},
			Usage:   "`DIR` of the virtual environment",
			Sources: cli.EnvVars("VENVBOOT_ENV_DIR"),
			Value:   config.DefaultEnvDir,
		},
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "Do not prompt before installing system packages",
			Sources: cli.EnvVars("VENVBOOT_ASSUME_YES"),
		},
		&cli.StringFlag{
			Name:    "python",
			Usage:   "Python `INTERPRETER` used to create the environment",
			Sources: cli.EnvVars("VENVBOOT_PYTHON"),
			Value:   config.DefaultPython,
		},
		&cli.StringFlag{
			Name:    "refresh",
			Usage:   "`POLICY` for an existing environment: verify, upgrade or recreate",
			Sources: cli.EnvVars("VENVBOOT_REFRESH"),
			Value:   config.DefaultRefresh,
		},
		&cli.StringFlag{
			Name:  "package",
			Usage: "System `PACKAGE` providing Python and venv, defaults per package manager",
		},
		&cli.StringFlag{
			Name:  "package-manager",
			Usage: "System package `MANAGER` to use instead of detecting one",
		},
		&cli.StringFlag{
			Name:  "sudo",
			Usage: "Run the package manager through sudo: auto, always or never",
			Value: config.DefaultSudo,
		},
		&cli.BoolFlag{
			Name:  "skip-prerequisite",
			Usage: "Assume Python and venv are already installed",
		},
		&cli.BoolFlag{
			Name:  "system-site-packages",
			Usage: "Give the environment access to the system site-packages",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "Abort a step that runs longer than `DURATION`",
			Sources: cli.EnvVars("VENVBOOT_TIMEOUT"),
		},
		&cli.StringSliceFlag{
			Name:  "pip-arg",
			Usage: "Extra `ARG` for every pip install, can be repeated",
		},
		&cli.StringSliceFlag{
			Name:  "exclude",
			Usage: "Leave out packages matching `PATTERN`, can be repeated",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "Set `KEY=VALUE` for every subprocess, can be repeated",
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Dotenv `FILE` merged into the subprocess environment",
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Config `TOML` to use in the working directory",
			Value:       config.ProjectFile,
			Destination: &tomlFilename,
		},
		&cli.BoolFlag{
			Name: "verbose",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Discard logs and progress output",
		},
		&cli.BoolFlag{
			Name:  "log-json",
			Usage: "Write logs as JSON",
		},
	}
}

// loadSettings resolves the configuration for this invocation. Flags and
// their environment variables override the project file, which overrides
// the defaults.
func loadSettings(cmd *cli.Command) (*config.Settings, error) {
	s := config.Defaults()

	dir, name := configLocation()
	project, found, err := config.LoadProjectFile(dir, name)
	if err != nil {
		return nil, err
	}
	if !found && cmd.IsSet("config") {
		return nil, fmt.Errorf("%w: config file [%s] not found", config.ErrInvalidConfig, tomlFilename)
	}
	if found {
		logger.Debugw("using project config", "file", tomlFilename)
		if err := s.ApplyProject(project); err != nil {
			return nil, err
		}
	}

	setFromFlag(cmd, "manifest", &s.Manifest)
	setFromFlag(cmd, "env-dir", &s.EnvDir)
	setFromFlag(cmd, "python", &s.Python)
	setFromFlag(cmd, "refresh", &s.Refresh)
	setFromFlag(cmd, "package", &s.Package)
	setFromFlag(cmd, "package-manager", &s.PackageManager)
	setFromFlag(cmd, "sudo", &s.Sudo)
	setFromFlag(cmd, "env-file", &s.EnvFile)
	if cmd.IsSet("yes") {
		s.AssumeYes = cmd.Bool("yes")
	}
	if cmd.IsSet("skip-prerequisite") {
		s.SkipPrerequisite = cmd.Bool("skip-prerequisite")
	}
	if cmd.IsSet("system-site-packages") {
		s.SystemSitePackages = cmd.Bool("system-site-packages")
	}
	if cmd.IsSet("timeout") {
		s.Timeout = cmd.Duration("timeout")
	}
	s.PipArgs = append(s.PipArgs, cmd.StringSlice("pip-arg")...)
	s.Exclude = append(s.Exclude, cmd.StringSlice("exclude")...)

	if pairs := cmd.StringSlice("env"); len(pairs) > 0 {
		vars, err := config.ParseKeyValuePairs(pairs)
		if err != nil {
			return nil, err
		}
		if s.Env == nil {
			s.Env = map[string]string{}
		}
		maps.Copy(s.Env, vars)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// configLocation splits --config into the directory and file name the
// config package expects. Relative names resolve against the working dir.
func configLocation() (string, string) {
	if filepath.IsAbs(tomlFilename) {
		return filepath.Dir(tomlFilename), filepath.Base(tomlFilename)
	}
	return filepath.Split(filepath.Join(workingDir, tomlFilename))
}

func setFromFlag(cmd *cli.Command, name string, dst *string) {
	if cmd.IsSet(name) {
		*dst = cmd.String(name)
	}
}

// subprocessEnv returns the environment handed to every subprocess, or nil
// to inherit ours unchanged. Explicit pairs win over the env file.
func subprocessEnv(s *config.Settings) ([]string, error) {
	overrides := map[string]string{}
	if s.EnvFile != "" {
		vars, err := config.LoadEnvFile(s.EnvFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(overrides, vars)
	}
	maps.Copy(overrides, s.Env)
	if len(overrides) == 0 {
		return nil, nil
	}
	return config.MergeEnv(os.Environ(), overrides), nil
}

func pipelineOptions(cmd *cli.Command, s *config.Settings) (bootstrap.Options, error) {
	refresh, err := bootstrap.ParseRefreshPolicy(s.Refresh)
	if err != nil {
		return bootstrap.Options{}, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	pm, err := bootstrap.ParsePackageManager(s.PackageManager)
	if err != nil {
		return bootstrap.Options{}, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	sudo, err := bootstrap.ParseSudoMode(s.Sudo)
	if err != nil {
		return bootstrap.Options{}, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	minFree, err := s.MinFreeBytes()
	if err != nil {
		return bootstrap.Options{}, err
	}
	env, err := subprocessEnv(s)
	if err != nil {
		return bootstrap.Options{}, err
	}

	var out io.Writer = os.Stdout
	if cmd.Bool("quiet") {
		out = io.Discard
	}

	opts := bootstrap.Options{
		Manifest:         s.Manifest,
		SkipPrerequisite: s.SkipPrerequisite,
		Prerequisite: bootstrap.PrerequisiteOptions{
			Package:   s.Package,
			Manager:   pm,
			Sudo:      sudo,
			AssumeYes: s.AssumeYes,
			Env:       env,
		},
		Provision: bootstrap.ProvisionOptions{
			Dir:                s.EnvDir,
			Python:             s.Python,
			Refresh:            refresh,
			SystemSitePackages: s.SystemSitePackages,
			MinFreeBytes:       minFree,
			Env:                env,
		},
		Install: bootstrap.InstallOptions{
			Refresh: refresh,
			PipArgs: s.PipArgs,
			Exclude: s.Exclude,
			Env:     env,
		},
		Timeout: s.Timeout,
		Out:     out,
	}
	// Without a terminal the package manager keeps its own prompt
	if !s.AssumeYes && util.IsInteractive() {
		opts.Prerequisite.Confirm = confirmInstall
	}
	return opts, nil
}

func confirmInstall(ctx context.Context, message string) (bool, error) {
	var confirmed bool
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(message).
				Description("This changes the system and may ask for your password").
				Value(&confirmed).
				Inline(false).
				WithTheme(util.Theme),
		),
	).RunWithContext(ctx); err != nil {
		return false, err
	}
	return confirmed, nil
}

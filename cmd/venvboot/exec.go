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
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/livekit/venvboot/pkg/bootstrap"
	"github.com/livekit/venvboot/pkg/util"
)

const interruptedExitCode = 130

var ExecCommands = []*cli.Command{
	{
		Name:            "exec",
		Usage:           "Run a command with the environment activated",
		ArgsUsage:       "[--] COMMAND [ARGS...]",
		SkipFlagParsing: true,
		Action:          execInEnvironment,
	},
}

func execInEnvironment(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		_ = cli.ShowSubcommandHelp(cmd)
		return errors.New("no command provided")
	}

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	env := bootstrap.NewEnvironment(settings.EnvDir)
	if err := env.Validate(); err != nil {
		return err
	}

	base, err := subprocessEnv(settings)
	if err != nil {
		return err
	}
	if base == nil {
		base = os.Environ()
	}

	runner := bootstrap.NewExecRunner()
	err = runner.Run(ctx, bootstrap.Command{
		Name: resolveInEnvironment(env, args[0]),
		Args: args[1:],
		Env:  env.ActivationEnv(base),
	})
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return cli.Exit("", interruptedExitCode)
	case errors.As(err, &exitErr):
		return cli.Exit("", exitErr.ExitCode())
	default:
		return err
	}
}

// resolveInEnvironment prefers an executable installed in the environment,
// since lookups otherwise use this process's PATH, not the activated one.
func resolveInEnvironment(env *bootstrap.Environment, name string) string {
	if filepath.Base(name) != name {
		return name
	}
	if util.FileExists(os.DirFS(env.BinDir()), name) {
		return filepath.Join(env.BinDir(), name)
	}
	return name
}

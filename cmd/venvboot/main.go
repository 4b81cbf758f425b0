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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/venvboot"
	"github.com/livekit/venvboot/pkg/bootstrap"
	"github.com/livekit/venvboot/pkg/util"
)

func main() {
	app := &cli.Command{
		Name:                   "venvboot",
		Usage:                  "Bootstrap a Python virtual environment from a requirements manifest",
		Description:            "Installs the system Python prerequisite, provisions a virtual environment and installs the manifest's dependencies into it, stopping at the first failure.",
		Version:                venvboot.Version,
		EnableShellCompletion:  true,
		Suggest:                true,
		HideHelpCommand:        true,
		UseShortOptionHandling: true,
		Flags:                  globalFlags,
		Commands: []*cli.Command{
			{
				Name:   "generate-fish-completion",
				Action: generateFishCompletion,
				Hidden: true,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
					},
				},
			},
		},
		Before: initLogger,
		Action: bootstrapEnvironment,
		// exit codes are decided in main
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}

	app.Commands = append(app.Commands, BootstrapCommands...)
	app.Commands = append(app.Commands, StatusCommands...)
	app.Commands = append(app.Commands, CheckCommands...)
	app.Commands = append(app.Commands, ExecCommands...)
	app.Commands = append(app.Commands, InitCommands...)

	// Interrupted subprocesses are signalled and the failing step reported
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := app.Run(ctx, os.Args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, util.Failed("error:"), msg)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode honours commands that carry their own status, such as a
// pipeline step failure or the exit status of an exec'd command.
func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return bootstrap.ExitCode(err)
}

func initLogger(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("quiet") {
		logger.SetLogger(logger.LogRLogger(logr.Discard()), "venvboot")
		return nil, nil
	}

	logConfig := &logger.Config{
		Level: "info",
		JSON:  cmd.Bool("log-json"),
	}
	if cmd.Bool("verbose") {
		logConfig.Level = "debug"
	}
	logger.InitFromConfig(logConfig, "venvboot")

	return nil, nil
}

func generateFishCompletion(ctx context.Context, cmd *cli.Command) error {
	fishScript, err := cmd.ToFishCompletion()
	if err != nil {
		return err
	}

	outPath := cmd.String("out")
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(fishScript), 0o644); err != nil {
			return err
		}
	} else {
		fmt.Println(fishScript)
	}

	return nil
}

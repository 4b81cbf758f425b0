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

	"github.com/urfave/cli/v3"

	"github.com/livekit/venvboot/pkg/bootstrap"
	"github.com/livekit/venvboot/pkg/util"
)

var BootstrapCommands = []*cli.Command{
	{
		Name:   "bootstrap",
		Usage:  "Install prerequisites, provision the environment and install dependencies",
		Action: bootstrapEnvironment,
	},
}

func bootstrapEnvironment(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Present() {
		_ = cli.ShowAppHelp(cmd)
		return fmt.Errorf("unknown command %q", cmd.Args().First())
	}

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	opts, err := pipelineOptions(cmd, settings)
	if err != nil {
		return err
	}

	res, err := bootstrap.New(opts, bootstrap.NewExecRunner()).Run(ctx)
	if err != nil {
		return err
	}

	if !cmd.Bool("quiet") {
		fmt.Printf("%s %s: %d installed, %d already satisfied, %d excluded\n",
			util.Succeeded("Ready"),
			util.Accented(res.Environment.Dir),
			len(res.Report.Installed),
			len(res.Report.Satisfied),
			len(res.Report.Excluded),
		)
	}
	return nil
}

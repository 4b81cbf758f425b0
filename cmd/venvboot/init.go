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
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/urfave/cli/v3"

	"github.com/livekit/venvboot/pkg/config"
	"github.com/livekit/venvboot/pkg/util"
)

var InitCommands = []*cli.Command{
	{
		Name:  "init",
		Usage: "Write the resolved settings to a project config file",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Overwrite an existing config file",
			},
		},
		Action: initProject,
	},
}

func initProject(ctx context.Context, cmd *cli.Command) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	dir, name := configLocation()
	if _, err := os.Stat(filepath.Join(dir, name)); err == nil && !cmd.Bool("force") {
		if !util.IsInteractive() {
			return fmt.Errorf("config file [%s] already exists, use --force to overwrite", tomlFilename)
		}
		var overwrite bool
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Config file [%s] already exists. Overwrite?", tomlFilename)).
					Value(&overwrite).
					WithTheme(util.Theme),
			),
		).RunWithContext(ctx); err != nil {
			return err
		}
		if !overwrite {
			return fmt.Errorf("config file [%s] already exists", tomlFilename)
		}
	}

	return config.NewProjectTOML(settings).SaveProjectFile(dir, name)
}

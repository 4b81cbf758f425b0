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
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/livekit/venvboot/pkg/bootstrap"
	"github.com/livekit/venvboot/pkg/util"
)

var StatusCommands = []*cli.Command{
	{
		Name:   "status",
		Usage:  "Show the environment and the outcome of the last run",
		Action: showStatus,
	},
}

func showStatus(ctx context.Context, cmd *cli.Command) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	env := bootstrap.NewEnvironment(settings.EnvDir)

	table := util.CreateTable().Headers("Property", "Value")
	table.Row("Environment", env.Dir)
	validErr := env.Validate()
	if validErr != nil {
		table.Row("Valid", util.Failed("no"))
		fmt.Println(table)
		return validErr
	}
	table.Row("Valid", util.Succeeded("yes"))

	state, err := bootstrap.LoadState(env)
	if err != nil {
		return fmt.Errorf("could not read state file: %w", err)
	}
	if state == nil {
		table.Row("Last run", util.Dimmed("no record"))
		fmt.Println(table)
		return nil
	}

	table.Row("Last run", statusString(state.Status))
	table.Row("Updated", state.UpdatedAt.Local().Format(time.RFC1123))
	table.Row("Manifest", state.Manifest+manifestDrift(settings.Manifest, state))
	if state.Refresh != "" {
		table.Row("Refresh", state.Refresh)
	}
	table.Row("Installed", strconv.Itoa(len(state.Installed)))
	table.Row("Satisfied", strconv.Itoa(len(state.Satisfied)))
	if len(state.Excluded) > 0 {
		table.Row("Excluded", strconv.Itoa(len(state.Excluded)))
	}
	if state.Status == bootstrap.StatusFailed {
		table.Row("Failed step", state.Step)
		if state.FailedEntry != "" {
			table.Row("Failed entry", state.FailedEntry)
		}
		table.Row("Error", util.EllipsizeTo(util.FirstLine(state.Error), 80))
	}
	fmt.Println(table)
	return nil
}

func statusString(status bootstrap.Status) string {
	switch status {
	case bootstrap.StatusComplete:
		return util.Succeeded(string(status))
	case bootstrap.StatusFailed:
		return util.Failed(string(status))
	default:
		return string(status)
	}
}

// manifestDrift notes whether the manifest changed since the recorded run.
func manifestDrift(path string, state *bootstrap.State) string {
	if state.ManifestSHA256 == "" {
		return ""
	}
	digest, err := util.HashFile(path)
	if err != nil {
		return util.Dimmed(" (missing)")
	}
	if digest != state.ManifestSHA256 {
		return util.Failed(" (changed since last run)")
	}
	return util.Dimmed(" (unchanged)")
}

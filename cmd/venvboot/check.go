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
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/livekit/venvboot/pkg/bootstrap"
	"github.com/livekit/venvboot/pkg/manifest"
	"github.com/livekit/venvboot/pkg/util"
)

var CheckCommands = []*cli.Command{
	{
		Name:   "check",
		Usage:  "Validate the manifest without changing anything",
		Action: checkManifest,
	},
}

func checkManifest(ctx context.Context, cmd *cli.Command) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	m, err := bootstrap.LoadManifest(settings.Manifest)
	if err != nil {
		return err
	}
	filter, err := manifest.NewFilter(settings.Exclude)
	if err != nil {
		return err
	}

	table := util.CreateTable().Headers("Line", "Requirement", "Name", "Version", "Notes")
	for _, r := range m.Requirements {
		var notes []string
		if r.Marker != "" {
			notes = append(notes, "when "+r.Marker)
		}
		if r.Editable {
			notes = append(notes, "editable")
		} else if r.URL != "" {
			notes = append(notes, "direct reference")
		}
		if len(r.Hashes) > 0 {
			notes = append(notes, "hashed")
		}
		if filter.Excluded(r) {
			notes = append(notes, "excluded")
		}
		table.Row(r.Location(), r.String(), r.Key(), specifierString(r.Specifier), strings.Join(notes, ", "))
	}
	fmt.Println(table)
	if len(m.Options) > 0 {
		fmt.Println(util.Dimmed("pip options: " + strings.Join(m.Options, " ")))
	}
	fmt.Printf("%s %s has %d valid entries\n",
		util.Succeeded("OK"), util.Accented(settings.Manifest), len(m.Requirements))
	return nil
}

func specifierString(clauses []manifest.Clause) string {
	parts := make([]string, len(clauses))
	for i, c := range clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

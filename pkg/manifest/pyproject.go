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

package manifest

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// parsePyproject reads the PEP 621 [project].dependencies array. A
// pyproject.toml without a [project] table declares no dependencies.
func parsePyproject(m *Manifest, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return &EntryError{Entry: PyprojectFile, Source: path, Line: 0, Reason: err.Error()}
	}

	project, ok := doc["project"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := project["dependencies"]
	if !ok {
		return nil
	}
	deps, ok := raw.([]any)
	if !ok {
		return &EntryError{Entry: "dependencies", Source: path, Reason: "[project].dependencies must be an array of strings"}
	}

	for i, dep := range deps {
		spec, ok := dep.(string)
		if !ok {
			return &EntryError{Entry: fmt.Sprint(dep), Source: path, Line: i + 1, Reason: "dependency must be a string"}
		}
		req, err := ParseRequirement(spec)
		if err != nil {
			return entryError(path, i+1, spec, err)
		}
		req.Source = path
		req.Line = i + 1
		m.Requirements = append(m.Requirements, req)
	}
	return nil
}

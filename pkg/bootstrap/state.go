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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/venvboot"
)

// StateFile is written inside the environment to record the outcome of the
// most recent run. It is informational and never used to resume.
const StateFile = ".venvboot-state.yaml"

type Status string

const (
	StatusInstalling Status = "installing"
	StatusFailed     Status = "failed"
	StatusComplete   Status = "complete"
)

type State struct {
	Status         Status    `yaml:"status"`
	Step           string    `yaml:"step,omitempty"`
	Manifest       string    `yaml:"manifest"`
	ManifestSHA256 string    `yaml:"manifest_sha256,omitempty"`
	Refresh        string    `yaml:"refresh,omitempty"`
	Python         string    `yaml:"python,omitempty"`
	Installed      []string  `yaml:"installed,omitempty"`
	Satisfied      []string  `yaml:"satisfied,omitempty"`
	Excluded       []string  `yaml:"excluded,omitempty"`
	FailedEntry    string    `yaml:"failed_entry,omitempty"`
	Error          string    `yaml:"error,omitempty"`
	UpdatedAt      time.Time `yaml:"updated_at"`
	Version        string    `yaml:"version"`
}

// LoadState reads the state record of env. A missing record returns nil
// without error.
func LoadState(env *Environment) (*State, error) {
	data, err := os.ReadFile(env.StateFile())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &State{}
	if err := yaml.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save writes the record into env, replacing any previous one.
func (s *State) Save(env *Environment) error {
	s.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	s.Version = venvboot.Version
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(env.Dir, StateFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(env.Dir, StateFile))
}

func (s *State) apply(report *InstallReport) {
	if report == nil {
		return
	}
	s.Installed = requirementStrings(report.Installed)
	s.Satisfied = requirementStrings(report.Satisfied)
	s.Excluded = requirementStrings(report.Excluded)
	if report.Failed != nil {
		s.FailedEntry = report.Failed.String()
	}
}

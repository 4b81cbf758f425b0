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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/venvboot/pkg/util"
)

const (
	ProjectFile = "venvboot.toml"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ProjectTOML is the optional per-project configuration file. Every field
// may be omitted; flags and environment variables take precedence.
type ProjectTOML struct {
	Environment  *EnvironmentConfig  `toml:"environment,omitempty"`
	Manifest     *ManifestConfig     `toml:"manifest,omitempty"`
	Prerequisite *PrerequisiteConfig `toml:"prerequisite,omitempty"`
	Install      *InstallConfig      `toml:"install,omitempty"`
}

type EnvironmentConfig struct {
	Dir                string `toml:"dir,omitempty"`
	Python             string `toml:"python,omitempty"`
	Refresh            string `toml:"refresh,omitempty"`
	SystemSitePackages bool   `toml:"system_site_packages,omitempty"`
	MinFreeSpace       string `toml:"min_free_space,omitempty"`
}

type ManifestConfig struct {
	Path    string   `toml:"path,omitempty"`
	Exclude []string `toml:"exclude,omitempty"`
}

type PrerequisiteConfig struct {
	Package        string `toml:"package,omitempty"`
	PackageManager string `toml:"package_manager,omitempty"`
	Sudo           string `toml:"sudo,omitempty"`
	Skip           bool   `toml:"skip,omitempty"`
}

type InstallConfig struct {
	PipArgs []string          `toml:"pip_args,omitempty"`
	Timeout string            `toml:"timeout,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
	EnvFile string            `toml:"env_file,omitempty"`
}

// NewProjectTOML captures resolved settings so they can be written back out.
func NewProjectTOML(s *Settings) *ProjectTOML {
	c := &ProjectTOML{
		Environment: &EnvironmentConfig{
			Dir:                s.EnvDir,
			Python:             s.Python,
			Refresh:            s.Refresh,
			SystemSitePackages: s.SystemSitePackages,
			MinFreeSpace:       s.MinFreeSpace,
		},
		Manifest: &ManifestConfig{
			Path:    s.Manifest,
			Exclude: s.Exclude,
		},
		Prerequisite: &PrerequisiteConfig{
			Package:        s.Package,
			PackageManager: s.PackageManager,
			Sudo:           s.Sudo,
			Skip:           s.SkipPrerequisite,
		},
		Install: &InstallConfig{
			PipArgs: s.PipArgs,
			Env:     s.Env,
			EnvFile: s.EnvFile,
		},
	}
	if s.Timeout > 0 {
		c.Install.Timeout = s.Timeout.String()
	}
	return c
}

func (c *ProjectTOML) SaveProjectFile(dir string, fileName string) error {
	f, err := os.Create(filepath.Join(dir, fileName))
	if err != nil {
		return err
	}
	defer f.Close()
	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("error encoding TOML: %w", err)
	}
	fmt.Printf("Saving config file [%s]\n", util.Accented(fileName))
	return nil
}

// LoadProjectFile decodes dir/fileName. The boolean reports whether the file
// exists; a missing file is not an error.
func LoadProjectFile(dir string, fileName string) (*ProjectTOML, bool, error) {
	logger.Debugw("loading project config", "file", fileName)

	path := filepath.Join(dir, fileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, true, err
	}

	config := &ProjectTOML{}
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, fileName, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, true, fmt.Errorf("%w: %s: unknown key %s", ErrInvalidConfig, fileName, undecoded[0])
	}
	return config, true, nil
}

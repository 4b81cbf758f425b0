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
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	DefaultManifest = "requirements.txt"
	DefaultEnvDir   = ".venv"
	DefaultPython   = "python3"
	DefaultRefresh  = "verify"
	DefaultSudo     = "auto"
)

// Settings is the fully resolved configuration for one invocation.
type Settings struct {
	Manifest string
	Exclude  []string

	EnvDir             string
	Python             string
	Refresh            string
	SystemSitePackages bool
	MinFreeSpace       string

	Package          string
	PackageManager   string
	Sudo             string
	SkipPrerequisite bool
	AssumeYes        bool

	PipArgs []string
	Timeout time.Duration
	Env     map[string]string
	EnvFile string
}

func Defaults() *Settings {
	return &Settings{
		Manifest: DefaultManifest,
		EnvDir:   DefaultEnvDir,
		Python:   DefaultPython,
		Refresh:  DefaultRefresh,
		Sudo:     DefaultSudo,
	}
}

// ApplyProject overlays values from a project file. Empty values in the
// file leave the current setting alone.
func (s *Settings) ApplyProject(p *ProjectTOML) error {
	if p == nil {
		return nil
	}
	if e := p.Environment; e != nil {
		setString(&s.EnvDir, e.Dir)
		setString(&s.Python, e.Python)
		setString(&s.Refresh, e.Refresh)
		setString(&s.MinFreeSpace, e.MinFreeSpace)
		s.SystemSitePackages = s.SystemSitePackages || e.SystemSitePackages
	}
	if m := p.Manifest; m != nil {
		setString(&s.Manifest, m.Path)
		s.Exclude = append(s.Exclude, m.Exclude...)
	}
	if pr := p.Prerequisite; pr != nil {
		setString(&s.Package, pr.Package)
		setString(&s.PackageManager, pr.PackageManager)
		setString(&s.Sudo, pr.Sudo)
		s.SkipPrerequisite = s.SkipPrerequisite || pr.Skip
	}
	if i := p.Install; i != nil {
		s.PipArgs = append(s.PipArgs, i.PipArgs...)
		setString(&s.EnvFile, i.EnvFile)
		if i.Timeout != "" {
			d, err := time.ParseDuration(i.Timeout)
			if err != nil {
				return fmt.Errorf("%w: install.timeout: %w", ErrInvalidConfig, err)
			}
			s.Timeout = d
		}
		for k, v := range i.Env {
			if s.Env == nil {
				s.Env = map[string]string{}
			}
			s.Env[k] = v
		}
	}
	return nil
}

// Validate checks values that can be checked without touching the system.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Manifest) == "" {
		return fmt.Errorf("%w: manifest path is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(s.EnvDir) == "" {
		return fmt.Errorf("%w: environment directory is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(s.Python) == "" {
		return fmt.Errorf("%w: python interpreter is empty", ErrInvalidConfig)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
	}
	if _, err := s.MinFreeBytes(); err != nil {
		return err
	}
	return nil
}

// MinFreeBytes parses MinFreeSpace, a quantity such as "500Mi" or "2G".
// Zero means no check.
func (s *Settings) MinFreeBytes() (int64, error) {
	if strings.TrimSpace(s.MinFreeSpace) == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(strings.TrimSpace(s.MinFreeSpace))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse min_free_space quantity: %v", ErrInvalidConfig, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("%w: min_free_space cannot be negative", ErrInvalidConfig)
	}
	return q.Value(), nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

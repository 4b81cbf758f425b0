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
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/livekit/venvboot/pkg/util"
)

const venvConfigFile = "pyvenv.cfg"

// Environment is a Python virtual environment rooted at Dir.
type Environment struct {
	Dir string
}

func NewEnvironment(dir string) *Environment {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Environment{Dir: dir}
}

func (e *Environment) BinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.Dir, "Scripts")
	}
	return filepath.Join(e.Dir, "bin")
}

// Python is the environment's own interpreter.
func (e *Environment) Python() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.BinDir(), "python.exe")
	}
	return filepath.Join(e.BinDir(), "python")
}

func (e *Environment) ConfigFile() string {
	return filepath.Join(e.Dir, venvConfigFile)
}

func (e *Environment) StateFile() string {
	return filepath.Join(e.Dir, StateFile)
}

// Validate checks that the directory is structurally a virtual environment:
// it holds pyvenv.cfg and an interpreter.
func (e *Environment) Validate() error {
	if !util.DirExists(e.Dir) {
		return fmt.Errorf("%w: %s does not exist", ErrEnvironmentInvalid, e.Dir)
	}
	root := os.DirFS(e.Dir)
	if !util.FileExists(root, venvConfigFile) {
		return fmt.Errorf("%w: %s is missing %s", ErrEnvironmentInvalid, e.Dir, venvConfigFile)
	}
	python, err := filepath.Rel(e.Dir, e.Python())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironmentInvalid, err)
	}
	if !util.FileExists(root, filepath.ToSlash(python)) {
		return fmt.Errorf("%w: %s has no interpreter", ErrEnvironmentInvalid, e.Dir)
	}
	return nil
}

// ActivationEnv returns base with the environment activated the way the
// venv activate scripts do it: VIRTUAL_ENV set, the bin directory first on
// PATH and PYTHONHOME removed.
func (e *Environment) ActivationEnv(base []string) []string {
	env := make([]string, 0, len(base)+2)
	path := ""
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch {
		case strings.EqualFold(key, "PATH"):
			path = value
		case key == "VIRTUAL_ENV", key == "PYTHONHOME":
		default:
			env = append(env, kv)
		}
	}
	if path == "" {
		path = e.BinDir()
	} else {
		path = e.BinDir() + string(os.PathListSeparator) + path
	}
	return append(env, "VIRTUAL_ENV="+e.Dir, "PATH="+path)
}

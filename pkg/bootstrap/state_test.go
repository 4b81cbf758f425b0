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
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/venvboot"
)

func TestLoadStateMissing(t *testing.T) {
	state, err := LoadState(newTestEnvironment(t))
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestStateSave(t *testing.T) {
	env := newTestEnvironment(t)
	state := &State{
		Status:      StatusFailed,
		Step:        StepDependencyInstall.String(),
		Manifest:    "requirements.txt",
		Installed:   []string{"alpha"},
		FailedEntry: "beta",
	}
	require.NoError(t, state.Save(env))

	data, err := os.ReadFile(env.StateFile())
	require.NoError(t, err)
	require.Contains(t, string(data), "status: failed")
	require.Contains(t, string(data), "failed_entry: beta")

	loaded, err := LoadState(env)
	require.NoError(t, err)
	require.Equal(t, venvboot.Version, loaded.Version)
	require.Equal(t, []string{"alpha"}, loaded.Installed)
	require.False(t, loaded.UpdatedAt.IsZero())

	entries, err := os.ReadDir(env.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), StateFile+".")
	}
}

func TestLoadStateCorrupt(t *testing.T) {
	env := newTestEnvironment(t)
	require.NoError(t, os.WriteFile(env.StateFile(), []byte("status: [unterminated"), 0o644))
	_, err := LoadState(env)
	require.Error(t, err)
}

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
	"maps"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

// ParseKeyValuePairs reads KEY=VALUE pairs using dotenv quoting rules.
func ParseKeyValuePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if m, err := godotenv.Unmarshal(pair); err != nil {
			return nil, fmt.Errorf("invalid key-value pair: %s: %w", pair, err)
		} else if len(m) == 0 {
			return nil, fmt.Errorf("invalid key-value pair: %s", pair)
		} else {
			maps.Copy(result, m)
		}
	}
	return result, nil
}

// LoadEnvFile reads a dotenv file.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return env, nil
}

// MergeEnv applies overrides on top of a KEY=VALUE environment list. Keys
// in overrides replace existing entries; new keys are appended in sorted
// order so the result is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		out = append(out, key+"="+overrides[key])
	}
	return out
}

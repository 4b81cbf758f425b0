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
	"strings"

	"github.com/moby/patternmatcher"
)

// Filter drops requirements whose normalized name matches one of a set of
// glob patterns. Patterns starting with '!' re-include, as in ignore files.
type Filter struct {
	matcher *patternmatcher.PatternMatcher
}

func NewFilter(patterns []string) (*Filter, error) {
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		negate := strings.HasPrefix(p, "!")
		p = NormalizeName(strings.TrimPrefix(p, "!"))
		if negate {
			p = "!" + p
		}
		normalized = append(normalized, p)
	}
	if len(normalized) == 0 {
		return &Filter{}, nil
	}

	matcher, err := patternmatcher.New(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	return &Filter{matcher: matcher}, nil
}

// Excluded reports whether r should be left out. Unnamed entries are never
// excluded.
func (f *Filter) Excluded(r Requirement) bool {
	if f == nil || f.matcher == nil || r.Name == "" {
		return false
	}
	ignored, err := f.matcher.MatchesOrParentMatches(NormalizeName(r.Name))
	return err == nil && ignored
}

// Apply splits the manifest's requirements into kept and excluded sets,
// preserving order.
func (f *Filter) Apply(m *Manifest) (kept, excluded []Requirement) {
	for _, r := range m.Requirements {
		if f.Excluded(r) {
			excluded = append(excluded, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, excluded
}

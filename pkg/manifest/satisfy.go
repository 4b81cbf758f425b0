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
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SatisfiedBy reports whether an installed version meets the requirement.
// decided is false when the answer cannot be known locally: direct
// references, editable installs, entries with extras, arbitrary-equality
// clauses and versions
// that have no semantic-version reading. Callers should install in that case.
func (r Requirement) SatisfiedBy(installed string) (satisfied bool, decided bool) {
	// an installed distribution says nothing about whether its extras'
	// dependencies are present
	if r.URL != "" || r.Editable || len(r.Extras) > 0 {
		return false, false
	}
	if len(r.Specifier) == 0 {
		return true, true
	}

	constraint, ok := semverConstraint(r.Specifier)
	if !ok {
		return false, false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, false
	}
	v, err := semver.NewVersion(installed)
	if err != nil {
		return false, false
	}
	return c.Check(v), true
}

func semverConstraint(clauses []Clause) (string, bool) {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		switch c.Op {
		case "==":
			parts = append(parts, "="+c.Version)
		case "!=", "<", ">", "<=", ">=":
			parts = append(parts, c.Op+c.Version)
		case "~=":
			// ~=X.Y.Z means >=X.Y.Z together with ==X.Y.*
			upper, ok := compatibleUpperBound(c.Version)
			if !ok {
				return "", false
			}
			parts = append(parts, ">="+c.Version, "<"+upper)
		default:
			return "", false
		}
	}
	return strings.Join(parts, ", "), true
}

func compatibleUpperBound(version string) (string, bool) {
	segments := strings.Split(version, ".")
	if len(segments) < 2 {
		return "", false
	}
	prefix := segments[:len(segments)-1]
	last, err := strconv.Atoi(prefix[len(prefix)-1])
	if err != nil {
		return "", false
	}
	bumped := append([]string{}, prefix[:len(prefix)-1]...)
	bumped = append(bumped, strconv.Itoa(last+1))
	return strings.Join(bumped, "."), true
}

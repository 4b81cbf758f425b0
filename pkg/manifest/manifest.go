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

// Package manifest reads requirements manifests: the plain-text
// requirements.txt format, one dependency specifier per line, and the
// [project].dependencies array of a pyproject.toml.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

const (
	DefaultFile   = "requirements.txt"
	PyprojectFile = "pyproject.toml"
)

var (
	ErrNotFound       = errors.New("manifest not found")
	ErrMalformedEntry = errors.New("malformed manifest entry")
	ErrIncludeCycle   = fmt.Errorf("include cycle: %w", ErrMalformedEntry)
)

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// Clause is a single version constraint, such as ">=1.2" or "==2.0.*".
type Clause struct {
	Op      string
	Version string
}

func (c Clause) String() string {
	return c.Op + c.Version
}

// Requirement is one dependency specifier from a manifest.
type Requirement struct {
	Name      string
	Extras    []string
	Specifier []Clause
	Marker    string
	URL       string
	Editable  bool

	// Raw is the specifier as written, with comments, continuations and
	// trailing options removed. It is what gets handed to the installer.
	Raw string
	// Options are installer options that apply to this requirement only,
	// such as --config-settings, as flag and value pairs.
	Options []string
	// Hashes are the accepted archive digests, as "algorithm:hex".
	Hashes []string

	Source string
	Line   int
}

// Key returns the normalized distribution name, or the raw text for
// unnamed URL and path entries.
func (r Requirement) Key() string {
	if r.Name == "" {
		return r.Raw
	}
	return NormalizeName(r.Name)
}

// InstallArgs returns the arguments that select this requirement on a pip
// command line.
func (r Requirement) InstallArgs() []string {
	args := slices.Clone(r.Options)
	if r.Editable {
		return append(args, "-e", r.URL)
	}
	return append(args, r.Raw)
}

// FileLine renders the requirement as a requirements file line with its
// hashes. Hashes can only be given to the installer that way.
func (r Requirement) FileLine() string {
	parts := []string{r.String()}
	for _, h := range r.Hashes {
		parts = append(parts, "--hash="+h)
	}
	return strings.Join(parts, " ")
}

func (r Requirement) String() string {
	if r.Editable {
		return "-e " + r.URL
	}
	return r.Raw
}

// Location describes where the requirement was declared.
func (r Requirement) Location() string {
	return fmt.Sprintf("%s:%d", r.Source, r.Line)
}

// Manifest is a parsed manifest, includes flattened in declaration order.
type Manifest struct {
	Path         string
	Requirements []Requirement
	// Options are installer-wide options (index URLs, find-links, ...)
	// collected from the manifest, in the order they appeared.
	Options []string
}

// Names returns the keys of every requirement.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.Key())
	}
	return names
}

// EntryError reports a manifest line that cannot be turned into a requirement.
type EntryError struct {
	Entry  string
	Source string
	Line   int
	Reason string
	Err    error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s:%d: invalid entry %q: %s", e.Source, e.Line, e.Entry, e.Reason)
}

func (e *EntryError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMalformedEntry
}

// NormalizeName applies the registry name normalization rules: names are
// case-insensitive and runs of '-', '_' and '.' are equivalent.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(name), "-")
}

// Exists reports whether the manifest file is present.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// Load reads and validates the manifest at path. The first malformed entry
// aborts loading with an *EntryError.
func Load(path string) (*Manifest, error) {
	ok, err := Exists(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	m := &Manifest{Path: path}
	if filepath.Base(path) == PyprojectFile {
		if err := parsePyproject(m, path); err != nil {
			return m, err
		}
		return m, nil
	}

	p := &parser{manifest: m, visiting: map[string]bool{}}
	if err := p.parseFile(path); err != nil {
		return m, err
	}
	return m, nil
}

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
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	commentPattern   = regexp.MustCompile(`(^|\s+)#.*$`)
	namePattern      = regexp.MustCompile(`(?i)^([a-z0-9]|[a-z0-9][a-z0-9._-]*[a-z0-9])$`)
	leadingName      = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)`)
	extraPattern     = regexp.MustCompile(`(?i)^[a-z0-9][a-z0-9._-]*$`)
	clausePattern    = regexp.MustCompile(`^(~=|===|==|!=|<=|>=|<|>)\s*(\S+)$`)
	pep440Version    = regexp.MustCompile(`(?i)^v?(\d+!)?\d+(\.\d+)*((a|b|c|rc|alpha|beta|pre|preview)[-_.]?\d*)?((-\d+)|([-_.]?(post|rev|r)[-_.]?\d*))?([-_.]?dev[-_.]?\d*)?(\+[a-z0-9]+([-_.][a-z0-9]+)*)?$`)
	wildcardVersion  = regexp.MustCompile(`(?i)^v?(\d+!)?\d+(\.\d+)*\.\*$`)
	eggFragment      = regexp.MustCompile(`#egg=([A-Za-z0-9][A-Za-z0-9._-]*)`)
	urlSchemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	trailingOption   = regexp.MustCompile(`\s--[A-Za-z]`)
	hashPattern      = regexp.MustCompile(`^(sha256|sha384|sha512):[0-9a-fA-F]+$`)
)

// options that are forwarded to the installer along with their value
var valueOptions = map[string]string{
	"-i":                "--index-url",
	"--index-url":       "--index-url",
	"--extra-index-url": "--extra-index-url",
	"-f":                "--find-links",
	"--find-links":      "--find-links",
	"--trusted-host":    "--trusted-host",
	"--no-binary":       "--no-binary",
	"--only-binary":     "--only-binary",
}

// options accepted after a specifier, applying to that requirement only
var requirementOptions = map[string]bool{
	"--hash":            true,
	"--config-settings": true,
	"--global-option":   true,
}

// options that are forwarded without a value
var flagOptions = map[string]bool{
	"--pre":           true,
	"--prefer-binary": true,
	"--no-index":      true,
}

type parser struct {
	manifest *Manifest
	visiting map[string]bool
}

func (p *parser) parseFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if p.visiting[abs] {
		return fmt.Errorf("%w: %s", ErrIncludeCycle, path)
	}
	p.visiting[abs] = true
	defer delete(p.visiting, abs)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		buf       strings.Builder
		lineNo    int
		startLine int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if buf.Len() == 0 {
			startLine = lineNo
		}
		// a trailing backslash joins the next physical line
		if strings.HasSuffix(text, `\`) {
			buf.WriteString(strings.TrimSuffix(text, `\`))
			continue
		}
		buf.WriteString(text)
		logical := buf.String()
		buf.Reset()

		if err := p.parseLine(path, startLine, logical); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if buf.Len() > 0 {
		return p.parseLine(path, startLine, buf.String())
	}
	return nil
}

func (p *parser) parseLine(source string, line int, text string) error {
	text = strings.TrimSpace(commentPattern.ReplaceAllString(text, ""))
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "-") {
		return p.parseOption(source, line, text)
	}

	spec, options, hashes, err := splitRequirementOptions(text)
	if err != nil {
		return entryError(source, line, text, err)
	}
	req, err := ParseRequirement(spec)
	if err != nil {
		return entryError(source, line, text, err)
	}
	req.Options = options
	req.Hashes = hashes
	req.Source = source
	req.Line = line
	p.manifest.Requirements = append(p.manifest.Requirements, req)
	return nil
}

func (p *parser) parseOption(source string, line int, text string) error {
	flag, value := splitOption(text)

	switch {
	case flag == "-r" || flag == "--requirement":
		if value == "" {
			return entryError(source, line, text, fmt.Errorf("missing file"))
		}
		include := resolveRelative(source, value)
		if ok, err := Exists(include); err != nil {
			return entryError(source, line, text, err)
		} else if !ok {
			return entryError(source, line, text, fmt.Errorf("included file %s not found", include))
		}
		if err := p.parseFile(include); err != nil {
			var entryErr *EntryError
			if errors.As(err, &entryErr) {
				return err
			}
			return &EntryError{Entry: text, Source: source, Line: line, Reason: err.Error(), Err: err}
		}
		return nil

	case flag == "-c" || flag == "--constraint":
		if value == "" {
			return entryError(source, line, text, fmt.Errorf("missing file"))
		}
		p.manifest.Options = append(p.manifest.Options, "--constraint", resolveRelative(source, value))
		return nil

	case flag == "-e" || flag == "--editable":
		if value == "" {
			return entryError(source, line, text, fmt.Errorf("missing path or URL"))
		}
		req := Requirement{
			URL:      value,
			Editable: true,
			Raw:      text,
			Source:   source,
			Line:     line,
		}
		if m := eggFragment.FindStringSubmatch(value); m != nil {
			req.Name = m[1]
		}
		p.manifest.Requirements = append(p.manifest.Requirements, req)
		return nil

	case valueOptions[flag] != "":
		if value == "" {
			return entryError(source, line, text, fmt.Errorf("%s requires a value", flag))
		}
		p.manifest.Options = append(p.manifest.Options, valueOptions[flag], value)
		return nil

	case flagOptions[flag]:
		if value != "" {
			return entryError(source, line, text, fmt.Errorf("%s takes no value", flag))
		}
		p.manifest.Options = append(p.manifest.Options, flag)
		return nil
	}

	return entryError(source, line, text, fmt.Errorf("unsupported option %s", flag))
}

// ParseRequirement parses and validates a single dependency specifier.
func ParseRequirement(text string) (Requirement, error) {
	text = strings.TrimSpace(text)
	req := Requirement{Raw: text}
	if text == "" {
		return req, fmt.Errorf("empty specifier")
	}

	// bare URLs and local paths
	if urlSchemePattern.MatchString(text) || strings.HasPrefix(text, ".") || strings.HasPrefix(text, "/") {
		req.URL = text
		if m := eggFragment.FindStringSubmatch(text); m != nil {
			req.Name = m[1]
		}
		return req, nil
	}

	spec := text
	if at := strings.Index(spec, "@"); at > 0 && !strings.ContainsAny(spec[:at], "<>=!~") {
		// name @ url ; marker, where the marker needs a space before ';'
		left := strings.TrimSpace(spec[:at])
		right := strings.TrimSpace(spec[at+1:])
		if idx := strings.Index(right, " ;"); idx >= 0 {
			req.Marker = strings.TrimSpace(right[idx+2:])
			right = strings.TrimSpace(right[:idx])
		}
		if !urlSchemePattern.MatchString(right) && !strings.HasPrefix(right, "file:") {
			return req, fmt.Errorf("direct reference %q is not a URL", right)
		}
		req.URL = right
		return req, parseNameAndExtras(&req, left)
	}

	if idx := strings.Index(spec, ";"); idx >= 0 {
		req.Marker = strings.TrimSpace(spec[idx+1:])
		spec = strings.TrimSpace(spec[:idx])
		if req.Marker == "" {
			return req, fmt.Errorf("empty environment marker")
		}
	}

	name := leadingName.FindString(spec)
	if name == "" {
		return req, fmt.Errorf("missing distribution name")
	}
	rest := strings.TrimSpace(spec[len(name):])
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return req, fmt.Errorf("unterminated extras")
		}
		name += rest[:end+1]
		rest = strings.TrimSpace(rest[end+1:])
	}
	if err := parseNameAndExtras(&req, name); err != nil {
		return req, err
	}

	clauses, err := parseSpecifier(rest)
	if err != nil {
		return req, err
	}
	req.Specifier = clauses
	return req, nil
}

func parseNameAndExtras(req *Requirement, text string) error {
	name := text
	if open := strings.Index(text, "["); open >= 0 {
		if !strings.HasSuffix(text, "]") {
			return fmt.Errorf("unterminated extras")
		}
		name = strings.TrimSpace(text[:open])
		for _, extra := range strings.Split(text[open+1:len(text)-1], ",") {
			extra = strings.TrimSpace(extra)
			if !extraPattern.MatchString(extra) {
				return fmt.Errorf("invalid extra %q", extra)
			}
			req.Extras = append(req.Extras, extra)
		}
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid distribution name %q", name)
	}
	req.Name = name
	return nil
}

func parseSpecifier(text string) ([]Clause, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	if text == "" {
		return nil, nil
	}

	var clauses []Clause
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		m := clausePattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid version constraint %q", part)
		}
		op, version := m[1], m[2]
		if !validVersion(op, version) {
			return nil, fmt.Errorf("invalid version %q in constraint %q", version, part)
		}
		clauses = append(clauses, Clause{Op: op, Version: version})
	}
	return clauses, nil
}

func validVersion(op, version string) bool {
	switch op {
	case "===":
		return true
	case "==", "!=":
		return pep440Version.MatchString(version) || wildcardVersion.MatchString(version)
	case "~=":
		return pep440Version.MatchString(version) && strings.Contains(version, ".")
	default:
		return pep440Version.MatchString(version)
	}
}

// splitRequirementOptions separates the per-requirement options trailing a
// specifier, as in "pkg==1.0 --hash=sha256:...", from the specifier itself.
func splitRequirementOptions(text string) (spec string, options, hashes []string, err error) {
	loc := trailingOption.FindStringIndex(text)
	if loc == nil {
		return text, nil, nil, nil
	}
	spec = strings.TrimSpace(text[:loc[0]])

	fields := strings.Fields(text[loc[0]:])
	for i := 0; i < len(fields); i++ {
		name, value, hasValue := strings.Cut(fields[i], "=")
		if !requirementOptions[name] {
			return "", nil, nil, fmt.Errorf("unsupported requirement option %s", fields[i])
		}
		if !hasValue {
			if i+1 >= len(fields) || strings.HasPrefix(fields[i+1], "-") {
				return "", nil, nil, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = fields[i]
		}
		if name == "--hash" {
			if !hashPattern.MatchString(value) {
				return "", nil, nil, fmt.Errorf("invalid hash %q", value)
			}
			hashes = append(hashes, value)
			continue
		}
		options = append(options, name, value)
	}
	return spec, options, hashes, nil
}

func splitOption(text string) (string, string) {
	if strings.HasPrefix(text, "--") {
		if eq := strings.Index(text, "="); eq > 0 && !strings.ContainsAny(text[:eq], " \t") {
			return text[:eq], strings.TrimSpace(text[eq+1:])
		}
	}
	fields := strings.Fields(text)
	flag := fields[0]
	return flag, strings.TrimSpace(strings.TrimPrefix(text, flag))
}

func resolveRelative(source, path string) string {
	if filepath.IsAbs(path) || urlSchemePattern.MatchString(path) {
		return path
	}
	return filepath.Join(filepath.Dir(source), path)
}

func entryError(source string, line int, text string, err error) *EntryError {
	return &EntryError{Entry: text, Source: source, Line: line, Reason: err.Error()}
}

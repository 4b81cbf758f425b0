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
	"fmt"
)

var (
	ErrPrerequisiteInstallFailed  = errors.New("prerequisite install failed")
	ErrEnvironmentProvisionFailed = errors.New("environment provision failed")
	ErrManifestNotFound           = errors.New("manifest not found")
	ErrDependencyInstallFailed    = errors.New("dependency install failed")
	ErrEnvironmentInvalid         = errors.New("environment invalid")
)

const (
	ExitOK               = 0
	ExitPrerequisite     = 1
	ExitProvision        = 2
	ExitDependency       = 3
	ExitManifestNotFound = 4
	// ExitUsage covers errors outside the pipeline taxonomy, which in
	// practice are invalid flags or configuration.
	ExitUsage = 64
)

// Step identifies a pipeline state.
type Step int

const (
	StepPrerequisiteInstall Step = iota
	StepEnvironmentProvision
	StepDependencyInstall
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepPrerequisiteInstall:
		return "prerequisite install"
	case StepEnvironmentProvision:
		return "environment provision"
	case StepDependencyInstall:
		return "dependency install"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// StepError is the pipeline's failure sink: the step that failed, the
// taxonomy error describing how, and the underlying cause.
type StepError struct {
	Step  Step
	Kind  error
	Entry string
	Cause error
}

func (e *StepError) Error() string {
	msg := e.Step.String() + ": " + e.Kind.Error()
	if e.Entry != "" {
		msg += fmt.Sprintf(" at %q", e.Entry)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *StepError) ExitCode() int {
	return ExitCode(e)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrManifestNotFound):
		return ExitManifestNotFound
	case errors.Is(err, ErrPrerequisiteInstallFailed):
		return ExitPrerequisite
	case errors.Is(err, ErrEnvironmentProvisionFailed):
		return ExitProvision
	case errors.Is(err, ErrDependencyInstallFailed), errors.Is(err, ErrEnvironmentInvalid):
		return ExitDependency
	default:
		return ExitUsage
	}
}

func stepError(step Step, kind error, cause error) *StepError {
	return &StepError{Step: step, Kind: kind, Cause: cause}
}

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
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/venvboot/pkg/util"
)

const defaultWaitDelay = 5 * time.Second

// Command is one subprocess invocation.
type Command struct {
	Name string
	Args []string
	// Env is the complete environment. Nil inherits the caller's.
	Env []string
	Dir string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes subprocesses on behalf of the pipeline.
type Runner interface {
	// Run executes cmd with its output forwarded to the console and
	// returns once it exits.
	Run(ctx context.Context, cmd Command) error
	// Output executes cmd and returns its standard output.
	Output(ctx context.Context, cmd Command) ([]byte, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec. On cancellation the child is sent
// an interrupt and killed if it is still running after WaitDelay.
type ExecRunner struct {
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	WaitDelay time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		WaitDelay: defaultWaitDelay,
	}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	cmd := r.command(ctx, c)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	logger.Debugw("running command", "cmd", c.String(), "dir", c.Dir)
	return wrapExecError(ctx, c, cmd.Run())
}

func (r *ExecRunner) Output(ctx context.Context, c Command) ([]byte, error) {
	cmd := r.command(ctx, c)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debugw("querying command", "cmd", c.String())
	out, err := cmd.Output()
	if err != nil {
		err = wrapExecError(ctx, c, err)
		if detail := util.FirstLine(stderr.String()); detail != "" {
			err = pkgerrors.Wrap(err, detail)
		}
	}
	return out, err
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *ExecRunner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.WaitDelay
	return cmd
}

func wrapExecError(ctx context.Context, c Command, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pkgerrors.Wrapf(ctxErr, "%s interrupted", c.Name)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return pkgerrors.Wrapf(err, "%s exited with status %d", c.Name, exitErr.ExitCode())
	}
	return pkgerrors.Wrapf(err, "failed to run %s", c.Name)
}

// Package subprocess runs external tools (git, cargo, make, the conformance suite) to completion.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
)

type Command struct {
	Name string
	Args []string

	// Dir is the working directory; the current directory when empty.
	Dir string

	// Env is added to the inherited environment of this command only.
	Env map[string]string

	// Unset names inherited variables this command must not see.
	Unset []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// ExitError is returned when a command ran but did not succeed.
type ExitError struct {
	Command  Command
	ExitCode int
	Output   []byte
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d: %v", e.Command.String(), e.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type Runner struct {
	log     *slog.Logger
	verbose bool
	stdout  io.Writer
}

type Option func(*Runner)

// WithStdout sets where output is streamed in verbose mode and printed on failure otherwise.
func WithStdout(w io.Writer) Option {
	return func(r *Runner) {
		r.stdout = w
	}
}

func NewRunner(log *slog.Logger, verbose bool, opts ...Option) *Runner {
	r := &Runner{
		log:     log,
		verbose: verbose,
		stdout:  os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes c and returns its combined output.
func (r *Runner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 || len(c.Unset) > 0 {
		cmd.Env = slices.DeleteFunc(os.Environ(), func(kv string) bool {
			k, _, _ := strings.Cut(kv, "=")
			_, overridden := c.Env[k]
			return overridden || slices.Contains(c.Unset, k)
		})
		for _, k := range slices.Sorted(maps.Keys(c.Env)) {
			cmd.Env = append(cmd.Env, k+"="+c.Env[k])
		}
	}

	r.log.Debug("--> Executing command", "cmd", cmd.Args, "dir", c.Dir, "env", c.Env, "unset", c.Unset)

	var output bytes.Buffer
	var w io.Writer = &output
	if r.verbose {
		w = io.MultiWriter(&output, r.stdout)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Run(); err != nil {
		metrics.SubprocessErrors.WithLabelValues(filepath.Base(c.Name)).Inc()
		if !r.verbose {
			fmt.Fprintln(r.stdout, output.String())
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return output.Bytes(), &ExitError{Command: c, ExitCode: exitCode, Output: output.Bytes(), Err: err}
	}
	return output.Bytes(), nil
}

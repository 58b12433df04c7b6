// Package agent runs the external coding agent headless and captures its
// transcript.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// DefaultBinary is the agent CLI invoked when none is configured.
const DefaultBinary = "claude"

// DefaultTimeout bounds a single agent invocation when the request has none.
const DefaultTimeout = 30 * time.Minute

// Request is a single agent invocation.
type Request struct {
	// WorkDir is the repository checkout the agent operates in.
	WorkDir string
	Prompt  string
	Timeout time.Duration
	// Label names the invocation in log output (e.g. "enrich P1").
	Label string
}

// Result holds the outcome of a single agent invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool // true if the agent was killed due to timeout
}

// Failed reports whether the run must be treated as a failure. A timeout is
// a failure regardless of exit code.
func (r *Result) Failed() bool {
	return r.TimedOut || r.ExitCode != 0
}

// Err describes a failed run, or returns nil.
func (r *Result) Err() error {
	switch {
	case r.TimedOut:
		return fmt.Errorf("agent timed out after %s", r.Duration.Round(time.Second))
	case r.ExitCode != 0:
		return fmt.Errorf("agent exited %d: %s", r.ExitCode, tail(r.Stderr, 500))
	}
	return nil
}

func tail(s string, n int) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Runner is the coding-agent capability.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CommandFactory builds an *exec.Cmd for the given context, binary, working
// directory and arguments. Tests inject a factory that re-invokes the test
// binary as a helper process.
type CommandFactory func(ctx context.Context, binary, workDir string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, binary, workDir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workDir
	return cmd
}

// CLI runs the agent binary in print mode with stream-json output.
type CLI struct {
	Binary string
	Model  string
	// Output receives stdout live. It is usually a LogFormatter. Nil discards.
	Output         io.Writer
	CommandFactory CommandFactory
}

// NewCLI returns a CLI for binary (DefaultBinary when empty).
func NewCLI(binary, model string, output io.Writer) *CLI {
	if binary == "" {
		binary = DefaultBinary
	}
	return &CLI{Binary: binary, Model: model, Output: output}
}

// Args returns the argument list for prompt.
func (c *CLI) Args(prompt string) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	return append(args, prompt)
}

// Run implements Runner. The process is killed when ctx is done or the
// request timeout elapses. A non-zero exit is reported in Result, not as an
// error; the error is reserved for failures to launch.
func (c *CLI) Run(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	factory := c.CommandFactory
	if factory == nil {
		factory = defaultCommandFactory
	}
	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	cmd := factory(ctx, binary, req.WorkDir, c.Args(req.Prompt)...)

	var stdoutBuf, stderrBuf bytes.Buffer
	if c.Output != nil {
		cmd.Stdout = io.MultiWriter(&stdoutBuf, c.Output)
	} else {
		cmd.Stdout = &stdoutBuf
	}
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run agent: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
		TimedOut: timedOut,
	}, nil
}

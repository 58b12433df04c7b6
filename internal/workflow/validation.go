package workflow

import (
	"context"
	"time"

	"prpflow/internal/shell"
)

// DefaultValidationTimeout bounds each validation command when the project
// does not set one.
const DefaultValidationTimeout = 10 * time.Minute

// ValidationResult records one validation command. Failures are recorded,
// never fatal.
type ValidationResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"-"`
}

// Mark renders the result for the PR body table.
func (v ValidationResult) Mark() string {
	switch {
	case v.Passed:
		return "✅ pass"
	case v.TimedOut:
		return "⏱ timed out"
	}
	return "❌ fail"
}

// validationCommands returns the configured (name, command) pairs in
// build, test, format order.
func (r *Runner) validationCommands() [][2]string {
	v := r.Project.Validation
	var out [][2]string
	for _, c := range [][2]string{{"build", v.Build}, {"test", v.Test}, {"format", v.Format}} {
		if c[1] != "" {
			out = append(out, c)
		}
	}
	return out
}

// validate runs each configured validation command through sh -c in the
// project directory.
func (r *Runner) validate(ctx context.Context) []ValidationResult {
	timeout := r.Project.ValidationTimeout
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	runner := r.Shell
	if runner == nil {
		runner = shell.ExecRunner{}
	}

	var results []ValidationResult
	for _, c := range r.validationCommands() {
		res, err := runner.Run(ctx, shell.Command{
			Name:    "sh",
			Args:    []string{"-c", c[1]},
			Dir:     r.Project.Path,
			Timeout: timeout,
		})
		vr := ValidationResult{
			Name:     c[0],
			Command:  c[1],
			Passed:   err == nil && res.OK(),
			TimedOut: res.TimedOut,
			Duration: res.Duration,
			Output:   tail(res.Stdout+res.Stderr, 2000),
		}
		r.logger().Info("validation", "check", vr.Name, "passed", vr.Passed, "timed_out", vr.TimedOut)
		results = append(results, vr)
	}
	return results
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

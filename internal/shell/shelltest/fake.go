// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"prpflow/internal/shell"
)

// Response is the canned result for a matched command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	// Do runs before the response is returned; use it to simulate side
	// effects such as an agent writing files.
	Do func(cmd shell.Command)
}

type rule struct {
	prefix string
	resp   Response
	once   bool
	used   bool
}

// Fake matches commands against registered prefixes. The command line used
// for matching is "<name> <args...>" joined with single spaces. Later rules
// win over earlier ones so tests can override defaults. Unmatched commands
// succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []*rule
	calls []shell.Command
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// On registers a response for every command starting with prefix.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, resp: resp})
	return f
}

// Once registers a response consumed by the first matching command only.
func (f *Fake) Once(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, resp: resp, once: true})
	return f
}

// Run implements shell.Runner.
func (f *Fake) Run(_ context.Context, cmd shell.Command) (shell.Result, error) {
	line := Line(cmd)

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var matched *Response
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if r.once && r.used {
			continue
		}
		if strings.HasPrefix(line, r.prefix) {
			r.used = true
			resp := r.resp
			matched = &resp
			break
		}
	}
	f.mu.Unlock()

	if matched == nil {
		return shell.Result{}, nil
	}
	if matched.Do != nil {
		matched.Do(cmd)
	}
	res := shell.Result{
		Stdout:   matched.Stdout,
		Stderr:   matched.Stderr,
		ExitCode: matched.ExitCode,
	}
	if matched.Err != nil {
		return res, matched.Err
	}
	if matched.ExitCode != 0 {
		return res, &shell.ExitError{Command: cmd.Name, ExitCode: matched.ExitCode, Stderr: matched.Stderr}
	}
	return res, nil
}

// Calls returns the command lines seen so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = Line(c)
	}
	return out
}

// Commands returns the raw commands seen so far.
func (f *Fake) Commands() []shell.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]shell.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// Called reports whether any command line starts with prefix.
func (f *Fake) Called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Line renders a command as the string used for matching.
func Line(cmd shell.Command) string {
	if len(cmd.Args) == 0 {
		return cmd.Name
	}
	return cmd.Name + " " + strings.Join(cmd.Args, " ")
}

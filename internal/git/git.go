// Package git is the version-control capability used by prpflow.
//
// Client wraps the git CLI through a shell.Runner. Every call is short and
// synchronous; the working tree is assumed to be exclusively owned by the
// current lock holder for the duration of a run.
package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"prpflow/internal/shell"
)

// DefaultRemote is the remote every branch operation targets.
const DefaultRemote = "origin"

// ErrNoDefaultBranch is returned when neither origin/HEAD nor a common
// default branch name can be resolved.
var ErrNoDefaultBranch = errors.New("cannot find default branch (tried origin/HEAD, main, master)")

// Client runs git commands in a single repository.
type Client struct {
	Runner shell.Runner
	Dir    string
	Remote string
}

// New returns a Client for the repository at dir.
func New(runner shell.Runner, dir string) *Client {
	if runner == nil {
		runner = shell.ExecRunner{}
	}
	return &Client{Runner: runner, Dir: dir, Remote: DefaultRemote}
}

func (c *Client) remote() string {
	if c.Remote == "" {
		return DefaultRemote
	}
	return c.Remote
}

func (c *Client) run(ctx context.Context, args ...string) (shell.Result, error) {
	return c.Runner.Run(ctx, shell.Command{Name: "git", Args: args, Dir: c.Dir})
}

func (c *Client) output(ctx context.Context, args ...string) (string, error) {
	return shell.Output(ctx, c.Runner, shell.Command{Name: "git", Args: args, Dir: c.Dir})
}

// IsRepository reports an error unless Dir is inside a git work tree.
func (c *Client) IsRepository(ctx context.Context) error {
	out, err := c.output(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return fmt.Errorf("not a git repository %s: %w", c.Dir, err)
	}
	if out != "true" {
		return fmt.Errorf("not a git work tree: %s", c.Dir)
	}
	return nil
}

// DefaultBranch resolves the integration branch name (e.g. "main").
// It first asks for origin/HEAD, then falls back to common names.
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	prefix := "refs/remotes/" + c.remote() + "/"
	if ref, err := c.output(ctx, "symbolic-ref", prefix+"HEAD"); err == nil && strings.HasPrefix(ref, prefix) {
		return strings.TrimPrefix(ref, prefix), nil
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := c.run(ctx, "rev-parse", "--verify", "--quiet", c.remote()+"/"+candidate); err == nil {
			return candidate, nil
		}
		if _, err := c.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrNoDefaultBranch
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Fetch updates remote-tracking refs and prunes deleted branches.
func (c *Client) Fetch(ctx context.Context) error {
	if _, err := c.run(ctx, "fetch", "--prune", c.remote()); err != nil {
		return fmt.Errorf("fetch %s: %w", c.remote(), err)
	}
	return nil
}

// Checkout switches to an existing local branch.
func (c *Client) Checkout(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// ForceCheckout switches to branch, discarding local modifications to
// tracked files. Untracked files left by a failed attempt are removed too.
func (c *Client) ForceCheckout(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "checkout", "-f", branch); err != nil {
		return fmt.Errorf("checkout -f %s: %w", branch, err)
	}
	if _, err := c.run(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// CreateBranch creates branch from the current HEAD and checks it out.
func (c *Client) CreateBranch(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// HasLocalBranch reports whether refs/heads/<branch> exists.
func (c *Client) HasLocalBranch(ctx context.Context, branch string) bool {
	_, err := c.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CheckoutRemoteBranch checks out a branch that exists on the remote,
// creating a local tracking branch when needed and fast-forwarding an
// existing one.
func (c *Client) CheckoutRemoteBranch(ctx context.Context, branch string) error {
	if c.HasLocalBranch(ctx, branch) {
		if err := c.Checkout(ctx, branch); err != nil {
			return err
		}
		return c.Pull(ctx, branch)
	}
	if _, err := c.run(ctx, "checkout", "-b", branch, "--track", c.remote()+"/"+branch); err != nil {
		return fmt.Errorf("checkout remote branch %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// Pull fast-forwards the current branch from the remote branch.
func (c *Client) Pull(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "pull", "--ff-only", c.remote(), branch); err != nil {
		return fmt.Errorf("pull %s: %w", branch, err)
	}
	return nil
}

// Push pushes branch to the remote and sets upstream tracking.
func (c *Client) Push(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "push", "-u", c.remote(), branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// Add stages paths. With no paths, every change in the work tree is staged.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	args := []string{"add", "-A"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	return nil
}

// Commit records the staged changes. With paths, only those paths are
// committed and anything else stays staged.
func (c *Client) Commit(ctx context.Context, message string, paths ...string) error {
	args := []string{"commit", "-m", message}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// HasStagedChanges reports whether the index differs from HEAD, limited to
// paths when given.
func (c *Client) HasStagedChanges(ctx context.Context, paths ...string) (bool, error) {
	args := []string{"diff", "--cached", "--quiet"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err := c.run(ctx, args...)
	if err == nil {
		return false, nil
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode == 1 {
		return true, nil
	}
	return false, fmt.Errorf("diff --cached: %w", err)
}

// CommitsAhead counts commits reachable from head but not from base.
func (c *Client) CommitsAhead(ctx context.Context, base, head string) (int, error) {
	out, err := c.output(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, fmt.Errorf("rev-list %s..%s: %w", base, head, err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("rev-list count %q: %w", out, err)
	}
	return n, nil
}

// FileStatus is one entry of `git status --porcelain`.
type FileStatus struct {
	Code string // two-letter XY status, e.g. " M", "??"
	Path string
}

// Status lists changed files in porcelain form.
func (c *Client) Status(ctx context.Context) ([]FileStatus, error) {
	res, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return parsePorcelain(res.Stdout), nil
}

// HasChanges reports whether the work tree has any staged, unstaged or
// untracked changes.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	files, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func parsePorcelain(out string) []FileStatus {
	var files []FileStatus
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames are reported as "old -> new".
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, FileStatus{Code: line[:2], Path: path})
	}
	return files
}

// Branch is a remote branch with its tip commit time.
type Branch struct {
	Name       string
	CommitTime time.Time
}

// RemoteBranches lists remote branches whose name starts with prefix,
// most recent tip commit first; ties are ordered by name.
func (c *Client) RemoteBranches(ctx context.Context, prefix string) ([]Branch, error) {
	pattern := "refs/remotes/" + c.remote() + "/" + prefix + "*"
	res, err := c.run(ctx, "for-each-ref",
		"--format=%(committerdate:unix)%09%(refname:strip=3)",
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("list remote branches %s: %w", prefix, err)
	}
	return parseBranches(res.Stdout, prefix), nil
}

func parseBranches(out, prefix string) []Branch {
	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ts, name, ok := strings.Cut(line, "\t")
		if !ok || name == "HEAD" || !strings.HasPrefix(name, prefix) {
			continue
		}
		secs, _ := strconv.ParseInt(ts, 10, 64)
		branches = append(branches, Branch{Name: name, CommitTime: time.Unix(secs, 0)})
	}
	sort.SliceStable(branches, func(i, j int) bool {
		if !branches[i].CommitTime.Equal(branches[j].CommitTime) {
			return branches[i].CommitTime.After(branches[j].CommitTime)
		}
		return branches[i].Name < branches[j].Name
	})
	return branches
}

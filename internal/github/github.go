// Package github is the review-hosting capability, backed by the gh CLI.
//
// All reads use `gh ... --json` and decode into the minimal structs below.
// A bot token, when configured, is handed to each gh invocation through
// GH_TOKEN on that command only.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"prpflow/internal/shell"
)

// PR states as reported by gh.
const (
	StateOpen   = "OPEN"
	StateMerged = "MERGED"
	StateClosed = "CLOSED"
)

// Review decisions as reported by gh.
const (
	DecisionApproved         = "APPROVED"
	DecisionChangesRequested = "CHANGES_REQUESTED"
	DecisionReviewRequired   = "REVIEW_REQUIRED"
)

// prFields is the --json field list shared by every list call.
const prFields = "number,title,state,headRefName,reviewDecision,labels,mergedAt,url"

// Label is a PR label.
type Label struct {
	Name string `json:"name"`
}

// PullRequest holds the PR metadata prpflow needs.
type PullRequest struct {
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	State          string     `json:"state"`
	HeadRefName    string     `json:"headRefName"`
	ReviewDecision string     `json:"reviewDecision"`
	Labels         []Label    `json:"labels"`
	MergedAt       *time.Time `json:"mergedAt"`
	URL            string     `json:"url"`
}

// LabelNames returns the PR's label names.
func (p PullRequest) LabelNames() []string {
	names := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Client runs gh in a repository checkout.
type Client struct {
	Runner shell.Runner
	Dir    string
	// Token is passed as GH_TOKEN when non-empty.
	Token string
}

// New returns a Client for the repository at dir.
func New(runner shell.Runner, dir, token string) *Client {
	if runner == nil {
		runner = shell.ExecRunner{}
	}
	return &Client{Runner: runner, Dir: dir, Token: token}
}

func (c *Client) command(args ...string) shell.Command {
	cmd := shell.Command{Name: "gh", Args: args, Dir: c.Dir}
	if c.Token != "" {
		cmd.Env = []string{"GH_TOKEN=" + c.Token}
	}
	return cmd
}

func (c *Client) run(ctx context.Context, args ...string) (shell.Result, error) {
	return c.Runner.Run(ctx, c.command(args...))
}

// AuthStatus returns an error when gh is not authenticated.
func (c *Client) AuthStatus(ctx context.Context) error {
	if _, err := c.run(ctx, "auth", "status"); err != nil {
		return fmt.Errorf("gh auth status: %w", err)
	}
	return nil
}

// ListByHead returns at most one PR, in any state, whose head branch is branch.
func (c *Client) ListByHead(ctx context.Context, branch string) ([]PullRequest, error) {
	return c.list(ctx, "--head", branch, "--state", "all", "--limit", "1")
}

// ListMergedByPrefix returns up to limit merged PRs whose head branch starts
// with prefix. The query is scoped server-side with a head: search qualifier;
// the search tokenizes branch names, so results are filtered again here.
func (c *Client) ListMergedByPrefix(ctx context.Context, prefix string, limit int) ([]PullRequest, error) {
	prs, err := c.list(ctx, "--state", "merged",
		"--search", "head:"+strings.TrimSuffix(prefix, "/"),
		"--limit", strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	matched := prs[:0]
	for _, pr := range prs {
		if strings.HasPrefix(pr.HeadRefName, prefix) {
			matched = append(matched, pr)
		}
	}
	return matched, nil
}

func (c *Client) list(ctx context.Context, extraArgs ...string) ([]PullRequest, error) {
	args := append([]string{"pr", "list", "--json", prFields}, extraArgs...)
	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parsePullRequests([]byte(res.Stdout))
}

func parsePullRequests(data []byte) ([]PullRequest, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var prs []PullRequest
	if err := json.Unmarshal([]byte(trimmed), &prs); err != nil {
		return nil, fmt.Errorf("parsing gh pr list output: %w", err)
	}
	return prs, nil
}

// CreateOptions describes a new PR.
type CreateOptions struct {
	Title string
	Body  string
	Base  string
	Head  string
}

// Create opens a PR and returns its number and URL.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (int, string, error) {
	res, err := c.run(ctx, "pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", opts.Base,
		"--head", opts.Head,
	)
	if err != nil {
		return 0, "", fmt.Errorf("gh pr create: %w", err)
	}
	url := lastLine(res.Stdout)
	return numberFromURL(url), url, nil
}

// Comment posts a discussion comment on PR number.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	if _, err := c.run(ctx, "pr", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("gh pr comment %d: %w", number, err)
	}
	return nil
}

// MergeSquash squash-merges PR number and deletes its head branch.
func (c *Client) MergeSquash(ctx context.Context, number int) error {
	if _, err := c.run(ctx, "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch"); err != nil {
		return fmt.Errorf("gh pr merge %d: %w", number, err)
	}
	return nil
}

// RemoveLabels removes labels from PR number.
func (c *Client) RemoveLabels(ctx context.Context, number int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	if _, err := c.run(ctx, "pr", "edit", strconv.Itoa(number), "--remove-label", strings.Join(labels, ",")); err != nil {
		return fmt.Errorf("gh pr edit %d: %w", number, err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// numberFromURL extracts N from ".../pull/N". Returns 0 when absent.
func numberFromURL(url string) int {
	i := strings.LastIndex(url, "/")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(url[i+1:])
	if err != nil {
		return 0
	}
	return n
}

package github

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FeedbackKind says where a piece of review feedback came from.
type FeedbackKind string

const (
	FeedbackReview  FeedbackKind = "review"
	FeedbackInline  FeedbackKind = "inline"
	FeedbackComment FeedbackKind = "comment"
)

// FeedbackEntry is one review, inline comment or discussion comment.
type FeedbackEntry struct {
	Kind      FeedbackKind
	Author    string
	Body      string
	Path      string
	Line      int
	CreatedAt time.Time
}

// Feedback is the review feedback on a PR, oldest first.
type Feedback struct {
	Entries []FeedbackEntry
}

// Empty reports whether there is no feedback text.
func (f Feedback) Empty() bool {
	for _, e := range f.Entries {
		if strings.TrimSpace(e.Body) != "" {
			return false
		}
	}
	return true
}

// AfterMarker drops every entry whose body contains marker and every entry
// created before the newest such entry.
func (f Feedback) AfterMarker(marker string) Feedback {
	var cutoff time.Time
	for _, e := range f.Entries {
		if strings.Contains(e.Body, marker) && e.CreatedAt.After(cutoff) {
			cutoff = e.CreatedAt
		}
	}
	var out Feedback
	for _, e := range f.Entries {
		if strings.Contains(e.Body, marker) {
			continue
		}
		if !cutoff.IsZero() && !e.CreatedAt.After(cutoff) {
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	return out
}

// Document renders the feedback as a single markdown document.
func (f Feedback) Document() string {
	var b strings.Builder
	for _, e := range f.Entries {
		body := strings.TrimSpace(e.Body)
		if body == "" {
			continue
		}
		switch e.Kind {
		case FeedbackReview:
			fmt.Fprintf(&b, "### Review requesting changes (@%s)\n\n", e.Author)
		case FeedbackInline:
			loc := e.Path
			if e.Line > 0 {
				loc += ":" + strconv.Itoa(e.Line)
			}
			fmt.Fprintf(&b, "### Inline comment on `%s` (@%s)\n\n", loc, e.Author)
		default:
			fmt.Fprintf(&b, "### Comment (@%s)\n\n", e.Author)
		}
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

type ghAuthor struct {
	Login string `json:"login"`
}

type prViewFeedback struct {
	Reviews []struct {
		Author      ghAuthor  `json:"author"`
		Body        string    `json:"body"`
		State       string    `json:"state"`
		SubmittedAt time.Time `json:"submittedAt"`
	} `json:"reviews"`
	Comments []struct {
		Author    ghAuthor  `json:"author"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"comments"`
}

type inlineComment struct {
	User      ghAuthor  `json:"user"`
	Body      string    `json:"body"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback collects change-requesting reviews, inline review comments and
// discussion comments on PR number.
func (c *Client) Feedback(ctx context.Context, number int) (Feedback, error) {
	n := strconv.Itoa(number)
	res, err := c.run(ctx, "pr", "view", n, "--json", "reviews,comments")
	if err != nil {
		return Feedback{}, fmt.Errorf("gh pr view %d: %w", number, err)
	}
	fb, err := parseViewFeedback([]byte(res.Stdout))
	if err != nil {
		return Feedback{}, err
	}

	inline, err := c.run(ctx, "api", "repos/{owner}/{repo}/pulls/"+n+"/comments", "--paginate")
	if err != nil {
		return Feedback{}, fmt.Errorf("gh api pull comments %d: %w", number, err)
	}
	entries, err := parseInlineComments([]byte(inline.Stdout))
	if err != nil {
		return Feedback{}, err
	}
	fb.Entries = append(fb.Entries, entries...)

	sort.SliceStable(fb.Entries, func(i, j int) bool {
		return fb.Entries[i].CreatedAt.Before(fb.Entries[j].CreatedAt)
	})
	return fb, nil
}

func parseViewFeedback(data []byte) (Feedback, error) {
	var view prViewFeedback
	if err := json.Unmarshal(data, &view); err != nil {
		return Feedback{}, fmt.Errorf("parsing gh pr view output: %w", err)
	}
	var fb Feedback
	for _, r := range view.Reviews {
		if r.State != DecisionChangesRequested {
			continue
		}
		fb.Entries = append(fb.Entries, FeedbackEntry{
			Kind:      FeedbackReview,
			Author:    r.Author.Login,
			Body:      r.Body,
			CreatedAt: r.SubmittedAt,
		})
	}
	for _, cm := range view.Comments {
		fb.Entries = append(fb.Entries, FeedbackEntry{
			Kind:      FeedbackComment,
			Author:    cm.Author.Login,
			Body:      cm.Body,
			CreatedAt: cm.CreatedAt,
		})
	}
	return fb, nil
}

// parseInlineComments decodes `gh api --paginate` output, which concatenates
// one JSON array per page.
func parseInlineComments(data []byte) ([]FeedbackEntry, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	var entries []FeedbackEntry
	for dec.More() {
		var page []inlineComment
		if err := dec.Decode(&page); err != nil {
			return nil, fmt.Errorf("parsing pull comments: %w", err)
		}
		for _, ic := range page {
			entries = append(entries, FeedbackEntry{
				Kind:      FeedbackInline,
				Author:    ic.User.Login,
				Body:      ic.Body,
				Path:      ic.Path,
				Line:      ic.Line,
				CreatedAt: ic.CreatedAt,
			})
		}
	}
	return entries, nil
}

package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gh "github.com/cli/go-gh/v2"
)

// Issue is the subset of GitHub issue fields the orchestrator consumes.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"-"`
	State  string   `json:"state"`
}

// GitHub invokes the gh CLI for issue and pull-request operations.
type GitHub struct{}

// NewGitHub returns a gh-CLI backed client.
func NewGitHub() *GitHub {
	return &GitHub{}
}

// FetchIssue loads an issue by number, including its label names.
func (c *GitHub) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	stdout, _, err := gh.ExecContext(ctx, "issue", "view", strconv.Itoa(number),
		"--json", "number,title,body,state,labels")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue #%d: %w", number, err)
	}

	var raw struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse issue #%d: %w", number, err)
	}

	issue := &Issue{
		Number: raw.Number,
		Title:  raw.Title,
		Body:   raw.Body,
		State:  raw.State,
	}
	for _, l := range raw.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, nil
}

// ToJSON renders the issue as the generic object stored in issue_json.
func (i *Issue) ToJSON() map[string]any {
	labels := make([]any, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l)
	}
	return map[string]any{
		"number": i.Number,
		"title":  i.Title,
		"body":   i.Body,
		"state":  i.State,
		"labels": labels,
	}
}

// Classify maps issue labels onto the internal issue class, keeping the
// leading slash. Unlabeled issues default to /feature.
func (i *Issue) Classify() string {
	for _, label := range i.Labels {
		switch strings.ToLower(label) {
		case "bug":
			return "/bug"
		case "chore":
			return "/chore"
		case "patch":
			return "/patch"
		case "feature", "enhancement":
			return "/feature"
		}
	}
	return "/feature"
}

// CreatePR opens a pull request from head into main and returns its URL.
func (c *GitHub) CreatePR(ctx context.Context, head, title, body string) (string, error) {
	stdout, _, err := gh.ExecContext(ctx, "pr", "create",
		"--head", head, "--base", "main", "--title", title, "--body", body)
	if err != nil {
		return "", fmt.Errorf("failed to create PR for %s: %w", head, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// MergePR merges the pull request for branch with the given strategy.
func (c *GitHub) MergePR(ctx context.Context, branch string, strategy MergeStrategy) error {
	flag := "--merge"
	switch strategy {
	case MergeSquash:
		flag = "--squash"
	case MergeRebase:
		flag = "--rebase"
	}
	_, _, err := gh.ExecContext(ctx, "pr", "merge", branch, flag, "--delete-branch")
	if err != nil {
		return fmt.Errorf("failed to merge PR for %s: %w", branch, err)
	}
	return nil
}

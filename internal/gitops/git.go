// Package gitops is a thin adapter over the git and GitHub CLIs. It shells
// out with a narrow contract and never implements its own git engine.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"adw/internal/observability"
)

// MergeStrategy selects how the merge stage integrates a branch.
type MergeStrategy string

const (
	MergeSquash MergeStrategy = "squash"
	MergeMerge  MergeStrategy = "merge"
	MergeRebase MergeStrategy = "rebase"
)

// Git runs git commands rooted at RepoDir. Worktree operations run from the
// main repository; commit and diff operations take an explicit directory so
// they apply inside a worktree.
type Git struct {
	RepoDir string
	logger  *observability.Logger
}

// New creates a Git adapter for the repository at repoDir.
func New(repoDir string, logger *observability.Logger) *Git {
	if logger == nil {
		logger = observability.NewComponentLogger("GitOps")
	}
	return &Git{RepoDir: repoDir, logger: logger}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = g.RepoDir
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), fmt.Errorf("git %s: %s: %w", args[0], msg, err)
	}
	return stdout.String(), nil
}

// FetchOrigin updates remote tracking refs before worktree creation.
func (g *Git) FetchOrigin(ctx context.Context) error {
	_, err := g.run(ctx, "", "fetch", "origin")
	return err
}

// WorktreeAdd creates a worktree at path on a new branch off main. When the
// branch already exists the add is retried without -b so the existing branch
// is checked out instead.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, "", "worktree", "add", "-b", branch, path, "main")
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already exists") {
		_, retryErr := g.run(ctx, "", "worktree", "add", path, branch)
		return retryErr
	}
	return err
}

// WorktreeRemove force-removes the worktree registration for path.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.run(ctx, "", "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops stale worktree registrations.
func (g *Git) WorktreePrune(ctx context.Context) error {
	_, err := g.run(ctx, "", "worktree", "prune")
	return err
}

// WorktreeList returns the registered worktree paths.
func (g *Git) WorktreeList(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, strings.TrimSpace(rest))
		}
	}
	return paths, nil
}

// CommitAll stages everything under dir and commits. A clean tree is not an
// error; ok reports whether a commit was produced.
func (g *Git) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}
	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// DiffEmpty reports whether the working tree at dir has no changes against
// HEAD, including untracked files.
func (g *Git) DiffEmpty(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) != "" {
		return false, nil
	}
	out, err = g.run(ctx, dir, "diff", "main...HEAD", "--name-only")
	if err != nil {
		// A missing main ref degrades to a plain diff against HEAD.
		out, err = g.run(ctx, dir, "diff", "HEAD", "--name-only")
		if err != nil {
			return false, err
		}
	}
	return strings.TrimSpace(out) == "", nil
}

// CheckMergeConflicts lists unmerged paths in dir.
func (g *Git) CheckMergeConflicts(ctx context.Context, dir string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Merge integrates branch into the checkout at dir using the given strategy.
func (g *Git) Merge(ctx context.Context, dir, branch string, strategy MergeStrategy) error {
	var args []string
	switch strategy {
	case MergeSquash:
		args = []string{"merge", "--squash", branch}
	case MergeRebase:
		args = []string{"rebase", branch}
	case MergeMerge, "":
		args = []string{"merge", "--no-ff", branch}
	default:
		return fmt.Errorf("unknown merge strategy %q", strategy)
	}
	_, err := g.run(ctx, dir, args...)
	return err
}

// Checkout switches the checkout at dir to ref.
func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	_, err := g.run(ctx, dir, "checkout", ref)
	return err
}

// Push pushes branch to origin.
func (g *Git) Push(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "push", "origin", branch)
	return err
}

// DeleteRemoteBranch removes branch from origin, best-effort.
func (g *Git) DeleteRemoteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "", "push", "origin", "--delete", branch)
	return err
}

// CurrentBranch returns the branch checked out at dir.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

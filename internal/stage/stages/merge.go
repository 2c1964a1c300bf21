package stages

import (
	"context"
	"fmt"
	"strings"

	"adw/internal/adwerrors"
	"adw/internal/gitops"
	"adw/internal/runner"
	"adw/internal/stage"
)

// mergeStage integrates the workflow branch into main: merge with the
// configured strategy, agent-assisted conflict resolution, validation tests,
// push, and worktree cleanup. An unresolved conflict fails the stage and
// leaves everything in place for manual intervention.
type mergeStage struct {
	stage.Hooks
}

func init() {
	stage.Register("merge", func() stage.Stage { return &mergeStage{} })
}

func (s *mergeStage) Name() string           { return "merge" }
func (s *mergeStage) DisplayName() string    { return "Merge" }
func (s *mergeStage) Dependencies() []string { return []string{"build"} }

func (s *mergeStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	if sc.State == nil || sc.State.BranchName == "" {
		return &adwerrors.PreconditionError{Stage: "merge", Message: "no branch name"}
	}
	if sc.WorktreePath == "" {
		return &adwerrors.PreconditionError{Stage: "merge", Message: "no worktree"}
	}
	return nil
}

func (s *mergeStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	return false, ""
}

func (s *mergeStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	branch := sc.State.BranchName
	repoDir := sc.Git.RepoDir

	strategy := gitops.MergeStrategy(sc.ConfigString("strategy"))
	if strategy == "" {
		strategy = gitops.MergeSquash
	}

	if err := sc.Git.Checkout(ctx, repoDir, "main"); err != nil {
		return stage.Failed("failed to checkout main", err)
	}

	mergeErr := sc.Git.Merge(ctx, repoDir, branch, strategy)
	if mergeErr != nil {
		resolved, err := s.resolveConflicts(ctx, sc, branch)
		if err != nil {
			return stage.Failed("merge conflict resolution failed", err)
		}
		if !resolved {
			conflicts, _ := sc.Git.CheckMergeConflicts(ctx, repoDir)
			// Leave the branch and worktree intact for manual intervention.
			return stage.Failed("merge conflicts remain", &adwerrors.ConflictUnresolvedError{
				Branch: branch,
				Files:  conflicts,
			})
		}
	}

	if strategy == gitops.MergeSquash {
		if _, err := sc.Git.CommitAll(ctx, repoDir, squashMessage(sc, branch)); err != nil {
			return stage.Failed("failed to commit squashed merge", err)
		}
	}

	if ok, result := s.runValidationTests(ctx, sc, repoDir); !ok {
		return result
	}

	if err := sc.Git.Push(ctx, repoDir, "main"); err != nil {
		return stage.Failed("failed to push main", err)
	}

	if err := sc.Git.DeleteRemoteBranch(ctx, branch); err != nil {
		sc.Logger.Warn("failed to delete remote branch", "branch", branch, "error", err)
	}
	if _, err := sc.Worktrees.Remove(ctx, sc.ADWID); err != nil {
		sc.Logger.Warn("failed to remove worktree after merge", "adw_id", sc.ADWID, "error", err)
	} else {
		sc.State.WorktreePath = ""
	}

	return stage.Completed(fmt.Sprintf("merged %s into main (%s)", branch, strategy), map[string]any{
		"branch":   branch,
		"strategy": string(strategy),
	})
}

// resolveConflicts spawns the agent with the unmerged file list. Returns
// true when the conflict set is empty afterwards.
func (s *mergeStage) resolveConflicts(ctx context.Context, sc *stage.Context, branch string) (bool, error) {
	repoDir := sc.Git.RepoDir

	conflicts, err := sc.Git.CheckMergeConflicts(ctx, repoDir)
	if err != nil {
		return false, err
	}
	if len(conflicts) == 0 {
		// The merge failed for a reason other than textual conflicts.
		return false, nil
	}

	sc.Logger.Info("merge conflicts detected, spawning resolver",
		"branch", branch, "files", len(conflicts))

	prompt := fmt.Sprintf(
		"Resolve the merge conflicts in the following files, keeping the intent of both "+
			"sides, then stage the resolved files with `git add`:\n\n%s",
		strings.Join(conflicts, "\n"))

	saveWorktree := sc.WorktreePath
	sc.WorktreePath = repoDir
	_, agentErr := runAgent(ctx, sc, "merge_resolver", prompt)
	sc.WorktreePath = saveWorktree
	if agentErr != nil {
		return false, agentErr
	}

	remaining, err := sc.Git.CheckMergeConflicts(ctx, repoDir)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		return false, nil
	}

	if _, err := sc.Git.CommitAll(ctx, repoDir, fmt.Sprintf("merge: resolve conflicts from %s", branch)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *mergeStage) runValidationTests(ctx context.Context, sc *stage.Context, repoDir string) (bool, stage.Result) {
	if sc.Config != nil {
		if skip, ok := sc.Config["run_validation_tests"].(bool); ok && !skip {
			return true, stage.Result{}
		}
	}

	saved := sc.WorktreePath
	sc.WorktreePath = repoDir
	command := testCommand(sc)
	sc.WorktreePath = saved
	if len(command) == 0 {
		return true, stage.Result{}
	}

	res := sc.Runner.Run(ctx, runner.Request{
		Command: command,
		Dir:     repoDir,
		Timeout: sc.AgentTimeout,
	})
	if !res.Success {
		return false, stage.Failed("post-merge validation tests failed", res.Err)
	}
	return true, stage.Result{}
}

func squashMessage(sc *stage.Context, branch string) string {
	if sc.IssueNumber != nil {
		return fmt.Sprintf("%s: %s (#%d)", sc.State.StrippedIssueClass(), sc.State.IssueTitle, *sc.IssueNumber)
	}
	return fmt.Sprintf("merge: squash %s", branch)
}
